package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"townsim.ai/internal/persistence/snapshot"
	"townsim.ai/internal/protocol"
	"townsim.ai/internal/sim/world"
)

// SQLiteIndex is a secondary, queryable index of forks and ticks. The snapshot tree and
// JSONL logs stay the source of truth; writes are queued and dropped under backlog.
type SQLiteIndex struct {
	db *sqlx.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropTick atomic.Uint64
	dropFork atomic.Uint64
}

type reqKind int

const (
	reqTick reqKind = iota + 1
	reqFork
)

type req struct {
	kind reqKind

	tick  world.TickLogEntry
	batch protocol.MovementBatch
	fork  ForkRow
}

type ForkRow struct {
	SimID        string `db:"sim_id" json:"sim_id"`
	ForkSourceID string `db:"fork_source_id" json:"fork_source_id"`
	RunID        string `db:"run_id" json:"run_id"`
	MapID        string `db:"map_id" json:"map_id"`
	Step         int64  `db:"step" json:"step"`
	CurrTime     string `db:"curr_time" json:"curr_time"`
	RecordedAt   string `db:"recorded_at" json:"recorded_at"`
}

type TickRow struct {
	SimID    string `db:"sim_id" json:"sim_id"`
	Step     int64  `db:"step" json:"step"`
	Time     string `db:"time" json:"time"`
	Digest   string `db:"digest" json:"digest"`
	Polls    int    `db:"polls" json:"polls"`
	WaitMS   int64  `db:"wait_ms" json:"wait_ms"`
	Failures int    `db:"failures" json:"failures"`
}

type MovementRow struct {
	Step        int64  `db:"step" json:"step"`
	X           int    `db:"x" json:"x"`
	Y           int    `db:"y" json:"y"`
	Glyph       string `db:"glyph" json:"glyph"`
	Description string `db:"description" json:"description"`
}

type Stats struct {
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	DropTickTotal uint64 `json:"drop_tick_total"`
	DropForkTotal uint64 `json:"drop_fork_total"`
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sqlx.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 16384),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sqlx.DB) error {
	pragmas := []string{
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sqlx.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS forks (
			sim_id TEXT PRIMARY KEY,
			fork_source_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			map_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			curr_time TEXT NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ticks (
			sim_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			time TEXT NOT NULL,
			digest TEXT NOT NULL,
			polls INTEGER NOT NULL,
			wait_ms INTEGER NOT NULL,
			failures INTEGER NOT NULL,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (sim_id, step)
		);`,
		`CREATE TABLE IF NOT EXISTS movements (
			sim_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			agent_id TEXT NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			glyph TEXT NOT NULL,
			description TEXT NOT NULL,
			PRIMARY KEY (sim_id, step, agent_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_movements_agent ON movements(sim_id, agent_id, step);`,
		`CREATE TABLE IF NOT EXISTS failures (
			sim_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			agent_id TEXT NOT NULL,
			phase TEXT NOT NULL,
			code TEXT NOT NULL,
			error TEXT NOT NULL,
			PRIMARY KEY (sim_id, step, agent_id)
		);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:    len(s.ch),
		QueueCapacity: cap(s.ch),
		DropTickTotal: s.dropTick.Load(),
		DropForkTotal: s.dropFork.Load(),
	}
}

// WriteTick implements world.Index.
func (s *SQLiteIndex) WriteTick(entry world.TickLogEntry, batch protocol.MovementBatch) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqTick, tick: entry, batch: batch}:
	default:
		s.dropTick.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) RecordFork(m snapshot.Meta) {
	if s == nil || s.closed.Load() {
		return
	}
	r := ForkRow{
		SimID:        m.SimID,
		ForkSourceID: m.ForkSourceID,
		RunID:        m.RunID,
		MapID:        m.MapID,
		Step:         int64(m.Step),
		CurrTime:     m.CurrTime,
		RecordedAt:   time.Now().UTC().Format(time.RFC3339Nano),
	}
	select {
	case s.ch <- req{kind: reqFork, fork: r}:
	default:
		s.dropFork.Add(1)
	}
}

// Lineage follows fork_source_id through recorded forks, starting at simID.
func (s *SQLiteIndex) Lineage(ctx context.Context, simID string) ([]ForkRow, error) {
	var out []ForkRow
	seen := map[string]bool{}
	cur := simID
	for cur != "" && !seen[cur] {
		seen[cur] = true
		var row ForkRow
		err := s.db.GetContext(ctx, &row, `SELECT sim_id,fork_source_id,run_id,map_id,step,curr_time,recorded_at FROM forks WHERE sim_id=?`, cur)
		if err == sql.ErrNoRows {
			break
		}
		if err != nil {
			return out, err
		}
		out = append(out, row)
		cur = row.ForkSourceID
	}
	return out, nil
}

func (s *SQLiteIndex) Ticks(ctx context.Context, simID string, fromStep uint64, limit int) ([]TickRow, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []TickRow
	err := s.db.SelectContext(ctx, &out,
		`SELECT sim_id,step,time,digest,polls,wait_ms,failures FROM ticks WHERE sim_id=? AND step>=? ORDER BY step LIMIT ?`,
		simID, int64(fromStep), limit)
	return out, err
}

// Trail returns an agent's recorded tiles in step order.
func (s *SQLiteIndex) Trail(ctx context.Context, simID, agentID string) ([]MovementRow, error) {
	var out []MovementRow
	err := s.db.SelectContext(ctx, &out,
		`SELECT step,x,y,glyph,description FROM movements WHERE sim_id=? AND agent_id=? ORDER BY step`,
		simID, agentID)
	return out, err
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertTick, _ := s.db.Preparex(`INSERT OR REPLACE INTO ticks(sim_id,step,time,digest,polls,wait_ms,failures,raw_json) VALUES(?,?,?,?,?,?,?,?)`)
	insertMove, _ := s.db.Preparex(`INSERT OR REPLACE INTO movements(sim_id,step,agent_id,x,y,glyph,description) VALUES(?,?,?,?,?,?,?)`)
	insertFailure, _ := s.db.Preparex(`INSERT OR REPLACE INTO failures(sim_id,step,agent_id,phase,code,error) VALUES(?,?,?,?,?,?)`)
	insertFork, _ := s.db.PrepareNamed(`INSERT OR REPLACE INTO forks(sim_id,fork_source_id,run_id,map_id,step,curr_time,recorded_at) VALUES(:sim_id,:fork_source_id,:run_id,:map_id,:step,:curr_time,:recorded_at)`)
	defer func() {
		for _, st := range []*sqlx.Stmt{insertTick, insertMove, insertFailure} {
			if st != nil {
				_ = st.Close()
			}
		}
		if insertFork != nil {
			_ = insertFork.Close()
		}
	}()

	var (
		tx            *sqlx.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	// Idle transactions are committed on a timer so readers are not starved.
	ticker := time.NewTicker(commitMaxWait)
	defer ticker.Stop()

	for {
		var (
			r  req
			ok bool
		)
		select {
		case r, ok = <-s.ch:
			if !ok {
				commit()
				return
			}
		case <-ticker.C:
			flushIfNeeded()
			continue
		}

		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqTick:
			if !s.applyTick(tx, insertTick, insertMove, insertFailure, r) {
				rollback()
				continue
			}
			opCount += 1 + len(r.batch.Agents) + len(r.tick.Failures)

		case reqFork:
			if insertFork == nil {
				continue
			}
			if _, err := tx.NamedStmt(insertFork).Exec(r.fork); err != nil {
				rollback()
				continue
			}
			opCount++
		}
		flushIfNeeded()
	}
}

func (s *SQLiteIndex) applyTick(tx *sqlx.Tx, insertTick, insertMove, insertFailure *sqlx.Stmt, r req) bool {
	if insertTick == nil || insertMove == nil || insertFailure == nil {
		return false
	}
	t := r.tick
	raw, _ := json.Marshal(t)
	if _, err := tx.Stmtx(insertTick).Exec(t.SimID, int64(t.Step), t.Time, t.Digest, t.Polls, t.WaitMS, len(t.Failures), string(raw)); err != nil {
		return false
	}
	ids := make([]string, 0, len(r.batch.Agents))
	for id := range r.batch.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		m := r.batch.Agents[id]
		if _, err := tx.Stmtx(insertMove).Exec(t.SimID, int64(t.Step), id, m.Movement[0], m.Movement[1], m.Glyph, m.Description); err != nil {
			return false
		}
	}
	for _, f := range t.Failures {
		if _, err := tx.Stmtx(insertFailure).Exec(t.SimID, int64(t.Step), f.AgentID, f.Phase, f.Code, f.Error); err != nil {
			return false
		}
	}
	return true
}
