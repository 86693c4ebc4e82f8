package indexdb

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"townsim.ai/internal/persistence/snapshot"
	"townsim.ai/internal/protocol"
	"townsim.ai/internal/sim/world"
)

func TestSQLiteIndex_ForksTicksAndLineage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")

	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	idx.RecordFork(snapshot.Meta{SimID: "a", ForkSourceID: "base", RunID: "r1", MapID: "town", CurrTime: "February 13, 2023, 00:00:00"})
	idx.RecordFork(snapshot.Meta{SimID: "b", ForkSourceID: "a", RunID: "r2", MapID: "town", Step: 30, CurrTime: "February 13, 2023, 00:05:00"})
	_ = idx.WriteTick(world.TickLogEntry{
		SimID: "b", Step: 31, Time: "February 13, 2023, 00:05:10", Digest: "abc", Polls: 2,
		Failures: []world.FailureRecord{{AgentID: "ana", Phase: "decide", Code: protocol.ErrAgentDecision, Error: "boom"}},
	}, protocol.MovementBatch{
		Agents: map[string]protocol.AgentMovement{
			"ana": {Movement: [2]int{1, 2}, Glyph: "x", Description: "walking"},
			"bob": {Movement: [2]int{3, 4}},
		},
	})
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	var failures int
	if err := db.QueryRow(`SELECT failures FROM ticks WHERE sim_id='b' AND step=31`).Scan(&failures); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if failures != 1 {
		t.Fatalf("failures=%d", failures)
	}
	_ = db.Close()

	idx, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer idx.Close()
	ctx := context.Background()

	lineage, err := idx.Lineage(ctx, "b")
	if err != nil {
		t.Fatalf("Lineage: %v", err)
	}
	if len(lineage) != 2 || lineage[0].SimID != "b" || lineage[1].SimID != "a" || lineage[1].ForkSourceID != "base" {
		t.Fatalf("lineage=%+v", lineage)
	}

	ticks, err := idx.Ticks(ctx, "b", 0, 10)
	if err != nil || len(ticks) != 1 || ticks[0].Digest != "abc" || ticks[0].Polls != 2 {
		t.Fatalf("ticks=%+v err=%v", ticks, err)
	}
	trail, err := idx.Trail(ctx, "b", "ana")
	if err != nil || len(trail) != 1 || trail[0].X != 1 || trail[0].Y != 2 || trail[0].Description != "walking" {
		t.Fatalf("trail=%+v err=%v", trail, err)
	}
}

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{kind: reqTick}

	_ = s.WriteTick(world.TickLogEntry{Step: 2}, protocol.MovementBatch{})
	s.RecordFork(snapshot.Meta{SimID: "x"})

	st := s.Stats()
	if st.DropTickTotal != 1 || st.DropForkTotal != 1 {
		t.Fatalf("drops: tick=%d fork=%d", st.DropTickTotal, st.DropForkTotal)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}
