package world

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"townsim.ai/internal/persistence/snapshot"
	"townsim.ai/internal/sim/agent"
	"townsim.ai/internal/sim/bridge"
	"townsim.ai/internal/sim/clock"
	"townsim.ai/internal/sim/tiles"
)

type entry struct {
	id   string
	rt   agent.Runtime
	tile tiles.Coord
	// last is the most recent successful decision, reused when a later decision fails.
	last agent.Move
}

type cleanup struct {
	event tiles.Event
	tile  tiles.Coord
}

// World is the tick controller for one forked simulation.
//
// runMu serializes operations that advance or persist the simulation. mu guards the
// registry, tile store and ledger: ticks hold it for writing from placement through
// persistence, introspection holds it for reading.
type World struct {
	cfg   Config
	store *snapshot.Store
	log   *log.Logger

	simID        string
	forkSourceID string
	runID        string
	forkedAt     string
	mapID        string

	runMu sync.Mutex
	mu    sync.RWMutex

	clock  *clock.Clock
	tiles  *tiles.Store
	agents []*entry
	byID   map[string]*entry
	ledger []cleanup
	// known is the controller's record of the tile each agent was last sent to.
	known bridge.Positions
	// failed is the error that halted the run, guarded by runMu.
	failed error

	tickLogger  TickLogger
	auditLogger AuditLogger
	index       Index
	metrics     Metrics
	tracer      trace.Tracer
}

// Load forks source into target and opens the fork.
func Load(cfg Config, source, target string, policy snapshot.OverwritePolicy) (*World, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	meta, err := cfg.Store.Fork(source, target, policy)
	if err != nil {
		return nil, err
	}
	cfg.Logger.Printf("forked %s -> %s run=%s step=%d", source, target, meta.RunID, meta.Step)
	return Open(cfg, target)
}

// Open loads an existing snapshot without forking it.
func Open(cfg Config, simID string) (*World, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	meta, err := cfg.Store.ReadMeta(simID)
	if err != nil {
		return nil, err
	}
	start, err := clock.ParseDate(meta.StartDate)
	if err != nil {
		return nil, err
	}
	cur, err := clock.Parse(meta.CurrTime)
	if err != nil {
		return nil, err
	}
	clk, err := clock.New(start, cur, time.Duration(meta.SecPerStep)*time.Second, meta.Step)
	if err != nil {
		return nil, err
	}
	ts, err := cfg.Maps(meta.MapID)
	if err != nil {
		return nil, fmt.Errorf("load map %q: %w", meta.MapID, err)
	}
	initial, err := initialPositions(cfg.Store, simID, meta.Step)
	if err != nil {
		return nil, err
	}

	w := &World{
		cfg:          cfg,
		store:        cfg.Store,
		log:          cfg.Logger,
		simID:        simID,
		forkSourceID: meta.ForkSourceID,
		runID:        meta.RunID,
		forkedAt:     meta.ForkedAt,
		mapID:        meta.MapID,
		clock:        clk,
		tiles:        ts,
		byID:         map[string]*entry{},
		known:        bridge.Positions{},
		tracer:       otel.Tracer("townsim.ai/internal/sim/world"),
	}
	for _, id := range meta.AgentIDs {
		if _, dup := w.byID[id]; dup {
			return nil, fmt.Errorf("%s: duplicate agent id %q", simID, id)
		}
		tile, ok := initial[id]
		if !ok {
			return nil, fmt.Errorf("%s: no initial tile for agent %q at step %d", simID, id, meta.Step)
		}
		rt, err := cfg.Agents(id, cfg.Store.AgentDir(simID, id))
		if err != nil {
			return nil, err
		}
		if rt.ID() != id {
			return nil, fmt.Errorf("%s: runtime for %q reports id %q", simID, id, rt.ID())
		}
		if err := ts.AddEvent(tile, rt.CurrentEvent()); err != nil {
			return nil, fmt.Errorf("%s: place %q: %w", simID, id, err)
		}
		e := &entry{id: id, rt: rt, tile: tile, last: agent.Move{Tile: tile}}
		w.agents = append(w.agents, e)
		w.byID[id] = e
		w.known[id] = tile
	}
	w.log.Printf("opened %s (source=%s) map=%s step=%d time=%s agents=%d",
		simID, meta.ForkSourceID, meta.MapID, meta.Step, meta.CurrTime, len(w.agents))
	return w, nil
}

// initialPositions reads environment/<step>, falling back to the tiles recorded in
// movement/<step> for snapshots saved by a controller with no frontend attached.
func initialPositions(store *snapshot.Store, simID string, step uint64) (bridge.Positions, error) {
	env, err := store.ReadEnvironment(simID, step)
	if err == nil {
		return bridge.FromEnvironment(env), nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	mv, merr := store.ReadMovement(simID, step)
	if merr != nil {
		if errors.Is(merr, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: no environment or movement record for step %d: %w", simID, step, snapshot.ErrNotFound)
		}
		return nil, merr
	}
	out := bridge.Positions{}
	for id, m := range mv.Agents {
		out[id] = tiles.FromArray(m.Movement)
	}
	return out, nil
}

func (w *World) SetTickLogger(l TickLogger)   { w.tickLogger = l }
func (w *World) SetAuditLogger(l AuditLogger) { w.auditLogger = l }
func (w *World) SetIndex(i Index)             { w.index = i }
func (w *World) SetMetrics(m Metrics)         { w.metrics = m }
func (w *World) SetTracer(t trace.Tracer) {
	if t != nil {
		w.tracer = t
	}
}

func (w *World) SimID() string { return w.simID }

func (w *World) Step() uint64 { return w.clock.Step() }

func (w *World) Now() time.Time { return w.clock.Now() }

func (w *World) meta() snapshot.Meta {
	ids := make([]string, 0, len(w.agents))
	for _, e := range w.agents {
		ids = append(ids, e.id)
	}
	return snapshot.Meta{
		ForkSourceID: w.forkSourceID,
		SimID:        w.simID,
		RunID:        w.runID,
		ForkedAt:     w.forkedAt,
		StartDate:    clock.FormatDate(w.clock.Start()),
		CurrTime:     clock.Format(w.clock.Now()),
		SecPerStep:   int(w.clock.PerStep() / time.Second),
		MapID:        w.mapID,
		AgentIDs:     ids,
		Step:         w.clock.Step(),
	}
}

// Save persists metadata and every runtime's state into the fork's own tree.
func (w *World) Save() error {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	if err := w.halted(); err != nil {
		return err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()

	for _, e := range w.agents {
		if err := e.rt.Save(w.store.AgentDir(w.simID, e.id)); err != nil {
			return fmt.Errorf("save agent %s: %w", e.id, err)
		}
	}
	m := w.meta()
	if err := w.store.WriteMeta(w.simID, m); err != nil {
		return err
	}
	w.log.Printf("saved %s at step %d (%s)", w.simID, m.Step, m.CurrTime)
	return nil
}

// Discard deletes the fork's tree. The World must not be used afterwards.
func (w *World) Discard() error {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	if err := w.store.Remove(w.simID); err != nil {
		return err
	}
	w.log.Printf("discarded %s", w.simID)
	return nil
}
