package world

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"townsim.ai/internal/protocol"
	"townsim.ai/internal/sim/agent"
	"townsim.ai/internal/sim/bridge"
	"townsim.ai/internal/sim/clock"
	"townsim.ai/internal/sim/tiles"
)

// RunTicks executes up to n ticks. Cancelling ctx stops the run at the next tick boundary
// or while waiting on the bridge. Once a tick has started applying positions it runs to
// completion regardless of ctx. A tick that fails after mutating state halts the World.
func (w *World) RunTicks(ctx context.Context, n int) (RunReport, error) {
	w.runMu.Lock()
	defer w.runMu.Unlock()

	var rep RunReport
	if err := w.halted(); err != nil {
		return rep, err
	}
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		tr, err := w.tick(ctx)
		if err != nil {
			return rep, err
		}
		rep.Ticks = append(rep.Ticks, tr)
	}
	return rep, nil
}

func (w *World) halted() error {
	if w.failed == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrHalted, w.failed)
}

func (w *World) tick(ctx context.Context) (_ TickReport, err error) {
	started := time.Now()

	w.mu.RLock()
	req := bridge.Request{
		SimID:     w.simID,
		Step:      w.clock.Step(),
		Time:      w.clock.Now(),
		Positions: w.known.Clone(),
	}
	w.mu.RUnlock()

	// 1. wait for the environment.
	positions, polls, err := bridge.Await(ctx, w.cfg.Bridge, req, w.cfg.Wait)
	wait := time.Since(started)
	if w.metrics != nil {
		w.metrics.ObserveBridgeWait(wait, polls)
	}
	if err != nil {
		if w.metrics != nil && isTimeout(err) {
			w.metrics.IncBridgeTimeout()
		}
		return TickReport{}, err
	}

	// past this point the tick commits or halts; cancellation only applies between ticks.
	ctx, span := w.tracer.Start(context.WithoutCancel(ctx), "world.tick", trace.WithAttributes(
		attribute.String("sim.id", w.simID),
		attribute.Int64("sim.step", int64(req.Step)),
		attribute.Int("bridge.polls", polls),
	))
	defer span.End()

	w.mu.Lock()
	defer w.mu.Unlock()
	defer func() {
		if err != nil {
			w.failed = err
			w.log.Printf("step %d: halted: %v", req.Step, err)
		}
	}()

	// 2. settle last tick's object events.
	if err := w.settleLedger(req.Step); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return TickReport{}, err
	}

	// 3. apply environment positions.
	var failures []*AgentFailure
	unknown := 0
	for id := range positions {
		if _, ok := w.byID[id]; !ok {
			unknown++
		}
	}
	if unknown > 0 {
		w.log.Printf("step %d: bridge reported %d unregistered agent(s), ignored", req.Step, unknown)
	}
	misplaced := make([]bool, len(w.agents))
	for i, e := range w.agents {
		if f := w.place(e, positions, req.Step); f != nil {
			failures = append(failures, f)
			misplaced[i] = true
		}
	}
	if w.cfg.VerifyTiles {
		if err := w.tiles.Validate(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return TickReport{}, err
		}
	}

	// 4. perceive and decide.
	moves, decideFailures := w.decideAll(ctx, req, misplaced)
	failures = append(failures, decideFailures...)

	// 5. build the movement batch and advance.
	nextStep, nextTime := w.clock.Next()
	batch := protocol.MovementBatch{
		Agents: make(map[string]protocol.AgentMovement, len(w.agents)),
		Meta:   protocol.MovementMeta{CurrTime: clock.Format(nextTime)},
	}
	for i, e := range w.agents {
		batch.Agents[e.id] = toWire(moves[i])
	}

	// 6. persist, keyed by the new step. known positions and the clock only move once the
	// batch is on disk.
	if err := w.store.WriteMovement(w.simID, nextStep, batch); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return TickReport{}, fmt.Errorf("persist movement %d: %w", nextStep, err)
	}
	for i, e := range w.agents {
		w.known[e.id] = moves[i].Tile
	}
	w.clock.Advance()

	if pub, ok := w.cfg.Bridge.(bridge.Publisher); ok {
		if err := pub.Publish(ctx, nextStep, batch); err != nil {
			w.log.Printf("step %d: publish movement: %v", nextStep, err)
		}
	}

	rep := TickReport{
		Step:     nextStep,
		Time:     nextTime,
		Polls:    polls,
		Wait:     wait,
		Failures: failures,
		Batch:    batch,
	}
	w.record(rep, time.Since(started))
	span.SetAttributes(attribute.Int("agent.failures", len(failures)))
	return rep, nil
}

// settleLedger idles every object event spawned on the previous tick. A missing record
// means the tile store diverged from the ledger, which stops the run.
func (w *World) settleLedger(step uint64) error {
	for _, c := range w.ledger {
		if !w.tiles.IdleEvent(c.tile, c.event) {
			return fmt.Errorf("%w: step %d: pending cleanup %s at %s has no active record",
				ErrTileStateInconsistency, step, c.event, c.tile)
		}
		w.audit(AuditEntry{Step: step, Actor: "controller", Action: AuditIdle, Tile: c.tile.Array(), Event: c.event})
	}
	w.ledger = w.ledger[:0]
	return nil
}

// place moves one agent's event to its environment tile. Any failure restores both touched
// tiles and leaves the registry and ledger as they were.
func (w *World) place(e *entry, positions bridge.Positions, step uint64) *AgentFailure {
	to, ok := positions[e.id]
	if !ok {
		to = e.tile
	}
	from := e.tile
	cp := w.tiles.Capture(from, to)

	var spawned *cleanup
	err := func() error {
		w.tiles.RemoveSubjectEvents(from, e.id)
		if err := w.tiles.AddEvent(to, e.rt.CurrentEvent()); err != nil {
			return err
		}
		if e.rt.HasPath() {
			return nil
		}
		obj := e.rt.ObjectEvent()
		if obj.Subject == "" || obj.IsIdle() {
			return nil
		}
		if err := w.tiles.AddEvent(to, obj); err != nil {
			return err
		}
		w.tiles.RemoveEvent(to, tiles.IdleEvent(obj.Subject))
		spawned = &cleanup{event: obj, tile: to}
		return nil
	}()
	if err != nil {
		w.tiles.Restore(cp)
		w.audit(AuditEntry{Step: step, Actor: e.id, Action: AuditRollback, Tile: to.Array(), Reason: err.Error()})
		return &AgentFailure{AgentID: e.id, Step: step, Phase: PhasePlace, Err: err}
	}

	e.tile = to
	if spawned != nil && !w.pending(*spawned) {
		w.ledger = append(w.ledger, *spawned)
		w.audit(AuditEntry{Step: step, Actor: e.id, Action: AuditSpawn, Tile: to.Array(), Event: spawned.event})
	}
	return nil
}

func (w *World) pending(c cleanup) bool {
	for _, p := range w.ledger {
		if p == c {
			return true
		}
	}
	return false
}

// decideAll runs perceive and decide for every agent and returns one move per registry
// slot. A failed agent gets its previous move with its current tile. Agents marked in skip
// already failed placement this tick; they are not asked to decide and repeat their
// previous move.
func (w *World) decideAll(ctx context.Context, req bridge.Request, skip []bool) ([]agent.Move, []*AgentFailure) {
	n := len(w.agents)
	moves := make([]agent.Move, n)
	errs := make([]*AgentFailure, n)
	peers := peerView{w: w}

	run := func(i int) {
		if skip[i] {
			return
		}
		moves[i], errs[i] = w.decideOne(ctx, w.agents[i], peers, req)
	}
	if w.cfg.DecideConcurrency <= 1 || n <= 1 {
		for i := range w.agents {
			run(i)
		}
	} else {
		sem := make(chan struct{}, w.cfg.DecideConcurrency)
		var wg sync.WaitGroup
		for i := range w.agents {
			wg.Add(1)
			sem <- struct{}{}
			go func(i int) {
				defer wg.Done()
				defer func() { <-sem }()
				run(i)
			}(i)
		}
		wg.Wait()
	}

	var failures []*AgentFailure
	for i, e := range w.agents {
		if skip[i] || errs[i] != nil {
			if errs[i] != nil {
				failures = append(failures, errs[i])
			}
			prev := e.last
			prev.Tile = e.tile
			moves[i] = prev
			continue
		}
		e.last = moves[i]
	}
	return moves, failures
}

func (w *World) decideOne(ctx context.Context, e *entry, peers agent.Peers, req bridge.Request) (mv agent.Move, fail *AgentFailure) {
	ctx, span := w.tracer.Start(ctx, "agent.decide", trace.WithAttributes(attribute.String("agent.id", e.id)))
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			fail = &AgentFailure{AgentID: e.id, Step: req.Step, Phase: PhaseDecide, Err: fmt.Errorf("panic: %v", r)}
		}
		if fail != nil {
			span.RecordError(fail)
			span.SetStatus(codes.Error, fail.Error())
		}
	}()

	day := agent.Boundary(e.rt.LastSeen(), req.Time)
	perceived, err := e.rt.Perceive(ctx, w.tiles, e.tile)
	if err != nil {
		return agent.Move{}, &AgentFailure{AgentID: e.id, Step: req.Step, Phase: PhasePerceive, Err: err}
	}
	mv, err = e.rt.Decide(ctx, agent.DecideInput{
		Tiles:     w.tiles,
		Peers:     peers,
		Tile:      e.tile,
		Now:       req.Time,
		Day:       day,
		Perceived: perceived,
	})
	if err != nil {
		return agent.Move{}, &AgentFailure{AgentID: e.id, Step: req.Step, Phase: PhaseDecide, Err: err}
	}
	return mv, nil
}

func (w *World) record(rep TickReport, took time.Duration) {
	entry := TickLogEntry{
		SimID:          w.simID,
		Step:           rep.Step,
		Time:           clock.Format(rep.Time),
		Polls:          rep.Polls,
		WaitMS:         rep.Wait.Milliseconds(),
		DurationMS:     took.Milliseconds(),
		Moves:          make(map[string][2]int, len(rep.Batch.Agents)),
		PendingCleanup: len(w.ledger),
		Digest:         w.tiles.Digest(),
	}
	for id, m := range rep.Batch.Agents {
		entry.Moves[id] = m.Movement
	}
	for _, f := range rep.Failures {
		entry.Failures = append(entry.Failures, FailureRecord{
			AgentID: f.AgentID,
			Phase:   string(f.Phase),
			Code:    Code(f),
			Error:   f.Err.Error(),
		})
		w.log.Printf("step %d: %v", rep.Step, f)
		if w.metrics != nil {
			w.metrics.IncAgentFailure(string(f.Phase))
		}
	}
	if w.tickLogger != nil {
		if err := w.tickLogger.WriteTick(entry); err != nil {
			w.log.Printf("tick log: %v", err)
		}
	}
	if w.index != nil {
		if err := w.index.WriteTick(entry, rep.Batch); err != nil {
			w.log.Printf("tick index: %v", err)
		}
	}
	if w.metrics != nil {
		w.metrics.ObserveTick(took, rep.Step)
		w.metrics.SetPendingCleanup(len(w.ledger))
	}
}

func (w *World) audit(a AuditEntry) {
	if w.auditLogger == nil {
		return
	}
	a.SimID = w.simID
	if err := w.auditLogger.WriteAudit(a); err != nil {
		w.log.Printf("audit log: %v", err)
	}
}

func toWire(m agent.Move) protocol.AgentMovement {
	out := protocol.AgentMovement{
		Movement:    m.Tile.Array(),
		Glyph:       m.Glyph,
		Description: m.Description,
	}
	for _, c := range m.Chat {
		out.Chat = append(out.Chat, protocol.ChatLine{Speaker: c.Speaker, Text: c.Text})
	}
	return out
}

func isTimeout(err error) bool { return Code(err) == protocol.ErrBridgeTimeout }

// peerView exposes the registry to runtimes during decision. The controller holds the
// write lock for the whole decision phase, so reads here take no lock.
type peerView struct{ w *World }

func (p peerView) IDs() []string {
	out := make([]string, 0, len(p.w.agents))
	for _, e := range p.w.agents {
		out = append(out, e.id)
	}
	return out
}

func (p peerView) TileOf(id string) (tiles.Coord, bool) {
	e, ok := p.w.byID[id]
	if !ok {
		return tiles.Coord{}, false
	}
	return e.tile, true
}

func (p peerView) Runtime(id string) (agent.Runtime, bool) {
	e, ok := p.w.byID[id]
	if !ok {
		return nil, false
	}
	return e.rt, true
}
