package world

import (
	"context"
	"fmt"

	"townsim.ai/internal/persistence/archive"
	"townsim.ai/internal/sim/agent"
	"townsim.ai/internal/sim/clock"
	"townsim.ai/internal/sim/tiles"
)

func (w *World) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	st := Status{
		SimID:          w.simID,
		ForkSourceID:   w.forkSourceID,
		RunID:          w.runID,
		MapID:          w.mapID,
		Step:           w.clock.Step(),
		CurrTime:       clock.Format(w.clock.Now()),
		Agents:         make(map[string][2]int, len(w.agents)),
		PendingCleanup: len(w.ledger),
	}
	for _, e := range w.agents {
		st.Agents[e.id] = e.tile.Array()
	}
	return st
}

// AgentIDs returns registry order.
func (w *World) AgentIDs() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.agents))
	for _, e := range w.agents {
		out = append(out, e.id)
	}
	return out
}

func (w *World) lookup(id string) (*entry, error) {
	e, ok := w.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, id)
	}
	return e, nil
}

func (w *World) AgentTile(id string) (tiles.Coord, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	e, err := w.lookup(id)
	if err != nil {
		return tiles.Coord{}, err
	}
	return e.tile, nil
}

func (w *World) Tile(c tiles.Coord) tiles.Tile {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.tiles.ReadTile(c)
}

func (w *World) InBounds(c tiles.Coord) bool { return w.tiles.InBounds(c) }

func (w *World) Schedule(id string) (string, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	e, err := w.lookup(id)
	if err != nil {
		return "", err
	}
	s, ok := e.rt.(agent.Scheduler)
	if !ok {
		return "", fmt.Errorf("schedule for %s: %w", id, ErrUnsupported)
	}
	return s.Schedule(), nil
}

// Ask poses a question to one agent's runtime.
func (w *World) Ask(ctx context.Context, id, question string) (string, error) {
	w.mu.RLock()
	e, err := w.lookup(id)
	w.mu.RUnlock()
	if err != nil {
		return "", err
	}
	iv, ok := e.rt.(agent.Interviewer)
	if !ok {
		return "", fmt.Errorf("ask %s: %w", id, ErrUnsupported)
	}
	return iv.Answer(ctx, question)
}

type Answer struct {
	AgentID string `json:"agent_id"`
	Answer  string `json:"answer,omitempty"`
	Error   string `json:"error,omitempty"`
}

// AskAll poses the same question to every agent in registry order.
func (w *World) AskAll(ctx context.Context, question string) []Answer {
	var out []Answer
	for _, id := range w.AgentIDs() {
		a, err := w.Ask(ctx, id, question)
		ans := Answer{AgentID: id, Answer: a}
		if err != nil {
			ans.Error = err.Error()
		}
		out = append(out, ans)
	}
	return out
}

func (w *World) Lineage() ([]string, error) {
	return w.store.Lineage(w.simID)
}

// Archive saves the simulation and packs its tree into path.
func (w *World) Archive(path string) (archive.Header, error) {
	if err := w.Save(); err != nil {
		return archive.Header{}, err
	}
	w.runMu.Lock()
	defer w.runMu.Unlock()
	return archive.WriteFile(path, w.store, w.simID)
}
