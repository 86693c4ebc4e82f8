// Package scripted is a deterministic agent runtime driven by a daily schedule stored in the
// agent's snapshot directory. It walks toward each block's tile one step per tick and holds
// the block's activity while there.
package scripted

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"townsim.ai/internal/sim/agent"
	"townsim.ai/internal/sim/tiles"
)

const stateFile = "runtime.json"

// Activity is what the agent is doing and which object it is using.
type Activity struct {
	Description string `json:"description"`
	Glyph       string `json:"glyph"`
	// Address is the full game-object address, e.g. "town:cafe:kitchen:stove".
	Address     string `json:"address,omitempty"`
	ObjectState string `json:"object_state,omitempty"`
	ObjectNote  string `json:"object_note,omitempty"`
}

// Block is one schedule entry. Start is "HH:MM".
type Block struct {
	Start    string      `json:"start"`
	Minutes  int         `json:"minutes"`
	Tile     tiles.Coord `json:"tile"`
	Activity Activity    `json:"activity"`

	startMin int
}

type State struct {
	ID           string           `json:"id"`
	VisionRadius int              `json:"vision_radius"`
	Activity     Activity         `json:"activity"`
	Target       *tiles.Coord     `json:"target,omitempty"`
	Path         []tiles.Coord    `json:"path,omitempty"`
	LastSeen     time.Time        `json:"last_seen"`
	Schedule     []Block          `json:"schedule"`
	Chat         []agent.ChatLine `json:"chat,omitempty"`
	Knowledge    []string         `json:"knowledge,omitempty"`
}

type Runtime struct {
	mu    sync.Mutex
	state State
}

// Load is an agent.Loader.
func Load(id, dir string) (agent.Runtime, error) {
	raw, err := os.ReadFile(filepath.Join(dir, stateFile))
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", id, err)
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("agent %s: %s: %w", id, stateFile, err)
	}
	if st.ID == "" {
		st.ID = id
	}
	if st.ID != id {
		return nil, fmt.Errorf("agent %s: state belongs to %q", id, st.ID)
	}
	return New(st)
}

func New(st State) (*Runtime, error) {
	if st.VisionRadius <= 0 {
		st.VisionRadius = 4
	}
	for i := range st.Schedule {
		m, err := parseClock(st.Schedule[i].Start)
		if err != nil {
			return nil, fmt.Errorf("agent %s: schedule[%d]: %w", st.ID, i, err)
		}
		if st.Schedule[i].Minutes <= 0 {
			return nil, fmt.Errorf("agent %s: schedule[%d]: minutes must be > 0", st.ID, i)
		}
		st.Schedule[i].startMin = m
	}
	sort.SliceStable(st.Schedule, func(i, j int) bool { return st.Schedule[i].startMin < st.Schedule[j].startMin })
	return &Runtime{state: st}, nil
}

func (r *Runtime) ID() string { return r.state.ID }

func (r *Runtime) CurrentEvent() tiles.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.state.Activity
	if a.Description == "" {
		return tiles.IdleEvent(r.state.ID)
	}
	return tiles.ActiveEvent(r.state.ID, "is", a.Description, describe(a))
}

func (r *Runtime) ObjectEvent() tiles.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.state.Activity
	if a.Address == "" {
		return tiles.Event{}
	}
	if a.ObjectState == "" {
		return tiles.IdleEvent(a.Address)
	}
	note := a.ObjectNote
	if note == "" {
		note = a.ObjectState
	}
	return tiles.ActiveEvent(a.Address, "is", a.ObjectState, note)
}

func (r *Runtime) HasPath() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.state.Path) > 0
}

func (r *Runtime) LastSeen() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.LastSeen
}

func (r *Runtime) Perceive(ctx context.Context, view tiles.Reader, at tiles.Coord) ([]tiles.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	radius, self := r.state.VisionRadius, r.state.ID
	r.mu.Unlock()

	var out []tiles.Event
	for _, p := range view.EventsNear(at, radius) {
		if p.Event.Subject == self {
			continue
		}
		out = append(out, p.Event)
	}
	return out, nil
}

func (r *Runtime) Decide(ctx context.Context, in agent.DecideInput) (agent.Move, error) {
	if err := ctx.Err(); err != nil {
		return agent.Move{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.state.LastSeen = in.Now
	if in.Day != agent.SameDay {
		r.state.Chat = nil
	}
	for _, ev := range in.Perceived {
		if ev.IsIdle() {
			continue
		}
		r.remember(ev.String())
	}

	if b, ok := r.blockAt(in.Now); ok {
		if r.state.Target == nil || *r.state.Target != b.Tile || r.state.Activity != b.Activity {
			tgt := b.Tile
			r.state.Target = &tgt
			r.state.Activity = b.Activity
			r.state.Path = walk(in.Tile, b.Tile, in.Tiles)
		}
	}

	next := in.Tile
	if len(r.state.Path) > 0 {
		next = r.state.Path[0]
		r.state.Path = r.state.Path[1:]
	}
	return agent.Move{
		Tile:        next,
		Glyph:       r.state.Activity.Glyph,
		Description: describe(r.state.Activity),
		Chat:        append([]agent.ChatLine(nil), r.state.Chat...),
	}, nil
}

func (r *Runtime) Save(dir string) error {
	r.mu.Lock()
	b, err := json.MarshalIndent(r.state, "", "  ")
	r.mu.Unlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp := filepath.Join(dir, stateFile+".tmp")
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, stateFile))
}

func (r *Runtime) Schedule() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.state.Schedule) == 0 {
		return "(no schedule)"
	}
	var sb strings.Builder
	for _, b := range r.state.Schedule {
		fmt.Fprintf(&sb, "%s (%d min) %s\n", b.Start, b.Minutes, describe(b.Activity))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (r *Runtime) Answer(ctx context.Context, question string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	q := strings.ToLower(question)
	switch {
	case strings.Contains(q, "schedule") || strings.Contains(q, "plan"):
		var parts []string
		for _, b := range r.state.Schedule {
			parts = append(parts, fmt.Sprintf("%s %s", b.Start, b.Activity.Description))
		}
		if len(parts) == 0 {
			return "I have nothing planned today.", nil
		}
		return "Today I plan: " + strings.Join(parts, ", ") + ".", nil
	case strings.Contains(q, "seen") || strings.Contains(q, "notice"):
		if len(r.state.Knowledge) == 0 {
			return "I have not noticed anything.", nil
		}
		return "Lately I noticed " + strings.Join(r.state.Knowledge, "; ") + ".", nil
	}
	if r.state.Activity.Description == "" {
		return "I am not doing anything right now.", nil
	}
	return fmt.Sprintf("Right now I am %s.", describe(r.state.Activity)), nil
}

const maxKnowledge = 16

func (r *Runtime) remember(s string) {
	for _, k := range r.state.Knowledge {
		if k == s {
			return
		}
	}
	r.state.Knowledge = append(r.state.Knowledge, s)
	if len(r.state.Knowledge) > maxKnowledge {
		r.state.Knowledge = r.state.Knowledge[len(r.state.Knowledge)-maxKnowledge:]
	}
}

func (r *Runtime) blockAt(now time.Time) (Block, bool) {
	m := now.Hour()*60 + now.Minute()
	for _, b := range r.state.Schedule {
		if m >= b.startMin && m < b.startMin+b.Minutes {
			return b, true
		}
	}
	return Block{}, false
}

// walk produces a four-connected path from from to to (exclusive of from), moving along x
// first. Collision tiles are stepped around on the y axis when possible.
func walk(from, to tiles.Coord, view tiles.Reader) []tiles.Coord {
	var path []tiles.Coord
	cur := from
	for guard := 0; cur != to && guard < 10_000; guard++ {
		next := cur
		switch {
		case cur.X != to.X:
			next.X += sign(to.X - cur.X)
			if view != nil && view.ReadTile(next).Collision && cur.Y == to.Y {
				next = tiles.Coord{X: cur.X, Y: cur.Y + 1}
			}
		default:
			next.Y += sign(to.Y - cur.Y)
		}
		path = append(path, next)
		cur = next
	}
	return path
}

func describe(a Activity) string {
	if a.Address == "" {
		return a.Description
	}
	return a.Description + " @ " + a.Address
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("bad start %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func sign(v int) int {
	if v < 0 {
		return -1
	}
	return 1
}
