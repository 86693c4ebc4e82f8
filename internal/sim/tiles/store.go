package tiles

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrTileStateInconsistency marks a tile store that no longer satisfies its invariants
// (two active records for one subject on a tile, or a cleanup with nothing to clean).
var ErrTileStateInconsistency = errors.New("tile state inconsistency")

var ErrOutOfBounds = errors.New("tile out of bounds")

// Tile is a read-only view of one tile: its address on the map plus a sorted copy of its events.
type Tile struct {
	Coord      Coord   `json:"coord"`
	World      string  `json:"world,omitempty"`
	Sector     string  `json:"sector,omitempty"`
	Arena      string  `json:"arena,omitempty"`
	GameObject string  `json:"game_object,omitempty"`
	Collision  bool    `json:"collision,omitempty"`
	Events     []Event `json:"events"`
}

// Address joins the non-empty address parts with ':'.
func (t Tile) Address() string {
	parts := make([]string, 0, 4)
	for _, p := range []string{t.World, t.Sector, t.Arena, t.GameObject} {
		if p == "" {
			break
		}
		parts = append(parts, p)
	}
	return strings.Join(parts, ":")
}

// Reader is the read side of the store handed to agent runtimes.
type Reader interface {
	ReadTile(c Coord) Tile
	EventsNear(c Coord, radius int) []Placed
}

type tileState struct {
	info   Tile
	events map[Event]struct{}
}

// Store maps tile coordinates to sets of events. Width/height of zero mean unbounded.
type Store struct {
	mu     sync.RWMutex
	mapID  string
	width  int
	height int
	tiles  map[Coord]*tileState
}

func NewStore(mapID string, width, height int) *Store {
	return &Store{
		mapID:  mapID,
		width:  width,
		height: height,
		tiles:  map[Coord]*tileState{},
	}
}

func (s *Store) MapID() string { return s.mapID }

func (s *Store) Bounds() (width, height int) { return s.width, s.height }

func (s *Store) InBounds(c Coord) bool {
	if c.X < 0 || c.Y < 0 {
		return false
	}
	if s.width > 0 && c.X >= s.width {
		return false
	}
	if s.height > 0 && c.Y >= s.height {
		return false
	}
	return true
}

// setInfo records static address data for a tile. Used by the map loader.
func (s *Store) setInfo(t Tile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.tileLocked(t.Coord)
	ts.info = t
	ts.info.Events = nil
}

func (s *Store) tileLocked(c Coord) *tileState {
	ts := s.tiles[c]
	if ts == nil {
		ts = &tileState{info: Tile{Coord: c}, events: map[Event]struct{}{}}
		s.tiles[c] = ts
	}
	return ts
}

// AddEvent inserts ev at c. Adding a record that is already present is a no-op.
// An active record is rejected when the tile already holds a different active record
// for the same subject.
func (s *Store) AddEvent(c Coord, ev Event) error {
	if !s.InBounds(c) {
		return fmt.Errorf("add %s at %s: %w", ev, c, ErrOutOfBounds)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.tileLocked(c)
	if _, ok := ts.events[ev]; ok {
		return nil
	}
	if ev.State.Kind == Active {
		for other := range ts.events {
			if other.Subject == ev.Subject && other.State.Kind == Active {
				return fmt.Errorf("%w: %s already holds %s, cannot add %s", ErrTileStateInconsistency, c, other, ev)
			}
		}
	}
	ts.events[ev] = struct{}{}
	return nil
}

// RemoveEvent deletes exactly ev from c. Missing records are ignored.
func (s *Store) RemoveEvent(c Coord, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts := s.tiles[c]; ts != nil {
		delete(ts.events, ev)
	}
}

// RemoveSubjectEvents deletes every record whose subject matches. It returns the number removed.
func (s *Store) RemoveSubjectEvents(c Coord, subject string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.tiles[c]
	if ts == nil {
		return 0
	}
	n := 0
	for ev := range ts.events {
		if ev.Subject == subject {
			delete(ts.events, ev)
			n++
		}
	}
	return n
}

// IdleEvent replaces the active record at c matching ev's subject and object with an idle
// record of the same subject. It reports whether a record was found.
func (s *Store) IdleEvent(c Coord, ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.tiles[c]
	if ts == nil {
		return false
	}
	for other := range ts.events {
		if other.Subject == ev.Subject && other.State.Kind == Active && other.State.Object == ev.State.Object {
			delete(ts.events, other)
			ts.events[IdleEvent(ev.Subject)] = struct{}{}
			return true
		}
	}
	return false
}

func (s *Store) ReadTile(c Coord) Tile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts := s.tiles[c]
	if ts == nil {
		return Tile{Coord: c, Events: []Event{}}
	}
	out := ts.info
	out.Coord = c
	out.Events = sortedEvents(ts.events)
	return out
}

// EventsNear returns every event within radius of c, nearest tiles first.
func (s *Store) EventsNear(c Coord, radius int) []Placed {
	if radius < 0 {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var coords []Coord
	for at, ts := range s.tiles {
		if len(ts.events) == 0 || at.Distance(c) > radius {
			continue
		}
		coords = append(coords, at)
	}
	sort.Slice(coords, func(i, j int) bool {
		di, dj := coords[i].Distance(c), coords[j].Distance(c)
		if di != dj {
			return di < dj
		}
		return lessCoord(coords[i], coords[j])
	})
	var out []Placed
	for _, at := range coords {
		for _, ev := range sortedEvents(s.tiles[at].events) {
			out = append(out, Placed{Tile: at, Event: ev})
		}
	}
	return out
}

// Checkpoint holds copies of event sets captured by Capture.
type Checkpoint struct {
	sets map[Coord]map[Event]struct{}
}

// Capture copies the event sets of the given tiles so a failed mutation can be undone.
func (s *Store) Capture(coords ...Coord) Checkpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := Checkpoint{sets: make(map[Coord]map[Event]struct{}, len(coords))}
	for _, c := range coords {
		if _, ok := cp.sets[c]; ok {
			continue
		}
		set := map[Event]struct{}{}
		if ts := s.tiles[c]; ts != nil {
			for ev := range ts.events {
				set[ev] = struct{}{}
			}
		}
		cp.sets[c] = set
	}
	return cp
}

func (s *Store) Restore(cp Checkpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c, set := range cp.sets {
		ts := s.tileLocked(c)
		ts.events = set
	}
}

// Validate checks that no tile carries two active records for one subject.
func (s *Store) Validate() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c, ts := range s.tiles {
		seen := map[string]Event{}
		for ev := range ts.events {
			if ev.State.Kind != Active {
				continue
			}
			if prev, ok := seen[ev.Subject]; ok {
				return fmt.Errorf("%w: %s holds %s and %s", ErrTileStateInconsistency, c, prev, ev)
			}
			seen[ev.Subject] = ev
		}
	}
	return nil
}

// Digest is a stable hash over every non-empty tile's events.
func (s *Store) Digest() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	coords := make([]Coord, 0, len(s.tiles))
	for c, ts := range s.tiles {
		if len(ts.events) > 0 {
			coords = append(coords, c)
		}
	}
	sort.Slice(coords, func(i, j int) bool { return lessCoord(coords[i], coords[j]) })
	h := sha256.New()
	for _, c := range coords {
		fmt.Fprintf(h, "%d,%d;", c.X, c.Y)
		for _, ev := range sortedEvents(s.tiles[c].events) {
			fmt.Fprintf(h, "%s\x00%d\x00%s\x00%s\x00%s\n", ev.Subject, ev.State.Kind, ev.State.Predicate, ev.State.Object, ev.State.Description)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

func sortedEvents(set map[Event]struct{}) []Event {
	out := make([]Event, 0, len(set))
	for ev := range set {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return lessEvent(out[i], out[j]) })
	return out
}

func lessEvent(a, b Event) bool {
	if a.Subject != b.Subject {
		return a.Subject < b.Subject
	}
	if a.State.Kind != b.State.Kind {
		return a.State.Kind < b.State.Kind
	}
	if a.State.Predicate != b.State.Predicate {
		return a.State.Predicate < b.State.Predicate
	}
	if a.State.Object != b.State.Object {
		return a.State.Object < b.State.Object
	}
	return a.State.Description < b.State.Description
}

func lessCoord(a, b Coord) bool {
	if a.Y != b.Y {
		return a.Y < b.Y
	}
	return a.X < b.X
}
