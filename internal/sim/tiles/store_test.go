package tiles

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestStore_AddEventIsIdempotent(t *testing.T) {
	s := NewStore("m", 10, 10)
	c := Coord{X: 1, Y: 2}
	ev := ActiveEvent("ana", "is", "sleeping", "sleeping @ bed")
	if err := s.AddEvent(c, ev); err != nil {
		t.Fatalf("AddEvent: %v", err)
	}
	if err := s.AddEvent(c, ev); err != nil {
		t.Fatalf("AddEvent again: %v", err)
	}
	if got := len(s.ReadTile(c).Events); got != 1 {
		t.Fatalf("events=%d want 1", got)
	}
}

func TestStore_RejectsSecondActiveForSubject(t *testing.T) {
	s := NewStore("m", 10, 10)
	c := Coord{X: 3, Y: 3}
	if err := s.AddEvent(c, ActiveEvent("ana", "is", "reading", "")); err != nil {
		t.Fatalf("AddEvent: %v", err)
	}
	err := s.AddEvent(c, ActiveEvent("ana", "is", "cooking", ""))
	if !errors.Is(err, ErrTileStateInconsistency) {
		t.Fatalf("expected inconsistency, got %v", err)
	}
	// Idle records for the same subject may coexist with an active one.
	if err := s.AddEvent(c, IdleEvent("ana")); err != nil {
		t.Fatalf("AddEvent idle: %v", err)
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestStore_OutOfBounds(t *testing.T) {
	s := NewStore("m", 4, 4)
	if err := s.AddEvent(Coord{X: 4, Y: 0}, IdleEvent("x")); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("expected ErrOutOfBounds, got %v", err)
	}
	if err := s.AddEvent(Coord{X: -1, Y: 0}, IdleEvent("x")); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("expected ErrOutOfBounds, got %v", err)
	}
}

func TestStore_RemoveSubjectEvents(t *testing.T) {
	s := NewStore("m", 0, 0)
	c := Coord{X: 0, Y: 0}
	_ = s.AddEvent(c, ActiveEvent("ana", "is", "idle", ""))
	_ = s.AddEvent(c, IdleEvent("ana"))
	_ = s.AddEvent(c, IdleEvent("bed"))
	if n := s.RemoveSubjectEvents(c, "ana"); n != 2 {
		t.Fatalf("removed=%d want 2", n)
	}
	evs := s.ReadTile(c).Events
	if len(evs) != 1 || evs[0] != IdleEvent("bed") {
		t.Fatalf("unexpected events: %v", evs)
	}
	if n := s.RemoveSubjectEvents(Coord{X: 9, Y: 9}, "ana"); n != 0 {
		t.Fatalf("removed on empty tile=%d", n)
	}
}

func TestStore_IdleEventMatchesSubjectAndObject(t *testing.T) {
	s := NewStore("m", 0, 0)
	c := Coord{X: 5, Y: 5}
	bed := ActiveEvent("house:bed", "is", "occupied", "being slept in")
	_ = s.AddEvent(c, bed)

	if s.IdleEvent(c, ActiveEvent("house:bed", "is", "unmade", "")) {
		t.Fatalf("object mismatch should not match")
	}
	if !s.IdleEvent(c, bed) {
		t.Fatalf("expected match")
	}
	evs := s.ReadTile(c).Events
	if len(evs) != 1 || evs[0] != IdleEvent("house:bed") {
		t.Fatalf("unexpected events after idle: %v", evs)
	}
	if s.IdleEvent(c, bed) {
		t.Fatalf("second idle should find nothing")
	}
}

func TestStore_CaptureRestore(t *testing.T) {
	s := NewStore("m", 0, 0)
	a, b := Coord{X: 0, Y: 0}, Coord{X: 1, Y: 0}
	_ = s.AddEvent(a, ActiveEvent("ana", "is", "walking", ""))
	before := s.Digest()

	cp := s.Capture(a, b, a)
	s.RemoveSubjectEvents(a, "ana")
	_ = s.AddEvent(b, ActiveEvent("ana", "is", "walking", ""))
	if s.Digest() == before {
		t.Fatalf("digest should change after mutation")
	}
	s.Restore(cp)
	if s.Digest() != before {
		t.Fatalf("digest mismatch after restore")
	}
	if len(s.ReadTile(b).Events) != 0 {
		t.Fatalf("tile b should be empty after restore")
	}
}

func TestStore_EventsNearOrdering(t *testing.T) {
	s := NewStore("m", 0, 0)
	_ = s.AddEvent(Coord{X: 3, Y: 0}, IdleEvent("far"))
	_ = s.AddEvent(Coord{X: 1, Y: 1}, IdleEvent("near"))
	_ = s.AddEvent(Coord{X: 0, Y: 0}, IdleEvent("here"))
	_ = s.AddEvent(Coord{X: 9, Y: 9}, IdleEvent("out"))

	got := s.EventsNear(Coord{X: 0, Y: 0}, 3)
	want := []string{"here", "near", "far"}
	if len(got) != len(want) {
		t.Fatalf("got %d events: %v", len(got), got)
	}
	for i, w := range want {
		if got[i].Event.Subject != w {
			t.Fatalf("got[%d]=%s want %s", i, got[i].Event.Subject, w)
		}
	}
}

func TestEvent_JSON(t *testing.T) {
	b, err := json.Marshal([]Event{IdleEvent("bed"), ActiveEvent("ana", "is", "reading", "reading a book")})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `[{"subject":"bed","idle":true},{"subject":"ana","predicate":"is","object":"reading","description":"reading a book"}]`
	if string(b) != want {
		t.Fatalf("json=%s", b)
	}
	var back []Event
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back[0] != IdleEvent("bed") || back[1].State.Kind != Active {
		t.Fatalf("unexpected decode: %v", back)
	}
}

func TestLoadMap(t *testing.T) {
	dir := t.TempDir()
	raw := `
id: tiny
world: town
width: 6
height: 4
arenas:
  - sector: cafe
    arena: kitchen
    from: [0, 0]
    to: [2, 1]
objects:
  - name: stove
    tiles: [[1, 0], [2, 0]]
collision:
  - [5, 3]
`
	if err := os.WriteFile(filepath.Join(dir, "tiny.yaml"), []byte(raw), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	s, err := LoadMap(dir, "tiny")
	if err != nil {
		t.Fatalf("LoadMap: %v", err)
	}
	tile := s.ReadTile(Coord{X: 1, Y: 0})
	if tile.Address() != "town:cafe:kitchen:stove" {
		t.Fatalf("address=%q", tile.Address())
	}
	if len(tile.Events) != 1 || tile.Events[0] != IdleEvent("town:cafe:kitchen:stove") {
		t.Fatalf("placeholder missing: %v", tile.Events)
	}
	if !s.ReadTile(Coord{X: 5, Y: 3}).Collision {
		t.Fatalf("collision not set")
	}
	if got := s.ReadTile(Coord{X: 0, Y: 1}).Address(); got != "town:cafe:kitchen" {
		t.Fatalf("arena address=%q", got)
	}
}

func TestLoadMap_ObjectOutsideArena(t *testing.T) {
	_, err := Build(MapFile{
		ID: "bad", World: "w", Width: 3, Height: 3,
		Objects: []ObjectDef{{Name: "chair", Tiles: [][2]int{{1, 1}}}},
	})
	if err == nil {
		t.Fatalf("expected error")
	}
}
