package tiles

import (
	"encoding/json"
	"fmt"
)

// Coord addresses one tile of the 2D map.
type Coord struct {
	X int
	Y int
}

func (c Coord) String() string { return fmt.Sprintf("(%d, %d)", c.X, c.Y) }

func (c Coord) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{c.X, c.Y})
}

func (c *Coord) UnmarshalJSON(b []byte) error {
	var xy [2]int
	if err := json.Unmarshal(b, &xy); err != nil {
		return fmt.Errorf("coord: %w", err)
	}
	c.X, c.Y = xy[0], xy[1]
	return nil
}

func (c Coord) Array() [2]int { return [2]int{c.X, c.Y} }

func FromArray(xy [2]int) Coord { return Coord{X: xy[0], Y: xy[1]} }

// Distance is the Chebyshev distance, which is what "within radius r" means on the grid.
func (c Coord) Distance(o Coord) int {
	dx := abs(c.X - o.X)
	dy := abs(c.Y - o.Y)
	if dx > dy {
		return dx
	}
	return dy
}

type StateKind uint8

const (
	Idle StateKind = iota
	Active
)

func (k StateKind) String() string {
	if k == Active {
		return "active"
	}
	return "idle"
}

// State is the tagged payload of an event record. Idle carries no fields.
type State struct {
	Kind        StateKind
	Predicate   string
	Object      string
	Description string
}

func IdleState() State { return State{} }

func ActiveState(predicate, object, description string) State {
	return State{Kind: Active, Predicate: predicate, Object: object, Description: description}
}

// Event is an immutable record stored on a tile. It is comparable and used as a set key.
type Event struct {
	Subject string
	State   State
}

func IdleEvent(subject string) Event { return Event{Subject: subject} }

func ActiveEvent(subject, predicate, object, description string) Event {
	return Event{Subject: subject, State: ActiveState(predicate, object, description)}
}

func (e Event) IsIdle() bool { return e.State.Kind == Idle }

func (e Event) String() string {
	if e.IsIdle() {
		return fmt.Sprintf("(%s, idle)", e.Subject)
	}
	return fmt.Sprintf("(%s, %s, %s, %s)", e.Subject, e.State.Predicate, e.State.Object, e.State.Description)
}

type eventJSON struct {
	Subject     string `json:"subject"`
	Idle        bool   `json:"idle,omitempty"`
	Predicate   string `json:"predicate,omitempty"`
	Object      string `json:"object,omitempty"`
	Description string `json:"description,omitempty"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	if e.IsIdle() {
		return json.Marshal(eventJSON{Subject: e.Subject, Idle: true})
	}
	return json.Marshal(eventJSON{
		Subject:     e.Subject,
		Predicate:   e.State.Predicate,
		Object:      e.State.Object,
		Description: e.State.Description,
	})
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var raw eventJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw.Idle {
		*e = IdleEvent(raw.Subject)
		return nil
	}
	*e = ActiveEvent(raw.Subject, raw.Predicate, raw.Object, raw.Description)
	return nil
}

// Placed is an event together with the tile it was read from.
type Placed struct {
	Tile  Coord
	Event Event
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
