package agent

import (
	"context"
	"time"

	"townsim.ai/internal/sim/clock"
	"townsim.ai/internal/sim/tiles"
)

// DayBoundary tells a runtime whether the current tick opens a new simulated day for it.
type DayBoundary int

const (
	SameDay DayBoundary = iota
	FirstDay
	NewDay
)

func (d DayBoundary) String() string {
	switch d {
	case FirstDay:
		return "First day"
	case NewDay:
		return "New day"
	default:
		return "same day"
	}
}

// Boundary compares the runtime's last observed time with now. A zero lastSeen means the
// runtime has never observed a tick.
func Boundary(lastSeen, now time.Time) DayBoundary {
	if lastSeen.IsZero() {
		return FirstDay
	}
	if !clock.SameDay(lastSeen, now) {
		return NewDay
	}
	return SameDay
}

type ChatLine struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// Move is a runtime's decision for one tick: the next tile plus presentation fields.
type Move struct {
	Tile        tiles.Coord `json:"tile"`
	Glyph       string      `json:"glyph"`
	Description string      `json:"description"`
	Chat        []ChatLine  `json:"chat,omitempty"`
}

// Peers is the registry view given to runtimes during decision. It is only valid for the
// duration of the Decide call.
type Peers interface {
	IDs() []string
	TileOf(id string) (tiles.Coord, bool)
	Runtime(id string) (Runtime, bool)
}

type DecideInput struct {
	Tiles     tiles.Reader
	Peers     Peers
	Tile      tiles.Coord
	Now       time.Time
	Day       DayBoundary
	Perceived []tiles.Event
}

// Runtime is one agent's cognition. The controller never looks inside it.
//
// CurrentEvent's subject must equal ID. Decide must record in.Now so LastSeen reports it
// on the next tick.
type Runtime interface {
	ID() string
	CurrentEvent() tiles.Event
	ObjectEvent() tiles.Event
	HasPath() bool
	LastSeen() time.Time
	Perceive(ctx context.Context, view tiles.Reader, at tiles.Coord) ([]tiles.Event, error)
	Decide(ctx context.Context, in DecideInput) (Move, error)
	Save(dir string) error
}

// Scheduler is implemented by runtimes that can render their daily plan.
type Scheduler interface {
	Schedule() string
}

// Interviewer is implemented by runtimes that can answer free-form questions.
type Interviewer interface {
	Answer(ctx context.Context, question string) (string, error)
}

// Loader builds a runtime for id from its per-agent snapshot directory.
type Loader func(id, dir string) (Runtime, error)
