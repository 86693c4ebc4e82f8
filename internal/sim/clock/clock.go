package clock

import (
	"fmt"
	"sync"
	"time"
)

// Layouts used by persisted metadata and movement records.
const (
	DateLayout = "January 02, 2006"
	TimeLayout = "January 02, 2006, 15:04:05"
)

// Clock pairs the simulated time with the step counter. Both advance together in Advance.
type Clock struct {
	mu      sync.RWMutex
	start   time.Time
	current time.Time
	perStep time.Duration
	step    uint64
}

func New(start, current time.Time, perStep time.Duration, step uint64) (*Clock, error) {
	if perStep <= 0 {
		return nil, fmt.Errorf("clock: seconds per step must be > 0, got %s", perStep)
	}
	if current.Before(start) {
		return nil, fmt.Errorf("clock: current time %s before start %s", Format(current), Format(start))
	}
	return &Clock{start: start, current: current, perStep: perStep, step: step}, nil
}

func (c *Clock) Start() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.start
}

func (c *Clock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

func (c *Clock) Step() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.step
}

func (c *Clock) PerStep() time.Duration { return c.perStep }

// Next returns the step and time Advance would produce, without changing the clock.
func (c *Clock) Next() (uint64, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.step + 1, c.current.Add(c.perStep)
}

func (c *Clock) Advance() (uint64, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.step++
	c.current = c.current.Add(c.perStep)
	return c.step, c.current
}

func Format(t time.Time) string { return t.Format(TimeLayout) }

func FormatDate(t time.Time) string { return t.Format(DateLayout) }

func Parse(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("clock: parse time %q: %w", s, err)
	}
	return t, nil
}

// ParseDate accepts "January 02, 2006" and also a full time stamp.
func ParseDate(s string) (time.Time, error) {
	if t, err := time.Parse(DateLayout, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("clock: parse date %q", s)
}

func SameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
