package clock

import (
	"testing"
	"time"
)

func TestClock_AdvanceMovesStepAndTimeTogether(t *testing.T) {
	start := time.Date(2023, time.February, 13, 0, 0, 0, 0, time.UTC)
	c, err := New(start, start.Add(10*time.Minute), 10*time.Second, 60)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ns, nt := c.Next()
	if c.Step() != 60 {
		t.Fatalf("Next must not advance")
	}
	step, now := c.Advance()
	if step != 61 || step != ns || !now.Equal(nt) {
		t.Fatalf("Advance=(%d,%s) Next=(%d,%s)", step, now, ns, nt)
	}
	if want := start.Add(10*time.Minute + 10*time.Second); !c.Now().Equal(want) {
		t.Fatalf("now=%s want %s", c.Now(), want)
	}
}

func TestClock_RejectsBadInput(t *testing.T) {
	start := time.Date(2023, time.February, 13, 0, 0, 0, 0, time.UTC)
	if _, err := New(start, start, 0, 0); err == nil {
		t.Fatalf("expected error for zero step")
	}
	if _, err := New(start, start.Add(-time.Second), time.Second, 0); err == nil {
		t.Fatalf("expected error for current before start")
	}
}

func TestFormatParseRoundTrip(t *testing.T) {
	ts := time.Date(2023, time.February, 13, 7, 5, 30, 0, time.UTC)
	s := Format(ts)
	if s != "February 13, 2023, 07:05:30" {
		t.Fatalf("format=%q", s)
	}
	back, err := Parse(s)
	if err != nil || !back.Equal(ts) {
		t.Fatalf("parse=%s err=%v", back, err)
	}
	d, err := ParseDate("February 13, 2023")
	if err != nil || !SameDay(d, ts) {
		t.Fatalf("ParseDate=%s err=%v", d, err)
	}
}
