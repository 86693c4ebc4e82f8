package agent

import (
	"testing"
	"time"
)

func TestBoundary(t *testing.T) {
	day := time.Date(2023, time.February, 13, 23, 59, 50, 0, time.UTC)
	if got := Boundary(time.Time{}, day); got != FirstDay {
		t.Fatalf("zero lastSeen: got %s", got)
	}
	if got := Boundary(day, day.Add(5*time.Second)); got != SameDay {
		t.Fatalf("same day: got %s", got)
	}
	if got := Boundary(day, day.Add(10*time.Second)); got != NewDay {
		t.Fatalf("midnight: got %s", got)
	}
	if FirstDay.String() != "First day" || NewDay.String() != "New day" {
		t.Fatalf("unexpected labels")
	}
}
