package main

import (
	"strings"
	"testing"
	"time"

	persistlog "townsim.ai/internal/persistence/log"
	"townsim.ai/internal/persistence/snapshot"
	"townsim.ai/internal/protocol"
	"townsim.ai/internal/sim/clock"
	"townsim.ai/internal/sim/world"
)

func writeRun(t *testing.T, store *snapshot.Store, steps int) time.Time {
	t.Helper()
	start := time.Date(2023, time.February, 13, 8, 0, 0, 0, time.UTC)
	tl := persistlog.NewTickLogger(store.Dir("run1"), 2)
	at := start
	for s := 1; s <= steps; s++ {
		at = at.Add(10 * time.Second)
		batch := protocol.MovementBatch{
			Agents: map[string]protocol.AgentMovement{"ana": {Movement: [2]int{s, 0}}},
			Meta:   protocol.MovementMeta{CurrTime: clock.Format(at)},
		}
		if err := store.WriteMovement("run1", uint64(s), batch); err != nil {
			t.Fatalf("WriteMovement: %v", err)
		}
		if err := tl.WriteTick(world.TickLogEntry{SimID: "run1", Step: uint64(s), Time: clock.Format(at)}); err != nil {
			t.Fatalf("WriteTick: %v", err)
		}
	}
	if err := tl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := store.WriteMeta("run1", snapshot.Meta{
		SimID:      "run1",
		StartDate:  clock.FormatDate(start),
		CurrTime:   clock.Format(at),
		SecPerStep: 10,
		MapID:      "town",
		AgentIDs:   []string{"ana"},
		Step:       uint64(steps),
	}); err != nil {
		t.Fatalf("WriteMeta: %v", err)
	}
	return at
}

func TestVerify_ContinuousRun(t *testing.T) {
	store := snapshot.NewStore(t.TempDir())
	writeRun(t, store, 3)

	rep, err := verify(store, "run1", 0)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if rep.Movements != 3 || rep.TickLog != 3 || rep.First != 1 || rep.Last != 3 {
		t.Fatalf("report=%+v", rep)
	}
}

func TestVerify_DetectsTimeSkew(t *testing.T) {
	store := snapshot.NewStore(t.TempDir())
	last := writeRun(t, store, 3)

	bad := protocol.MovementBatch{
		Agents: map[string]protocol.AgentMovement{},
		Meta:   protocol.MovementMeta{CurrTime: clock.Format(last.Add(time.Hour))},
	}
	if err := store.WriteMovement("run1", 3, bad); err != nil {
		t.Fatalf("WriteMovement: %v", err)
	}
	_, err := verify(store, "run1", 0)
	if err == nil || !strings.Contains(err.Error(), "movement/3") {
		t.Fatalf("expected skew error, got %v", err)
	}
}
