package archive

import (
	"errors"
	"path/filepath"
	"testing"

	"townsim.ai/internal/persistence/snapshot"
	"townsim.ai/internal/protocol"
)

func TestArchiveRestoreRoundTrip(t *testing.T) {
	store := snapshot.NewStore(t.TempDir())
	meta := snapshot.Meta{
		ForkSourceID: "base",
		StartDate:    "February 13, 2023",
		CurrTime:     "February 13, 2023, 00:01:00",
		SecPerStep:   10,
		MapID:        "town",
		AgentIDs:     []string{"ana"},
		Step:         6,
	}
	if err := store.WriteMeta("run1", meta); err != nil {
		t.Fatalf("WriteMeta: %v", err)
	}
	if err := store.WriteEnvironment("run1", 6, protocol.Environment{"ana": {4, 2}}); err != nil {
		t.Fatalf("WriteEnvironment: %v", err)
	}

	path := filepath.Join(t.TempDir(), "run1.tar.zst")
	h, err := WriteFile(path, store, "run1")
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if h.SimID != "run1" || h.Step != 6 || h.Files != 2 {
		t.Fatalf("header=%+v", h)
	}

	if _, err := RestoreFile(path, store, "", snapshot.FailIfExists); !errors.Is(err, snapshot.ErrSnapshotConflict) {
		t.Fatalf("expected conflict restoring over run1, got %v", err)
	}

	if _, err := RestoreFile(path, store, "copy", snapshot.FailIfExists); err != nil {
		t.Fatalf("RestoreFile: %v", err)
	}
	back, err := store.ReadMeta("copy")
	if err != nil {
		t.Fatalf("ReadMeta: %v", err)
	}
	if back.SimID != "copy" || back.ForkSourceID != "base" || back.Step != 6 {
		t.Fatalf("restored meta=%+v", back)
	}
	env, err := store.ReadEnvironment("copy", 6)
	if err != nil || env["ana"] != [2]int{4, 2} {
		t.Fatalf("restored env=%v err=%v", env, err)
	}
}
