// Command replay audits a saved simulation: movement records must advance one step and
// one sec_per_step at a time, and the tick log must agree with them.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"townsim.ai/internal/persistence/indexdb"
	"townsim.ai/internal/persistence/snapshot"
	"townsim.ai/internal/protocol"
	"townsim.ai/internal/sim/clock"
	"townsim.ai/internal/sim/world"
)

func main() {
	var (
		dataDir  = flag.String("data", "./data/storage", "snapshot storage root")
		simID    = flag.String("sim", "", "simulation id to audit")
		indexDB  = flag.String("index", "", "sqlite index to cross-check (optional)")
		fromStep = flag.Uint64("from_step", 0, "start verifying from step (inclusive, optional)")
	)
	flag.Parse()

	if *simID == "" {
		fmt.Fprintln(os.Stderr, "missing -sim")
		os.Exit(2)
	}
	store := snapshot.NewStore(*dataDir)

	lineage, err := store.Lineage(*simID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "lineage:", err)
		os.Exit(1)
	}
	fmt.Printf("lineage: %s\n", strings.Join(lineage, " <- "))

	rep, err := verify(store, *simID, *fromStep)
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	fmt.Printf("replay ok: movements=%d tick_log=%d steps %d..%d\n", rep.Movements, rep.TickLog, rep.First, rep.Last)

	if *indexDB == "" {
		return
	}
	idx, err := indexdb.OpenSQLite(*indexDB)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open index:", err)
		os.Exit(1)
	}
	defer idx.Close()
	rows, err := idx.Ticks(context.Background(), *simID, *fromStep, 100000)
	if err != nil {
		fmt.Fprintln(os.Stderr, "index ticks:", err)
		os.Exit(1)
	}
	if err := crossCheckIndex(store, *simID, rows); err != nil {
		fmt.Fprintln(os.Stderr, "index:", err)
		os.Exit(1)
	}
	fmt.Printf("index ok: %d ticks\n", len(rows))
}

type report struct {
	Movements   int
	TickLog     int
	First, Last uint64
}

func verify(store *snapshot.Store, simID string, fromStep uint64) (report, error) {
	var rep report
	meta, err := store.ReadMeta(simID)
	if err != nil {
		return rep, err
	}
	perStep := time.Duration(meta.SecPerStep) * time.Second
	agents := map[string]bool{}
	for _, id := range meta.AgentIDs {
		agents[id] = true
	}

	steps, err := store.MovementSteps(simID)
	if err != nil {
		return rep, err
	}
	times := map[uint64]string{}
	var prev time.Time
	for i, step := range steps {
		if step < fromStep {
			continue
		}
		if step > meta.Step {
			return rep, fmt.Errorf("movement/%d is past the saved step %d", step, meta.Step)
		}
		batch, err := store.ReadMovement(simID, step)
		if err != nil {
			return rep, err
		}
		at, err := clock.Parse(batch.Meta.CurrTime)
		if err != nil {
			return rep, fmt.Errorf("movement/%d: %w", step, err)
		}
		if rep.Movements > 0 {
			if step != steps[i-1]+1 {
				return rep, fmt.Errorf("movement gap: %d follows %d", step, steps[i-1])
			}
			if !at.Equal(prev.Add(perStep)) {
				return rep, fmt.Errorf("movement/%d: time %s, want %s", step, batch.Meta.CurrTime, clock.Format(prev.Add(perStep)))
			}
		} else {
			rep.First = step
		}
		for id := range batch.Agents {
			if !agents[id] {
				return rep, fmt.Errorf("movement/%d: unknown agent %q", step, id)
			}
		}
		prev = at
		times[step] = batch.Meta.CurrTime
		rep.Last = step
		rep.Movements++
	}
	if rep.Movements > 0 && rep.Last == meta.Step && times[rep.Last] != meta.CurrTime {
		return rep, fmt.Errorf("meta curr_time %s disagrees with movement/%d %s", meta.CurrTime, rep.Last, times[rep.Last])
	}

	entries, err := readTickLog(filepath.Join(store.Dir(simID), "logs", "ticks"))
	if err != nil {
		return rep, err
	}
	for _, e := range entries {
		if e.Step < fromStep {
			continue
		}
		want, ok := times[e.Step]
		if !ok {
			return rep, fmt.Errorf("tick log step %d has no movement record", e.Step)
		}
		if e.Time != want {
			return rep, fmt.Errorf("tick log step %d: time %s, movement says %s", e.Step, e.Time, want)
		}
		rep.TickLog++
	}
	return rep, nil
}

// readTickLog returns every entry under dir, keeping the last entry per step. A step can
// repeat when a run was resumed from an earlier save.
func readTickLog(dir string) ([]world.TickLogEntry, error) {
	ents, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range ents {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".jsonl.zst") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	byStep := map[uint64]world.TickLogEntry{}
	for _, name := range names {
		if err := readTickFile(filepath.Join(dir, name), byStep); err != nil {
			return nil, err
		}
	}
	out := make([]world.TickLogEntry, 0, len(byStep))
	for _, e := range byStep {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Step < out[j].Step })
	return out, nil
}

func readTickFile(path string, byStep map[uint64]world.TickLogEntry) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for sc.Scan() {
		var entry world.TickLogEntry
		if err := json.Unmarshal(sc.Bytes(), &entry); err != nil {
			return fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
		}
		byStep[entry.Step] = entry
	}
	return sc.Err()
}

func crossCheckIndex(store *snapshot.Store, simID string, rows []indexdb.TickRow) error {
	for _, r := range rows {
		batch, err := store.ReadMovement(simID, uint64(r.Step))
		if err != nil {
			return err
		}
		if batch.Meta.CurrTime != r.Time {
			return fmt.Errorf("step %d: index time %s, movement says %s", r.Step, r.Time, batch.Meta.CurrTime)
		}
		if r.Failures > 0 {
			fmt.Printf("step %d: %d agent failures [%s]\n", r.Step, r.Failures, protocol.ErrAgentDecision)
		}
	}
	return nil
}
