package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"strings"
	"time"

	"townsim.ai/internal/persistence/indexdb"
)

func openIndex(path string) *indexdb.SQLiteIndex {
	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		fail(1, "open index:", err)
	}
	return idx
}

// dbCmd queries the sqlite read model: lineage, ticks or trail.
func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dbPath := fs.String("db", "./data/index/townsim.sqlite", "sqlite index path")
	simID := fs.String("sim", "", "simulation id")
	agentID := fs.String("agent", "", "agent id (trail)")
	from := fs.Uint64("from_step", 0, "first step (ticks)")
	limit := fs.Int("limit", 20, "result limit (ticks)")
	_ = fs.Parse(args)

	q := "lineage"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	if *simID == "" {
		fail(2, "missing -sim")
	}

	idx := openIndex(*dbPath)
	defer idx.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var (
		out any
		err error
	)
	switch q {
	case "lineage":
		out, err = idx.Lineage(ctx, *simID)
	case "ticks":
		out, err = idx.Ticks(ctx, *simID, *from, *limit)
	case "trail":
		if *agentID == "" {
			fail(2, "missing -agent")
		}
		out, err = idx.Trail(ctx, *simID, *agentID)
	default:
		fail(2, "unknown query:", q, "(want lineage|ticks|trail)")
	}
	if err != nil {
		fail(1, "query:", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
}
