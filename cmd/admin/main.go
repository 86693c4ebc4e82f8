package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"townsim.ai/internal/persistence/archive"
	"townsim.ai/internal/persistence/snapshot"
	"townsim.ai/internal/sim/world"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "fork":
			forkCmd(os.Args[2:])
			return
		case "rm":
			rmCmd(os.Args[2:])
			return
		case "archive":
			archiveCmd(os.Args[2:])
			return
		case "restore":
			restoreCmd(os.Args[2:])
			return
		case "push":
			pushCmd(os.Args[2:])
			return
		case "pull":
			pullCmd(os.Args[2:])
			return
		case "audit":
			auditCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "save":
			saveCmd(os.Args[2:])
			return
		case "tile":
			tileCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func fail(code int, args ...any) {
	fmt.Fprintln(os.Stderr, args...)
	os.Exit(code)
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data/storage", "snapshot storage root")
	_ = fs.Parse(args)

	store := snapshot.NewStore(*dataDir)
	entries, err := os.ReadDir(store.Root())
	if err != nil {
		fail(1, "read:", err)
	}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		m, err := store.ReadMeta(e.Name())
		if err != nil {
			fmt.Printf("%s\t(unreadable: %v)\n", e.Name(), err)
			continue
		}
		src := m.ForkSourceID
		if src == "" {
			src = "-"
		}
		fmt.Printf("%s\tstep=%d\ttime=%q\tsource=%s\tagents=%d\n", e.Name(), m.Step, m.CurrTime, src, len(m.AgentIDs))
	}
}

func forkCmd(args []string) {
	fs := flag.NewFlagSet("fork", flag.ExitOnError)
	dataDir := fs.String("data", "./data/storage", "snapshot storage root")
	from := fs.String("from", "", "source simulation id")
	to := fs.String("to", "", "new simulation id")
	overwrite := fs.Bool("overwrite", false, "replace -to if it exists")
	dbPath := fs.String("db", "", "sqlite index to record the fork in (optional)")
	_ = fs.Parse(args)

	if *from == "" || *to == "" {
		fail(2, "missing -from or -to")
	}
	policy := snapshot.FailIfExists
	if *overwrite {
		policy = snapshot.Overwrite
	}
	m, err := snapshot.NewStore(*dataDir).Fork(*from, *to, policy)
	if err != nil {
		fail(1, fmt.Sprintf("fork [%s]:", world.Code(err)), err)
	}
	if *dbPath != "" {
		idx := openIndex(*dbPath)
		idx.RecordFork(m)
		if err := idx.Close(); err != nil {
			fail(1, "index:", err)
		}
	}
	fmt.Printf("forked %s -> %s run=%s step=%d\n", *from, *to, m.RunID, m.Step)
}

func rmCmd(args []string) {
	fs := flag.NewFlagSet("rm", flag.ExitOnError)
	dataDir := fs.String("data", "./data/storage", "snapshot storage root")
	simID := fs.String("sim", "", "simulation id")
	_ = fs.Parse(args)

	if *simID == "" {
		fail(2, "missing -sim")
	}
	if err := snapshot.NewStore(*dataDir).Remove(*simID); err != nil {
		fail(1, "rm:", err)
	}
	fmt.Println("removed", *simID)
}

func archiveCmd(args []string) {
	fs := flag.NewFlagSet("archive", flag.ExitOnError)
	dataDir := fs.String("data", "./data/storage", "snapshot storage root")
	simID := fs.String("sim", "", "simulation id")
	out := fs.String("out", "", "archive path (default: <sim>.tar.zst)")
	_ = fs.Parse(args)

	if *simID == "" {
		fail(2, "missing -sim")
	}
	path := *out
	if path == "" {
		path = *simID + ".tar.zst"
	}
	h, err := archive.WriteFile(path, snapshot.NewStore(*dataDir), *simID)
	if err != nil {
		fail(1, "archive:", err)
	}
	fmt.Printf("archived %s step=%d files=%d -> %s\n", h.SimID, h.Step, h.Files, path)
}

func restoreCmd(args []string) {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	dataDir := fs.String("data", "./data/storage", "snapshot storage root")
	in := fs.String("in", "", "archive path")
	as := fs.String("as", "", "simulation id to restore as (default: archived id)")
	overwrite := fs.Bool("overwrite", false, "replace -as if it exists")
	_ = fs.Parse(args)

	if *in == "" {
		fail(2, "missing -in")
	}
	policy := snapshot.FailIfExists
	if *overwrite {
		policy = snapshot.Overwrite
	}
	h, err := archive.RestoreFile(*in, snapshot.NewStore(*dataDir), *as, policy)
	if err != nil {
		fail(1, fmt.Sprintf("restore [%s]:", world.Code(err)), err)
	}
	id := *as
	if id == "" {
		id = h.SimID
	}
	fmt.Printf("restored %s as %s step=%d\n", h.SimID, id, h.Step)
}

func auditCmd(args []string) {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	dataDir := fs.String("data", "./data/storage", "snapshot storage root")
	simID := fs.String("sim", "", "simulation id")
	actor := fs.String("actor", "", "agent id filter (optional)")
	since := fs.Uint64("since_step", 0, "first step (inclusive)")
	_ = fs.Parse(args)

	if *simID == "" {
		fail(2, "missing -sim")
	}
	dir := filepath.Join(snapshot.NewStore(*dataDir).Dir(*simID), "logs", "audit")
	recs, err := readAudit(dir, *actor, *since)
	if err != nil {
		fail(1, "read audit:", err)
	}
	enc := json.NewEncoder(os.Stdout)
	for _, r := range recs {
		_ = enc.Encode(r)
	}
}

func readAudit(dir, actor string, since uint64) ([]world.AuditEntry, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range ents {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "audit-") && strings.HasSuffix(e.Name(), ".jsonl.zst") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	var out []world.AuditEntry
	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		dec, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		sc := bufio.NewScanner(dec)
		sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
		for sc.Scan() {
			var e world.AuditEntry
			if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
				dec.Close()
				f.Close()
				return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
			}
			if e.Step < since || (actor != "" && e.Actor != actor) {
				continue
			}
			out = append(out, e)
		}
		scanErr := sc.Err()
		dec.Close()
		f.Close()
		if scanErr != nil {
			return nil, scanErr
		}
	}
	return out, nil
}
