package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"townsim.ai/internal/protocol"
)

var (
	ErrSnapshotConflict = errors.New("snapshot conflict")
	ErrNotFound         = errors.New("snapshot not found")
)

const (
	metaFile       = "meta.json"
	environmentDir = "environment"
	movementDir    = "movement"
	agentsDir      = "agents"
)

type OverwritePolicy int

const (
	FailIfExists OverwritePolicy = iota
	Overwrite
)

func (p OverwritePolicy) String() string {
	if p == Overwrite {
		return "overwrite"
	}
	return "fail"
}

func ParsePolicy(s string) (OverwritePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fail":
		return FailIfExists, nil
	case "overwrite":
		return Overwrite, nil
	}
	return FailIfExists, fmt.Errorf("unknown overwrite policy %q (want fail|overwrite)", s)
}

// Meta is the persisted simulation metadata. ForkSourceID names the snapshot this one was
// forked from; lineage is followed through it.
type Meta struct {
	ForkSourceID string   `json:"fork_source_id"`
	SimID        string   `json:"sim_id,omitempty"`
	RunID        string   `json:"run_id,omitempty"`
	ForkedAt     string   `json:"forked_at,omitempty"`
	StartDate    string   `json:"start_date"`
	CurrTime     string   `json:"curr_time"`
	SecPerStep   int      `json:"sec_per_step"`
	MapID        string   `json:"map_id"`
	AgentIDs     []string `json:"agent_ids"`
	Step         uint64   `json:"step"`
}

// Store is a directory of named snapshots: <root>/<sim id>/...
type Store struct {
	root string
}

func NewStore(root string) *Store { return &Store{root: root} }

func (s *Store) Root() string { return s.root }

func (s *Store) Dir(simID string) string { return filepath.Join(s.root, simID) }

func (s *Store) AgentDir(simID, agentID string) string {
	return filepath.Join(s.root, simID, agentsDir, agentID)
}

func (s *Store) Exists(simID string) bool {
	st, err := os.Stat(s.Dir(simID))
	return err == nil && st.IsDir()
}

func validID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return fmt.Errorf("invalid snapshot id %q", id)
	}
	return nil
}

// Fork copies src to dst and rewrites dst's metadata so that fork_source_id names src.
// The copy is staged next to dst and renamed into place, so a failed fork never leaves a
// partial dst behind.
func (s *Store) Fork(src, dst string, policy OverwritePolicy) (Meta, error) {
	if err := validID(src); err != nil {
		return Meta{}, err
	}
	if err := validID(dst); err != nil {
		return Meta{}, err
	}
	if src == dst {
		return Meta{}, fmt.Errorf("%w: source and target are both %q", ErrSnapshotConflict, src)
	}
	if !s.Exists(src) {
		return Meta{}, fmt.Errorf("fork %s: %w", src, ErrNotFound)
	}
	meta, err := s.ReadMeta(src)
	if err != nil {
		return Meta{}, err
	}
	if s.Exists(dst) {
		if policy != Overwrite {
			return Meta{}, fmt.Errorf("%w: %s already exists", ErrSnapshotConflict, dst)
		}
	}

	staging := filepath.Join(s.root, "."+dst+".forking")
	_ = os.RemoveAll(staging)
	if err := copyTree(s.Dir(src), staging); err != nil {
		_ = os.RemoveAll(staging)
		return Meta{}, fmt.Errorf("fork %s -> %s: %w", src, dst, err)
	}

	meta.ForkSourceID = src
	meta.SimID = dst
	meta.RunID = uuid.NewString()
	meta.ForkedAt = time.Now().UTC().Format(time.RFC3339)
	if err := writeJSONAtomic(filepath.Join(staging, metaFile), meta); err != nil {
		_ = os.RemoveAll(staging)
		return Meta{}, err
	}

	if s.Exists(dst) {
		if err := os.RemoveAll(s.Dir(dst)); err != nil {
			_ = os.RemoveAll(staging)
			return Meta{}, err
		}
	}
	if err := os.Rename(staging, s.Dir(dst)); err != nil {
		_ = os.RemoveAll(staging)
		return Meta{}, err
	}
	return meta, nil
}

func (s *Store) ReadMeta(simID string) (Meta, error) {
	var m Meta
	raw, err := os.ReadFile(filepath.Join(s.Dir(simID), metaFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return m, fmt.Errorf("%s/%s: %w", simID, metaFile, ErrNotFound)
		}
		return m, err
	}
	if err := protocol.ValidateJSON(protocol.SchemaMeta, raw); err != nil {
		return m, fmt.Errorf("%s/%s: %w", simID, metaFile, err)
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("%s/%s: %w", simID, metaFile, err)
	}
	if m.SimID == "" {
		m.SimID = simID
	}
	return m, nil
}

func (s *Store) WriteMeta(simID string, m Meta) error {
	return writeJSONAtomic(filepath.Join(s.Dir(simID), metaFile), m)
}

func stepFile(dir string, step uint64) string {
	return filepath.Join(dir, strconv.FormatUint(step, 10)+".json")
}

func (s *Store) WriteEnvironment(simID string, step uint64, env protocol.Environment) error {
	return writeJSONAtomic(stepFile(filepath.Join(s.Dir(simID), environmentDir), step), env)
}

// ReadEnvironment returns an error wrapping fs.ErrNotExist when no record exists for step.
func (s *Store) ReadEnvironment(simID string, step uint64) (protocol.Environment, error) {
	raw, err := os.ReadFile(stepFile(filepath.Join(s.Dir(simID), environmentDir), step))
	if err != nil {
		return nil, err
	}
	if err := protocol.ValidateJSON(protocol.SchemaEnvironment, raw); err != nil {
		return nil, fmt.Errorf("%s environment %d: %w", simID, step, err)
	}
	var env protocol.Environment
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%s environment %d: %w", simID, step, err)
	}
	return env, nil
}

func (s *Store) WriteMovement(simID string, step uint64, batch protocol.MovementBatch) error {
	return writeJSONAtomic(stepFile(filepath.Join(s.Dir(simID), movementDir), step), batch)
}

func (s *Store) ReadMovement(simID string, step uint64) (protocol.MovementBatch, error) {
	var b protocol.MovementBatch
	raw, err := os.ReadFile(stepFile(filepath.Join(s.Dir(simID), movementDir), step))
	if err != nil {
		return b, err
	}
	if err := protocol.ValidateJSON(protocol.SchemaMovement, raw); err != nil {
		return b, fmt.Errorf("%s movement %d: %w", simID, step, err)
	}
	if err := json.Unmarshal(raw, &b); err != nil {
		return b, fmt.Errorf("%s movement %d: %w", simID, step, err)
	}
	return b, nil
}

func (s *Store) EnvironmentSteps(simID string) ([]uint64, error) {
	return listSteps(filepath.Join(s.Dir(simID), environmentDir))
}

func (s *Store) MovementSteps(simID string) ([]uint64, error) {
	return listSteps(filepath.Join(s.Dir(simID), movementDir))
}

func listSteps(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []uint64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSuffix(name, ".json"), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Remove deletes a snapshot tree.
func (s *Store) Remove(simID string) error {
	if err := validID(simID); err != nil {
		return err
	}
	if !s.Exists(simID) {
		return fmt.Errorf("remove %s: %w", simID, ErrNotFound)
	}
	return os.RemoveAll(s.Dir(simID))
}

// Lineage follows fork_source_id links starting at simID. The walk stops at a snapshot
// whose source is empty, itself, missing on disk, or already visited.
func (s *Store) Lineage(simID string) ([]string, error) {
	out := []string{simID}
	seen := map[string]bool{simID: true}
	cur := simID
	for {
		m, err := s.ReadMeta(cur)
		if err != nil {
			if errors.Is(err, ErrNotFound) && cur != simID {
				return out, nil
			}
			return out, err
		}
		next := m.ForkSourceID
		if next == "" || seen[next] {
			return out, nil
		}
		out = append(out, next)
		seen[next] = true
		cur = next
	}
}

func writeJSONAtomic(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type().IsRegular():
			return copyFile(path, target)
		default:
			return fmt.Errorf("unsupported file type at %s", path)
		}
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
