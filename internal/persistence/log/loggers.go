// Package log writes a simulation's tick and audit history as zstd-compressed JSON lines
// under the simulation's own tree.
//
// Files are segmented by simulation step, not wall time: a segment named
// <prefix>-<first step>.jsonl.zst holds every entry whose step falls in
// [first, first+span). A run resumed from an earlier save appends a new zstd frame to
// the segment it re-enters, so readers keep the last entry seen for a step.
package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"

	"townsim.ai/internal/sim/world"
)

// DefaultSpan is the number of steps per segment when none is configured.
const DefaultSpan = 1000

// SegmentName is the file name of the segment starting at first.
func SegmentName(prefix string, first uint64) string {
	return fmt.Sprintf("%s-%010d.jsonl.zst", prefix, first)
}

// Writer appends entries of type T to step-keyed segments under dir.
type Writer[T any] struct {
	dir    string
	prefix string
	span   uint64
	stepOf func(T) uint64

	mu    sync.Mutex
	open  bool
	first uint64
	f     *os.File
	enc   *zstd.Encoder
	buf   *bufio.Writer
}

func NewWriter[T any](dir, prefix string, span uint64, stepOf func(T) uint64) *Writer[T] {
	if span == 0 {
		span = DefaultSpan
	}
	return &Writer[T]{dir: dir, prefix: prefix, span: span, stepOf: stepOf}
}

func (w *Writer[T]) Write(v T) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	first := w.stepOf(v) / w.span * w.span
	if !w.open || first != w.first {
		if err := w.switchLocked(first); err != nil {
			return err
		}
	}
	if _, err := w.buf.Write(b); err != nil {
		return err
	}
	if err := w.buf.WriteByte('\n'); err != nil {
		return err
	}
	// push each entry through the encoder so a crash loses at most the entry in flight.
	if err := w.buf.Flush(); err != nil {
		return err
	}
	return w.enc.Flush()
}

func (w *Writer[T]) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *Writer[T]) switchLocked(first uint64) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(w.dir, SegmentName(w.prefix, first)), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f, w.enc = f, enc
	w.buf = bufio.NewWriterSize(enc, 32*1024)
	w.first, w.open = first, true
	return nil
}

func (w *Writer[T]) closeLocked() error {
	if !w.open {
		return nil
	}
	var err error
	if ferr := w.buf.Flush(); ferr != nil {
		err = ferr
	}
	if cerr := w.enc.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if cerr := w.f.Close(); cerr != nil && err == nil {
		err = cerr
	}
	w.f, w.enc, w.buf = nil, nil, nil
	w.open = false
	return err
}

// TickLogger writes one entry per completed tick to <simDir>/logs/ticks.
type TickLogger struct{ w *Writer[world.TickLogEntry] }

func NewTickLogger(simDir string, span uint64) *TickLogger {
	return &TickLogger{w: NewWriter(filepath.Join(simDir, "logs", "ticks"), "ticks", span,
		func(e world.TickLogEntry) uint64 { return e.Step })}
}

func (l *TickLogger) WriteTick(v world.TickLogEntry) error { return l.w.Write(v) }
func (l *TickLogger) Close() error                         { return l.w.Close() }

// AuditLogger records object-event spawns, cleanups and rollbacks to <simDir>/logs/audit.
type AuditLogger struct{ w *Writer[world.AuditEntry] }

func NewAuditLogger(simDir string, span uint64) *AuditLogger {
	return &AuditLogger{w: NewWriter(filepath.Join(simDir, "logs", "audit"), "audit", span,
		func(e world.AuditEntry) uint64 { return e.Step })}
}

func (l *AuditLogger) WriteAudit(v world.AuditEntry) error { return l.w.Write(v) }
func (l *AuditLogger) Close() error                        { return l.w.Close() }
