package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"townsim.ai/internal/observability"
	"townsim.ai/internal/persistence/r2s3"
	"townsim.ai/internal/sim/world"
)

// openMirror returns nil when TS_S3_ENDPOINT is unset.
func openMirror(logger *log.Logger) (*r2s3.Mirror, error) {
	cfg, ok := r2s3.ConfigFromEnv()
	if !ok {
		return nil, nil
	}
	client, err := r2s3.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("s3 mirror: %w", err)
	}
	m := r2s3.NewMirror(client, strings.TrimSpace(os.Getenv("TS_S3_PREFIX")), 1, 16, 50*time.Millisecond, logger)
	m.RemoveUploaded = true
	return m, nil
}

// mirroredWorld archives the simulation after every successful save and hands the
// archive to the mirror. Archive failures are logged; the save itself stands.
type mirroredWorld struct {
	*world.World
	mirror *r2s3.Mirror
	dir    string
	log    *log.Logger
}

func (m *mirroredWorld) Save() error {
	if err := m.World.Save(); err != nil {
		return err
	}
	st := m.World.Status()
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		m.log.Printf("mirror: %v", err)
		return nil
	}
	path := filepath.Join(m.dir, fmt.Sprintf("%s-%d.tar.zst", st.SimID, st.Step))
	h, err := m.World.Archive(path)
	if err != nil {
		m.log.Printf("mirror archive %s: %v", st.SimID, err)
		return nil
	}
	m.mirror.Enqueue(m.mirror.ArchiveKey(h.SimID, h.Step), path)
	return nil
}

func registerMirrorMetrics(c *observability.SimCollector, reg prometheus.Registerer, m *r2s3.Mirror) error {
	if err := c.RegisterGaugeFunc(reg, "townsim_mirror_queue_depth", "Archives waiting for upload.", func() float64 {
		return float64(m.Stats().QueueDepth)
	}); err != nil {
		return err
	}
	if err := c.RegisterGaugeFunc(reg, "townsim_mirror_uploads_total", "Archives uploaded.", func() float64 {
		return float64(m.Stats().UploadSuccessTotal)
	}); err != nil {
		return err
	}
	return c.RegisterGaugeFunc(reg, "townsim_mirror_failures_total", "Archives that failed to upload or were dropped.", func() float64 {
		st := m.Stats()
		return float64(st.UploadFailTotal + st.DroppedTotal)
	})
}
