package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"townsim.ai/internal/observability"
	"townsim.ai/internal/persistence/indexdb"
	"townsim.ai/internal/persistence/snapshot"
)

// openIndex opens the sqlite read model. TS_INDEX_BACKEND=none disables it regardless of
// tuning.
func openIndex(path string) (*indexdb.SQLiteIndex, error) {
	backend := strings.ToLower(strings.TrimSpace(os.Getenv("TS_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}
	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		if strings.TrimSpace(path) == "" {
			return nil, nil
		}
		return indexdb.OpenSQLite(path)
	default:
		return nil, fmt.Errorf("unsupported TS_INDEX_BACKEND: %s", backend)
	}
}

// recordLineage writes every ancestor of simID so lineage queries work on a fresh index.
func recordLineage(idx *indexdb.SQLiteIndex, store *snapshot.Store, simID string) error {
	ids, err := store.Lineage(simID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		m, err := store.ReadMeta(id)
		if err != nil {
			continue
		}
		idx.RecordFork(m)
	}
	return nil
}

func registerIndexMetrics(c *observability.SimCollector, reg prometheus.Registerer, idx *indexdb.SQLiteIndex) error {
	if err := c.RegisterGaugeFunc(reg, "townsim_index_queue_depth", "Pending index writes.", func() float64 {
		return float64(idx.Stats().QueueDepth)
	}); err != nil {
		return err
	}
	return c.RegisterGaugeFunc(reg, "townsim_index_dropped_total", "Index writes dropped on a full queue.", func() float64 {
		st := idx.Stats()
		return float64(st.DropTickTotal + st.DropForkTotal)
	})
}
