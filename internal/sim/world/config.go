package world

import (
	"fmt"
	"log"
	"os"

	"townsim.ai/internal/persistence/snapshot"
	"townsim.ai/internal/sim/agent"
	"townsim.ai/internal/sim/bridge"
	"townsim.ai/internal/sim/tiles"
)

// MapLoader builds a fresh tile store for a map id.
type MapLoader func(mapID string) (*tiles.Store, error)

type Config struct {
	Store  *snapshot.Store
	Maps   MapLoader
	Agents agent.Loader
	Bridge bridge.Bridge
	Wait   bridge.WaitOptions

	// DecideConcurrency > 1 runs perceive/decide for that many agents at once.
	DecideConcurrency int
	// VerifyTiles validates the whole tile store after placement every tick.
	VerifyTiles bool

	Logger *log.Logger
}

func (c *Config) applyDefaults() {
	if c.DecideConcurrency <= 0 {
		c.DecideConcurrency = 1
	}
	if c.Logger == nil {
		c.Logger = log.New(os.Stdout, "[world] ", log.LstdFlags|log.Lmicroseconds)
	}
}

func (c *Config) validate() error {
	switch {
	case c.Store == nil:
		return fmt.Errorf("world config: missing snapshot store")
	case c.Maps == nil:
		return fmt.Errorf("world config: missing map loader")
	case c.Agents == nil:
		return fmt.Errorf("world config: missing agent loader")
	case c.Bridge == nil:
		return fmt.Errorf("world config: missing environment bridge")
	}
	return nil
}
