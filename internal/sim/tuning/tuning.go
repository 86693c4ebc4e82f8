package tuning

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	StorageDir string `yaml:"storage_dir"`
	MapsDir    string `yaml:"maps_dir"`
	IndexDB    string `yaml:"index_db"`
	Overwrite  string `yaml:"overwrite"`

	DecideConcurrency int  `yaml:"decide_concurrency"`
	VerifyTiles       bool `yaml:"verify_tiles"`

	Bridge  Bridge  `yaml:"bridge"`
	Logs    Logs    `yaml:"logs"`
	Tracing Tracing `yaml:"tracing"`
}

type Bridge struct {
	// Kind is echo, file or ws.
	Kind         string `yaml:"kind"`
	IdleDelayMs  int    `yaml:"idle_delay_ms"`
	MaxBackoffMs int    `yaml:"max_backoff_ms"`
	// TimeoutMs of zero waits forever.
	TimeoutMs int `yaml:"timeout_ms"`
}

type Logs struct {
	Ticks bool `yaml:"ticks"`
	Audit bool `yaml:"audit"`
	// SegmentSteps is the number of steps per log file; zero uses the writer default.
	SegmentSteps uint64 `yaml:"segment_steps"`
}

type Tracing struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion:   "1.0",
		StorageDir:        "data/storage",
		MapsDir:           "configs/maps",
		Overwrite:         "fail",
		DecideConcurrency: 1,
		VerifyTiles:       true,
		Bridge: Bridge{
			Kind:         "echo",
			IdleDelayMs:  100,
			MaxBackoffMs: 2000,
		},
		Logs:    Logs{Ticks: true, Audit: true},
		Tracing: Tracing{Exporter: "stdout", SampleRatio: 1},
	}
}

// Load reads path over Defaults. Keys absent from the file keep their default.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, t.Validate()
}

func (t Tuning) Validate() error {
	switch t.Bridge.Kind {
	case "echo", "file", "ws":
	default:
		return fmt.Errorf("tuning.yaml: bridge.kind %q (want echo|file|ws)", t.Bridge.Kind)
	}
	if t.Bridge.IdleDelayMs < 0 || t.Bridge.MaxBackoffMs < 0 || t.Bridge.TimeoutMs < 0 {
		return fmt.Errorf("tuning.yaml: bridge delays must be >= 0")
	}
	if t.DecideConcurrency < 0 {
		return fmt.Errorf("tuning.yaml: decide_concurrency must be >= 0")
	}
	if t.Tracing.SampleRatio < 0 || t.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tuning.yaml: tracing.sample_ratio must be within [0,1]")
	}
	return nil
}

func (b Bridge) IdleDelay() time.Duration  { return time.Duration(b.IdleDelayMs) * time.Millisecond }
func (b Bridge) MaxBackoff() time.Duration { return time.Duration(b.MaxBackoffMs) * time.Millisecond }
func (b Bridge) Timeout() time.Duration    { return time.Duration(b.TimeoutMs) * time.Millisecond }
