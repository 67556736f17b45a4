// Package config holds the node configuration: identity, role, detector
// tuning, wake scheduling, and sync parameters. Files are TOML; anything
// omitted falls back to the defaults below.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/edgeflock/swarmwake/internal/regime"
	"github.com/edgeflock/swarmwake/internal/twt"
)

// Duration wraps time.Duration so TOML values like "10m" decode directly.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	NodeID string `toml:"node_id"`
	Role   string `toml:"role"`
	DBPath string `toml:"db_path"`

	// MetricsInterval is how often power counters are sampled to the store.
	MetricsInterval Duration `toml:"metrics_interval"`
	// Retention bounds how long transition and sample history is kept.
	Retention Duration `toml:"retention"`

	Detector DetectorConfig `toml:"detector"`
	Wake     WakeConfig     `toml:"wake"`
	Sync     SyncConfig     `toml:"sync"`
	Predict  PredictConfig  `toml:"predict"`
}

type DetectorConfig struct {
	WindowSize      int     `toml:"window_size"`
	RatioThreshold  float64 `toml:"ratio_threshold"`
	AbsThreshold    float64 `toml:"abs_threshold"`
	BaselineAlpha   float64 `toml:"baseline_alpha"`
	EscalateAfter   int     `toml:"escalate_after"`
	DeescalateAfter int     `toml:"deescalate_after"`
}

func (c DetectorConfig) DetectorConfig() regime.DetectorConfig {
	return regime.DetectorConfig{
		WindowSize:      c.WindowSize,
		RatioThreshold:  float32(c.RatioThreshold),
		AbsThreshold:    float32(c.AbsThreshold),
		BaselineAlpha:   float32(c.BaselineAlpha),
		EscalateAfter:   c.EscalateAfter,
		DeescalateAfter: c.DeescalateAfter,
	}
}

type WakeConfig struct {
	CalmInterval     Duration `toml:"calm_interval"`
	PreStormInterval Duration `toml:"pre_storm_interval"`
	StormInterval    Duration `toml:"storm_interval"`
	QueueCapacity    int      `toml:"queue_capacity"`
	MaxPayloadBytes  int      `toml:"max_payload_bytes"`
	Weight           float64  `toml:"weight"`
	JitterFraction   float64  `toml:"jitter_fraction"`
	JitterSeed       int64    `toml:"jitter_seed"`
	FlushRetryLimit  int      `toml:"flush_retry_limit"`
	BurstWindow      Duration `toml:"burst_window"`
	StormBurstWindow Duration `toml:"storm_burst_window"`
}

func (c WakeConfig) SchedulerConfig() twt.Config {
	return twt.Config{
		CalmInterval:     c.CalmInterval.Duration,
		PreStormInterval: c.PreStormInterval.Duration,
		StormInterval:    c.StormInterval.Duration,
		QueueCapacity:    c.QueueCapacity,
		MaxPayloadBytes:  c.MaxPayloadBytes,
		Weight:           c.Weight,
		JitterFraction:   c.JitterFraction,
		JitterSeed:       c.JitterSeed,
		FlushRetryLimit:  c.FlushRetryLimit,
		BurstWindow:      c.BurstWindow.Duration,
		StormBurstWindow: c.StormBurstWindow.Duration,
	}
}

type SyncConfig struct {
	Seed          int64    `toml:"seed"`
	NumWeights    int      `toml:"num_weights"`
	EpochInterval Duration `toml:"epoch_interval"`
}

type PredictConfig struct {
	WindowSize int `toml:"window_size"`
}

func DefaultConfig() Config {
	det := regime.DefaultDetectorConfig()
	wake := twt.DefaultConfig()
	return Config{
		Role:            string(twt.RoleScheduled),
		DBPath:          defaultDBPath(),
		MetricsInterval: Duration{time.Minute},
		Retention:       Duration{14 * 24 * time.Hour},
		Detector: DetectorConfig{
			WindowSize:      det.WindowSize,
			RatioThreshold:  float64(det.RatioThreshold),
			AbsThreshold:    float64(det.AbsThreshold),
			BaselineAlpha:   float64(det.BaselineAlpha),
			EscalateAfter:   det.EscalateAfter,
			DeescalateAfter: det.DeescalateAfter,
		},
		Wake: WakeConfig{
			CalmInterval:     Duration{wake.CalmInterval},
			PreStormInterval: Duration{wake.PreStormInterval},
			StormInterval:    Duration{wake.StormInterval},
			QueueCapacity:    wake.QueueCapacity,
			MaxPayloadBytes:  wake.MaxPayloadBytes,
			Weight:           wake.Weight,
			JitterFraction:   wake.JitterFraction,
			JitterSeed:       wake.JitterSeed,
			FlushRetryLimit:  wake.FlushRetryLimit,
			BurstWindow:      Duration{wake.BurstWindow},
			StormBurstWindow: Duration{wake.StormBurstWindow},
		},
		Sync: SyncConfig{
			Seed:          12345,
			NumWeights:    6,
			EpochInterval: Duration{time.Minute},
		},
		Predict: PredictConfig{WindowSize: 16},
	}
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "swarmwake.db"
	}
	return filepath.Join(home, ".local", "state", "swarmwake", "state.db")
}

// Load reads a TOML config file. A missing file yields the defaults; a
// present but invalid file is an error.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if _, err := twt.ParseRole(c.Role); err != nil {
		return err
	}
	if c.DBPath == "" {
		return fmt.Errorf("config: db_path is required")
	}
	if c.Sync.NumWeights < 1 {
		return fmt.Errorf("config: sync.num_weights must be at least 1, got %d", c.Sync.NumWeights)
	}
	if c.Sync.EpochInterval.Duration <= 0 {
		return fmt.Errorf("config: sync.epoch_interval must be positive, got %v", c.Sync.EpochInterval.Duration)
	}
	if c.Wake.Weight <= 0 || c.Wake.Weight > 1 {
		return fmt.Errorf("config: wake.weight must be in (0,1], got %v", c.Wake.Weight)
	}
	if c.Wake.JitterFraction < 0 || c.Wake.JitterFraction >= 1 {
		return fmt.Errorf("config: wake.jitter_fraction must be in [0,1), got %v", c.Wake.JitterFraction)
	}
	if c.Predict.WindowSize < 1 {
		return fmt.Errorf("config: predict.window_size must be at least 1, got %d", c.Predict.WindowSize)
	}
	return nil
}
