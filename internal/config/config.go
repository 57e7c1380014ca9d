package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models fleetwatch.yml. Threshold validation fails closed: a bad
// value aborts startup before the server accepts traffic.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		APIKeys   []string `yaml:"api_keys"`
		JWTSecret string   `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Fleet struct {
		HeartbeatIntervalS int `yaml:"heartbeat_interval_s"`
		OfflineMultiplier  int `yaml:"offline_multiplier"`
		SweepIntervalS     int `yaml:"sweep_interval_s"`
	} `yaml:"fleet"`
	Health struct {
		MemFreeRatioMin float64 `yaml:"mem_free_ratio_min"`
		LoadAvgMax      float64 `yaml:"load_avg_max"`
		ErrorWindowMin  int     `yaml:"error_window_min"`
		ErrorPenalty    int     `yaml:"error_penalty"`
	} `yaml:"health"`
	Anomaly struct {
		ErrorDedupWindowMin int `yaml:"error_dedup_window_min"`
		SpikeWindowMin      int `yaml:"spike_window_min"`
		SpikeThreshold      int `yaml:"spike_threshold"`
		VersionLagReleases  int `yaml:"version_lag_releases"`
		StuckAfterMin       int `yaml:"stuck_after_min"`
	} `yaml:"anomaly"`
	Rollup struct {
		BoundaryHourUTC int `yaml:"boundary_hour_utc"`
		TopErrors       int `yaml:"top_errors"`
	} `yaml:"rollup"`
}

// HeartbeatInterval is the global default period between health reports,
// used when a robot does not declare its own.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Fleet.HeartbeatIntervalS) * time.Second
}

// OfflineThreshold converts a heartbeat interval into the maximum silence
// after which a robot counts as offline.
func (c *Config) OfflineThreshold(heartbeat time.Duration) time.Duration {
	if heartbeat <= 0 {
		heartbeat = c.HeartbeatInterval()
	}
	return heartbeat * time.Duration(c.Fleet.OfflineMultiplier)
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Fleet.SweepIntervalS) * time.Second
}

func (c *Config) ErrorDedupWindow() time.Duration {
	return time.Duration(c.Anomaly.ErrorDedupWindowMin) * time.Minute
}

func (c *Config) SpikeWindow() time.Duration {
	return time.Duration(c.Anomaly.SpikeWindowMin) * time.Minute
}

func (c *Config) StuckAfter() time.Duration {
	return time.Duration(c.Anomaly.StuckAfterMin) * time.Minute
}

func (c *Config) ErrorWindow() time.Duration {
	return time.Duration(c.Health.ErrorWindowMin) * time.Minute
}

// Validate ensures every threshold is usable.
func (c *Config) Validate() error {
	if c.Fleet.HeartbeatIntervalS <= 0 {
		return fmt.Errorf("config.fleet.heartbeat_interval_s must be positive")
	}
	if c.Fleet.OfflineMultiplier < 1 {
		return fmt.Errorf("config.fleet.offline_multiplier must be at least 1")
	}
	if c.Fleet.SweepIntervalS <= 0 {
		return fmt.Errorf("config.fleet.sweep_interval_s must be positive")
	}
	if c.Health.MemFreeRatioMin < 0 || c.Health.MemFreeRatioMin >= 1 {
		return fmt.Errorf("config.health.mem_free_ratio_min must be in [0,1)")
	}
	if c.Health.LoadAvgMax <= 0 {
		return fmt.Errorf("config.health.load_avg_max must be positive")
	}
	if c.Health.ErrorWindowMin <= 0 {
		return fmt.Errorf("config.health.error_window_min must be positive")
	}
	if c.Health.ErrorPenalty < 0 {
		return fmt.Errorf("config.health.error_penalty must not be negative")
	}
	if c.Anomaly.ErrorDedupWindowMin <= 0 {
		return fmt.Errorf("config.anomaly.error_dedup_window_min must be positive")
	}
	if c.Anomaly.SpikeWindowMin <= 0 {
		return fmt.Errorf("config.anomaly.spike_window_min must be positive")
	}
	if c.Anomaly.SpikeThreshold < 2 {
		return fmt.Errorf("config.anomaly.spike_threshold must be at least 2")
	}
	if c.Anomaly.VersionLagReleases < 1 {
		return fmt.Errorf("config.anomaly.version_lag_releases must be at least 1")
	}
	if c.Anomaly.StuckAfterMin <= 0 {
		return fmt.Errorf("config.anomaly.stuck_after_min must be positive")
	}
	if c.Rollup.BoundaryHourUTC < 0 || c.Rollup.BoundaryHourUTC > 23 {
		return fmt.Errorf("config.rollup.boundary_hour_utc must be in [0,23]")
	}
	if c.Rollup.TopErrors <= 0 {
		return fmt.Errorf("config.rollup.top_errors must be positive")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "fleetwatch.yml")
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Omitted
// sections keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the workspace has no config file.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// DefaultTemplate returns the annotated default config YAML, suitable
// for seeding a new workspace.
func DefaultTemplate() string {
	return defaultTemplate
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /api

auth:
  api_keys: []
  jwt_secret: ""

fleet:
  heartbeat_interval_s: 60
  offline_multiplier: 3
  sweep_interval_s: 60

health:
  mem_free_ratio_min: 0.15
  load_avg_max: 4.0
  error_window_min: 60
  error_penalty: 5

anomaly:
  error_dedup_window_min: 60
  spike_window_min: 10
  spike_threshold: 5
  version_lag_releases: 1
  stuck_after_min: 15

rollup:
  boundary_hour_utc: 0
  top_errors: 3
`
