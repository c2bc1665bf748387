package collector

import (
	"errors"
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v3"
)

// Interval bounds, minutes. Collectors fleet-wide should stay inside this
// band; values outside it are clamped, not rejected.
const (
	minIntervalMinutes     = 15
	maxIntervalMinutes     = 60
	defaultIntervalMinutes = 30

	defaultJitterFraction = 0.1
	maxJitterFraction     = 0.5
)

// Config holds the collector's runtime configuration. The YAML file is
// optional; flags override file values.
type Config struct {
	Server                string  `yaml:"server"`
	StateDir              string  `yaml:"state_dir"`
	APIKey                string  `yaml:"api_key"`
	CheckIntervalMinutes  int     `yaml:"check_interval_minutes"`
	JitterFraction        float64 `yaml:"jitter_fraction"`
	ReportOnVersionChange bool    `yaml:"report_on_version_change"`
	Debug                 bool    `yaml:"debug"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		StateDir:             ".",
		CheckIntervalMinutes: defaultIntervalMinutes,
		JitterFraction:       defaultJitterFraction,
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Validate checks required fields and clamps the tunables into their
// supported ranges.
func (c *Config) Validate() error {
	if c.Server == "" {
		return errors.New("server URL is required")
	}
	if c.StateDir == "" {
		c.StateDir = "."
	}

	if c.CheckIntervalMinutes < minIntervalMinutes {
		if c.CheckIntervalMinutes != 0 {
			log.Printf("[WARN] Check interval %dm below minimum, clamping to %dm",
				c.CheckIntervalMinutes, minIntervalMinutes)
		}
		if c.CheckIntervalMinutes == 0 {
			c.CheckIntervalMinutes = defaultIntervalMinutes
		} else {
			c.CheckIntervalMinutes = minIntervalMinutes
		}
	}
	if c.CheckIntervalMinutes > maxIntervalMinutes {
		log.Printf("[WARN] Check interval %dm above maximum, clamping to %dm",
			c.CheckIntervalMinutes, maxIntervalMinutes)
		c.CheckIntervalMinutes = maxIntervalMinutes
	}

	if c.JitterFraction < 0 {
		c.JitterFraction = 0
	}
	if c.JitterFraction > maxJitterFraction {
		c.JitterFraction = maxJitterFraction
	}

	return nil
}
