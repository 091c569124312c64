// Package config loads the fleet controller's tunables.
//
// ARCHITECTURE OVERVIEW (mirrors the orchestrator's config package, scaled to
// this domain's much smaller surface):
//  1. Separation of concerns: this package only knows how to resolve
//     defaults < config file < environment into a single snapshot. It has no
//     opinion on ports, processes or HTTP — those live in internal/port,
//     internal/discovery, internal/lifecycle.
//  2. Single load, value-returning reads: Load() is called once at process
//     start (normally from cmd/studioctl). Every component receives a *Config
//     and reads its fields directly; nothing here mutates a shared global
//     after Load returns, since the fleet controller has no use case for
//     runtime reconfiguration the way the orchestrator's agent roster did.
//  3. Environment wins: an environment variable always overrides the same
//     key in studio-fleet.yaml, which always overrides the built-in default.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is an immutable snapshot of the fleet controller's tunables.
type Config struct {
	MinPort             int
	MaxPort             int
	ReservedPorts       map[int]bool
	AutoRecover         bool
	HealthIntervalMS    int
	CheckIntervalMS     int
	HTTPTimeoutMS       int
	FailureThreshold    int
	MaxRecoveryAttempts int
	RecoveryDelayMS     int
	MaxStartupAttempts  int
	AssetsDir           string
	MetricsAddr         string
}

// fileConfig mirrors Config's fields for YAML unmarshalling; fields are
// pointers so "absent from the file" is distinguishable from "zero value".
type fileConfig struct {
	MinPort             *int    `yaml:"min_port"`
	MaxPort             *int    `yaml:"max_port"`
	ReservedPorts       []int   `yaml:"reserved_ports"`
	AutoRecover         *bool   `yaml:"auto_recover"`
	HealthIntervalMS    *int    `yaml:"health_interval_ms"`
	AssetsDir           *string `yaml:"assets_dir"`
	MetricsAddr         *string `yaml:"metrics_addr"`
}

// Defaults returns the built-in configuration every component falls back to
// absent a config file or environment override.
func Defaults() *Config {
	return &Config{
		MinPort:             3002,
		MaxPort:             3100,
		ReservedPorts:       map[int]bool{3001: true},
		AutoRecover:         true,
		HealthIntervalMS:    30_000,
		CheckIntervalMS:     30_000,
		HTTPTimeoutMS:       5_000,
		FailureThreshold:    3,
		MaxRecoveryAttempts: 3,
		RecoveryDelayMS:     60_000,
		MaxStartupAttempts:  3,
		AssetsDir:           ".",
		MetricsAddr:         "",
	}
}

// Load resolves defaults < studio-fleet.yaml (searched in searchDirs, first
// match wins) < environment variables into a single snapshot.
func Load(searchDirs ...string) (*Config, error) {
	cfg := Defaults()

	if fc, path, err := findAndParseYAML(searchDirs); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	} else if fc != nil {
		applyFileConfig(cfg, fc)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if cfg.MinPort <= 0 || cfg.MaxPort <= cfg.MinPort {
		return nil, fmt.Errorf("config: invalid port range [%d, %d]", cfg.MinPort, cfg.MaxPort)
	}

	return cfg, nil
}

func findAndParseYAML(searchDirs []string) (*fileConfig, string, error) {
	for _, dir := range searchDirs {
		path := filepath.Join(dir, "studio-fleet.yaml")
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, path, err
		}
		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, path, err
		}
		return &fc, path, nil
	}
	return nil, "", nil
}

func applyFileConfig(cfg *Config, fc *fileConfig) {
	if fc.MinPort != nil {
		cfg.MinPort = *fc.MinPort
	}
	if fc.MaxPort != nil {
		cfg.MaxPort = *fc.MaxPort
	}
	if fc.ReservedPorts != nil {
		cfg.ReservedPorts = make(map[int]bool, len(fc.ReservedPorts))
		for _, p := range fc.ReservedPorts {
			cfg.ReservedPorts[p] = true
		}
	}
	if fc.AutoRecover != nil {
		cfg.AutoRecover = *fc.AutoRecover
	}
	if fc.HealthIntervalMS != nil {
		cfg.HealthIntervalMS = *fc.HealthIntervalMS
	}
	if fc.AssetsDir != nil {
		cfg.AssetsDir = *fc.AssetsDir
	}
	if fc.MetricsAddr != nil {
		cfg.MetricsAddr = *fc.MetricsAddr
	}
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("MIN_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MIN_PORT: %w", err)
		}
		cfg.MinPort = n
	}
	if v := os.Getenv("MAX_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_PORT: %w", err)
		}
		cfg.MaxPort = n
	}
	if v := os.Getenv("RESERVED_PORTS"); v != "" {
		reserved := map[int]bool{}
		for _, tok := range strings.Split(v, ",") {
			tok = strings.TrimSpace(tok)
			if tok == "" {
				continue
			}
			n, err := strconv.Atoi(tok)
			if err != nil {
				return fmt.Errorf("RESERVED_PORTS: %w", err)
			}
			reserved[n] = true
		}
		cfg.ReservedPorts = reserved
	}
	if v := os.Getenv("AUTO_RECOVER"); v != "" {
		cfg.AutoRecover = v == "1"
	}
	if v := os.Getenv("HEALTH_INTERVAL_MS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("HEALTH_INTERVAL_MS: %w", err)
		}
		cfg.HealthIntervalMS = n
		cfg.CheckIntervalMS = n
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	return nil
}

// IsReserved reports whether port is in the reserved set.
func (c *Config) IsReserved(port int) bool {
	return c.ReservedPorts[port]
}

// InRange reports whether port falls within [MinPort, MaxPort] and is not
// reserved.
func (c *Config) InRange(port int) bool {
	return port >= c.MinPort && port <= c.MaxPort && !c.IsReserved(port)
}
