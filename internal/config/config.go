// Package config holds the flowcrm runtime configuration.
//
// Values come from three layers, later ones winning: built-in defaults,
// an optional YAML file, then FLOWCRM_* environment variables. CLI flags
// are applied on top by the cli package.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete runtime configuration.
type Config struct {
	Database string `yaml:"database"`
	Server   Server `yaml:"server"`
	Engine   Engine `yaml:"engine"`
	Nodes    Nodes  `yaml:"nodes"`
	Log      Log    `yaml:"log"`
}

// Server configures the HTTP API.
type Server struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdownTimeout"`
}

// Engine configures the execution queue and runner limits.
type Engine struct {
	Workers        int           `yaml:"workers"`
	MaxAttempts    int           `yaml:"maxAttempts"`
	RetryBackoff   time.Duration `yaml:"retryBackoff"`
	MaxSteps       int           `yaml:"maxSteps"`
	MaxBundleDepth int           `yaml:"maxBundleDepth"`
}

// Nodes configures node executors.
type Nodes struct {
	HTTPTimeout time.Duration `yaml:"httpTimeout"`
}

// Log configures logging.
type Log struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Database: "flowcrm.db",
		Server: Server{
			Addr:              ":8080",
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Engine: Engine{
			Workers:        4,
			MaxAttempts:    3,
			RetryBackoff:   200 * time.Millisecond,
			MaxSteps:       1000,
			MaxBundleDepth: 5,
		},
		Nodes: Nodes{HTTPTimeout: 30 * time.Second},
		Log:   Log{Level: "info"},
	}
}

// Load builds the configuration from defaults, the YAML file at path
// (skipped when path is empty) and the process environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return Config{}, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decode overlays YAML onto cfg. Unknown keys are rejected.
func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// ApplyEnv overlays FLOWCRM_* variables returned by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %q is not an integer", key, v)
		}
		*dst = n
		return nil
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %q is not a duration", key, v)
		}
		*dst = d
		return nil
	}

	str("FLOWCRM_DB", &c.Database)
	str("FLOWCRM_ADDR", &c.Server.Addr)
	str("FLOWCRM_LOG_LEVEL", &c.Log.Level)
	return errors.Join(
		num("FLOWCRM_WORKERS", &c.Engine.Workers),
		num("FLOWCRM_MAX_ATTEMPTS", &c.Engine.MaxAttempts),
		num("FLOWCRM_MAX_STEPS", &c.Engine.MaxSteps),
		num("FLOWCRM_MAX_BUNDLE_DEPTH", &c.Engine.MaxBundleDepth),
		dur("FLOWCRM_RETRY_BACKOFF", &c.Engine.RetryBackoff),
		dur("FLOWCRM_HTTP_TIMEOUT", &c.Nodes.HTTPTimeout),
	)
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.Database == "" {
		errs = append(errs, errors.New("database: path is required"))
	}
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr: address is required"))
	}
	if c.Engine.Workers < 1 {
		errs = append(errs, fmt.Errorf("engine.workers: must be at least 1, got %d", c.Engine.Workers))
	}
	if c.Engine.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("engine.maxAttempts: must be at least 1, got %d", c.Engine.MaxAttempts))
	}
	if c.Engine.MaxSteps < 1 {
		errs = append(errs, fmt.Errorf("engine.maxSteps: must be at least 1, got %d", c.Engine.MaxSteps))
	}
	if c.Engine.MaxBundleDepth < 0 {
		errs = append(errs, fmt.Errorf("engine.maxBundleDepth: must not be negative, got %d", c.Engine.MaxBundleDepth))
	}
	if c.Engine.RetryBackoff < 0 {
		errs = append(errs, errors.New("engine.retryBackoff: must not be negative"))
	}
	if c.Nodes.HTTPTimeout <= 0 {
		errs = append(errs, errors.New("nodes.httpTimeout: must be positive"))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
