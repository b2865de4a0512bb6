package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies engine defaults, and
// validates the result. Unknown fields are rejected so typos surface at
// startup rather than silently falling back to defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.Engine.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Postgres.DSN == "" {
		errs = append(errs, errors.New("postgres.dsn must be set"))
	}
	if cfg.LLM.Provider != "" && cfg.LLM.Provider != "openai" {
		errs = append(errs, fmt.Errorf("llm.provider %q is unknown; valid values: openai", cfg.LLM.Provider))
	}
	if cfg.LLM.Model == "" {
		errs = append(errs, errors.New("llm.model must be set"))
	}

	e := cfg.Engine
	if e.SoftBufferLimit >= e.HardBufferLimit {
		errs = append(errs, fmt.Errorf("engine.soft_buffer_limit (%d) must be below engine.hard_buffer_limit (%d)",
			e.SoftBufferLimit, e.HardBufferLimit))
	}
	if e.BusyLeaseTTL <= e.HeartbeatInterval {
		errs = append(errs, fmt.Errorf("engine.busy_lease_ttl (%v) must exceed engine.heartbeat_interval (%v)",
			e.BusyLeaseTTL, e.HeartbeatInterval))
	}

	return errors.Join(errs...)
}
