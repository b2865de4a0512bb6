package config

import (
	"strings"
	"testing"
	"time"
)

const validYAML = `
server:
  listen_addr: ":8080"
  log_level: info
postgres:
  dsn: "postgres://fabula@localhost:5432/fabula"
redis:
  addr: "localhost:6379"
  prefix: "fabula:"
llm:
  provider: openai
  model: gpt-4o
  api_key_env: OPENAI_API_KEY
engine:
  hard_buffer_limit: 1000
  soft_buffer_limit: 500
`

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr = %q, want :8080", cfg.Server.ListenAddr)
	}
	if cfg.Engine.HardBufferLimit != 1000 || cfg.Engine.SoftBufferLimit != 500 {
		t.Errorf("buffer limits = %d/%d, want 1000/500",
			cfg.Engine.HardBufferLimit, cfg.Engine.SoftBufferLimit)
	}
	// Unset engine fields take defaults.
	if cfg.Engine.ReplyTokenLimit != DefaultReplyTokenLimit {
		t.Errorf("reply_token_limit = %d, want default %d",
			cfg.Engine.ReplyTokenLimit, DefaultReplyTokenLimit)
	}
	if cfg.Engine.HeartbeatInterval.Std() != 500*time.Millisecond {
		t.Errorf("heartbeat_interval = %v, want 500ms", cfg.Engine.HeartbeatInterval)
	}
	if cfg.Engine.BusyLeaseTTL.Std() != time.Second {
		t.Errorf("busy_lease_ttl = %v, want 1s", cfg.Engine.BusyLeaseTTL)
	}
	if cfg.Energy.Metering {
		t.Error("energy.metering must default to off")
	}
}

func TestLoadFromReader_EnergyMetering(t *testing.T) {
	yaml := validYAML + "energy:\n  metering: true\n"
	cfg, err := LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if !cfg.Energy.Metering {
		t.Error("energy.metering = false, want true")
	}
}

func TestLoadFromReader_DurationStrings(t *testing.T) {
	yaml := validYAML + "  heartbeat_interval: 250ms\n  busy_lease_ttl: 2s\n"
	cfg, err := LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Engine.HeartbeatInterval.Std() != 250*time.Millisecond {
		t.Errorf("heartbeat_interval = %v, want 250ms", cfg.Engine.HeartbeatInterval)
	}
	if cfg.Engine.BusyLeaseTTL.Std() != 2*time.Second {
		t.Errorf("busy_lease_ttl = %v, want 2s", cfg.Engine.BusyLeaseTTL)
	}

	bad := validYAML + "  busy_lease_ttl: soon\n"
	if _, err := LoadFromReader(strings.NewReader(bad)); err == nil {
		t.Fatal("expected error for malformed duration")
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	yaml := validYAML + "\nunknown_section:\n  foo: bar\n"
	if _, err := LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidate_CollectsAllFailures(t *testing.T) {
	cfg := &Config{}
	cfg.Server.LogLevel = "verbose"
	cfg.LLM.Provider = "anthropic"
	cfg.Engine.ApplyDefaults()
	cfg.Engine.SoftBufferLimit = 800 // above the hard limit

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"log_level", "postgres.dsn", "llm.provider", "llm.model", "soft_buffer_limit"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestValidate_LeaseMustOutliveHeartbeat(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	cfg.Engine.HeartbeatInterval = Duration(2 * time.Second)
	cfg.Engine.BusyLeaseTTL = Duration(time.Second)
	if err := Validate(cfg); err == nil || !strings.Contains(err.Error(), "busy_lease_ttl") {
		t.Fatalf("error = %v, want busy_lease_ttl complaint", err)
	}
}
