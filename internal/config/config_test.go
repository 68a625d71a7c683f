package config

import (
	"os"
	"path/filepath"
	"testing"
)

func baseConfig() *Config {
	return &Config{
		Aggregator: AggregatorConfig{Name: "agg"},
		API: APIConfig{
			SimulationID: "sim-1",
			Username:     "user",
			Password:     "pass",
		},
	}
}

func TestDefaults(t *testing.T) {
	cfg := baseConfig()
	applyDefaults(cfg)
	if cfg.API.DomainName == "" {
		t.Fatalf("expected default domain name")
	}
	if cfg.API.WSMaxConnectionRetries != 20 {
		t.Fatalf("expected 20 reconnect retries, got %d", cfg.API.WSMaxConnectionRetries)
	}
	if cfg.Redis.URL != "redis://localhost:6379" {
		t.Fatalf("expected local redis default, got %q", cfg.Redis.URL)
	}
	if cfg.Aggregator.AcceptAllDevices == nil || !*cfg.Aggregator.AcceptAllDevices {
		t.Fatalf("expected accept_all_devices default true")
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestWSRootDerivedFromDomain(t *testing.T) {
	cfg := baseConfig()
	cfg.API.DomainName = "https://example.com"
	applyDefaults(cfg)
	if cfg.API.WebsocketDomainName != "wss://example.com/external-ws" {
		t.Fatalf("expected derived ws root, got %q", cfg.API.WebsocketDomainName)
	}
}

func TestEnvOverridesWin(t *testing.T) {
	t.Setenv("API_CLIENT_USERNAME", "env-user")
	t.Setenv("API_CLIENT_SIMULATION_ID", "env-sim")
	t.Setenv("API_CLIENT_RUN_ON_REDIS", "true")
	cfg := baseConfig()
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	if cfg.API.Username != "env-user" {
		t.Fatalf("expected env username, got %q", cfg.API.Username)
	}
	if cfg.API.SimulationID != "env-sim" {
		t.Fatalf("expected env simulation id, got %q", cfg.API.SimulationID)
	}
	if !cfg.API.RunOnRedis {
		t.Fatalf("expected run_on_redis override")
	}
}

func TestValidateRequiresCredentialsForConnectedSession(t *testing.T) {
	cfg := baseConfig()
	cfg.API.Password = ""
	applyDefaults(cfg)
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for missing password")
	}
}

func TestValidateAllowsRedisWithoutCredentials(t *testing.T) {
	cfg := &Config{
		Aggregator: AggregatorConfig{Name: "agg"},
		API:        APIConfig{RunOnRedis: true},
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid redis config, got %v", err)
	}
}

func TestApplySimulationFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sim.json")
	payload := `{"uuid": "sim-json", "domain_name": "https://json.example", "web_socket_domain_name": "wss://json.example/ws"}`
	if err := os.WriteFile(path, []byte(payload), 0o600); err != nil {
		t.Fatalf("write sim file: %v", err)
	}
	cfg := baseConfig()
	applyDefaults(cfg)
	if err := ApplySimulationFile(cfg, path); err != nil {
		t.Fatalf("apply sim file: %v", err)
	}
	if cfg.API.SimulationID != "sim-json" {
		t.Fatalf("expected simulation id from file, got %q", cfg.API.SimulationID)
	}
	if cfg.API.DomainName != "https://json.example" {
		t.Fatalf("expected domain from file, got %q", cfg.API.DomainName)
	}
	if cfg.API.WebsocketDomainName != "wss://json.example/ws" {
		t.Fatalf("expected ws root from file, got %q", cfg.API.WebsocketDomainName)
	}
}
