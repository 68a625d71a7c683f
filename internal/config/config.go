package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log        LoggingConfig    `yaml:"log"`
	API        APIConfig        `yaml:"api"`
	Redis      RedisConfig      `yaml:"redis"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	State      StateConfig      `yaml:"state"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Timescale  TimescaleConfig  `yaml:"timescale"`
	Telegram   TelegramConfig   `yaml:"telegram"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// APIConfig selects and parameterizes the transport. With RunOnRedis the
// Redis section applies instead of the HTTP/WS roots.
type APIConfig struct {
	DomainName          string        `yaml:"domain_name"`
	WebsocketDomainName string        `yaml:"websocket_domain_name"`
	SimulationID        string        `yaml:"simulation_id"`
	Username            string        `yaml:"username"`
	Password            string        `yaml:"password"`
	RunOnRedis          bool          `yaml:"run_on_redis"`
	Timeout             time.Duration `yaml:"timeout"`

	WSMaxConnectionRetries int           `yaml:"ws_max_connection_retries"`
	WSRetryWait            time.Duration `yaml:"ws_retry_wait"`
	WSErrorThreshold       time.Duration `yaml:"ws_error_threshold"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type AggregatorConfig struct {
	Name             string `yaml:"name"`
	AcceptAllDevices *bool  `yaml:"accept_all_devices"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	return m.Enabled != nil && *m.Enabled
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueueSize       int           `yaml:"queue_size"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

const (
	defaultDomainName          = "https://exchange-api.gridmarkets.energy"
	defaultWebsocketDomainName = "wss://exchange-api.gridmarkets.energy/external-ws"
	defaultRedisURL            = "redis://localhost:6379"
)

// Load reads the yaml settings file, applies defaults and environment
// overrides once, and validates. The result is immutable for the session.
func Load(path string) (*Config, error) {
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads and defaults the settings without validating, for callers
// that overlay CLI flags or a simulation file before Validate.
func LoadFile(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.API.DomainName == "" {
		cfg.API.DomainName = defaultDomainName
	}
	if cfg.API.WebsocketDomainName == "" {
		cfg.API.WebsocketDomainName = deriveWSRoot(cfg.API.DomainName)
	}
	if cfg.API.Timeout == 0 {
		cfg.API.Timeout = 10 * time.Second
	}
	if cfg.API.WSMaxConnectionRetries == 0 {
		cfg.API.WSMaxConnectionRetries = 20
	}
	if cfg.API.WSRetryWait == 0 {
		cfg.API.WSRetryWait = 30 * time.Second
	}
	if cfg.API.WSErrorThreshold == 0 {
		cfg.API.WSErrorThreshold = 30 * time.Second
	}
	if cfg.Redis.URL == "" {
		cfg.Redis.URL = defaultRedisURL
	}
	if cfg.Aggregator.AcceptAllDevices == nil {
		accept := true
		cfg.Aggregator.AcceptAllDevices = &accept
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/em-agg-sdk.db"
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9001"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
}

func deriveWSRoot(domain string) string {
	switch {
	case strings.HasPrefix(domain, "https://"):
		return "wss://" + strings.TrimPrefix(domain, "https://") + "/external-ws"
	case strings.HasPrefix(domain, "http://"):
		return "ws://" + strings.TrimPrefix(domain, "http://") + "/external-ws"
	default:
		return defaultWebsocketDomainName
	}
}

// applyEnvOverrides lets the recognized environment settings win over the
// yaml file. They are read exactly once, here.
func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("API_CLIENT_USERNAME")); v != "" {
		cfg.API.Username = v
	}
	if v := strings.TrimSpace(os.Getenv("API_CLIENT_PASSWORD")); v != "" {
		cfg.API.Password = v
	}
	if v := strings.TrimSpace(os.Getenv("API_CLIENT_DOMAIN_NAME")); v != "" {
		cfg.API.DomainName = v
	}
	if v := strings.TrimSpace(os.Getenv("API_CLIENT_WEBSOCKET_DOMAIN_NAME")); v != "" {
		cfg.API.WebsocketDomainName = v
	}
	if v := strings.TrimSpace(os.Getenv("API_CLIENT_SIMULATION_ID")); v != "" {
		cfg.API.SimulationID = v
	}
	if v := strings.TrimSpace(os.Getenv("API_CLIENT_RUN_ON_REDIS")); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.API.RunOnRedis = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("API_CLIENT_REDIS_URL")); v != "" {
		cfg.Redis.URL = v
	}
}

func Validate(cfg *Config) error {
	if cfg.Aggregator.Name == "" {
		return errors.New("aggregator.name is required")
	}
	if !cfg.API.RunOnRedis {
		if cfg.API.SimulationID == "" {
			return errors.New("api.simulation_id is required for the connected session")
		}
		if cfg.API.Username == "" || cfg.API.Password == "" {
			return errors.New("api.username and api.password are required for the connected session")
		}
	}
	if cfg.API.WSMaxConnectionRetries < 0 {
		return errors.New("api.ws_max_connection_retries must be >= 0")
	}
	if cfg.API.WSRetryWait < 0 || cfg.API.WSErrorThreshold < 0 {
		return errors.New("api websocket retry settings must be >= 0")
	}
	if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /, got %q", cfg.Metrics.Path)
	}
	if cfg.Telegram.Enabled && (cfg.Telegram.Token == "" || cfg.Telegram.ChatID == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	if cfg.Timescale.Enabled && strings.TrimSpace(cfg.Timescale.DSN) == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	return nil
}
