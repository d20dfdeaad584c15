package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var GlobalConfig *Config

// Config global configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Backend      BackendConfig      `yaml:"backend"`
	Stream       StreamConfig       `yaml:"stream"`
	Redis        RedisConfig        `yaml:"redis"`
	Fleet        FleetConfig        `yaml:"fleet"`
	Notification NotificationConfig `yaml:"notification"`
	Logger       LoggerConfig       `yaml:"logger"`
}

// ServerConfig server configuration
type ServerConfig struct {
	Port   int    `yaml:"port"`
	Mode   string `yaml:"mode"`    // debug, release
	APIKey string `yaml:"api_key"` // API key for dashboard views (optional, if empty, auth is disabled)
}

// BackendConfig REST snapshot API configuration
type BackendConfig struct {
	BaseURL    string        `yaml:"base_url"`    // e.g. https://admin.example.com/api
	Token      string        `yaml:"token"`       // bearer token, overridden by FLEETWATCH_BACKEND_TOKEN
	Timeout    time.Duration `yaml:"timeout"`     // per-request timeout
	MaxRetries int           `yaml:"max_retries"` // retries on network errors and 5xx
	RetryDelay time.Duration `yaml:"retry_delay"` // base backoff delay
}

// StreamConfig live event channel configuration
type StreamConfig struct {
	Driver         string        `yaml:"driver"`          // pusher, redis
	Topic          string        `yaml:"topic"`           // logical channel name
	URL            string        `yaml:"url"`             // ws(s)://host[:port] of the Pusher-compatible server
	AppKey         string        `yaml:"app_key"`         // Pusher application key
	AuthEndpoint   string        `yaml:"auth_endpoint"`   // presence channel authorization endpoint
	RedisPrefix    string        `yaml:"redis_prefix"`    // channel prefix used by the redis broadcaster
	ReconnectDelay time.Duration `yaml:"reconnect_delay"` // base delay between reconnect attempts
}

// RedisConfig Redis configuration
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// FleetConfig state store configuration
type FleetConfig struct {
	HistoryLimit       int           `yaml:"history_limit"`        // messages kept per server (detail view bound)
	RosterMessageLimit int           `yaml:"roster_message_limit"` // messages requested/projected for the roster
	ActivityWindow     time.Duration `yaml:"activity_window"`      // idle threshold
	RecomputeInterval  time.Duration `yaml:"recompute_interval"`   // forced statistics recompute
	RefreshInterval    time.Duration `yaml:"refresh_interval"`     // periodic authoritative snapshot, 0 disables
	DedupeEvents       bool          `yaml:"dedupe_events"`        // drop exact redeliveries before counting
	DedupeWindow       int           `yaml:"dedupe_window"`        // fingerprints remembered when deduping
}

// NotificationConfig failure alert configuration
type NotificationConfig struct {
	FeishuWebhookURL string        `yaml:"feishu_webhook_url"` // empty disables alerts, FEISHU_WEBHOOK_URL is the fallback
	Cooldown         time.Duration `yaml:"cooldown"`           // minimum delay between alerts for one server
}

// LoggerConfig logger configuration
type LoggerConfig struct {
	Level  string           `yaml:"level"`  // debug, info, warn, error
	Output string           `yaml:"output"` // console, file, both
	File   LoggerFileConfig `yaml:"file"`
}

// LoggerFileConfig logger file configuration
type LoggerFileConfig struct {
	Path string `yaml:"path"`
}

// Stream drivers
const (
	StreamDriverPusher = "pusher"
	StreamDriverRedis  = "redis"
)

// DefaultFleetConfig returns the fleet defaults
func DefaultFleetConfig() FleetConfig {
	return FleetConfig{
		HistoryLimit:       100,
		RosterMessageLimit: 20,
		ActivityWindow:     5 * time.Minute,
		RecomputeInterval:  time.Minute,
		DedupeWindow:       1024,
	}
}

// DefaultBackendConfig returns the backend client defaults
func DefaultBackendConfig() BackendConfig {
	return BackendConfig{
		Timeout:    15 * time.Second,
		MaxRetries: 2,
		RetryDelay: 200 * time.Millisecond,
	}
}

// DefaultStreamConfig returns the stream defaults
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Driver:         StreamDriverPusher,
		Topic:          "backend-gpu-server-processing",
		AuthEndpoint:   "/broadcasting/auth",
		ReconnectDelay: time.Second,
	}
}

// Init initializes configuration
func Init() error {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	cfg, err := Load(configPath)
	if err != nil {
		return err
	}

	GlobalConfig = cfg
	return nil
}

// Load reads and validates a configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML configuration and applies defaults
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if token := os.Getenv("FLEETWATCH_BACKEND_TOKEN"); token != "" {
		cfg.Backend.Token = token
	}

	validateAndApplyDefaults(&cfg)
	return &cfg, nil
}

// validateAndApplyDefaults replaces invalid or missing values with defaults
func validateAndApplyDefaults(cfg *Config) {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}

	backend := DefaultBackendConfig()
	if cfg.Backend.Timeout <= 0 {
		cfg.Backend.Timeout = backend.Timeout
	}
	if cfg.Backend.MaxRetries < 0 {
		cfg.Backend.MaxRetries = backend.MaxRetries
	}
	if cfg.Backend.RetryDelay <= 0 {
		cfg.Backend.RetryDelay = backend.RetryDelay
	}

	stream := DefaultStreamConfig()
	switch cfg.Stream.Driver {
	case StreamDriverPusher, StreamDriverRedis:
	default:
		cfg.Stream.Driver = stream.Driver
	}
	if cfg.Stream.Topic == "" {
		cfg.Stream.Topic = stream.Topic
	}
	if cfg.Stream.AuthEndpoint == "" {
		cfg.Stream.AuthEndpoint = stream.AuthEndpoint
	}
	if cfg.Stream.ReconnectDelay <= 0 {
		cfg.Stream.ReconnectDelay = stream.ReconnectDelay
	}

	fleet := DefaultFleetConfig()
	if cfg.Fleet.HistoryLimit <= 0 {
		cfg.Fleet.HistoryLimit = fleet.HistoryLimit
	}
	if cfg.Fleet.RosterMessageLimit <= 0 {
		cfg.Fleet.RosterMessageLimit = fleet.RosterMessageLimit
	}
	if cfg.Fleet.RosterMessageLimit > cfg.Fleet.HistoryLimit {
		cfg.Fleet.RosterMessageLimit = cfg.Fleet.HistoryLimit
	}
	if cfg.Fleet.ActivityWindow <= 0 {
		cfg.Fleet.ActivityWindow = fleet.ActivityWindow
	}
	if cfg.Fleet.RecomputeInterval <= 0 {
		cfg.Fleet.RecomputeInterval = fleet.RecomputeInterval
	}
	if cfg.Fleet.RefreshInterval < 0 {
		cfg.Fleet.RefreshInterval = 0
	}
	if cfg.Fleet.DedupeWindow <= 0 {
		cfg.Fleet.DedupeWindow = fleet.DedupeWindow
	}

	if cfg.Notification.FeishuWebhookURL == "" {
		cfg.Notification.FeishuWebhookURL = os.Getenv("FEISHU_WEBHOOK_URL")
	}
	if cfg.Notification.Cooldown <= 0 {
		cfg.Notification.Cooldown = 10 * time.Minute
	}
}
