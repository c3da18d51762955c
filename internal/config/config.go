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
	Server     ServerConfig     `yaml:"server"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Database   DatabaseConfig   `yaml:"database"`
	Auth       AuthConfig       `yaml:"auth"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	Kits       KitsConfig       `yaml:"kits"`
	Log        LogConfig        `yaml:"log"`
}

type ServerConfig struct {
	Port              string        `yaml:"port"`
	CORSAllowOrigin   string        `yaml:"cors_allow_origin"`
	TrustProxyHeaders bool          `yaml:"trust_proxy_headers"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

type IngestConfig struct {
	APIKey       string        `yaml:"api_key"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	MaxBatch     int           `yaml:"max_batch"`
	RateLimit    int           `yaml:"rate_limit"`
	RateWindow   time.Duration `yaml:"rate_window"`
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
}

// AuthConfig selects how bearer tokens are verified. With neither a secret
// nor a public key every caller is anonymous.
type AuthConfig struct {
	Algorithm     string `yaml:"algorithm"`
	Secret        string `yaml:"secret"`
	PublicKeyFile string `yaml:"public_key_file"`
	Issuer        string `yaml:"issuer"`
}

type DispatcherConfig struct {
	Shards          int           `yaml:"shards"`
	QueueSize       int           `yaml:"queue_size"`
	DeliveryTimeout time.Duration `yaml:"delivery_timeout"`
}

type WebSocketConfig struct {
	PingInterval    time.Duration `yaml:"ping_interval"`
	PongTimeout     time.Duration `yaml:"pong_timeout"`
	MaxMessageBytes int64         `yaml:"max_message_bytes"`
	ConnectLimit    int           `yaml:"connect_limit"`
	ConnectWindow   time.Duration `yaml:"connect_window"`
}

// KitsConfig sets when idle kit state is evicted and lists the public kits
// and memberships seeded into the kit directory, in memory or in Postgres.
type KitsConfig struct {
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	Public        []string      `yaml:"public"`
	Members       []KitMember   `yaml:"members"`
}

type KitMember struct {
	Kit      string `yaml:"kit"`
	Username string `yaml:"username"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:              "8080",
			CORSAllowOrigin:   "*",
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       60 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		Ingest: IngestConfig{
			MaxBodyBytes: 1 << 20,
			MaxBatch:     500,
			RateLimit:    600,
			RateWindow:   time.Minute,
		},
		Database: DatabaseConfig{MaxConns: 10},
		Auth:     AuthConfig{Algorithm: "HS256"},
		Dispatcher: DispatcherConfig{
			Shards:          8,
			QueueSize:       256,
			DeliveryTimeout: 5 * time.Second,
		},
		WebSocket: WebSocketConfig{
			PingInterval:    30 * time.Second,
			PongTimeout:     60 * time.Second,
			MaxMessageBytes: 64 << 10,
			ConnectLimit:    60,
			ConnectWindow:   time.Minute,
		},
		Kits: KitsConfig{
			IdleTimeout:   time.Hour,
			SweepInterval: 5 * time.Minute,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
	}
}

// Load starts from Default, applies the YAML file at path when path is not
// empty and then the environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, os.Getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) Validate() error {
	var problems []error

	if strings.TrimSpace(cfg.Ingest.APIKey) == "" {
		problems = append(problems, errors.New("ingest api key is required (INGEST_API_KEY)"))
	}
	if cfg.Server.Port == "" {
		problems = append(problems, errors.New("server port is required"))
	}
	if cfg.Ingest.MaxBatch < 1 {
		problems = append(problems, errors.New("ingest max_batch must be >= 1"))
	}
	switch cfg.Auth.Algorithm {
	case "HS256", "RS256":
	default:
		problems = append(problems, fmt.Errorf("unsupported auth algorithm %q", cfg.Auth.Algorithm))
	}
	if cfg.Auth.Algorithm == "RS256" && cfg.Auth.Secret != "" {
		problems = append(problems, errors.New("auth secret is only used with HS256"))
	}
	if cfg.WebSocket.PingInterval >= cfg.WebSocket.PongTimeout {
		problems = append(problems, errors.New("websocket ping_interval must be shorter than pong_timeout"))
	}

	return errors.Join(problems...)
}

func (cfg Config) Addr() string {
	return ":" + cfg.Server.Port
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	lookup := func(key string) (string, bool) {
		value := strings.TrimSpace(getenv(key))
		return value, value != ""
	}

	if value, ok := lookup("PORT"); ok {
		cfg.Server.Port = value
	}
	if value, ok := lookup("CORS_ALLOW_ORIGIN"); ok {
		cfg.Server.CORSAllowOrigin = value
	}
	if value, ok := lookup("TRUST_PROXY_HEADERS"); ok {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("TRUST_PROXY_HEADERS: %w", err)
		}
		cfg.Server.TrustProxyHeaders = parsed
	}
	if value, ok := lookup("INGEST_API_KEY"); ok {
		cfg.Ingest.APIKey = value
	}
	if value, ok := lookup("DATABASE_URL"); ok {
		cfg.Database.URL = value
	}
	if value, ok := lookup("PG_MAX_CONNS"); ok {
		parsed, err := strconv.ParseInt(value, 10, 32)
		if err != nil {
			return fmt.Errorf("PG_MAX_CONNS: %w", err)
		}
		cfg.Database.MaxConns = int32(parsed)
	}
	if value, ok := lookup("JWT_SECRET"); ok {
		cfg.Auth.Algorithm = "HS256"
		cfg.Auth.Secret = value
	}
	if value, ok := lookup("JWT_PUBLIC_KEY_FILE"); ok {
		cfg.Auth.Algorithm = "RS256"
		cfg.Auth.PublicKeyFile = value
	}
	if value, ok := lookup("LOG_LEVEL"); ok {
		cfg.Log.Level = value
	}
	if value, ok := lookup("LOG_FORMAT"); ok {
		cfg.Log.Format = value
	}
	if value, ok := lookup("LOG_FILE"); ok {
		cfg.Log.File = value
	}

	return nil
}
