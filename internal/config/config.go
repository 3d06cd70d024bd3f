// Package config loads the tandem server configuration from a YAML file, an optional
// dotenv file and TANDEM_* environment variables.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Store kinds.
const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StoreRedis    = "redis"
	StoreBolt     = "bolt"
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
)

// Config is the typed server configuration.
type Config struct {
	ListenAddr    string      `mapstructure:"listen_addr" yaml:"listen_addr"`
	MetricsAddr   string      `mapstructure:"metrics_addr" yaml:"metrics_addr"`
	LogLevel      string      `mapstructure:"log_level" yaml:"log_level"`
	Store         StoreConfig `mapstructure:"store" yaml:"store"`
	Redis         RedisConfig `mapstructure:"redis" yaml:"redis"`
	Auth          AuthConfig  `mapstructure:"auth" yaml:"auth"`
	Relay         RelayConfig `mapstructure:"relay" yaml:"relay"`
	Undo          UndoConfig  `mapstructure:"undo" yaml:"undo"`
	EncryptionKey string      `mapstructure:"encryption_key" yaml:"encryption_key"`
}

type StoreConfig struct {
	Kind string `mapstructure:"kind" yaml:"kind"`
	// Dir is the file store directory.
	Dir string `mapstructure:"dir" yaml:"dir"`
	// Path is the bolt database file.
	Path string `mapstructure:"path" yaml:"path"`
	// DSN is the postgres connection string.
	DSN string `mapstructure:"dsn" yaml:"dsn"`
	// URI and Database select the mongo deployment.
	URI      string `mapstructure:"uri" yaml:"uri"`
	Database string `mapstructure:"database" yaml:"database"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr" yaml:"addr"`
	Password string        `mapstructure:"password" yaml:"password"`
	DB       int           `mapstructure:"db" yaml:"db"`
	Prefix   string        `mapstructure:"prefix" yaml:"prefix"`
	TTL      time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" yaml:"jwt_secret"`
}

type RelayConfig struct {
	MaxConnections int `mapstructure:"max_connections" yaml:"max_connections"`
	// Replication shares room updates between relay instances over Redis pub/sub.
	Replication bool `mapstructure:"replication" yaml:"replication"`
}

type UndoConfig struct {
	CaptureTimeout time.Duration `mapstructure:"capture_timeout" yaml:"capture_timeout"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
		Store: StoreConfig{
			Kind:     StoreMemory,
			Dir:      ".tandem/documents",
			Path:     ".tandem/documents.db",
			Database: "tandem",
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "tandem:doc:",
		},
		Undo: UndoConfig{
			CaptureTimeout: 500 * time.Millisecond,
		},
	}
}

// envVars maps environment variables to configuration paths.
var envVars = map[string][]string{
	"TANDEM_LISTEN_ADDR":          {"listen_addr"},
	"TANDEM_METRICS_ADDR":         {"metrics_addr"},
	"TANDEM_LOG_LEVEL":            {"log_level"},
	"TANDEM_STORE":                {"store", "kind"},
	"TANDEM_STORE_DIR":            {"store", "dir"},
	"TANDEM_STORE_PATH":           {"store", "path"},
	"TANDEM_POSTGRES_DSN":         {"store", "dsn"},
	"TANDEM_MONGO_URI":            {"store", "uri"},
	"TANDEM_MONGO_DATABASE":       {"store", "database"},
	"TANDEM_REDIS_ADDR":           {"redis", "addr"},
	"TANDEM_REDIS_PASSWORD":       {"redis", "password"},
	"TANDEM_REDIS_DB":             {"redis", "db"},
	"TANDEM_REDIS_PREFIX":         {"redis", "prefix"},
	"TANDEM_REDIS_TTL":            {"redis", "ttl"},
	"TANDEM_JWT_SECRET":           {"auth", "jwt_secret"},
	"TANDEM_MAX_CONNECTIONS":      {"relay", "max_connections"},
	"TANDEM_RELAY_REPLICATION":    {"relay", "replication"},
	"TANDEM_UNDO_CAPTURE_TIMEOUT": {"undo", "capture_timeout"},
	"TANDEM_ENCRYPTION_KEY":       {"encryption_key"},
}

// LoadOption configures Load.
type LoadOption func(*loader)

type loader struct {
	envFile string
	lookup  func(string) (string, bool)
}

// WithEnvFile reads TANDEM_* variables from a dotenv file. Variables set in the
// process environment take precedence over the file.
func WithEnvFile(path string) LoadOption {
	return func(l *loader) {
		l.envFile = path
	}
}

// Load reads path (if not empty), applies environment overrides on top and validates the result.
func Load(path string, opts ...LoadOption) (*Config, error) {
	l := &loader{lookup: os.LookupEnv}
	for _, opt := range opts {
		opt(l)
	}

	var fileEnv map[string]string
	if l.envFile != "" {
		var err error
		fileEnv, err = godotenv.Read(l.envFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read env file %s: %w", l.envFile, err)
		}
	}

	raw := make(map[string]any)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	for env, keyPath := range envVars {
		if v, ok := l.lookup(env); ok {
			setPath(raw, keyPath, v)
		} else if v, ok := fileEnv[env]; ok {
			setPath(raw, keyPath, v)
		}
	}

	cfg := Default()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           cfg,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setPath(m map[string]any, path []string, v string) {
	for _, k := range path[:len(path)-1] {
		next, ok := m[k].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[k] = next
		}
		m = next
	}
	m[path[len(path)-1]] = v
}

// Validate checks the configuration for inconsistent values.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Kind {
	case StoreMemory, StoreRedis:
	case StoreFile:
		if c.Store.Dir == "" {
			errs = append(errs, errors.New("store.dir is required for the file store"))
		}
	case StoreBolt:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the bolt store"))
		}
	case StorePostgres:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for the postgres store"))
		}
	case StoreMongo:
		if c.Store.URI == "" {
			errs = append(errs, errors.New("store.uri is required for the mongo store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store kind %q", c.Store.Kind))
	}
	if (c.Store.Kind == StoreRedis || c.Relay.Replication) && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}
	if c.Relay.MaxConnections < 0 {
		errs = append(errs, errors.New("relay.max_connections must not be negative"))
	}
	if c.Undo.CaptureTimeout < 0 {
		errs = append(errs, errors.New("undo.capture_timeout must not be negative"))
	}
	if _, err := c.EncryptionKeyBytes(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// EncryptionKeyBytes decodes the hex encryption key. It returns nil when encryption is disabled.
func (c *Config) EncryptionKeyBytes() ([]byte, error) {
	if c.EncryptionKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("encryption_key must be hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption_key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

// Level parses the configured log level.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return level, nil
}
