package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the server runtime parameters.
type Config struct {
	ListenAddress       string        `mapstructure:"listen_address"`
	LogLevel            string        `mapstructure:"log_level"`
	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period"`
	Store               StoreConfig   `mapstructure:"store"`
	Redis               RedisConfig   `mapstructure:"redis"`
	Auth                AuthConfig    `mapstructure:"auth"`
	Gateway             GatewayConfig `mapstructure:"gateway"`
	Admin               AdminConfig   `mapstructure:"admin"`
}

// StoreConfig selects and configures the Graph Store backend.
type StoreConfig struct {
	Driver   string `mapstructure:"driver"`
	MongoURI string `mapstructure:"mongo_uri"`
	Database string `mapstructure:"database"`
}

// RedisConfig configures the presence mirror and mutation journal.
type RedisConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Address       string        `mapstructure:"address"`
	Password      string        `mapstructure:"password"`
	DB            int           `mapstructure:"db"`
	JournalLength int64         `mapstructure:"journal_length"`
	JournalTTL    time.Duration `mapstructure:"journal_ttl"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	SecretEnv string        `mapstructure:"secret_env"`
	Issuer    string        `mapstructure:"issuer"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// GatewayConfig tunes per-connection resources.
type GatewayConfig struct {
	SendQueueSize int           `mapstructure:"send_queue_size"`
	ReadLimit     int64         `mapstructure:"read_limit"`
	PongWait      time.Duration `mapstructure:"pong_wait"`
	WriteWait     time.Duration `mapstructure:"write_wait"`
}

// AdminConfig controls the metrics/health listener.
type AdminConfig struct {
	Address           string        `mapstructure:"address"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
}

const (
	defaultListenAddress       = ":8080"
	defaultLogLevel            = "info"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultStoreDriver         = "memory"
	defaultMongoURI            = "mongodb://localhost:27017/?replicaSet=rs0"
	defaultDatabase            = "treehub"
	defaultRedisAddress        = "localhost:6379"
	defaultJournalLength       = 1000
	defaultJournalTTL          = 24 * time.Hour
	defaultSecretEnv           = "TREEHUB_AUTH_SECRET"
	defaultAuthTimeout         = 5 * time.Second
	defaultSendQueueSize       = 256
	defaultReadLimit           = 64 << 10
	defaultPongWait            = 60 * time.Second
	defaultWriteWait           = 10 * time.Second
	defaultAdminAddress        = ":9090"
	defaultReadHeaderTimeout   = 5 * time.Second
)

// Load reads configuration from the provided file path (if any) and the
// environment. Environment variables are prefixed with TREEHUB_ and
// override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TREEHUB")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("listen_address", defaultListenAddress)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod)
	v.SetDefault("store.driver", defaultStoreDriver)
	v.SetDefault("store.mongo_uri", defaultMongoURI)
	v.SetDefault("store.database", defaultDatabase)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", defaultRedisAddress)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.journal_length", defaultJournalLength)
	v.SetDefault("redis.journal_ttl", defaultJournalTTL)
	v.SetDefault("auth.secret_env", defaultSecretEnv)
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.timeout", defaultAuthTimeout)
	v.SetDefault("gateway.send_queue_size", defaultSendQueueSize)
	v.SetDefault("gateway.read_limit", defaultReadLimit)
	v.SetDefault("gateway.pong_wait", defaultPongWait)
	v.SetDefault("gateway.write_wait", defaultWriteWait)
	v.SetDefault("admin.address", defaultAdminAddress)
	v.SetDefault("admin.read_header_timeout", defaultReadHeaderTimeout)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	switch cfg.Store.Driver {
	case "memory", "mongo":
	default:
		return Config{}, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	if cfg.Auth.Timeout <= 0 {
		return Config{}, fmt.Errorf("auth.timeout must be positive")
	}
	if cfg.Gateway.SendQueueSize <= 0 {
		cfg.Gateway.SendQueueSize = defaultSendQueueSize
	}
	if cfg.Gateway.PongWait <= 0 {
		cfg.Gateway.PongWait = defaultPongWait
	}
	if cfg.Gateway.WriteWait <= 0 {
		cfg.Gateway.WriteWait = defaultWriteWait
	}
	return cfg, nil
}

// Secret fetches the token signing secret from the configured environment
// variable.
func (c Config) Secret() ([]byte, error) {
	env := c.Auth.SecretEnv
	if env == "" {
		env = defaultSecretEnv
	}
	val := strings.TrimSpace(getenv(env))
	if val == "" {
		return nil, fmt.Errorf("auth secret env %s is empty", env)
	}
	return []byte(val), nil
}

// split out for testing.
var getenv = os.Getenv
