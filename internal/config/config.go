package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"taskflow/backend/internal/executor"
)

// EnvPrefix prefixes every environment override, e.g. TASKFLOW_SERVER_ADDRESS.
const EnvPrefix = "TASKFLOW"

// Config holds the configuration for the application.
type Config struct {
	Environment string `mapstructure:"environment"`
	Server      struct {
		Address        string        `mapstructure:"address"`
		ReadTimeout    time.Duration `mapstructure:"read_timeout"`
		WriteTimeout   time.Duration `mapstructure:"write_timeout"`
		AllowedOrigins []string      `mapstructure:"allowed_origins"`
	} `mapstructure:"server"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	Store struct {
		Driver string `mapstructure:"driver"`
	} `mapstructure:"store"`
	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`
	Engine struct {
		MaxConcurrentTasks int `mapstructure:"max_concurrent_tasks"`
		TrackerRetry       struct {
			InitialInterval time.Duration `mapstructure:"initial_interval"`
			MaxElapsed      time.Duration `mapstructure:"max_elapsed"`
		} `mapstructure:"tracker_retry"`
		FeedBuffer int `mapstructure:"feed_buffer"`
	} `mapstructure:"engine"`
	Tasks map[string]TaskKindConfig `mapstructure:"tasks"`
	MCP   struct {
		Enable bool `mapstructure:"enable"`
	} `mapstructure:"mcp"`
	TLS struct {
		Enable    bool     `mapstructure:"enable"`
		CertFile  string   `mapstructure:"cert_file"`
		KeyFile   string   `mapstructure:"key_file"`
		Hostnames []string `mapstructure:"hostnames"`
	} `mapstructure:"tls"`
	// Preload lists YAML definition files stored at startup.
	Preload []string `mapstructure:"preload"`
}

// TaskKindConfig overrides the execution settings of one task kind.
type TaskKindConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
}

// New returns a viper instance with defaults and environment overrides set
// up. Flags may be bound to it before LoadConfig.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault("environment", "development")
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 0)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("store.driver", "memory")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "taskflow")
	v.SetDefault("db.password", "")
	v.SetDefault("db.name", "taskflow")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("engine.max_concurrent_tasks", 8)
	v.SetDefault("engine.tracker_retry.initial_interval", 100*time.Millisecond)
	v.SetDefault("engine.tracker_retry.max_elapsed", 10*time.Second)
	v.SetDefault("engine.feed_buffer", 256)
	v.SetDefault("mcp.enable", true)
	v.SetDefault("tls.enable", false)
	v.SetDefault("tls.cert_file", "certs/server.crt")
	v.SetDefault("tls.key_file", "certs/server.key")
	v.SetDefault("tls.hostnames", []string{"localhost", "127.0.0.1"})
	v.SetDefault("preload", []string{})

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadConfig reads path, or config.yaml from . or ./config when path is
// empty, and applies environment overrides. A missing default file is not
// an error; a missing explicit path is.
func LoadConfig(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "postgres":
	default:
		return fmt.Errorf("store.driver must be memory or postgres, got %q", c.Store.Driver)
	}
	if c.Engine.MaxConcurrentTasks < 1 {
		return fmt.Errorf("engine.max_concurrent_tasks must be at least 1, got %d", c.Engine.MaxConcurrentTasks)
	}
	for kind, t := range c.Tasks {
		if t.Timeout < 0 || t.MaxAttempts < 0 || t.Backoff < 0 {
			return fmt.Errorf("tasks.%s: settings must not be negative", kind)
		}
	}
	return nil
}

// KindSettings converts the per-kind overrides for the executor registry.
func (c *Config) KindSettings() map[string]executor.Settings {
	out := make(map[string]executor.Settings, len(c.Tasks))
	for kind, t := range c.Tasks {
		out[kind] = executor.Settings{
			Timeout:     t.Timeout,
			MaxAttempts: t.MaxAttempts,
			Backoff:     t.Backoff,
		}
	}
	return out
}

// DatabaseURL returns the PostgreSQL connection string.
func (c *Config) DatabaseURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DB.User, c.DB.Password),
		Host:     c.DB.Host + ":" + strconv.Itoa(c.DB.Port),
		Path:     "/" + c.DB.Name,
		RawQuery: url.Values{"sslmode": []string{c.DB.SSLMode}}.Encode(),
	}
	return u.String()
}
