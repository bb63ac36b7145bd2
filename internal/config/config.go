package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server          ServerConfig          `mapstructure:"server"`
	Database        DatabaseConfig        `mapstructure:"database"`
	Loader          LoaderConfig          `mapstructure:"loader"`
	Instrumentation InstrumentationConfig `mapstructure:"instrumentation"`
	JWTSecret       string                `mapstructure:"jwt_secret"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	PoolSize int    `mapstructure:"pool_size"`
}

// LoaderConfig controls the eager-loading engine.
type LoaderConfig struct {
	MaxBatchSize       int  `mapstructure:"max_batch_size"`
	DeduplicateQueries bool `mapstructure:"deduplicate_queries"`
	MaxDepth           int  `mapstructure:"max_depth"`
	EnableParallelism  bool `mapstructure:"enable_parallelism"`
	MaxConcurrency     int  `mapstructure:"max_concurrency"`
	QueryTimeoutMs     int  `mapstructure:"query_timeout_ms"`
}

type InstrumentationConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	BufferSize      int  `mapstructure:"buffer_size"`
	FlushIntervalMs int  `mapstructure:"flush_interval_ms"`
}

// QueryTimeout returns the loader deadline as a duration.
func (l LoaderConfig) QueryTimeout() time.Duration {
	return time.Duration(l.QueryTimeoutMs) * time.Millisecond
}

// ConnString returns the PostgreSQL connection string.
func (d DatabaseConfig) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

func Load() (*Config, error) {
	viper.SetConfigName("app")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("../..")

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.pool_size", 10)
	viper.SetDefault("jwt_secret", "changeme-secret")
	viper.SetDefault("loader.max_batch_size", 100)
	viper.SetDefault("loader.deduplicate_queries", true)
	viper.SetDefault("loader.max_depth", 10)
	viper.SetDefault("loader.enable_parallelism", true)
	viper.SetDefault("loader.max_concurrency", 10)
	viper.SetDefault("loader.query_timeout_ms", 30000)
	viper.SetDefault("instrumentation.enabled", true)
	viper.SetDefault("instrumentation.buffer_size", 500)
	viper.SetDefault("instrumentation.flush_interval_ms", 100)

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// DefaultLoader returns the loader defaults without reading a config file.
// Used by tests and by callers embedding the engine directly.
func DefaultLoader() LoaderConfig {
	return LoaderConfig{
		MaxBatchSize:       100,
		DeduplicateQueries: true,
		MaxDepth:           10,
		EnableParallelism:  true,
		MaxConcurrency:     10,
		QueryTimeoutMs:     30000,
	}
}
