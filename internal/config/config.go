// Package config loads service settings from an optional file and CLUBKIT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "CLUBKIT"

type Config struct {
	HTTP     HTTPConfig
	GRPC     GRPCConfig
	Store    StoreConfig
	Postgres PostgresConfig
	Mongo    MongoConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Auth     AuthConfig
	Rate     RateConfig
	Catalog  CatalogConfig
	Log      LogConfig
}

type HTTPConfig struct {
	Addr string
}

type GRPCConfig struct {
	Addr string
}

type StoreConfig struct {
	Backend string
}

type PostgresConfig struct {
	DSN         string
	AutoMigrate bool
}

type MongoConfig struct {
	URI      string
	Database string
}

type RedisConfig struct {
	URL        string
	CatalogTTL time.Duration
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type AuthConfig struct {
	Secret    string
	DevTokens bool
	TokenTTL  time.Duration
}

type RateConfig struct {
	PerSecond float64
	Burst     int
}

type CatalogConfig struct {
	File string
}

type LogConfig struct {
	Level string
}

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("grpc.addr", ":9090")
	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.auto_migrate", false)
	v.SetDefault("mongo.uri", "")
	v.SetDefault("mongo.database", "clubkit")
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.catalog_ttl", 5*time.Minute)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "membership.events")
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.dev_tokens", false)
	v.SetDefault("auth.token_ttl", time.Hour)
	v.SetDefault("rate.per_second", 50.0)
	v.SetDefault("rate.burst", 100)
	v.SetDefault("catalog.file", "")
	v.SetDefault("log.level", "info")
}

// Load reads the file named by CONFIG_FILE (if set) and overlays CLUBKIT_* variables,
// e.g. CLUBKIT_STORE_BACKEND for store.backend.
func Load() (*Config, error) {
	return LoadFrom(viper.New(), os.Getenv("CONFIG_FILE"))
}

// LoadFrom is Load on an explicit viper instance and file.
func LoadFrom(v *viper.Viper, file string) (*Config, error) {
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	cfg := &Config{
		HTTP:     HTTPConfig{Addr: v.GetString("http.addr")},
		GRPC:     GRPCConfig{Addr: v.GetString("grpc.addr")},
		Store:    StoreConfig{Backend: strings.ToLower(strings.TrimSpace(v.GetString("store.backend")))},
		Postgres: PostgresConfig{DSN: v.GetString("postgres.dsn"), AutoMigrate: v.GetBool("postgres.auto_migrate")},
		Mongo:    MongoConfig{URI: v.GetString("mongo.uri"), Database: v.GetString("mongo.database")},
		Redis:    RedisConfig{URL: v.GetString("redis.url"), CatalogTTL: v.GetDuration("redis.catalog_ttl")},
		Kafka:    KafkaConfig{Brokers: splitList(v.GetStringSlice("kafka.brokers")), Topic: v.GetString("kafka.topic")},
		Auth: AuthConfig{
			Secret:    v.GetString("auth.secret"),
			DevTokens: v.GetBool("auth.dev_tokens"),
			TokenTTL:  v.GetDuration("auth.token_ttl"),
		},
		Rate:    RateConfig{PerSecond: v.GetFloat64("rate.per_second"), Burst: v.GetInt("rate.burst")},
		Catalog: CatalogConfig{File: v.GetString("catalog.file")},
		Log:     LogConfig{Level: v.GetString("log.level")},
	}
	return cfg, cfg.Validate()
}

// splitList accepts both YAML lists and comma separated env values.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate checks that the chosen backend has what it needs.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			errs = append(errs, errors.New("postgres.dsn is required for the postgres backend"))
		}
	case BackendMongo:
		if c.Mongo.URI == "" {
			errs = append(errs, errors.New("mongo.uri is required for the mongo backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.backend %q", c.Store.Backend))
	}
	if c.Store.Backend == BackendMemory && c.Catalog.File == "" {
		errs = append(errs, errors.New("catalog.file is required for the memory backend"))
	}
	if c.Auth.Secret == "" {
		errs = append(errs, errors.New("auth.secret is required"))
	}
	if c.Rate.PerSecond <= 0 || c.Rate.Burst <= 0 {
		errs = append(errs, errors.New("rate.per_second and rate.burst must be positive"))
	}
	return errors.Join(errs...)
}
