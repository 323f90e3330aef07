// Package bootstrap assembles the store and queue backends from the
// environment, with an optional YAML file for settings that are awkward
// as env vars. Env always wins over the file.
package bootstrap

import (
	"fmt"
	"os"
	"strconv"

	// Links the pgx driver into database/sql for the postgres store.
	_ "github.com/jackc/pgx/v5/stdlib"
	"gopkg.in/yaml.v3"

	"github.com/example/mlbill/internal/state"
)

type RedisConfig struct {
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	Key           string `yaml:"key"`
	DeadLetterMax int    `yaml:"dead_letter_max"`
}

type Config struct {
	Store       string      `yaml:"store"`
	Queue       string      `yaml:"queue"`
	PostgresDSN string      `yaml:"postgres_dsn"`
	Redis       RedisConfig `yaml:"redis"`
}

// LoadConfig reads MLBILL_CONFIG (if set), then applies env overrides and
// defaults.
func LoadConfig() (Config, error) {
	var cfg Config
	if path := os.Getenv("MLBILL_CONFIG"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.Store = getenv("MLBILL_STORE", defaultString(cfg.Store, "memory"))
	cfg.Queue = getenv("MLBILL_QUEUE", defaultString(cfg.Queue, "memory"))
	cfg.PostgresDSN = getenv("MLBILL_POSTGRES_DSN", cfg.PostgresDSN)
	cfg.Redis.Addr = getenv("MLBILL_REDIS_ADDR", defaultString(cfg.Redis.Addr, "127.0.0.1:6379"))
	cfg.Redis.Password = getenv("MLBILL_REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getenvInt("MLBILL_REDIS_DB", cfg.Redis.DB)
	cfg.Redis.Key = getenv("MLBILL_REDIS_KEY", defaultString(cfg.Redis.Key, "mlbill:tasks"))
	cfg.Redis.DeadLetterMax = getenvInt("MLBILL_REDIS_DEADLETTER_MAX", defaultInt(cfg.Redis.DeadLetterMax, 5))
	return cfg, nil
}

func NewStore(cfg Config) (state.Store, error) {
	switch cfg.Store {
	case "memory":
		return state.NewMemoryStore(), nil
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("MLBILL_POSTGRES_DSN is required when MLBILL_STORE=postgres")
		}
		return state.NewPostgresStore(cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unsupported MLBILL_STORE value %q", cfg.Store)
	}
}

func NewQueue(cfg Config) (state.Queue, error) {
	switch cfg.Queue {
	case "memory":
		return state.NewMemoryQueue(), nil
	case "redis":
		return state.NewRedisQueue(state.RedisQueueConfig{
			Addr:          cfg.Redis.Addr,
			Password:      cfg.Redis.Password,
			DB:            cfg.Redis.DB,
			Key:           cfg.Redis.Key,
			DeadLetterMax: cfg.Redis.DeadLetterMax,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported MLBILL_QUEUE value %q", cfg.Queue)
	}
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func defaultInt(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}
