package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/songzhibin97/automation-engine/storage"
	"github.com/songzhibin97/automation-engine/types"
)

// EnvPrefix prefixes environment overrides, e.g. AUTOMATION_REDIS_ADDR.
const EnvPrefix = "AUTOMATION"

// Config holds the configuration for the engine and its workers.
type Config struct {
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	Storage struct {
		Driver string `mapstructure:"driver"`
	} `mapstructure:"storage"`
	Redis struct {
		Addr         string        `mapstructure:"addr"`
		Password     string        `mapstructure:"password"`
		DB           int           `mapstructure:"db"`
		PoolSize     int           `mapstructure:"pool_size"`
		MinIdleConns int           `mapstructure:"min_idle_conns"`
		IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	} `mapstructure:"redis"`
	Queue struct {
		IntakeWorkers    int           `mapstructure:"intake_workers"`
		ExecutionWorkers int           `mapstructure:"execution_workers"`
		MaxParallelTasks int           `mapstructure:"max_parallel_tasks"`
		PollInterval     time.Duration `mapstructure:"poll_interval"`
		BlockTimeout     time.Duration `mapstructure:"block_timeout"`
		LeaseTimeout     time.Duration `mapstructure:"lease_timeout"`
		MaxPending       int64         `mapstructure:"max_pending"`
		Retry            struct {
			Intake    types.RetryPolicy `mapstructure:"intake"`
			Execution types.RetryPolicy `mapstructure:"execution"`
		} `mapstructure:"retry"`
	} `mapstructure:"queue"`
	Executor struct {
		DefaultStepTimeout time.Duration     `mapstructure:"default_step_timeout"`
		StepRetry          types.RetryPolicy `mapstructure:"step_retry"`
	} `mapstructure:"executor"`
	Engine struct {
		// MachineID distinguishes processes in generated ids.
		MachineID          int           `mapstructure:"machine_id"`
		DefinitionCacheTTL time.Duration `mapstructure:"definition_cache_ttl"`
		ExecutionRetention time.Duration `mapstructure:"execution_retention"`
	} `mapstructure:"engine"`
	Tracing struct {
		Stdout bool `mapstructure:"stdout"`
	} `mapstructure:"tracing"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("storage.driver", "memory")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.idle_timeout", 5*time.Minute)

	v.SetDefault("queue.intake_workers", 1)
	v.SetDefault("queue.execution_workers", 2)
	v.SetDefault("queue.max_parallel_tasks", 10)
	v.SetDefault("queue.poll_interval", 200*time.Millisecond)
	v.SetDefault("queue.block_timeout", 5*time.Second)
	v.SetDefault("queue.lease_timeout", time.Minute)
	v.SetDefault("queue.max_pending", 0)
	for _, name := range []string{"intake", "execution"} {
		setRetryDefaults(v, "queue.retry."+name, 5, time.Second, time.Minute)
	}

	v.SetDefault("executor.default_step_timeout", 0)
	setRetryDefaults(v, "executor.step_retry", 1, types.DefaultInitialInterval, types.DefaultMaxInterval)

	v.SetDefault("engine.machine_id", 1)
	v.SetDefault("engine.definition_cache_ttl", time.Minute)
	v.SetDefault("engine.execution_retention", 7*24*time.Hour)

	v.SetDefault("tracing.stdout", false)
}

func setRetryDefaults(v *viper.Viper, key string, attempts int, initial, max time.Duration) {
	v.SetDefault(key+".max_attempts", attempts)
	v.SetDefault(key+".initial_interval", initial)
	v.SetDefault(key+".max_interval", max)
	v.SetDefault(key+".multiplier", types.DefaultMultiplier)
}

// Load reads the YAML file at path, when given, and applies AUTOMATION_
// environment overrides on top of the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("could not read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("could not decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the engine can not run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("storage.driver must be memory or redis, got %q", c.Storage.Driver))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Queue.IntakeWorkers < 1 || c.Queue.ExecutionWorkers < 1 {
		errs = append(errs, errors.New("queue workers must be at least 1"))
	}
	if c.Engine.MachineID < 0 || c.Engine.MachineID > 65535 {
		errs = append(errs, fmt.Errorf("engine.machine_id must be within 0..65535, got %d", c.Engine.MachineID))
	}
	if c.Executor.DefaultStepTimeout < 0 {
		errs = append(errs, errors.New("executor.default_step_timeout must not be negative"))
	}
	return errors.Join(errs...)
}

// RedisOptions returns the connection settings for storage.NewRedisClient.
func (c *Config) RedisOptions() storage.RedisOptions {
	return storage.RedisOptions{
		Addr:         c.Redis.Addr,
		Password:     c.Redis.Password,
		DB:           c.Redis.DB,
		PoolSize:     c.Redis.PoolSize,
		MinIdleConns: c.Redis.MinIdleConns,
		IdleTimeout:  c.Redis.IdleTimeout,
	}
}

// NewLogger builds the slog logger described by the log section.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
