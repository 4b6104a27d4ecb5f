// Package config is the engine's startup configuration surface: a
// viper-based load-from-env layer exposing the dispatcher/generator tuning
// knobs and the default tenant to provision at boot.
package config

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/subscriptions/internal/engine"
)

// Config is the process-wide server configuration.
type Config struct {
	Port string `mapstructure:"PORT"`
	Env  string `mapstructure:"ENV"`

	DefaultTenant string `mapstructure:"DEFAULT_TENANT"`

	RetryLimit           int `mapstructure:"RETRY_LIMIT"`
	ErrorLimit           int `mapstructure:"ERROR_LIMIT"`
	EndOfLifeDays        int `mapstructure:"END_OF_LIFE_DAYS"`
	DispatcherWorkers    int `mapstructure:"DISPATCHER_WORKERS"`
	GeneratorWorkers     int `mapstructure:"GENERATOR_WORKERS"`
	IngressQueueCapacity int `mapstructure:"INGRESS_QUEUE_CAPACITY"`
	HeartbeatTickSeconds int `mapstructure:"HEARTBEAT_TICK_SECONDS"`
}

// Load reads configuration from environment variables (optionally layered
// over a ".env" file), applying built-in defaults for anything unset.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("RETRY_LIMIT", 5)
	v.SetDefault("ERROR_LIMIT", 5)
	v.SetDefault("END_OF_LIFE_DAYS", 30)
	v.SetDefault("DISPATCHER_WORKERS", 16)
	v.SetDefault("GENERATOR_WORKERS", 4)
	v.SetDefault("INGRESS_QUEUE_CAPACITY", 1024)
	v.SetDefault("HEARTBEAT_TICK_SECONDS", 5)

	for _, key := range []string{
		"PORT", "ENV", "DEFAULT_TENANT",
		"RETRY_LIMIT", "ERROR_LIMIT", "END_OF_LIFE_DAYS",
		"DISPATCHER_WORKERS", "GENERATOR_WORKERS", "INGRESS_QUEUE_CAPACITY",
		"HEARTBEAT_TICK_SECONDS",
	} {
		_ = v.BindEnv(key)
	}

	// A missing .env is fine; environment variables and the defaults above
	// still apply.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.IsDev() {
		log.Println("WARNING: running in development mode (ENV=development)")
	}

	return cfg, nil
}

// IsDev reports whether the server is configured for development mode.
func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction reports whether the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// EngineConfig translates the loaded Config into engine.Config.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		RetryLimit:           c.RetryLimit,
		ErrorLimit:           uint32(c.ErrorLimit),
		EndOfLifeInterval:    time.Duration(c.EndOfLifeDays) * 24 * time.Hour,
		DispatcherWorkers:    c.DispatcherWorkers,
		GeneratorWorkers:     c.GeneratorWorkers,
		IngressQueueCapacity: c.IngressQueueCapacity,
		HeartbeatTick:        time.Duration(c.HeartbeatTickSeconds) * time.Second,
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.RetryLimit <= 0 {
		return fmt.Errorf("RETRY_LIMIT must be positive, got %d", c.RetryLimit)
	}
	if c.ErrorLimit <= 0 {
		return fmt.Errorf("ERROR_LIMIT must be positive, got %d", c.ErrorLimit)
	}
	if c.EndOfLifeDays <= 0 {
		return fmt.Errorf("END_OF_LIFE_DAYS must be positive, got %d", c.EndOfLifeDays)
	}
	if c.DispatcherWorkers <= 0 {
		return fmt.Errorf("DISPATCHER_WORKERS must be positive, got %d", c.DispatcherWorkers)
	}
	if c.GeneratorWorkers <= 0 {
		return fmt.Errorf("GENERATOR_WORKERS must be positive, got %d", c.GeneratorWorkers)
	}
	if c.IngressQueueCapacity <= 0 {
		return fmt.Errorf("INGRESS_QUEUE_CAPACITY must be positive, got %d", c.IngressQueueCapacity)
	}
	return nil
}
