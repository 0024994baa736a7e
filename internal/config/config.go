// Package config loads the YAML configuration of the depcache command.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/unkn0wn-root/depcache/internal/defaults"
)

// Environment overrides, applied after the file.
const (
	EnvRedisAddr     = "DEPCACHE_REDIS_ADDR"
	EnvRedisPassword = "DEPCACHE_REDIS_PASSWORD"
)

type Config struct {
	Redis struct {
		Addr         string        `yaml:"addr"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		PoolSize     int           `yaml:"pool_size"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"redis"`

	Cache struct {
		Prefix                string        `yaml:"prefix"`
		TransactionMaxRetries int           `yaml:"transaction_max_retries"`
		ConnectTimeout        time.Duration `yaml:"connect_timeout"`
	} `yaml:"cache"`

	Log struct {
		Level  string `yaml:"level"`  // debug, info, warn, error
		Format string `yaml:"format"` // json or console
	} `yaml:"log"`
}

// Default returns the configuration used for missing fields.
func Default() Config {
	var c Config
	c.Redis.Addr = "localhost:6379"
	c.Redis.PoolSize = 10
	c.Redis.ReadTimeout = 3 * time.Second
	c.Redis.WriteTimeout = 3 * time.Second
	c.Cache.Prefix = defaults.Prefix
	c.Cache.TransactionMaxRetries = defaults.TransactionMaxRetries
	c.Cache.ConnectTimeout = defaults.ConnectTimeout
	c.Log.Level = "info"
	c.Log.Format = "json"
	return c
}

// Load reads path over Default and applies environment overrides. An empty
// path skips the file.
func Load(path string) (Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	if v, ok := os.LookupEnv(EnvRedisAddr); ok && v != "" {
		c.Redis.Addr = v
	}
	if v, ok := os.LookupEnv(EnvRedisPassword); ok {
		c.Redis.Password = v
	}
	return c, c.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}
	if c.Redis.DB < 0 {
		errs = append(errs, fmt.Errorf("redis.db must be >= 0, got %d", c.Redis.DB))
	}
	if c.Cache.Prefix == "" {
		errs = append(errs, errors.New("cache.prefix is required"))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}
