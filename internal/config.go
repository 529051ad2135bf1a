package internal

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/tuannm99/novacache/internal/storage"
)

var ErrInvalidConfig = errors.New("config: invalid")

type NovaCacheConfig struct {
	AppName string `mapstructure:"app_name"`

	Storage struct {
		Workdir  string `mapstructure:"workdir"`
		PageSize int    `mapstructure:"page_size"`
	} `mapstructure:"storage"`

	Cache struct {
		Capacity int `mapstructure:"capacity"`
	} `mapstructure:"cache"`

	WAL struct {
		Dir      string `mapstructure:"dir"`
		Compress bool   `mapstructure:"compress"`
	} `mapstructure:"wal"`

	Txn struct {
		MaxRetries int `mapstructure:"max_retries"`
	} `mapstructure:"txn"`

	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_name", "novacache")
	v.SetDefault("storage.workdir", "./data")
	v.SetDefault("storage.page_size", storage.DefaultPageSize)
	v.SetDefault("cache.capacity", 50)
	v.SetDefault("wal.dir", "")
	v.SetDefault("wal.compress", false)
	v.SetDefault("txn.max_retries", 3)
	v.SetDefault("log.level", "info")
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("NOVACACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// DefaultConfig returns the built-in defaults with NOVACACHE_* env overrides applied.
func DefaultConfig() (*NovaCacheConfig, error) {
	return decode(newViper())
}

// LoadConfig reads a YAML file; an empty path means defaults only.
func LoadConfig(path string) (*NovaCacheConfig, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (*NovaCacheConfig, error) {
	var cfg NovaCacheConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.WAL.Dir == "" {
		cfg.WAL.Dir = filepath.Join(cfg.Storage.Workdir, "wal")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *NovaCacheConfig) Validate() error {
	switch {
	case c.Storage.Workdir == "":
		return fmt.Errorf("%w: storage.workdir is empty", ErrInvalidConfig)
	case !storage.ValidPageSize(c.Storage.PageSize):
		return fmt.Errorf("%w: storage.page_size %d not in [%d, %d]",
			ErrInvalidConfig, c.Storage.PageSize, storage.MinPageSize, storage.MaxPageSize)
	case c.Cache.Capacity < 1:
		return fmt.Errorf("%w: cache.capacity must be positive, got %d", ErrInvalidConfig, c.Cache.Capacity)
	case c.Txn.MaxRetries < 0:
		return fmt.Errorf("%w: txn.max_retries must not be negative", ErrInvalidConfig)
	}
	if _, err := ParseLogLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

func ParseLogLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("%w: log.level %q", ErrInvalidConfig, s)
	}
	return lvl, nil
}
