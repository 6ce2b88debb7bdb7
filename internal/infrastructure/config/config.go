package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fxstream/internal/application/gateway"
	"fxstream/internal/application/port"
	"fxstream/internal/application/supervisor"
	"fxstream/internal/domain"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

type Config struct {
	App struct {
		PrintEveryMin int    `toml:"print_every_min"`
		LogLevel      string `toml:"log_level"`
		EnvFile       string `toml:"env_file"`
	} `toml:"app"`

	Merge struct {
		ReorderWindowMs int `toml:"reorder_window_ms"`
		BufferSize      int `toml:"buffer_size"`
		ClockSkewMs     int `toml:"clock_skew_ms"`
		SignalBuffer    int `toml:"signal_buffer"`
	} `toml:"merge"`

	Backoff struct {
		MinMs          int     `toml:"min_ms"`
		MaxMs          int     `toml:"max_ms"`
		Factor         float64 `toml:"factor"`
		Jitter         float64 `toml:"jitter"`
		StableAfterSec int     `toml:"stable_after_sec"`
		StopTimeoutSec int     `toml:"stop_timeout_sec"`
	} `toml:"backoff"`

	Venues []Venue `toml:"venues"`

	// Pips instrument -> pip size，覆盖默认值
	Pips map[string]float64 `toml:"pips"`

	Storage Storage `toml:"storage"`
}

type Venue struct {
	Kind              string   `toml:"kind"`
	Name              string   `toml:"name"`
	Endpoint          string   `toml:"endpoint"`
	APIKey            string   `toml:"api_key"`
	APIKeyEnv         string   `toml:"api_key_env"`
	AccountID         string   `toml:"account_id"`
	AccountIDEnv      string   `toml:"account_id_env"`
	Instruments       []string `toml:"instruments"`
	SilenceTimeoutSec int      `toml:"silence_timeout_sec"`
	SymbolPrefix      string   `toml:"symbol_prefix"`
}

type Storage struct {
	SQLite struct {
		Enabled bool   `toml:"enabled"`
		Path    string `toml:"path"`
	} `toml:"sqlite"`

	Postgres struct {
		Enabled bool   `toml:"enabled"`
		DSN     string `toml:"dsn"`
	} `toml:"postgres"`

	Redis struct {
		Enabled  bool   `toml:"enabled"`
		Addr     string `toml:"addr"`
		Password string `toml:"password"`
		DB       int    `toml:"db"`
		Prefix   string `toml:"prefix"`
		TTLSec   int    `toml:"ttl_sec"`
		MaxLen   int64  `toml:"stream_max_len"`
	} `toml:"redis"`

	Kafka struct {
		Enabled bool     `toml:"enabled"`
		Brokers []string `toml:"brokers"`
		Topic   string   `toml:"topic"`
	} `toml:"kafka"`
}

// Load 读取 TOML，加载 env_file，解析凭证环境变量后校验
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.App.EnvFile != "" {
		envPath := cfg.App.EnvFile
		if !filepath.IsAbs(envPath) {
			envPath = filepath.Join(filepath.Dir(path), envPath)
		}
		// 已存在的环境变量优先
		if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("env_file %s: %w", envPath, err)
		}
	}
	applyDefaults(&cfg)
	resolveEnv(&cfg, os.Getenv)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.App.PrintEveryMin <= 0 {
		cfg.App.PrintEveryMin = 5
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = "info"
	}
	if cfg.Merge.ReorderWindowMs <= 0 {
		cfg.Merge.ReorderWindowMs = 250
	}
	if cfg.Merge.BufferSize <= 0 {
		cfg.Merge.BufferSize = 1024
	}
	if cfg.Merge.ClockSkewMs <= 0 {
		cfg.Merge.ClockSkewMs = int(domain.DefaultClockSkew / time.Millisecond)
	}
	if cfg.Merge.SignalBuffer <= 0 {
		cfg.Merge.SignalBuffer = 256
	}
	if cfg.Backoff.MinMs <= 0 {
		cfg.Backoff.MinMs = 1000
	}
	if cfg.Backoff.MaxMs <= 0 {
		cfg.Backoff.MaxMs = 60_000
	}
	if cfg.Backoff.Factor <= 1 {
		cfg.Backoff.Factor = 2
	}
	if cfg.Backoff.Jitter <= 0 {
		cfg.Backoff.Jitter = 0.2
	}
	if cfg.Backoff.StableAfterSec <= 0 {
		cfg.Backoff.StableAfterSec = 30
	}
	if cfg.Backoff.StopTimeoutSec <= 0 {
		cfg.Backoff.StopTimeoutSec = 5
	}
	if cfg.Storage.Kafka.Topic == "" {
		cfg.Storage.Kafka.Topic = "fx.ticks"
	}
	for i := range cfg.Venues {
		v := &cfg.Venues[i]
		v.Kind = strings.ToLower(strings.TrimSpace(v.Kind))
		if v.Name == "" {
			v.Name = v.Kind
		}
		v.Name = strings.ToUpper(strings.TrimSpace(v.Name))
	}
}

// resolveEnv 只在 api_key / account_id 为空时读取 *_env 指定的变量
func resolveEnv(cfg *Config, getenv func(string) string) {
	for i := range cfg.Venues {
		v := &cfg.Venues[i]
		if v.APIKey == "" && v.APIKeyEnv != "" {
			v.APIKey = getenv(v.APIKeyEnv)
		}
		if v.AccountID == "" && v.AccountIDEnv != "" {
			v.AccountID = getenv(v.AccountIDEnv)
		}
	}
}

func validate(cfg *Config) error {
	if len(cfg.Venues) == 0 {
		return errors.New("no [[venues]] configured")
	}
	if cfg.Backoff.MaxMs < cfg.Backoff.MinMs {
		return errors.New("backoff.max_ms below backoff.min_ms")
	}
	if cfg.Backoff.Jitter >= 1 {
		return errors.New("backoff.jitter must be below 1")
	}

	seen := map[string]struct{}{}
	for i := range cfg.Venues {
		v := &cfg.Venues[i]
		if v.Kind == "" {
			return fmt.Errorf("venues[%d].kind is empty", i)
		}
		if _, ok := seen[v.Name]; ok {
			return fmt.Errorf("venue %s configured twice", v.Name)
		}
		seen[v.Name] = struct{}{}
		if strings.TrimSpace(v.Endpoint) == "" {
			return fmt.Errorf("venue %s: endpoint is empty", v.Name)
		}
		if v.APIKey == "" {
			if v.APIKeyEnv != "" {
				return fmt.Errorf("venue %s: env %s is not set", v.Name, v.APIKeyEnv)
			}
			return fmt.Errorf("venue %s: api_key is empty", v.Name)
		}
		ins, err := domain.NormalizeInstruments(v.Instruments)
		if err != nil {
			return fmt.Errorf("venue %s: %w", v.Name, err)
		}
		v.Instruments = ins
		if len(v.Instruments) == 0 {
			return fmt.Errorf("venue %s: instruments is empty", v.Name)
		}
	}

	for k, p := range cfg.Pips {
		if p <= 0 {
			return fmt.Errorf("pips.%s must be positive", k)
		}
	}
	if cfg.Storage.SQLite.Enabled && cfg.Storage.SQLite.Path == "" {
		return errors.New("storage.sqlite.path empty but enabled")
	}
	if cfg.Storage.Postgres.Enabled && cfg.Storage.Postgres.DSN == "" {
		return errors.New("storage.postgres.dsn empty but enabled")
	}
	if cfg.Storage.Redis.Enabled && cfg.Storage.Redis.Addr == "" {
		return errors.New("storage.redis.addr empty but enabled")
	}
	if cfg.Storage.Kafka.Enabled && len(cfg.Storage.Kafka.Brokers) == 0 {
		return errors.New("storage.kafka.brokers empty but enabled")
	}
	return nil
}

func (c *Config) VenueConfigs() []port.VenueConfig {
	out := make([]port.VenueConfig, 0, len(c.Venues))
	for _, v := range c.Venues {
		out = append(out, port.VenueConfig{
			Kind:           v.Kind,
			Venue:          v.Name,
			Endpoint:       v.Endpoint,
			APIKey:         v.APIKey,
			AccountID:      v.AccountID,
			Instruments:    append([]string(nil), v.Instruments...),
			SilenceTimeout: time.Duration(v.SilenceTimeoutSec) * time.Second,
			SymbolPrefix:   v.SymbolPrefix,
		})
	}
	return out
}

// Instruments 所有 venue 的 instrument 并集
func (c *Config) Instruments() []string {
	var all []string
	for _, v := range c.Venues {
		all = append(all, v.Instruments...)
	}
	// validate 已规范化过，这里不会出错
	out, _ := domain.NormalizeInstruments(all)
	return out
}

func (c *Config) GatewayOptions(log zerolog.Logger) gateway.Options {
	opts := gateway.DefaultOptions()
	opts.ReorderWindow = time.Duration(c.Merge.ReorderWindowMs) * time.Millisecond
	opts.BufferSize = c.Merge.BufferSize
	opts.ClockSkew = time.Duration(c.Merge.ClockSkewMs) * time.Millisecond
	opts.SignalBuffer = c.Merge.SignalBuffer
	opts.Backoff = supervisor.Backoff{
		Min:    time.Duration(c.Backoff.MinMs) * time.Millisecond,
		Max:    time.Duration(c.Backoff.MaxMs) * time.Millisecond,
		Factor: c.Backoff.Factor,
		Jitter: c.Backoff.Jitter,
	}
	opts.StableAfter = time.Duration(c.Backoff.StableAfterSec) * time.Second
	opts.StopTimeout = time.Duration(c.Backoff.StopTimeoutSec) * time.Second
	opts.Logger = log
	return opts
}

func (c *Config) PrintEvery() time.Duration {
	return time.Duration(c.App.PrintEveryMin) * time.Minute
}
