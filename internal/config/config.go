package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Host         string   `mapstructure:"host"`
	Port         int      `mapstructure:"port"`
	AuthToken    string   `mapstructure:"auth_token"`
	ReadTimeout  string   `mapstructure:"read_timeout"`
	WriteTimeout string   `mapstructure:"write_timeout"`
	CorsOrigins  []string `mapstructure:"cors_origins"`
}

func (s ServerConfig) GetReadTimeout() time.Duration {
	d, _ := time.ParseDuration(s.ReadTimeout)
	return d
}

func (s ServerConfig) GetWriteTimeout() time.Duration {
	d, _ := time.ParseDuration(s.WriteTimeout)
	return d
}

type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// RemoteConfig points at the authoritative backend API.
type RemoteConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	HealthPath     string `mapstructure:"health_path"`
	RequestTimeout string `mapstructure:"request_timeout"`
	TokenFile      string `mapstructure:"token_file"`
}

func (r RemoteConfig) GetRequestTimeout() time.Duration {
	d, err := time.ParseDuration(r.RequestTimeout)
	if err != nil || d <= 0 {
		return 15 * time.Second
	}
	return d
}

type SyncConfig struct {
	PeriodicInterval string `mapstructure:"periodic_interval"`
	SettleDelay      string `mapstructure:"settle_delay"`
	ProbeInterval    string `mapstructure:"probe_interval"`
	// Retry budgets per priority tier (1 = high .. 3 = low).
	MaxRetriesHigh   int `mapstructure:"max_retries_high"`
	MaxRetriesMedium int `mapstructure:"max_retries_medium"`
	MaxRetriesLow    int `mapstructure:"max_retries_low"`
}

func (s SyncConfig) GetPeriodicInterval() time.Duration {
	d, err := time.ParseDuration(s.PeriodicInterval)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

func (s SyncConfig) GetSettleDelay() time.Duration {
	d, err := time.ParseDuration(s.SettleDelay)
	if err != nil || d <= 0 {
		return 2 * time.Second
	}
	return d
}

func (s SyncConfig) GetProbeInterval() time.Duration {
	d, err := time.ParseDuration(s.ProbeInterval)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

// MaxRetriesFor returns the retry budget for a priority tier.
func (s SyncConfig) MaxRetriesFor(priority int) int {
	switch priority {
	case 1:
		if s.MaxRetriesHigh > 0 {
			return s.MaxRetriesHigh
		}
		return 10
	case 2:
		if s.MaxRetriesMedium > 0 {
			return s.MaxRetriesMedium
		}
		return 5
	default:
		if s.MaxRetriesLow > 0 {
			return s.MaxRetriesLow
		}
		return 3
	}
}

type SchedulerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Interval string `mapstructure:"interval"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("store.path", "barstock-offline.db")
	v.SetDefault("remote.health_path", "/api/health/")
	v.SetDefault("remote.request_timeout", "15s")
	v.SetDefault("sync.periodic_interval", "30s")
	v.SetDefault("sync.settle_delay", "2s")
	v.SetDefault("sync.probe_interval", "5s")
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", "@every 30s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Remote.BaseURL == "" {
		return nil, fmt.Errorf("remote.base_url is required")
	}

	return &cfg, nil
}
