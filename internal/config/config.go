package config

import (
	"log"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig              `mapstructure:"server"`
	Log       LogConfig                 `mapstructure:"log"`
	Auth      AuthConfig                `mapstructure:"auth"`
	Vault     VaultConfig               `mapstructure:"vault"`
	Database  DatabaseConfig            `mapstructure:"database"`
	Redis     RedisConfig               `mapstructure:"redis"`
	RabbitMQ  RabbitMQConfig            `mapstructure:"rabbitmq"`
	Sync      SyncConfig                `mapstructure:"sync"`
	Broadcast BroadcastConfig           `mapstructure:"broadcast"`
	Exchanges map[string]ExchangeConfig `mapstructure:"exchanges"`
	Metrics   MetricsConfig             `mapstructure:"metrics"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"` // optional rotating file sink
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type AuthConfig struct {
	// Lets callers without an API key stream public and test channels.
	AllowAnonymousStreams bool         `mapstructure:"allow_anonymous_streams"`
	Users                 []UserConfig `mapstructure:"users"`
}

// UserConfig maps a gateway API key to a user id.
type UserConfig struct {
	ID     int64   `mapstructure:"id"`
	Name   string  `mapstructure:"name"`
	APIKey string  `mapstructure:"api_key"`
	QPS    float64 `mapstructure:"qps"`
	Burst  int     `mapstructure:"burst"`
}

type VaultConfig struct {
	// 32 bytes, base64 or hex encoded. Never derived from user input.
	MasterKey string `mapstructure:"master_key"`
}

type DatabaseConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	AutoMigrate     bool   `mapstructure:"auto_migrate"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime_minutes"`
}

type RedisConfig struct {
	Addr          string `mapstructure:"addr"`
	Password      string `mapstructure:"password"`
	DB            int    `mapstructure:"db"`
	LockKeyPrefix string `mapstructure:"lock_key_prefix"`
}

type RabbitMQConfig struct {
	URL        string `mapstructure:"url"`
	Exchange   string `mapstructure:"exchange"`
	BufferSize int    `mapstructure:"buffer_size"`
}

type SyncConfig struct {
	Enabled              bool `mapstructure:"enabled"`
	TickIntervalSeconds  int  `mapstructure:"tick_interval_seconds"`
	MaxConcurrency       int  `mapstructure:"max_concurrency"`
	MaxFailures          int  `mapstructure:"max_failures"`
	MaxAttempts          int  `mapstructure:"max_attempts"`
	BaseBackoffMs        int  `mapstructure:"base_backoff_ms"`
	MaxBackoffMs         int  `mapstructure:"max_backoff_ms"`
	AdapterTimeoutSecs   int  `mapstructure:"adapter_timeout_seconds"`
	CycleTimeoutSecs     int  `mapstructure:"cycle_timeout_seconds"`
	InitialLookbackHours int  `mapstructure:"initial_lookback_hours"`
}

type BroadcastConfig struct {
	ResumeLifetime int        `mapstructure:"resume_lifetime"` // seconds
	Retry          int        `mapstructure:"retry"`           // milliseconds
	Ping           PingConfig `mapstructure:"ping"`
	QueueSize      int        `mapstructure:"queue_size"`
	BufferSize     int        `mapstructure:"buffer_size"`
}

type PingConfig struct {
	Enable    bool `mapstructure:"enable"`
	Frequency int  `mapstructure:"frequency"` // seconds
	// Eager is accepted for compatibility; heartbeats are always interval based.
	Eager bool `mapstructure:"eager"`
}

type ExchangeConfig struct {
	BaseURL           string  `mapstructure:"base_url"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	Category          string  `mapstructure:"category"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

func Load() (*Config, error) {
	// Local .env files are optional.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// e.g. TRADEFEED_VAULT_MASTER_KEY
	v.SetEnvPrefix("tradefeed")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults and env vars")
		} else {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 14)
	v.SetDefault("auth.allow_anonymous_streams", true)
	v.SetDefault("vault.master_key", "")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.conn_max_lifetime_minutes", 60)
	v.SetDefault("redis.lock_key_prefix", "tradefeed:sync:")
	v.SetDefault("rabbitmq.exchange", "trade_events")
	v.SetDefault("rabbitmq.buffer_size", 1000)
	v.SetDefault("sync.enabled", true)
	v.SetDefault("sync.tick_interval_seconds", 60)
	v.SetDefault("sync.max_concurrency", 8)
	v.SetDefault("sync.max_failures", 5)
	v.SetDefault("sync.max_attempts", 4)
	v.SetDefault("sync.base_backoff_ms", 1000)
	v.SetDefault("sync.max_backoff_ms", 30000)
	v.SetDefault("sync.adapter_timeout_seconds", 30)
	v.SetDefault("sync.cycle_timeout_seconds", 300)
	v.SetDefault("sync.initial_lookback_hours", 24*30)
	v.SetDefault("broadcast.resume_lifetime", 300)
	v.SetDefault("broadcast.retry", 3000)
	v.SetDefault("broadcast.ping.enable", true)
	v.SetDefault("broadcast.ping.frequency", 30)
	v.SetDefault("broadcast.ping.eager", false)
	v.SetDefault("broadcast.queue_size", 256)
	v.SetDefault("broadcast.buffer_size", 1024)
	v.SetDefault("exchanges.bybit.base_url", "https://api.bybit.com")
	v.SetDefault("exchanges.bybit.requests_per_second", 5)
	v.SetDefault("exchanges.bybit.burst", 5)
	v.SetDefault("exchanges.bybit.category", "linear")
	v.SetDefault("exchanges.demo.requests_per_second", 50)
	v.SetDefault("exchanges.demo.burst", 10)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}
