package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Logging     LoggingConfig
	Kafka       KafkaConfig
	Engine      EngineConfig
	Maintenance MaintenanceConfig
	Outbox      OutboxConfig
	Checkout    CheckoutConfig
}

type ServerConfig struct {
	HTTPPort     int           `mapstructure:"http_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	SigningKey   string        `mapstructure:"signing_key"`
	TokenTTL     time.Duration `mapstructure:"token_ttl"`
	EnableServer bool          `mapstructure:"enable_server"`
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // postgres, mysql or sqlite
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	SSLMode      string `mapstructure:"ssl_mode"`
	Path         string `mapstructure:"path"` // sqlite file or ":memory:"
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	LogQueries   bool   `mapstructure:"log_queries"`
}

type RedisConfig struct {
	Addresses    []string      `mapstructure:"addresses"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	ClusterMode  bool          `mapstructure:"cluster_mode"`
	MasterName   string        `mapstructure:"master_name"` // sentinel
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	ClientID      string   `mapstructure:"client_id"`
	EventTopic    string   `mapstructure:"event_topic"`
	DLQTopic      string   `mapstructure:"dlq_topic"`
	ConsumerGroup string   `mapstructure:"consumer_group"`
}

type EngineConfig struct {
	LockTTL           time.Duration `mapstructure:"lock_ttl"`
	LockWait          time.Duration `mapstructure:"lock_wait"`
	LockRetryInterval time.Duration `mapstructure:"lock_retry_interval"`
	LockBackend       string        `mapstructure:"lock_backend"` // redis or local
	LockPrefix        string        `mapstructure:"lock_prefix"`
	DefaultMaxRetries int           `mapstructure:"default_max_retries"`
	CompensationGrace time.Duration `mapstructure:"compensation_grace"`
}

type MaintenanceConfig struct {
	TimeoutInterval time.Duration `mapstructure:"timeout_interval"`
	RetryInterval   time.Duration `mapstructure:"retry_interval"`
	RetryLookback   time.Duration `mapstructure:"retry_lookback"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	BatchSize       int           `mapstructure:"batch_size"`
	RetentionDays   int           `mapstructure:"retention_days"`
	CleanupMode     string        `mapstructure:"cleanup_mode"` // hard or soft
}

type OutboxConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	BatchSize       int           `mapstructure:"batch_size"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	AlertInterval   time.Duration `mapstructure:"alert_interval"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	RetentionDays   int           `mapstructure:"retention_days"`
	BusDriver       string        `mapstructure:"bus_driver"` // kafka or redis
	RedisPrefix     string        `mapstructure:"redis_prefix"`
	NotifyChannel   string        `mapstructure:"notify_channel"`
}

type CheckoutConfig struct {
	AuthorizationLimitCents int64 `mapstructure:"authorization_limit_cents"`
	TimeoutSeconds          int   `mapstructure:"timeout_seconds"`
	MaxRetries              int   `mapstructure:"max_retries"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/sagaflow/")
	v.AddConfigPath(".")

	v.SetEnvPrefix("SAGAFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
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
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.token_ttl", "12h")
	v.SetDefault("server.enable_server", true)
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.path", "sagaflow.db")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("redis.addresses", []string{"localhost:6379"})
	v.SetDefault("redis.pool_size", 100)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("kafka.client_id", "sagaflow-outbox-publisher")
	v.SetDefault("kafka.event_topic", "sagaflow.domain.events")
	v.SetDefault("kafka.dlq_topic", "sagaflow.domain.events.dlq")
	v.SetDefault("kafka.consumer_group", "sagaflow-consumers")
	v.SetDefault("engine.lock_ttl", "5m")
	v.SetDefault("engine.lock_wait", "0s")
	v.SetDefault("engine.lock_retry_interval", "50ms")
	v.SetDefault("engine.lock_backend", "redis")
	v.SetDefault("engine.lock_prefix", "sagaflow:lock:")
	v.SetDefault("engine.default_max_retries", 3)
	v.SetDefault("engine.compensation_grace", "5m")
	v.SetDefault("maintenance.timeout_interval", "1m")
	v.SetDefault("maintenance.retry_interval", "5m")
	v.SetDefault("maintenance.retry_lookback", "24h")
	v.SetDefault("maintenance.cleanup_interval", "24h")
	v.SetDefault("maintenance.batch_size", 100)
	v.SetDefault("maintenance.retention_days", 30)
	v.SetDefault("maintenance.cleanup_mode", "hard")
	v.SetDefault("outbox.poll_interval", "2s")
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.max_attempts", 5)
	v.SetDefault("outbox.alert_interval", "5m")
	v.SetDefault("outbox.cleanup_interval", "24h")
	v.SetDefault("outbox.retention_days", 7)
	v.SetDefault("outbox.bus_driver", "kafka")
	v.SetDefault("outbox.redis_prefix", "sagaflow:events")
	v.SetDefault("outbox.notify_channel", "outbox_events")
	v.SetDefault("checkout.authorization_limit_cents", 1000000)
	v.SetDefault("checkout.timeout_seconds", 120)
	v.SetDefault("checkout.max_retries", 3)
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

func (c *DatabaseConfig) MySQLDSN() string {
	mc := mysql.NewConfig()
	mc.User = c.User
	mc.Passwd = c.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	mc.DBName = c.Database
	mc.ParseTime = true
	mc.Params = map[string]string{"charset": "utf8mb4"}
	return mc.FormatDSN()
}

func (c *MaintenanceConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

func (c *OutboxConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}
