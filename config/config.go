package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds the complete configuration for the service.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Messaging  MessagingConfig  `mapstructure:"messaging"`
	ServiceBus ServiceBusConfig `mapstructure:"service_bus"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Influx     InfluxConfig     `mapstructure:"influx"`
	MQTT       MQTTConfig       `mapstructure:"mqtt"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Ingestion  IngestionConfig  `mapstructure:"ingestion"`
	Log        LogConfig        `mapstructure:"log"`
	Logger     *logrus.Logger   `mapstructure:"-"`
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	AdminToken   string        `mapstructure:"admin_token"`
	CORSOrigins  []string      `mapstructure:"cors_origins"`

	RateLimitPerMinute int `mapstructure:"rate_limit_per_minute"`
}

// DatabaseConfig selects the SQL driver and pool settings.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	EnableTracing   bool          `mapstructure:"enable_tracing"`
	SlowQuery       time.Duration `mapstructure:"slow_query"`
}

// RedisConfig holds the Redis connection settings.
type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	DeviceTTL    time.Duration `mapstructure:"device_ttl"`
	Namespace    string        `mapstructure:"namespace"`
	LocalSize    int           `mapstructure:"local_size"`
	LocalTTL     time.Duration `mapstructure:"local_ttl"`
}

// MessagingConfig picks the publisher used for recommendations and alerts.
type MessagingConfig struct {
	Driver string `mapstructure:"driver"` // none, servicebus, kafka
}

// ServiceBusConfig holds the Azure Service Bus settings.
type ServiceBusConfig struct {
	ConnectionString string        `mapstructure:"connection_string"`
	QueueName        string        `mapstructure:"queue_name"`
	MessageTTL       time.Duration `mapstructure:"message_ttl"`
}

// KafkaConfig holds the Kafka producer settings.
type KafkaConfig struct {
	Brokers     []string `mapstructure:"brokers"`
	TopicPrefix string   `mapstructure:"topic_prefix"`
}

// InfluxConfig holds the optional telemetry time-series sink.
type InfluxConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Token   string `mapstructure:"token"`
	Org     string `mapstructure:"org"`
	Bucket  string `mapstructure:"bucket"`
}

// MQTTConfig holds MQTT broker settings for telemetry ingestion
type MQTTConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	BrokerURL         string        `mapstructure:"broker_url"`
	ClientID          string        `mapstructure:"client_id"`
	Username          string        `mapstructure:"username"`
	Password          string        `mapstructure:"password"`
	QoS               byte          `mapstructure:"qos"`
	CleanSession      bool          `mapstructure:"clean_session"`
	Topics            []string      `mapstructure:"topics"`
	KeepAlive         time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	MaxReconnectDelay time.Duration `mapstructure:"max_reconnect_delay"`
	MaxInFlight       int           `mapstructure:"max_in_flight"`
	HandlerTimeout    time.Duration `mapstructure:"handler_timeout"`
}

// WorkerConfig controls the event processing loop.
type WorkerConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	ProcessTimeout time.Duration `mapstructure:"process_timeout"`
}

// IngestionConfig controls batch admission.
type IngestionConfig struct {
	MaxBatchSize   int `mapstructure:"max_batch_size"`
	Concurrency    int `mapstructure:"concurrency"`
	DedupCacheSize int `mapstructure:"dedup_cache_size"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from a file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("POWERWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// a missing file is fine when everything comes from the environment
		if !errors.As(err, &notFound) && !isMissingFile(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.rate_limit_per_minute", 600)
	v.SetDefault("server.cors_origins", []string{"http://localhost:5173", "http://localhost:5174"})

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.enable_tracing", false)
	v.SetDefault("database.slow_query", "500ms")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 5)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.device_ttl", "10m")
	v.SetDefault("redis.namespace", "powerwatch:")
	v.SetDefault("redis.local_size", 1024)
	v.SetDefault("redis.local_ttl", "15s")

	v.SetDefault("messaging.driver", "none")
	v.SetDefault("service_bus.queue_name", "powerwatch")
	v.SetDefault("service_bus.message_ttl", "72h")
	v.SetDefault("kafka.topic_prefix", "powerwatch.")

	v.SetDefault("influx.enabled", false)
	v.SetDefault("influx.bucket", "telemetry")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.clean_session", false)
	v.SetDefault("mqtt.topics", []string{"powerwatch/telemetry/#"})
	v.SetDefault("mqtt.keep_alive", "30s")
	v.SetDefault("mqtt.connect_timeout", "10s")
	v.SetDefault("mqtt.max_reconnect_delay", "2m")
	v.SetDefault("mqtt.max_in_flight", 16)
	v.SetDefault("mqtt.handler_timeout", "30s")

	v.SetDefault("worker.poll_interval", "1500ms")
	v.SetDefault("worker.stale_after", "10m")
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("worker.process_timeout", "30s")

	v.SetDefault("ingestion.max_batch_size", 500)
	v.SetDefault("ingestion.concurrency", 8)
	v.SetDefault("ingestion.dedup_cache_size", 10000)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

func isMissingFile(err error) bool {
	return strings.Contains(err.Error(), "no such file or directory")
}
