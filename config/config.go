package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the question-answering service.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	LLM     LLMConfig     `mapstructure:"llm"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Cache   CacheConfig   `mapstructure:"cache"`
}

// ServerConfig contains HTTP server and auth settings.
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
	// InlineProcessing makes the answer read path process a still-queued
	// question synchronously instead of waiting for a worker.
	InlineProcessing bool `mapstructure:"inline_processing"`
}

// StorageConfig contains storage and persistence settings.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings.
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN builds a postgres connection string, preferring an explicit URL.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", errors.New("postgres not configured (storage.postgres.host/dbname or url)")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns host:port for the redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// LLMConfig contains provider credentials, model tiers and routing thresholds.
type LLMConfig struct {
	// Provider forces a specific provider; empty means priority order.
	Provider  string                    `mapstructure:"provider"`
	Providers map[string]ProviderConfig `mapstructure:"providers"`
	// ShortQuestionChars routes questions below this length to the small tier.
	ShortQuestionChars int `mapstructure:"short_question_chars"`
	// LargeContextChars routes contexts above this length to the large tier.
	LargeContextChars int `mapstructure:"large_context_chars"`
}

// ProviderConfig describes one configured LLM backend.
type ProviderConfig struct {
	APIKey          string        `mapstructure:"api_key"`
	Endpoint        string        `mapstructure:"endpoint"`
	Region          string        `mapstructure:"region"`
	AccessKeyID     string        `mapstructure:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key"`
	Timeout         time.Duration `mapstructure:"timeout"`
	Models          ModelTiers    `mapstructure:"models"`
}

// ModelTiers names the configured model per size/cost class.
type ModelTiers struct {
	Small string `mapstructure:"small"`
	Mid   string `mapstructure:"mid"`
	Large string `mapstructure:"large"`
}

// QueueConfig contains Redis Streams queue settings.
type QueueConfig struct {
	Stream    string        `mapstructure:"stream"`
	Group     string        `mapstructure:"group"`
	BatchSize int64         `mapstructure:"batch_size"`
	BlockWait time.Duration `mapstructure:"block_wait"`
	// VisibilityTimeout is the idle window after which an unacked delivery
	// becomes eligible for reclaim by another consumer.
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	MaxDeliveries     int64         `mapstructure:"max_deliveries"`
	// HandlerTimeout bounds one message's processing; it must stay below
	// VisibilityTimeout so an attempt cannot race its own redelivery.
	HandlerTimeout time.Duration `mapstructure:"handler_timeout"`
}

// CacheConfig contains answer cache settings.
type CacheConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// LoadConfig loads configuration from file and environment variables (NOEMA_*).
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetDefault("server.address", ":8080")
	viper.SetDefault("server.inline_processing", false)
	viper.SetDefault("llm.short_question_chars", 120)
	viper.SetDefault("llm.large_context_chars", 2800)
	viper.SetDefault("queue.stream", "qa.question.asked")
	viper.SetDefault("queue.group", "qa-workers")
	viper.SetDefault("queue.batch_size", 5)
	viper.SetDefault("queue.block_wait", 5*time.Second)
	viper.SetDefault("queue.visibility_timeout", 120*time.Second)
	viper.SetDefault("queue.max_deliveries", 5)
	viper.SetDefault("queue.handler_timeout", 90*time.Second)
	viper.SetDefault("cache.ttl", 7*24*time.Hour)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("NOEMA")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			panic(fmt.Errorf("fatal error config file: %w", err))
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	return &cfg
}
