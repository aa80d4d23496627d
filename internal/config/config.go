// Package config provides application configuration loading and management.
package config

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration values loaded from file or environment variables.
type Config struct {
	Port           string `mapstructure:"PORT"`
	JWTSecret      string `mapstructure:"JWT_SECRET"`
	RedisURL       string `mapstructure:"REDIS_URL"`
	DBHost         string `mapstructure:"DB_HOST"`
	DBPort         string `mapstructure:"DB_PORT"`
	DBUser         string `mapstructure:"DB_USER"`
	DBPassword     string `mapstructure:"DB_PASSWORD"`
	DBName         string `mapstructure:"DB_NAME"`
	DBSSLMode      string `mapstructure:"DB_SSLMODE"`
	AllowedOrigins string `mapstructure:"ALLOWED_ORIGINS"`
	Env            string `mapstructure:"APP_ENV"`
	InstanceID     string `mapstructure:"INSTANCE_ID"`

	// Realtime tuning. Durations are loaded from integer env values so they
	// can be overridden without unit suffixes in container environments.
	PresenceTTLMin      int  `mapstructure:"PRESENCE_TTL_MIN"`
	TypingTTLSec        int  `mapstructure:"TYPING_TTL_SEC"`
	ReconnectGraceMs    int  `mapstructure:"RECONNECT_GRACE_MS"`
	HandlerTimeoutSec   int  `mapstructure:"HANDLER_TIMEOUT_SEC"`
	UserCacheTTLSec     int  `mapstructure:"USER_CACHE_TTL_SEC"`
	SweepIntervalSec    int  `mapstructure:"SWEEP_INTERVAL_SEC"`
	RateLimitDevBypass  bool `mapstructure:"RATE_LIMIT_DEV_BYPASS"`
	MaxConnsPerUser     int  `mapstructure:"MAX_CONNS_PER_USER"`
	MaxTotalConns       int  `mapstructure:"MAX_TOTAL_CONNS"`
	AccessTokenTTLMin   int  `mapstructure:"ACCESS_TOKEN_TTL_MIN"`
	RefreshTokenTTLDays int  `mapstructure:"REFRESH_TOKEN_TTL_DAYS"`

	TracingEnabled   bool    `mapstructure:"TRACING_ENABLED"`
	TracingExporter  string  `mapstructure:"TRACING_EXPORTER"`
	OTLPEndpoint     string  `mapstructure:"OTLP_ENDPOINT"`
	TraceSampleRatio float64 `mapstructure:"TRACE_SAMPLE_RATIO"`
}

// LoadConfig loads application configuration from file and environment variables.
func LoadConfig() (*Config, error) {
	viper.AddConfigPath(".")
	viper.AddConfigPath("..")
	viper.AddConfigPath("../..")
	viper.SetConfigName("config")
	viper.SetConfigType("yml")
	viper.AutomaticEnv()

	// Initial read to get APP_ENV if set in base config.
	// The config file may not exist; env vars alone are fine.
	_ = viper.ReadInConfig()

	env := viper.GetString("APP_ENV")
	if env == "" {
		env = "development"
	}

	if env != "development" && env != "" {
		viper.SetConfigName("config." + env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("required profile-specific config 'config.%s.yml' not found: %w", env, err)
		}
		log.Printf("Loaded profile-specific configuration: config.%s.yml", env)
	}

	viper.SetDefault("PORT", "8420")
	viper.SetDefault("JWT_SECRET", "your-secret-key-change-in-production")
	viper.SetDefault("REDIS_URL", "localhost:6379")
	viper.SetDefault("DB_HOST", "localhost")
	viper.SetDefault("DB_PORT", "5432")
	viper.SetDefault("DB_USER", "user")
	viper.SetDefault("DB_PASSWORD", "password")
	viper.SetDefault("DB_NAME", "beacon")
	viper.SetDefault("DB_SSLMODE", "disable")
	viper.SetDefault("ALLOWED_ORIGINS", "http://localhost:5173,http://localhost:3000")
	viper.SetDefault("APP_ENV", "development")
	viper.SetDefault("INSTANCE_ID", "")

	viper.SetDefault("PRESENCE_TTL_MIN", 15)
	viper.SetDefault("TYPING_TTL_SEC", 5)
	viper.SetDefault("RECONNECT_GRACE_MS", 30000)
	viper.SetDefault("HANDLER_TIMEOUT_SEC", 10)
	viper.SetDefault("USER_CACHE_TTL_SEC", 60)
	viper.SetDefault("SWEEP_INTERVAL_SEC", 60)
	viper.SetDefault("RATE_LIMIT_DEV_BYPASS", false)
	viper.SetDefault("MAX_CONNS_PER_USER", 12)
	viper.SetDefault("MAX_TOTAL_CONNS", 10000)
	viper.SetDefault("ACCESS_TOKEN_TTL_MIN", 15)
	viper.SetDefault("REFRESH_TOKEN_TTL_DAYS", 30)

	viper.SetDefault("TRACING_ENABLED", false)
	viper.SetDefault("TRACING_EXPORTER", "stdout")
	viper.SetDefault("OTLP_ENDPOINT", "localhost:4318")
	viper.SetDefault("TRACE_SAMPLE_RATIO", 0.1)

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Validate ensures that required configuration values are present and meet security standards.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.PresenceTTLMin <= 0 || c.TypingTTLSec <= 0 || c.ReconnectGraceMs <= 0 {
		return errors.New("PRESENCE_TTL_MIN, TYPING_TTL_SEC and RECONNECT_GRACE_MS must be positive")
	}

	isProduction := c.Env == "production" || c.Env == "prod"

	if isProduction {
		if c.JWTSecret == "your-secret-key-change-in-production" {
			return errors.New("JWT_SECRET must be changed from the default value in production")
		}
		if len(c.JWTSecret) < 32 {
			return errors.New("JWT_SECRET must be at least 32 characters in production")
		}
		if c.DBPassword == "password" || c.DBPassword == "" {
			return errors.New("a strong DB_PASSWORD is required in production")
		}
		if c.RateLimitDevBypass {
			return errors.New("RATE_LIMIT_DEV_BYPASS must not be enabled in production")
		}
		if c.AllowedOrigins == "*" {
			log.Println("WARNING: ALLOWED_ORIGINS is set to '*' in production. This is insecure.")
		}
	} else {
		if len(c.JWTSecret) < 32 {
			log.Println("WARNING: JWT_SECRET is shorter than 32 characters. Consider using a stronger secret for production.")
		}
	}

	return nil
}

// PresenceTTL returns the presence record TTL.
func (c *Config) PresenceTTL() time.Duration {
	return time.Duration(c.PresenceTTLMin) * time.Minute
}

// TypingTTL returns the typing record TTL.
func (c *Config) TypingTTL() time.Duration {
	return time.Duration(c.TypingTTLSec) * time.Second
}

// ReconnectGrace returns the disconnect grace window.
func (c *Config) ReconnectGrace() time.Duration {
	return time.Duration(c.ReconnectGraceMs) * time.Millisecond
}

// HandlerTimeout returns the per-frame processing budget.
func (c *Config) HandlerTimeout() time.Duration {
	return time.Duration(c.HandlerTimeoutSec) * time.Second
}

// UserCacheTTL returns how long user-validation reads may be cached.
func (c *Config) UserCacheTTL() time.Duration {
	return time.Duration(c.UserCacheTTLSec) * time.Second
}

// SweepInterval returns the stale-presence sweep period.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

// DSN builds the Postgres connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}
