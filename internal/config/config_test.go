package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Port:             "8420",
		JWTSecret:        "a-perfectly-reasonable-development-secret",
		Env:              "development",
		DBPassword:       "password",
		PresenceTTLMin:   15,
		TypingTTLSec:     5,
		ReconnectGraceMs: 30000,
	}
}

func TestValidateAcceptsDevelopmentDefaults(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidateRequiresPortAndSecret(t *testing.T) {
	c := validConfig()
	c.Port = ""
	assert.Error(t, c.Validate())

	c = validConfig()
	c.JWTSecret = ""
	assert.Error(t, c.Validate())
}

func TestValidateRequiresPositiveRealtimeKnobs(t *testing.T) {
	for _, mutate := range []func(*Config){
		func(c *Config) { c.PresenceTTLMin = 0 },
		func(c *Config) { c.TypingTTLSec = 0 },
		func(c *Config) { c.ReconnectGraceMs = -1 },
	} {
		c := validConfig()
		mutate(c)
		assert.Error(t, c.Validate())
	}
}

func TestValidateProductionRejectsDefaults(t *testing.T) {
	c := validConfig()
	c.Env = "production"
	c.JWTSecret = "your-secret-key-change-in-production"
	assert.Error(t, c.Validate())

	c = validConfig()
	c.Env = "production"
	c.JWTSecret = "short"
	assert.Error(t, c.Validate())

	c = validConfig()
	c.Env = "production"
	c.JWTSecret = "this-secret-is-definitely-32-characters-long"
	c.DBPassword = "password"
	assert.Error(t, c.Validate())

	c = validConfig()
	c.Env = "production"
	c.JWTSecret = "this-secret-is-definitely-32-characters-long"
	c.DBPassword = "genuinely-strong-password"
	c.RateLimitDevBypass = true
	assert.Error(t, c.Validate())

	c = validConfig()
	c.Env = "production"
	c.JWTSecret = "this-secret-is-definitely-32-characters-long"
	c.DBPassword = "genuinely-strong-password"
	require.NoError(t, c.Validate())
}

func TestDurationHelpers(t *testing.T) {
	c := &Config{
		PresenceTTLMin:    15,
		TypingTTLSec:      5,
		ReconnectGraceMs:  30000,
		HandlerTimeoutSec: 10,
		UserCacheTTLSec:   60,
		SweepIntervalSec:  60,
	}
	assert.Equal(t, 15*time.Minute, c.PresenceTTL())
	assert.Equal(t, 5*time.Second, c.TypingTTL())
	assert.Equal(t, 30*time.Second, c.ReconnectGrace())
	assert.Equal(t, 10*time.Second, c.HandlerTimeout())
	assert.Equal(t, time.Minute, c.UserCacheTTL())
	assert.Equal(t, time.Minute, c.SweepInterval())
}

func TestDSN(t *testing.T) {
	c := &Config{
		DBHost: "db", DBPort: "5432", DBUser: "beacon",
		DBPassword: "pw", DBName: "beacon", DBSSLMode: "disable",
	}
	assert.Equal(t, "host=db port=5432 user=beacon password=pw dbname=beacon sslmode=disable", c.DSN())
}
