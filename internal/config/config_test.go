package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
env: prod
log_level: debug
listen_addr: ":9090"
jwt_secret: file-secret
jwt_ttl: 2h
rate_limit: 10
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "prod", cfg.Env)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, "file-secret", cfg.JWTSecret)
	assert.Equal(t, 2*time.Hour, cfg.JWTTTL)
	assert.Equal(t, 10, cfg.RateLimit)
}

func TestLoadDefaultsAndEnvOverride(t *testing.T) {
	t.Setenv("EXCHANGE_JWT_SECRET", "env-secret")
	t.Setenv("EXCHANGE_LISTEN_ADDR", ":7000")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "env-secret", cfg.JWTSecret)
	assert.Equal(t, ":7000", cfg.ListenAddr)
	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, 30, cfg.RateLimit)
	assert.Equal(t, time.Minute, cfg.RateLimitWindow)
}

func TestLoadRequiresJWTSecret(t *testing.T) {
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	t.Setenv("EXCHANGE_JWT_SECRET", "x")

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
