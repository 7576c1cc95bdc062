package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "be-plt-approvals", cfg.Service.Name)
	assert.Equal(t, 8095, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "approvals", cfg.Database.Database)
	assert.Empty(t, cfg.NATS.URL)
	assert.Equal(t, 5*time.Second, cfg.Identity.Timeout)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_NAME", "approvals_test")
	t.Setenv("NATS_URL", "nats://localhost:4222")
	t.Setenv("IDENTITY_URL", "http://identity:8081")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, "approvals_test", cfg.Database.Database)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, "http://identity:8081", cfg.Identity.BaseURL)
	assert.Equal(t, "debug", cfg.Service.LogLevel)
}
