package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("AUTH_TOKEN", "buyer:1")
	t.Setenv("CHAT_USER_ID", "1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8080", cfg.APIBaseURL)
	assert.Equal(t, "ws://localhost:8080/ws", cfg.WSEndpoint)
	assert.Equal(t, "buyer", cfg.Role)
	assert.Equal(t, 2*time.Minute, cfg.HeartbeatInterval)
	assert.Equal(t, 3*time.Second, cfg.TypingIdle)
	assert.Equal(t, time.Second, cfg.ReadDwell)
	assert.Equal(t, time.Second, cfg.ReleaseGrace)
	assert.Equal(t, int64(5), cfg.ReconnectAttempts)
}

func TestLoadReadsOverrides(t *testing.T) {
	t.Setenv("AUTH_TOKEN", "seller:2")
	t.Setenv("CHAT_USER_ID", "2")
	t.Setenv("CHAT_ROLE", "seller")
	t.Setenv("HEARTBEAT_INTERVAL", "30s")
	t.Setenv("RECONNECT_ATTEMPTS", "8")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "seller", cfg.Role)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, int64(8), cfg.ReconnectAttempts)
}

func TestLoadRejectsUnknownRole(t *testing.T) {
	t.Setenv("AUTH_TOKEN", "x")
	t.Setenv("CHAT_USER_ID", "1")
	t.Setenv("CHAT_ROLE", "merchant")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRequiresToken(t *testing.T) {
	t.Setenv("AUTH_TOKEN", "")
	t.Setenv("CHAT_USER_ID", "1")

	_, err := Load()
	assert.Error(t, err)
}
