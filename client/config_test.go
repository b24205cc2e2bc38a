package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 30*time.Second, cfg.KeepAlive)
	assert.Equal(t, 10*time.Second, cfg.ResponseTimeout)
	assert.Equal(t, uint16(16), cfg.TopicAliasMaximum)
	assert.Empty(t, cfg.ConnectDelays)
}

func TestOptionsMutateConfig(t *testing.T) {
	cfg := DefaultConfig()
	opts := []Option{
		WithClientID("probe-1"),
		WithCredentials("alice", []byte("secret")),
		WithWill("probe-1/status", []byte("offline"), true, 1),
		WithKeepAlive(5 * time.Second),
		WithResponseTimeout(2 * time.Second),
		WithTopicAliasMaximum(4),
		WithSessionExpiryInterval(3600),
		WithSubscriptions("a/#", "b/+"),
		WithConnectDelays(time.Second, 2*time.Second),
		WithReconnectJitter(0.2),
		WithResumeSession(true),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	assert.Equal(t, "probe-1", cfg.ClientID)
	assert.True(t, cfg.ResumeSession)
	assert.Equal(t, "alice", cfg.Username)
	assert.Equal(t, []byte("secret"), cfg.Password)
	assert.Equal(t, "probe-1/status", cfg.WillTopic)
	assert.True(t, cfg.WillRetain)
	assert.Equal(t, byte(1), cfg.WillQoS)
	assert.Equal(t, 5*time.Second, cfg.KeepAlive)
	assert.Equal(t, 2*time.Second, cfg.ResponseTimeout)
	assert.Equal(t, uint16(4), cfg.TopicAliasMaximum)
	assert.Equal(t, uint32(3600), cfg.SessionExpiryInterval)
	assert.Equal(t, []string{"a/#", "b/+"}, cfg.Subscriptions)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, cfg.ConnectDelays)
	assert.Equal(t, 0.2, cfg.ReconnectJitter)
}
