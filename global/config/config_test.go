package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("NODE_ID", "server_test")
	t.Setenv("PORT", "9090")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("REVEAL_CLEANUP_DELAY", "250ms")
	t.Setenv("PRESENCE_TTL", "60")

	c, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "server_test", c.NodeID)
	assert.Equal(t, 9090, c.Port)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, c.Kafka.Brokers)
	assert.Equal(t, 250*time.Millisecond, c.Tuning.RevealCleanupDelay)
	assert.Equal(t, time.Minute, c.Tuning.PresenceTTL)
	assert.Equal(t, BusMailbox, c.BusTransport)
}

func TestLoadDotEnv(t *testing.T) {
	p := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(p, []byte("RANDCHAT_TEST_ORIGINS=x\nRATE_LIMIT_MESSAGES=5\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("RANDCHAT_TEST_ORIGINS")
		os.Unsetenv("RATE_LIMIT_MESSAGES")
	})

	c, err := Load(p)
	require.NoError(t, err)
	assert.EqualValues(t, 5, c.Tuning.MessageLimit)
	assert.True(t, strings.HasPrefix(c.NodeID, "server_"))
}

func TestApplyYAML(t *testing.T) {
	c := Default()
	require.NoError(t, c.ApplyYAML([]byte(`
bus_transport: nats
nats:
  servers: nats://a:4222,nats://b:4222
tuning:
  message_limit: 60
  limit_window: 30s
  reveal_cleanup_delay: 2s
`)))
	assert.Equal(t, BusNats, c.BusTransport)
	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, c.Nats.Servers)
	assert.EqualValues(t, 60, c.Tuning.MessageLimit)
	assert.Equal(t, 30*time.Second, c.Tuning.LimitWindow)
	assert.Equal(t, 2*time.Second, c.Tuning.RevealCleanupDelay)
	// 未出现的字段保持原值
	assert.EqualValues(t, 10, c.Tuning.MatchmakingLimit)
	assert.Equal(t, "127.0.0.1:6379", c.Redis.Addr)
}

func TestValidate(t *testing.T) {
	c := Default()
	c.BusTransport = "carrier-pigeon"
	assert.Error(t, c.Validate())

	c = Default()
	c.BusTransport = BusNats
	assert.Error(t, c.Validate())

	c = Default()
	assert.Error(t, c.ApplyYAML([]byte("tuning:\n  message_limit: 0\n")))
	assert.Error(t, c.ApplyYAML([]byte(":::")))
}
