package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef"

// clearEnv blanks every variable the loaders read so the host environment
// cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"SERVER_ADDR", "APP_ENV", "DATABASE_URL", "JWT_SIGNING_KEY", "TOKEN_TTL",
		"REDIS_URL", "PUBSUB_TYPE", "RING_TIMEOUT", "EVENTS_PER_MIN", "DIRECTORY_FILE",
		"CONFIG_FILE", "RELAY_URL", "OWLYCALL_TOKEN", "ICE_STUN_URLS", "ICE_TURN_URLS",
		"TURN_USERNAME", "TURN_PASSWORD", "AUDIO_FILE", "VIDEO_FILE", "RECORD_DIR",
		"METRICS_ADDR", "INCOMING_TIMEOUT", "RETRY_DELAY", "RESTART_TIMEOUT", "AUTO_ANSWER",
	} {
		t.Setenv(k, "")
	}
}

// =============================================================================
// Relay config
// =============================================================================

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("JWT_SIGNING_KEY", testKey)
	t.Setenv("DIRECTORY_FILE", "directory.yaml")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8080", cfg.ServerAddr)
	assert.Equal(t, "memory", cfg.PubSubType)
	assert.Equal(t, 45*time.Second, cfg.RingTimeout)
	assert.Equal(t, 24*time.Hour, cfg.TokenTTL)
	assert.Equal(t, 600, cfg.EventsPerMin)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("JWT_SIGNING_KEY", testKey)
	t.Setenv("DATABASE_URL", "postgres://localhost/owly")
	t.Setenv("APP_ENV", "production")
	t.Setenv("PUBSUB_TYPE", "redis")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("RING_TIMEOUT", "1m")
	t.Setenv("EVENTS_PER_MIN", "0")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, time.Minute, cfg.RingTimeout)
	assert.Zero(t, cfg.EventsPerMin)
	assert.False(t, cfg.IsDevelopment())
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"short key", map[string]string{"JWT_SIGNING_KEY": "short", "DIRECTORY_FILE": "d.yaml"}},
		{"no directory", map[string]string{"JWT_SIGNING_KEY": testKey}},
		{"redis without url", map[string]string{"JWT_SIGNING_KEY": testKey, "DIRECTORY_FILE": "d.yaml", "PUBSUB_TYPE": "redis"}},
		{"unknown pubsub", map[string]string{"JWT_SIGNING_KEY": testKey, "DIRECTORY_FILE": "d.yaml", "PUBSUB_TYPE": "kafka"}},
		{"bad duration", map[string]string{"JWT_SIGNING_KEY": testKey, "DIRECTORY_FILE": "d.yaml", "RING_TIMEOUT": "soon"}},
		{"bad int", map[string]string{"JWT_SIGNING_KEY": testKey, "DIRECTORY_FILE": "d.yaml", "EVENTS_PER_MIN": "many"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

// =============================================================================
// Client config
// =============================================================================

func TestLoadClient_FileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "softphone.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
relay_url: ws://relay.test/ws
token: from-file
stun_urls: [stun:a.test, stun:b.test]
incoming_timeout: 10s
restart_timeout: 15s
auto_answer: true
`), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("OWLYCALL_TOKEN", "from-env")
	t.Setenv("RETRY_DELAY", "500ms")

	cfg, err := LoadClient()
	require.NoError(t, err)
	assert.Equal(t, "ws://relay.test/ws", cfg.RelayURL)
	assert.Equal(t, "from-env", cfg.Token)
	assert.Equal(t, []string{"stun:a.test", "stun:b.test"}, cfg.ICESTUNURLs)
	assert.Equal(t, 10*time.Second, cfg.IncomingTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.RetryDelay)
	assert.Equal(t, 15*time.Second, cfg.RestartTimeout)
	assert.Equal(t, 30*time.Second, cfg.RingTimeout)
	assert.True(t, cfg.AutoAnswer)
}

func TestLoadClient_Invalid(t *testing.T) {
	clearEnv(t)
	t.Run("no token", func(t *testing.T) {
		_, err := LoadClient()
		assert.Error(t, err)
	})
	t.Run("turn without credentials", func(t *testing.T) {
		t.Setenv("OWLYCALL_TOKEN", "tok")
		t.Setenv("ICE_TURN_URLS", "turn:turn.test:3478")
		_, err := LoadClient()
		assert.Error(t, err)
	})
	t.Run("missing file", func(t *testing.T) {
		t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "nope.yaml"))
		_, err := LoadClient()
		assert.Error(t, err)
	})
	t.Run("bad auto answer", func(t *testing.T) {
		t.Setenv("OWLYCALL_TOKEN", "tok")
		t.Setenv("AUTO_ANSWER", "perhaps")
		_, err := LoadClient()
		assert.Error(t, err)
	})
}

func TestSplitEnv(t *testing.T) {
	t.Setenv("LIST", " a, ,b ,c")
	assert.Equal(t, []string{"a", "b", "c"}, splitEnv("LIST", ""))
	assert.Nil(t, splitEnv("UNSET_LIST", ""))
	assert.Equal(t, []string{"x"}, splitEnv("UNSET_LIST", "x"))
}
