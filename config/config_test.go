package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Load_generates_default(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dnsguard.toml")

	cfg, err := Load(path, "test")
	require.NoError(t, err)

	_, err = os.Stat(path)
	require.NoError(t, err)

	assert.Equal(t, configver, cfg.Version)
	assert.Equal(t, ":53", cfg.Bind)
	assert.Equal(t, []string{"8.8.8.8:53", "8.8.4.4:53"}, cfg.Upstreams)
	assert.Equal(t, 30*time.Second, cfg.TCPIdleTimeout.Duration)
	assert.Equal(t, "default", cfg.BlockingMode)
	assert.Equal(t, uint32(3600), cfg.BlockedResponseTTL)
	assert.Equal(t, 1000, cfg.CacheSize)
	assert.Equal(t, "test", cfg.ServerVersion())
}

func Test_Load_custom(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dnsguard.toml")

	content := `
version = "1.0.0"
bind = ":5300"
upstreams = ["tcp://1.1.1.1"]
blockingmode = "nxdomain"
blockipv6 = true
optimisticcache = true
dns64_upstreams = ["[64:ff9b::1]:53"]
dns64_wait_time = "500ms"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path, "test")
	require.NoError(t, err)

	assert.Equal(t, ":5300", cfg.Bind)
	assert.Equal(t, []string{"tcp://1.1.1.1"}, cfg.Upstreams)
	assert.Equal(t, "nxdomain", cfg.BlockingMode)
	assert.True(t, cfg.BlockIPv6)
	assert.True(t, cfg.OptimisticCache)
	assert.Equal(t, 500*time.Millisecond, cfg.DNS64WaitTime.Duration)

	// defaults applied for absent durations
	assert.Equal(t, 30*time.Second, cfg.TCPIdleTimeout.Duration)
	assert.Equal(t, 10*time.Second, cfg.Timeout.Duration)
}

func Test_Load_bad_file(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dnsguard.toml")
	require.NoError(t, os.WriteFile(path, []byte("not = [valid"), 0644))

	_, err := Load(path, "test")
	assert.Error(t, err)
}
