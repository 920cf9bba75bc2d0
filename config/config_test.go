package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kiln.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	c := Default()
	assert.NoError(t, c.Validate())
	assert.Equal(t, 64, c.PoolSize)
	assert.Equal(t, 5*time.Second, c.LockTimeout.Duration)
	assert.Equal(t, VictimYoungest, c.VictimPolicy)
	assert.False(t, c.Metrics)
}

func TestLoad(t *testing.T) {
	t.Run("full file", func(t *testing.T) {
		path := writeConfig(t, `
data_file = "/tmp/data.db"
wal_file = "/tmp/data.wal"
pool_size = 128
lock_timeout = "250ms"
victim_policy = "fewest_locks"
metrics = true
`)
		c, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "/tmp/data.db", c.DataFile)
		assert.Equal(t, "/tmp/data.wal", c.WALFile)
		assert.Equal(t, 128, c.PoolSize)
		assert.Equal(t, 250*time.Millisecond, c.LockTimeout.Duration)
		assert.Equal(t, VictimFewestLocks, c.VictimPolicy)
		assert.True(t, c.Metrics)
	})

	t.Run("partial file keeps defaults", func(t *testing.T) {
		path := writeConfig(t, `pool_size = 16`)

		c, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 16, c.PoolSize)
		assert.Equal(t, Default().DataFile, c.DataFile)
		assert.Equal(t, Default().LockTimeout, c.LockTimeout)
	})

	t.Run("bad duration", func(t *testing.T) {
		path := writeConfig(t, `lock_timeout = "soon"`)
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero pool", func(c *Config) { c.PoolSize = 0 }},
		{"negative pool", func(c *Config) { c.PoolSize = -1 }},
		{"zero timeout", func(c *Config) { c.LockTimeout = Duration{} }},
		{"unknown policy", func(c *Config) { c.VictimPolicy = "coin_flip" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := Default()
			tc.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}
