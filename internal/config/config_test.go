package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	c, err := Parse([]byte(`walletconnect: {project_id: abc}`))
	require.NoError(t, err)
	assert.Equal(t, "abc", c.WalletConnect.ProjectID)
	assert.Equal(t, "info", c.LogLevel)
	assert.Equal(t, 1, c.WalletConnect.DefaultChainID)
	assert.Equal(t, 24*time.Hour, c.Session.MaxAge)
	assert.Equal(t, 10*time.Minute, c.Session.SweepInterval)
	assert.Equal(t, 8, c.Session.RestoreConcurrency)
	assert.False(t, c.Session.KeepSessionsOnDestroy)
	assert.Equal(t, StoreDriverMemory, c.Store.Driver)
	assert.Equal(t, ":8080", c.HTTP.Addr)
	assert.Equal(t, int64(0), c.Timeouts.Connection)
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse([]byte("timeouts: [1, 2"))
	assert.Error(t, err)
}

func TestLoadFile_Sample(t *testing.T) {
	c, err := LoadFile("config.yml")
	require.NoError(t, err)
	assert.Equal(t, "debug", c.LogLevel)
	assert.Equal(t, StoreDriverSQLite, c.Store.Driver)
	assert.Equal(t, int64(30000), c.Timeouts.Connection)
	assert.Equal(t, int64(15000), c.Timeouts.GasEstimation)
	assert.Equal(t, "127.0.0.1:6379", c.Store.Redis.GetRedisAddress())
	assert.Equal(t, "host=127.0.0.1 port=5432 user=postgres password=postgres dbname=wallet_gateway", c.Store.Postgres.Dsn())
	assert.Equal(t, []string{"https://moff.io/icon.png"}, c.WalletConnect.Metadata.Icons)
	assert.True(t, c.Session.KeepSessionsOnDestroy)
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yml"))
	assert.Error(t, err)
}

func TestLoadFile_Durations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yml")
	require.NoError(t, os.WriteFile(path, []byte("session:\n  max_age: 2h\n  sweep_interval: 30s\n"), 0o600))
	c, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, c.Session.MaxAge)
	assert.Equal(t, 30*time.Second, c.Session.SweepInterval)
}
