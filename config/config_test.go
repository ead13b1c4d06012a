package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFillsDefaults(t *testing.T) {
	path := writeConfig(t, `
hostname = "10.0.0.5"
claims = ["*"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.5", cfg.Hostname)
	require.Equal(t, DefaultListenPort, cfg.ListenPort)
	require.Equal(t, DefaultTokenTTL, cfg.TokenTTLDuration())
	require.Equal(t, "pebble", cfg.ContractStoreBackend)
	require.Equal(t, []string{"*"}, cfg.Claims)
}

func TestLoadParsesDurations(t *testing.T) {
	path := writeConfig(t, `
token_ttl = "5m"
capacity_ttl = "90s"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, cfg.TokenTTLDuration())
	require.Equal(t, 90*time.Second, cfg.CapacityTTLDuration())
}

func TestValidateRejectsBadBackend(t *testing.T) {
	path := writeConfig(t, `contract_store_backend = "leveldb"`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := Default()
	cfg.ListenPort = -1
	require.Error(t, cfg.Validate())
}
