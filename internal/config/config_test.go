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
	path := filepath.Join(t.TempDir(), "yieldvault.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Len(t, cfg.Backends, 3)
	assert.Equal(t, 2, cfg.Optimizer.Policy().TargetActiveCount)
}

func TestLoadWithoutPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "USDC", cfg.Vault.Asset)
}

func TestLoadLayersFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
vault:
  asset: DAI
  fee_bps: 500
optimizer:
  cooldown: 30m
  min_apy_difference_bps: 250
backends:
  - id: 7
    name: spark
    apy_bps: 500
    active: true
    pool: spark-dai
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "DAI", cfg.Vault.Asset)
	assert.Equal(t, uint64(500), cfg.Vault.FeeBps)
	assert.Equal(t, "vault", cfg.Vault.Address, "unset fields keep defaults")
	assert.Equal(t, 30*time.Minute, cfg.Optimizer.Cooldown)
	assert.Equal(t, uint64(250), cfg.Optimizer.Policy().MinAPYDifferenceBps)
	require.Len(t, cfg.Backends, 1)
	assert.Equal(t, BackendConfig{ID: 7, Name: "spark", APY: 500, Active: true, Pool: "spark-dai"}, cfg.Backends[0])
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("YIELDVAULT_HTTP_ADDR", ":9999")
	t.Setenv("YIELDVAULT_FEE_BPS", "250")
	t.Setenv("YIELDVAULT_OPTIMIZER_COOLDOWN", "2h")
	t.Setenv("YIELDVAULT_DATABASE_URL", "postgres://localhost/yieldvault")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.HTTP.Addr)
	assert.Equal(t, uint64(250), cfg.Vault.FeeBps)
	assert.Equal(t, 2*time.Hour, cfg.Optimizer.Cooldown)
	assert.Equal(t, "postgres://localhost/yieldvault", cfg.Audit.DSN)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"same accounts":   "vault:\n  address: a\n  queue_address: a\n",
		"fee too high":    "vault:\n  fee_bps: 20000\n",
		"duplicate ids":   "backends:\n  - {id: 1, name: a}\n  - {id: 1, name: b}\n",
		"zero id":         "backends:\n  - {id: 0, name: a}\n",
		"keeperless cron": "scheduler:\n  enabled: true\n  keeper: \"\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.ErrorContains(t, err, "invalid config")
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config")
}

func TestLoadMalformedFile(t *testing.T) {
	_, err := Load(writeConfig(t, "vault: [unterminated"))
	assert.ErrorContains(t, err, "failed to parse config")
}
