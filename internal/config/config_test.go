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

const seedHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledgerd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadLayersFileAndEnvironment(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9090"
database:
  dsn: "postgres://ledger@file/ledger"
chain:
  rpc_url: "http://file:10332"
  assets:
    - symbol: FUSD
      contract: "0x1005d400bcc2a56b7352f09e273be3f9933a5fb1"
      decimals: 8
signer:
  master_seed: "`+seedHex+`"
sponsor:
  daily_budget: 500
  fee_estimates:
    withdrawal: 42
indexer:
  interval: 3s
`)
	t.Setenv("LEDGER_NEO_RPC_URL", "http://env:10332")
	t.Setenv("LEDGER_WITHDRAWAL_CONFIRMATION_TIMEOUT", "90s")
	t.Setenv("LEDGER_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "postgres://ledger@file/ledger", cfg.Database.DSN)
	assert.False(t, cfg.Database.AllowMemory)
	assert.Equal(t, "http://env:10332", cfg.Chain.RPCURL)
	assert.Equal(t, 90*time.Second, cfg.Withdrawal.ConfirmationTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 3*time.Second, cfg.Indexer.Interval)
	assert.Equal(t, uint64(500), cfg.Sponsor.DailyBudget)
	assert.Equal(t, uint64(42), cfg.Sponsor.FeeEstimates["withdrawal"])
	require.Len(t, cfg.Chain.Assets, 1)
	assert.Equal(t, "FUSD", cfg.Chain.Assets[0].Symbol)

	// Untouched values keep their defaults.
	assert.Equal(t, 5*time.Minute, cfg.Withdrawal.BuildingTimeout)
	assert.Equal(t, uint64(50), cfg.Chain.BatchSize)
	assert.Equal(t, "operator", cfg.Auth.OperatorRole)

	seed, err := cfg.Signer.Seed()
	require.NoError(t, err)
	assert.Len(t, seed, 32)
}

func TestLoadFromEnvironmentOnly(t *testing.T) {
	t.Setenv("LEDGER_NEO_RPC_URL", "http://env:10332")
	t.Setenv("LEDGER_SIGNER_MASTER_SEED", "0x"+seedHex)
	t.Setenv("LEDGER_DATABASE_ALLOW_MEMORY", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Empty(t, cfg.Database.DSN)
	assert.True(t, cfg.Database.AllowMemory)
}

func TestLoadRefusesMemoryStoreByDefault(t *testing.T) {
	t.Setenv("LEDGER_NEO_RPC_URL", "http://env:10332")
	t.Setenv("LEDGER_SIGNER_MASTER_SEED", "0x"+seedHex)

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.dsn is required")
}

func TestValidate(t *testing.T) {
	valid := Default()
	valid.Chain.RPCURL = "http://localhost:10332"
	valid.Signer.MasterSeed = seedHex
	valid.Database.DSN = "postgres://localhost/ledger"
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "missing dsn", mutate: func(c *Config) { c.Database.DSN = "" }, want: "database.dsn"},
		{name: "missing rpc", mutate: func(c *Config) { c.Chain.RPCURL = "" }, want: "chain.rpc_url"},
		{name: "missing seed", mutate: func(c *Config) { c.Signer.MasterSeed = "" }, want: "signer.master_seed is required"},
		{name: "bad seed", mutate: func(c *Config) { c.Signer.MasterSeed = "zz" }, want: "signer.master_seed"},
		{name: "short seed", mutate: func(c *Config) { c.Signer.MasterSeed = "0011" }, want: "at least 32 bytes"},
		{name: "zero interval", mutate: func(c *Config) { c.Indexer.Interval = 0 }, want: "indexer.interval"},
		{name: "zero attempts", mutate: func(c *Config) { c.Withdrawal.SubmitAttempts = 0 }, want: "submit_attempts"},
		{name: "negative burst", mutate: func(c *Config) { c.RateLimit.Burst = -1 }, want: "rate_limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.want), err.Error())
		})
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
