package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"PoolLedger/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoadFrom_Defaults(t *testing.T) {
	cfg, err := config.LoadFrom("", env(nil))
	require.NoError(t, err)
	assert.Equal(t, config.StorePostgres, cfg.Store)
	assert.Equal(t, ":8080", cfg.Addrs.HTTP)
	assert.Equal(t, 3, cfg.Ledger.MaxRetries)
	assert.Equal(t, 15*time.Minute, cfg.Ledger.PendingTimeout)
	assert.Equal(t, "*/30 * * * * *", cfg.Scheduler.MetricsSpec)
}

func TestLoadFrom_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store: memory
nats_url: ""
addrs:
  http: ":18080"
ledger:
  chain_contract: "0xfile"
  max_retries: 5
  pending_timeout: 2m
  call_deadline: 90s
redis:
  addr: "redis:6379"
scheduler:
  audit_spec: ""
`), 0o600))

	cfg, err := config.LoadFrom(path, env(map[string]string{
		"POOL_MAX_RETRIES":     "7",
		"POOL_HTTP_RATE_LIMIT": "50.5",
		"POOL_LOG_LEVEL":       "debug",
	}))
	require.NoError(t, err)

	assert.Equal(t, config.StoreMemory, cfg.Store)
	assert.Empty(t, cfg.NATSURL)
	assert.Equal(t, ":18080", cfg.Addrs.HTTP)
	assert.Equal(t, ":9090", cfg.Addrs.GRPC, "unset keys keep defaults")
	assert.Equal(t, "0xfile", cfg.Ledger.ChainContract)
	assert.Equal(t, 7, cfg.Ledger.MaxRetries, "env overrides file")
	assert.Equal(t, 2*time.Minute, cfg.Ledger.PendingTimeout)
	assert.Equal(t, 90*time.Second, cfg.Ledger.CallDeadline)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Empty(t, cfg.Scheduler.AuditSpec)
	assert.Equal(t, 50.5, cfg.HTTP.RateLimit)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadFrom_BadEnvValues(t *testing.T) {
	_, err := config.LoadFrom("", env(map[string]string{
		"POOL_MAX_RETRIES":     "many",
		"POOL_PENDING_TIMEOUT": "soon",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "POOL_MAX_RETRIES")
	assert.Contains(t, err.Error(), "POOL_PENDING_TIMEOUT")
}

func TestValidate(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())

	cfg.Store = "sqlite"
	cfg.Ledger.ChainContract = ""
	cfg.Ledger.MaxRetries = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store must be")
	assert.Contains(t, err.Error(), "chain_contract")
	assert.Contains(t, err.Error(), "max_retries")
}

func TestValidate_CallDeadlineWithinPendingTimeout(t *testing.T) {
	cfg := config.Default()
	assert.LessOrEqual(t, cfg.Ledger.CallDeadline, cfg.Ledger.PendingTimeout)

	cfg.Ledger.CallDeadline = cfg.Ledger.PendingTimeout + time.Minute
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "call_deadline")

	cfg.Ledger.CallDeadline = cfg.Ledger.PendingTimeout
	assert.NoError(t, cfg.Validate())

	_, err = config.LoadFrom("", env(map[string]string{"POOL_CALL_DEADLINE": "1h"}))
	assert.ErrorContains(t, err, "call_deadline")
}

func TestLoadFrom_MissingFile(t *testing.T) {
	_, err := config.LoadFrom(filepath.Join(t.TempDir(), "absent.yaml"), env(nil))
	assert.Error(t, err)
}
