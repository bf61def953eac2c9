package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/payrecon/pkg/recon"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payrecon.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, `
server:
  addr: ":9090"
  shutdown_timeout: 5s
webhook:
  secret: whsec_file
  rate_limit: 50
  rate_limit_window: 30s
engine:
  payee_share_bps: 7500
  subscription_ordering: event_created
store:
  driver: postgres
  dsn: postgres://localhost/payrecon
  migrate_on_start: true
redis:
  addr: localhost:6379
  recompute_queue: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 15*time.Second, cfg.Server.WriteTimeout, "defaults survive partial files")
	assert.Equal(t, 30*time.Second, cfg.Webhook.RateLimitWindow)
	assert.True(t, cfg.Store.MigrateOnStart)

	rc := cfg.ReconConfig()
	require.NotNil(t, rc.PayeeShare)
	assert.Equal(t, recon.BasisPoints(7500), *rc.PayeeShare)
	assert.Equal(t, recon.OrderingEventCreated, rc.SubscriptionOrdering)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeFile(t, `
webhook:
  secret: whsec_file
store:
  driver: sqlite
`)
	t.Setenv("PAYRECON_WEBHOOK_SECRET", "whsec_env")
	t.Setenv("PAYRECON_STORE_DRIVER", "memory")
	t.Setenv("PAYRECON_PAYEE_SHARE_BPS", "9000")
	t.Setenv("PAYRECON_MIGRATE_ON_START", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "whsec_env", cfg.Webhook.Secret)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	require.NotNil(t, cfg.Engine.PayeeShareBps)
	assert.Equal(t, int64(9000), *cfg.Engine.PayeeShareBps)
	assert.True(t, cfg.Store.MigrateOnStart)
}

func TestLoad_ExplicitZeroEngineValues(t *testing.T) {
	path := writeFile(t, `
webhook:
  secret: whsec_file
engine:
  payee_share_bps: 0
  minimum_amount: 0
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	rc := cfg.ReconConfig()
	require.NotNil(t, rc.PayeeShare, "an explicit 0 must not fall back to the default share")
	assert.Equal(t, recon.BasisPoints(0), *rc.PayeeShare)
	require.NotNil(t, rc.MinimumAmount)
	assert.Equal(t, int64(0), *rc.MinimumAmount)

	unset := Default().ReconConfig()
	assert.Nil(t, unset.PayeeShare)
	assert.Nil(t, unset.MinimumAmount)
}

func TestLoad_NoFile(t *testing.T) {
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_only_env")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, "whsec_only_env", cfg.Webhook.Secret)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.ErrorContains(t, err, "read config")
	})

	t.Run("malformed yaml", func(t *testing.T) {
		_, err := Load(writeFile(t, "server: [unterminated"))
		assert.ErrorContains(t, err, "parse config")
	})

	t.Run("bad env number", func(t *testing.T) {
		t.Setenv("PAYRECON_WEBHOOK_SECRET", "whsec")
		t.Setenv("PAYRECON_PAYEE_SHARE_BPS", "eighty")
		_, err := Load("")
		assert.ErrorContains(t, err, "PAYRECON_PAYEE_SHARE_BPS")
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing secret", func(c *Config) { c.Webhook.Secret = " " }, "webhook.secret"},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mongo" }, "unknown store driver"},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = DriverPostgres }, "store.dsn"},
		{"firestore without project", func(c *Config) { c.Store.Driver = DriverFirestore }, "store.project_id"},
		{"queue without redis", func(c *Config) { c.Redis.RecomputeQueue = true }, "redis.addr"},
		{"share out of range", func(c *Config) { c.Engine.PayeeShareBps = recon.Ptr(int64(12000)) }, "basis points"},
		{"bad ordering", func(c *Config) { c.Engine.SubscriptionOrdering = "random" }, "subscription ordering"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Webhook.Secret = "whsec"
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestRead_SkipsWebhookValidation(t *testing.T) {
	cfg, err := Read(writeFile(t, "store:\n  driver: memory\n"))
	require.NoError(t, err)
	assert.NoError(t, cfg.ValidateStore())

	cfg.Store.Driver = DriverPostgres
	assert.ErrorContains(t, cfg.ValidateStore(), "store.dsn")
}
