package creditledger_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cl "github.com/ineyio/creditledger"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_YAML(t *testing.T) {
	t.Setenv("TEST_LEDGER_DSN", "postgres://ledger@localhost/ledger")
	t.Setenv("TEST_WEBHOOK_SECRET", "whsec_test")

	path := writeConfig(t, "ledger.yaml", `
store:
  driver: postgres
  dsn: ${TEST_LEDGER_DSN}
  table_prefix: prod_
stripe:
  webhook_secret: ${TEST_WEBHOOK_SECRET}
log:
  level: debug
  format: json
sweep:
  stuck_after: 30m
  limit: 25
tiers:
  free:
    monthly_quota: 5
  pro:
    monthly_quota: 2000
    bonus: 250
    paid: true
`)

	cfg, err := cl.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, cl.DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, "postgres://ledger@localhost/ledger", cfg.Store.DSN)
	assert.Equal(t, "prod_", cfg.Store.TablePrefix)
	assert.Equal(t, "whsec_test", cfg.Stripe.WebhookSecret)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 30*time.Minute, cfg.Sweep.StuckAfter.Duration)
	assert.Equal(t, 25, cfg.Sweep.Limit)

	assert.Equal(t, cl.TierPlan{MonthlyQuota: 2000, Bonus: 250, Paid: true}, cfg.Tiers["pro"])
	assert.Equal(t, cl.TierPlan{MonthlyQuota: 5}, cfg.Tiers[cl.TierFree])
	// Tiers left out of the file keep their built-in plans.
	assert.Len(t, cfg.Tiers, 5)
	assert.Equal(t, cl.DefaultTiers()[cl.TierCreator], cfg.Tiers[cl.TierCreator])
}

func TestLoadConfig_TOML(t *testing.T) {
	t.Setenv("TEST_REDIS_ADDR", "localhost:6379")

	path := writeConfig(t, "ledger.toml", `
[store]
driver = "redis"
redis_addr = "${TEST_REDIS_ADDR}"
key_prefix = "ledger:"

[sweep]
stuck_after = "5m"

[tiers.starter]
monthly_quota = 100
bonus = 20
paid = true
`)

	cfg, err := cl.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, cl.DriverRedis, cfg.Store.Driver)
	assert.Equal(t, "localhost:6379", cfg.Store.RedisAddr)
	assert.Equal(t, "ledger:", cfg.Store.KeyPrefix)
	assert.Equal(t, 5*time.Minute, cfg.Sweep.StuckAfter.Duration)
	assert.Equal(t, 100, cfg.Sweep.Limit)
	assert.Equal(t, int64(20), cfg.Tiers[cl.TierStarter].Bonus)
}

func TestLoadConfig_TierOverrideMerges(t *testing.T) {
	path := writeConfig(t, "ledger.toml", `
[tiers.starter]
monthly_quota = 150
bonus = 30
paid = true
`)

	cfg, err := cl.LoadConfig(path)
	require.NoError(t, err)

	want := cl.DefaultTiers()
	want[cl.TierStarter] = cl.TierPlan{MonthlyQuota: 150, Bonus: 30, Paid: true}
	assert.Equal(t, want, cfg.Tiers)
}

func TestLoadConfig_ExplicitDriverKeepsDSN(t *testing.T) {
	path := writeConfig(t, "ledger.yaml", "store:\n  driver: memory\n")

	cfg, err := cl.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cl.DriverMemory, cfg.Store.Driver)
	assert.Empty(t, cfg.Store.DSN)
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeConfig(t, "ledger.yml", "log:\n  level: warn\n")

	cfg, err := cl.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, cl.DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, cl.DefaultSQLitePath, cfg.Store.DSN)
	assert.Equal(t, cl.DefaultTiers(), cfg.Tiers)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 15*time.Minute, cfg.Sweep.StuckAfter.Duration)
	assert.Equal(t, 100, cfg.Sweep.Limit)

	assert.Equal(t, cfg, func() cl.Config {
		d := cl.DefaultConfig()
		d.Log.Level = "warn"
		return d
	}())
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{"sqlite without dsn", "a.yaml", "store:\n  driver: sqlite\n", "dsn is required"},
		{"redis without addr", "a.yaml", "store:\n  driver: redis\n", "redis_addr is required"},
		{"dynamodb without table", "a.yaml", "store:\n  driver: dynamodb\n", "dynamodb_table is required"},
		{"unknown driver", "a.yaml", "store:\n  driver: mongo\n", `invalid driver "mongo"`},
		{"bad level", "a.yaml", "log:\n  level: loud\n", `invalid level "loud"`},
		{"bad format", "a.yaml", "log:\n  format: xml\n", `invalid format "xml"`},
		{"negative limit", "a.yaml", "sweep:\n  limit: -1\n", "limit must not be negative"},
		{"bad duration", "a.yaml", "sweep:\n  stuck_after: soon\n", "parse config"},
		{"free bonus", "a.yaml", "tiers:\n  free:\n    bonus: 10\n", "bonus requires a paid tier"},
		{"negative quota", "a.toml", "[tiers.basic]\nmonthly_quota = -1\n", "negative amount"},
		{"malformed toml", "a.toml", "[store\n", "parse config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := cl.LoadConfig(writeConfig(t, tt.file, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := cl.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDuration_Text(t *testing.T) {
	var d cl.Duration
	require.NoError(t, d.UnmarshalText([]byte("1h30m")))
	assert.Equal(t, 90*time.Minute, d.Duration)

	b, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1h30m0s", string(b))

	assert.Error(t, d.UnmarshalText([]byte("ninety")))
}
