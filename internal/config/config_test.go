package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/fxledger/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_SOURCE", "postgres://localhost/ledger")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverPostgres, cfg.DBDriver)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 20000, cfg.UndoCacheSize)
	assert.Equal(t, 5000, cfg.RequestIndexSize)
	assert.True(t, cfg.AllowNonZeroRemoval)
	assert.Equal(t, "RUB", cfg.RatePivotCurrency)
	require.Len(t, cfg.DefaultCurrencies, 6)
	assert.Equal(t, "РУБПЕР", cfg.DefaultCurrencies[5].Code)
}

func TestLoadRequiresDBSource(t *testing.T) {
	t.Setenv("DB_SOURCE", "")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DB_SOURCE", "/tmp/ledger.db")
	t.Setenv("DB_DRIVER", "SQLite")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("ALLOW_NONZERO_REMOVAL", "false")
	t.Setenv("UNDO_CACHE_SIZE", "10")
	t.Setenv("RATE_PIVOT_CURRENCY", "usd")
	t.Setenv("DEFAULT_CURRENCIES", "usd:2, btc:8,rub")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, cfg.DBDriver)
	assert.Equal(t, "9090", cfg.Port)
	assert.False(t, cfg.AllowNonZeroRemoval)
	assert.Equal(t, 10, cfg.UndoCacheSize)
	assert.Equal(t, "USD", cfg.RatePivotCurrency)
	assert.Equal(t, []CurrencySpec{
		{Code: "USD", Precision: 2},
		{Code: "BTC", Precision: 8},
		{Code: "RUB", Precision: 2},
	}, cfg.DefaultCurrencies)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db_source: postgres://file/ledger
port: "7000"
log:
  level: debug
request_index_size: 42
default_currencies:
  - code: eur
    precision: 2
`), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("DB_SOURCE", "")
	t.Setenv("SERVER_PORT", "7001")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://file/ledger", cfg.DBSource)
	assert.Equal(t, "7001", cfg.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 42, cfg.RequestIndexSize)
	assert.Equal(t, 20000, cfg.UndoCacheSize)
	assert.Equal(t, []CurrencySpec{{Code: "EUR", Precision: 2}}, cfg.DefaultCurrencies)
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string][2]string{
		"driver":    {"DB_DRIVER", "mysql"},
		"bool":      {"ALLOW_NONZERO_REMOVAL", "maybe"},
		"size":      {"REQUEST_INDEX_SIZE", "lots"},
		"precision": {"DEFAULT_CURRENCIES", "USD:9"},
		"code":      {"DEFAULT_CURRENCIES", "US-D:2"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("DB_SOURCE", "x")
			t.Setenv(kv[0], kv[1])
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestValidateWrapsDomainErrors(t *testing.T) {
	t.Setenv("DB_SOURCE", "x")
	t.Setenv("DEFAULT_CURRENCIES", "USD:12")
	_, err := Load()
	assert.ErrorIs(t, err, domain.ErrInvalidPrecision)
}
