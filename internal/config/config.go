package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/punchamoorthee/fxledger/internal/money"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	DBSource string    `yaml:"db_source"`
	DBDriver string    `yaml:"db_driver"`
	Port     string    `yaml:"port"`
	Env      string    `yaml:"environment"`
	Log      LogConfig `yaml:"log"`

	UndoCacheSize       int            `yaml:"undo_cache_size"`
	RequestIndexSize    int            `yaml:"request_index_size"`
	AllowNonZeroRemoval bool           `yaml:"allow_nonzero_removal"`
	RatePivotCurrency   string         `yaml:"rate_pivot_currency"`
	DefaultCurrencies   []CurrencySpec `yaml:"default_currencies"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// CurrencySpec is one entry of the default account set.
type CurrencySpec struct {
	Code      string `yaml:"code"`
	Precision int32  `yaml:"precision"`
}

func defaults() Config {
	return Config{
		DBDriver:            DriverPostgres,
		Port:                "8080",
		Env:                 "development",
		Log:                 LogConfig{Level: "info", Format: "json"},
		UndoCacheSize:       20000,
		RequestIndexSize:    5000,
		AllowNonZeroRemoval: true,
		RatePivotCurrency:   "RUB",
		DefaultCurrencies: []CurrencySpec{
			{Code: "USD", Precision: 2},
			{Code: "USDW", Precision: 2},
			{Code: "USDT", Precision: 2},
			{Code: "RUB", Precision: 2},
			{Code: "EUR", Precision: 2},
			{Code: "РУБПЕР", Precision: 2},
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file named
// by CONFIG_FILE, and environment variables, in increasing priority.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.readEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) readFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	if err := yaml.NewDecoder(file).Decode(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func (cfg *Config) readEnv() error {
	setString(&cfg.DBSource, "DB_SOURCE")
	setString(&cfg.DBDriver, "DB_DRIVER")
	setString(&cfg.Port, "SERVER_PORT")
	setString(&cfg.Env, "ENVIRONMENT")
	setString(&cfg.Log.Level, "LOG_LEVEL")
	setString(&cfg.Log.Format, "LOG_FORMAT")
	setString(&cfg.Log.File, "LOG_FILE")
	setString(&cfg.RatePivotCurrency, "RATE_PIVOT_CURRENCY")

	if v := os.Getenv("UNDO_CACHE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("UNDO_CACHE_SIZE: %w", err)
		}
		cfg.UndoCacheSize = n
	}
	if v := os.Getenv("REQUEST_INDEX_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REQUEST_INDEX_SIZE: %w", err)
		}
		cfg.RequestIndexSize = n
	}
	if v := os.Getenv("ALLOW_NONZERO_REMOVAL"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("ALLOW_NONZERO_REMOVAL: %w", err)
		}
		cfg.AllowNonZeroRemoval = b
	}
	if v := os.Getenv("DEFAULT_CURRENCIES"); v != "" {
		specs, err := ParseCurrencies(v)
		if err != nil {
			return fmt.Errorf("DEFAULT_CURRENCIES: %w", err)
		}
		cfg.DefaultCurrencies = specs
	}
	return nil
}

func (cfg *Config) validate() error {
	if cfg.DBSource == "" {
		return fmt.Errorf("DB_SOURCE environment variable is required")
	}
	cfg.DBDriver = strings.ToLower(strings.TrimSpace(cfg.DBDriver))
	if cfg.DBDriver != DriverPostgres && cfg.DBDriver != DriverSQLite {
		return fmt.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
	}
	if cfg.UndoCacheSize <= 0 || cfg.RequestIndexSize <= 0 {
		return fmt.Errorf("cache sizes must be positive")
	}
	pivot, err := money.NormalizeCode(cfg.RatePivotCurrency)
	if err != nil {
		return fmt.Errorf("RATE_PIVOT_CURRENCY: %w", err)
	}
	cfg.RatePivotCurrency = pivot
	for i, c := range cfg.DefaultCurrencies {
		code, err := money.NormalizeCode(c.Code)
		if err != nil {
			return fmt.Errorf("default currency %q: %w", c.Code, err)
		}
		if err := money.ValidatePrecision(c.Precision); err != nil {
			return fmt.Errorf("default currency %s: %w", code, err)
		}
		cfg.DefaultCurrencies[i].Code = code
	}
	return nil
}

// ParseCurrencies parses "USD:2,EUR:2,BTC:8". A code without ":precision"
// gets the default precision.
func ParseCurrencies(s string) ([]CurrencySpec, error) {
	var out []CurrencySpec
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		code, prec, found := strings.Cut(part, ":")
		spec := CurrencySpec{Code: strings.TrimSpace(code), Precision: money.DefaultPrecision}
		if found {
			p, err := strconv.ParseInt(strings.TrimSpace(prec), 10, 32)
			if err != nil {
				return nil, fmt.Errorf("precision of %s: %w", code, err)
			}
			spec.Precision = int32(p)
		}
		out = append(out, spec)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no currencies in %q", s)
	}
	return out, nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
