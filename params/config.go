package params

import (
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/uhyunpark/growswap/pkg/app/core/exchange"
	"github.com/uhyunpark/growswap/pkg/crypto"
	"github.com/uhyunpark/growswap/pkg/storage"
)

type Storage struct {
	Path string // empty runs on an in-memory store
	Sync bool
	// AuditLogFile receives one JSON line per settled exchange. Empty disables it.
	AuditLogFile string
}

type API struct {
	Addr        string
	CORSOrigins []string
}

type Auth struct {
	DomainName string
	ChainID    int64
	MaxAge     time.Duration
}

type Log struct {
	File    string
	Verbose bool
}

type Config struct {
	Storage  Storage
	API      API
	Auth     Auth
	Log      Log
	Exchange exchange.Config

	GenesisFile string
	CatalogFile string
}

func Default() Config {
	return Config{
		Storage: Storage{
			Path:         "data/exchange",
			AuditLogFile: "data/exchanges.log",
		},
		API: API{
			Addr:        ":8080",
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:3001"},
		},
		Auth: Auth{
			DomainName: "GrowSwap",
			ChainID:    1337,
			MaxAge:     24 * time.Hour,
		},
		Exchange: exchange.DefaultConfig(),
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v, ok := os.LookupEnv("DB_PATH"); ok {
		cfg.Storage.Path = v
	}
	cfg.Storage.Sync = getBool("DB_SYNC", cfg.Storage.Sync)
	if v, ok := os.LookupEnv("AUDIT_LOG_FILE"); ok {
		cfg.Storage.AuditLogFile = v
	}

	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.API.CORSOrigins = splitList(v)
	}

	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)
	cfg.Log.Verbose = getBool("VERBOSE", cfg.Log.Verbose)

	cfg.Auth.DomainName = getEnv("AUTH_DOMAIN", cfg.Auth.DomainName)
	cfg.Auth.ChainID = int64(getInt("AUTH_CHAIN_ID", int(cfg.Auth.ChainID)))
	cfg.Auth.MaxAge = getDuration("AUTH_MAX_AGE_SEC", time.Second, cfg.Auth.MaxAge)

	ex := &cfg.Exchange
	ex.DefaultTTL = getDuration("OFFER_DEFAULT_TTL_HOURS", time.Hour, ex.DefaultTTL)
	ex.MaxTTL = getDuration("OFFER_MAX_TTL_HOURS", time.Hour, ex.MaxTTL)
	if d := getDuration("SWEEP_INTERVAL_MS", time.Millisecond, ex.SweepInterval); d > 0 {
		ex.SweepInterval = d
	}
	ex.MaxRetries = getInt("STORE_MAX_RETRIES", ex.MaxRetries)
	ex.RetryBackoff = getDuration("STORE_RETRY_BACKOFF_MS", time.Millisecond, ex.RetryBackoff)
	ex.ListDefaultLimit = getInt("LIST_DEFAULT_LIMIT", ex.ListDefaultLimit)
	ex.ListMaxLimit = getInt("LIST_MAX_LIMIT", ex.ListMaxLimit)
	ex.HistoryDefaultLimit = getInt("HISTORY_DEFAULT_LIMIT", ex.HistoryDefaultLimit)

	cfg.GenesisFile = getEnv("GENESIS_FILE", cfg.GenesisFile)
	cfg.CatalogFile = getEnv("CATALOG_FILE", cfg.CatalogFile)

	return cfg
}

func (c Config) StorageOptions() storage.Options {
	return storage.Options{InMemory: c.Storage.Path == "", Sync: c.Storage.Sync}
}

func (c Config) Domain() crypto.Domain {
	d := crypto.DefaultDomain()
	d.Name = c.Auth.DomainName
	d.ChainID = big.NewInt(c.Auth.ChainID)
	return d
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// getDuration reads an integer count of unit.
func getDuration(key string, unit time.Duration, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return time.Duration(n) * unit
		}
	}
	return def
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
