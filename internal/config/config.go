// Package config loads walletd settings from the environment.
//
// Every variable carries the QAZNA_ prefix. A .env file in the working
// directory (or the file named by QAZNA_ENV_FILE) is read first and never
// overrides variables that are already set.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap/zapcore"

	"qazna.org/wallet/internal/exchange"
)

const prefix = "QAZNA_"

// Config is the full runtime configuration of walletd.
type Config struct {
	HTTPAddr string
	GRPCAddr string
	LogLevel zapcore.Level

	PGDSN       string
	LockTimeout time.Duration
	TxRetries   int

	RedisAddr string
	RateTTL   time.Duration
	RateURL   string
	Rates     exchange.Static

	KafkaBrokers []string
	KafkaTopic   string

	FeeCollector string
	// Directory selects recipient resolution: DirectoryIdentity or DirectoryPG.
	Directory string

	AcquirerRate    float64
	AcquirerBurst   int
	AcquirerLimit   decimal.Decimal
	AcquirerTimeout time.Duration

	ExpireEvery time.Duration
	ExpireAfter time.Duration
	ExpireBatch int

	RateLimitPerSecond int
	RateLimitBurst     int
}

// Load reads the environment, applies defaults and validates the result.
func Load() (Config, error) {
	file := os.Getenv(prefix + "ENV_FILE")
	if file == "" {
		file = ".env"
	}
	if err := godotenv.Load(file); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", file, err)
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from an arbitrary variable source.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	r := reader{lookup: lookup}
	cfg := Config{
		HTTPAddr: r.str("HTTP_ADDR", ":8080"),
		GRPCAddr: r.str("GRPC_ADDR", ":9090"),

		PGDSN:       r.str("PG_DSN", ""),
		LockTimeout: r.duration("PG_LOCK_TIMEOUT", 5*time.Second),
		TxRetries:   r.int("PG_TX_RETRIES", 3),

		RedisAddr: r.str("REDIS_ADDR", ""),
		RateTTL:   r.duration("FX_CACHE_TTL", 5*time.Minute),
		RateURL:   r.str("FX_PROVIDER_URL", ""),

		KafkaBrokers: r.list("KAFKA_BROKERS"),
		KafkaTopic:   r.str("KAFKA_TOPIC", "ledger.entries"),

		FeeCollector: r.str("FEE_COLLECTOR", ""),
		Directory:    strings.ToLower(r.str("DIRECTORY", DirectoryIdentity)),

		AcquirerRate:    r.float("ACQUIRER_RPS", 20),
		AcquirerBurst:   r.int("ACQUIRER_BURST", 5),
		AcquirerLimit:   r.amount("ACQUIRER_LIMIT", decimal.NewFromInt(10000)),
		AcquirerTimeout: r.duration("ACQUIRER_TIMEOUT", 10*time.Second),

		ExpireEvery: r.duration("EXPIRE_EVERY", time.Minute),
		ExpireAfter: r.duration("EXPIRE_AFTER", 24*time.Hour),
		ExpireBatch: r.int("EXPIRE_BATCH", 100),

		RateLimitPerSecond: r.int("RATE_LIMIT_RPS", 50),
		RateLimitBurst:     r.int("RATE_LIMIT_BURST", 100),
	}

	level := r.str("LOG_LEVEL", "info")
	if err := cfg.LogLevel.UnmarshalText([]byte(level)); err != nil {
		r.fail("LOG_LEVEL", err)
	}
	if raw := r.str("FX_RATES", ""); raw != "" {
		rates, err := exchange.ParseStatic(raw)
		if err != nil {
			r.fail("FX_RATES", err)
		}
		cfg.Rates = rates
	}
	if len(r.errs) > 0 {
		return Config{}, errors.Join(r.errs...)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Recipient directories.
const (
	// DirectoryIdentity takes every recipient identifier as a user id.
	DirectoryIdentity = "identity"
	// DirectoryPG maps aliases through the recipient_aliases table.
	DirectoryPG = "pg"
)

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	var errs []error
	if c.PGDSN == "" {
		errs = append(errs, errors.New(prefix+"PG_DSN is required"))
	}
	if c.TxRetries < 1 {
		errs = append(errs, errors.New(prefix+"PG_TX_RETRIES must be at least 1"))
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		errs = append(errs, errors.New(prefix+"KAFKA_TOPIC is required with brokers"))
	}
	if c.AcquirerRate <= 0 || c.AcquirerBurst < 1 {
		errs = append(errs, errors.New(prefix+"ACQUIRER_RPS and ACQUIRER_BURST must be positive"))
	}
	if c.AcquirerLimit.IsNegative() {
		errs = append(errs, errors.New(prefix+"ACQUIRER_LIMIT must not be negative"))
	}
	if c.AcquirerTimeout <= 0 {
		errs = append(errs, errors.New(prefix+"ACQUIRER_TIMEOUT must be positive"))
	}
	if c.ExpireEvery < 0 || c.ExpireAfter <= 0 {
		errs = append(errs, errors.New(prefix+"EXPIRE_AFTER must be positive"))
	}
	if c.Directory != DirectoryIdentity && c.Directory != DirectoryPG {
		errs = append(errs, fmt.Errorf(prefix+"DIRECTORY must be %q or %q", DirectoryIdentity, DirectoryPG))
	}
	if c.RateLimitPerSecond < 1 || c.RateLimitBurst < 1 {
		errs = append(errs, errors.New(prefix+"RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive"))
	}
	return errors.Join(errs...)
}

type reader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (r *reader) raw(key string) (string, bool) {
	v, ok := r.lookup(prefix + key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (r *reader) fail(key string, err error) {
	r.errs = append(r.errs, fmt.Errorf("%s%s: %w", prefix, key, err))
}

func (r *reader) str(key, def string) string {
	if v, ok := r.raw(key); ok {
		return v
	}
	return def
}

func (r *reader) int(key string, def int) int {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, err)
		return def
	}
	return n
}

func (r *reader) float(key string, def float64) float64 {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.fail(key, err)
		return def
	}
	return f
}

func (r *reader) amount(key string, def decimal.Decimal) decimal.Decimal {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		r.fail(key, err)
		return def
	}
	return d
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(key, err)
		return def
	}
	return d
}

func (r *reader) list(key string) []string {
	v, ok := r.raw(key)
	if !ok {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
