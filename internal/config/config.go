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
)

const (
	defaultAppName         = "TwendePay"
	defaultAppEnv          = "development"
	defaultPort            = "8080"
	defaultLogLevel        = "info"
	defaultShutdownDelay   = 10 * time.Second
	defaultIdempotencyTTL  = 24 * time.Hour
	idemTTLSecondsEnvVar   = "IDEMPOTENCY_TTL_SECONDS"
	idemTTLDurEnvVar       = "IDEMPOTENCY_TTL"
	shutdownSecondsEnvVar  = "SHUTDOWN_TIMEOUT_SECONDS"
	shutdownDurationEnvVar = "SHUTDOWN_TIMEOUT"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	InstanceID     string
	DatabaseURL    string
	DatabaseConns  int
	RedisURL       string
	ApplySchema    bool
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration

	AdminAPIKey    string
	CallbackSecret string

	Mpesa    Mpesa
	USSD     USSD
	Payout   Payout
	FeeCache time.Duration

	ReconcileInterval time.Duration
	ReconcileAge      time.Duration

	PinMaxFailures int
	PinLockWindow  time.Duration
}

// Mpesa holds Daraja credentials. SecurityCredential wins over
// CertPath+InitiatorPassword when both are set.
type Mpesa struct {
	Environment        string
	BaseURL            string
	ConsumerKey        string
	ConsumerSecret     string
	ShortCode          string
	Passkey            string
	PayoutShortCode    string
	InitiatorName      string
	SecurityCredential string
	CertPath           string
	InitiatorPassword  string
	CallbackBaseURL    string
	Timeout            time.Duration
	STKTimeout         time.Duration
}

// USSD holds the gateway settings and amount bands.
type USSD struct {
	ServiceCode       string
	FareMin           decimal.Decimal
	FareMax           decimal.Decimal
	WithdrawMin       decimal.Decimal
	WithdrawMax       decimal.Decimal
	RequestsPerMinute int
}

// Payout configures the payout worker.
type Payout struct {
	Stream        string
	Group         string
	Consumers     int
	MaxAttempts   int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	Lease         time.Duration
	SweepInterval time.Duration
	SweepBatch    int
}

// Load reads configuration values from the environment and populates a Config instance.
// A .env file in the working directory is loaded first when present.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	host, _ := os.Hostname()
	p := &parser{}
	cfg := Config{
		AppName:        getEnv("APP_NAME", defaultAppName),
		AppEnv:         getEnv("APP_ENV", defaultAppEnv),
		Port:           getEnv("PORT", defaultPort),
		LogLevel:       strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		InstanceID:     getEnv("INSTANCE_ID", host),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		DatabaseConns:  p.int("DATABASE_MAX_CONNS", 10),
		RedisURL:       os.Getenv("REDIS_URL"),
		ApplySchema:    p.bool("APPLY_SCHEMA", true),
		ShutdownPeriod: defaultShutdownDelay,
		IdempotencyTTL: defaultIdempotencyTTL,

		AdminAPIKey:    os.Getenv("ADMIN_API_KEY"),
		CallbackSecret: os.Getenv("CALLBACK_SECRET"),

		Mpesa: Mpesa{
			Environment:        getEnv("MPESA_ENV", "sandbox"),
			BaseURL:            os.Getenv("MPESA_BASE_URL"),
			ConsumerKey:        os.Getenv("MPESA_CONSUMER_KEY"),
			ConsumerSecret:     os.Getenv("MPESA_CONSUMER_SECRET"),
			ShortCode:          os.Getenv("MPESA_SHORTCODE"),
			Passkey:            os.Getenv("MPESA_PASSKEY"),
			PayoutShortCode:    os.Getenv("MPESA_B2C_SHORTCODE"),
			InitiatorName:      os.Getenv("MPESA_INITIATOR_NAME"),
			SecurityCredential: os.Getenv("MPESA_SECURITY_CREDENTIAL"),
			CertPath:           os.Getenv("MPESA_CERT_PATH"),
			InitiatorPassword:  os.Getenv("MPESA_INITIATOR_PASSWORD"),
			CallbackBaseURL:    strings.TrimSuffix(os.Getenv("MPESA_CALLBACK_BASE_URL"), "/"),
			Timeout:            p.duration("MPESA_TIMEOUT", 30*time.Second),
			STKTimeout:         p.duration("MPESA_STK_TIMEOUT", 15*time.Second),
		},
		USSD: USSD{
			ServiceCode:       getEnv("USSD_SERVICE_CODE", "*384#"),
			FareMin:           p.decimal("FARE_MIN", "10"),
			FareMax:           p.decimal("FARE_MAX", "1000"),
			WithdrawMin:       p.decimal("WITHDRAW_MIN", "10"),
			WithdrawMax:       p.decimal("WITHDRAW_MAX", "70000"),
			RequestsPerMinute: p.int("USSD_RATE_LIMIT_PER_MIN", 30),
		},
		Payout: Payout{
			Stream:        getEnv("PAYOUT_STREAM", "stream:payouts"),
			Group:         getEnv("PAYOUT_GROUP", "payout_cg"),
			Consumers:     p.int("PAYOUT_CONSUMERS", 2),
			MaxAttempts:   p.int("PAYOUT_MAX_ATTEMPTS", 5),
			BaseBackoff:   p.duration("PAYOUT_BASE_BACKOFF", 30*time.Second),
			MaxBackoff:    p.duration("PAYOUT_MAX_BACKOFF", 30*time.Minute),
			Lease:         p.duration("PAYOUT_LEASE", 2*time.Minute),
			SweepInterval: p.duration("PAYOUT_SWEEP_INTERVAL", time.Minute),
			SweepBatch:    p.int("PAYOUT_SWEEP_BATCH", 50),
		},
		FeeCache: p.duration("FEE_CACHE_TTL", time.Minute),

		ReconcileInterval: p.duration("RECONCILE_INTERVAL", 5*time.Minute),
		ReconcileAge:      p.duration("RECONCILE_AGE", 2*time.Minute),

		PinMaxFailures: p.int("PIN_MAX_FAILURES", 5),
		PinLockWindow:  p.duration("PIN_LOCK_WINDOW", 15*time.Minute),
	}

	if v := os.Getenv(shutdownSecondsEnvVar); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", shutdownSecondsEnvVar, err)
		}
		cfg.ShutdownPeriod = time.Duration(seconds) * time.Second
	} else if v := os.Getenv(shutdownDurationEnvVar); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", shutdownDurationEnvVar, err)
		}
		cfg.ShutdownPeriod = d
	}

	if v := os.Getenv(idemTTLSecondsEnvVar); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", idemTTLSecondsEnvVar, err)
		}
		cfg.IdempotencyTTL = time.Duration(seconds) * time.Second
	} else if v := os.Getenv(idemTTLDurEnvVar); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", idemTTLDurEnvVar, err)
		}
		cfg.IdempotencyTTL = d
	}

	if p.err != nil {
		return Config{}, p.err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	if !c.IsDev() {
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("DATABASE_URL must be set"))
		}
		if c.RedisURL == "" {
			errs = append(errs, fmt.Errorf("REDIS_URL must be set"))
		}
		if c.CallbackSecret == "" {
			errs = append(errs, fmt.Errorf("CALLBACK_SECRET must be set"))
		}
	}
	if c.USSD.FareMin.GreaterThan(c.USSD.FareMax) {
		errs = append(errs, fmt.Errorf("FARE_MIN exceeds FARE_MAX"))
	}
	if c.USSD.WithdrawMin.GreaterThan(c.USSD.WithdrawMax) {
		errs = append(errs, fmt.Errorf("WITHDRAW_MIN exceeds WITHDRAW_MAX"))
	}
	if c.Payout.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("PAYOUT_MAX_ATTEMPTS must be at least 1"))
	}
	return errors.Join(errs...)
}

// IsDev reports whether the service runs in a local environment, where
// Postgres and Redis may be absent and in-memory stores are used instead.
func (c Config) IsDev() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// parser collects typed lookups and keeps the first error.
type parser struct {
	err error
}

func (p *parser) fail(key string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
	}
}

func (p *parser) int(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, err)
		return fallback
	}
	return n
}

func (p *parser) bool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, err)
		return fallback
	}
	return b
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, err)
		return fallback
	}
	return d
}

func (p *parser) decimal(key, fallback string) decimal.Decimal {
	v := getEnv(key, fallback)
	d, err := decimal.NewFromString(v)
	if err != nil {
		p.fail(key, err)
		return decimal.RequireFromString(fallback)
	}
	return d
}
