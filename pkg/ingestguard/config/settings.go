package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "INGESTGUARD_"

// Settings is the full runtime configuration.
type Settings struct {
	ListenAddr     string
	StoreDSN       string
	LogLevel       string
	LogFormat      string
	MetricsEnabled bool
	CORSOrigins    []string
	DownstreamURL  string
	Version        string

	Circuit   CircuitSettings
	Retry     RetrySettings
	RateLimit RateLimitSettings
	Worker    WorkerSettings
	Redrive   RedriveSettings
	Billing   BillingSettings
}

// CircuitSettings configures every circuit breaker.
type CircuitSettings struct {
	FailureThreshold int
	Cooldown         time.Duration
	HalfOpenMax      int
}

// RetrySettings configures the retry executor around remote calls.
type RetrySettings struct {
	Attempts  int
	BaseDelay time.Duration
	Factor    float64
}

// RateLimitSettings caps ingest requests per tenant. Limit 0 disables it.
type RateLimitSettings struct {
	Limit  int
	Window time.Duration
}

// WorkerSettings configures the background queue worker.
type WorkerSettings struct {
	BatchSize  int
	Interval   time.Duration
	StaleAfter time.Duration
}

// RedriveSettings configures the background dead-letter redrive.
type RedriveSettings struct {
	MaxRetryCount int
	BatchSize     int
	Interval      time.Duration
}

// BillingSettings points the usage recorder at the billing API. An empty
// APIKey disables usage recording.
type BillingSettings struct {
	Endpoint string
	APIKey   string
}

// Defaults returns the built-in settings.
func Defaults() Settings {
	return Settings{
		ListenAddr: ":8080",
		StoreDSN:   "ingestguard.db",
		LogLevel:   "info",
		LogFormat:  "text",
		Version:    "dev",
		Circuit: CircuitSettings{
			FailureThreshold: 5,
			Cooldown:         60 * time.Second,
			HalfOpenMax:      3,
		},
		Retry: RetrySettings{
			Attempts:  5,
			BaseDelay: 100 * time.Millisecond,
			Factor:    2,
		},
		RateLimit: RateLimitSettings{
			Limit:  600,
			Window: time.Minute,
		},
		Worker: WorkerSettings{
			BatchSize:  25,
			Interval:   5 * time.Second,
			StaleAfter: 15 * time.Minute,
		},
		Redrive: RedriveSettings{
			MaxRetryCount: 5,
			BatchSize:     50,
			Interval:      5 * time.Minute,
		},
		Billing: BillingSettings{
			Endpoint: "https://api.stripe.com/v1",
		},
	}
}

// Apply overlays the values present in c onto s.
func (s Settings) Apply(c Config) Settings {
	s.ListenAddr = c.String("listen_addr", s.ListenAddr)
	s.StoreDSN = c.String("store_dsn", s.StoreDSN)
	s.LogLevel = c.String("log_level", s.LogLevel)
	s.LogFormat = c.String("log_format", s.LogFormat)
	s.MetricsEnabled = c.Bool("metrics_enabled", s.MetricsEnabled)
	s.CORSOrigins = c.StringSlice("cors_origins", s.CORSOrigins)
	s.DownstreamURL = c.String("downstream_url", s.DownstreamURL)
	s.Version = c.String("version", s.Version)

	circuit := c.Section("circuit")
	s.Circuit.FailureThreshold = circuit.Int("failure_threshold", s.Circuit.FailureThreshold)
	s.Circuit.Cooldown = circuit.Duration("cooldown", s.Circuit.Cooldown)
	s.Circuit.HalfOpenMax = circuit.Int("half_open_max", s.Circuit.HalfOpenMax)

	retry := c.Section("retry")
	s.Retry.Attempts = retry.Int("attempts", s.Retry.Attempts)
	s.Retry.BaseDelay = retry.Duration("base_delay", s.Retry.BaseDelay)
	s.Retry.Factor = retry.Float("factor", s.Retry.Factor)

	rl := c.Section("rate_limit")
	s.RateLimit.Limit = rl.Int("limit", s.RateLimit.Limit)
	s.RateLimit.Window = rl.Duration("window", s.RateLimit.Window)

	worker := c.Section("worker")
	s.Worker.BatchSize = worker.Int("batch_size", s.Worker.BatchSize)
	s.Worker.Interval = worker.Duration("interval", s.Worker.Interval)
	s.Worker.StaleAfter = worker.Duration("stale_after", s.Worker.StaleAfter)

	redrive := c.Section("redrive")
	s.Redrive.MaxRetryCount = redrive.Int("max_retry_count", s.Redrive.MaxRetryCount)
	s.Redrive.BatchSize = redrive.Int("batch_size", s.Redrive.BatchSize)
	s.Redrive.Interval = redrive.Duration("interval", s.Redrive.Interval)

	billing := c.Section("billing")
	s.Billing.Endpoint = billing.String("endpoint", s.Billing.Endpoint)
	s.Billing.APIKey = billing.String("api_key", s.Billing.APIKey)
	return s
}

// LoadSettings builds Settings from defaults, then the optional file at path,
// then INGESTGUARD_* environment variables. A .env file in the working
// directory is loaded first if present; it never overrides variables that
// are already set.
func LoadSettings(path string) (Settings, error) {
	_ = godotenv.Load()

	s := Defaults()
	if path != "" {
		c, err := FromFile(path)
		if err != nil {
			return Settings{}, err
		}
		s = s.Apply(c)
	}

	s, err := s.ApplyEnv(os.LookupEnv)
	if err != nil {
		return Settings{}, err
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

type envVar struct {
	name  string
	apply func(s *Settings, v string) error
}

func envString(dst func(*Settings) *string) func(*Settings, string) error {
	return func(s *Settings, v string) error {
		*dst(s) = v
		return nil
	}
}

func envInt(dst func(*Settings) *int) func(*Settings, string) error {
	return func(s *Settings, v string) error {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*dst(s) = n
		return nil
	}
}

func envDuration(dst func(*Settings) *time.Duration) func(*Settings, string) error {
	return func(s *Settings, v string) error {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*dst(s) = d
		return nil
	}
}

var envVars = []envVar{
	{"LISTEN_ADDR", envString(func(s *Settings) *string { return &s.ListenAddr })},
	{"STORE_DSN", envString(func(s *Settings) *string { return &s.StoreDSN })},
	{"LOG_LEVEL", envString(func(s *Settings) *string { return &s.LogLevel })},
	{"LOG_FORMAT", envString(func(s *Settings) *string { return &s.LogFormat })},
	{"DOWNSTREAM_URL", envString(func(s *Settings) *string { return &s.DownstreamURL })},
	{"VERSION", envString(func(s *Settings) *string { return &s.Version })},
	{"BILLING_ENDPOINT", envString(func(s *Settings) *string { return &s.Billing.Endpoint })},
	{"BILLING_API_KEY", envString(func(s *Settings) *string { return &s.Billing.APIKey })},
	{"METRICS_ENABLED", func(s *Settings, v string) error {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		s.MetricsEnabled = b
		return nil
	}},
	{"CORS_ORIGINS", func(s *Settings, v string) error {
		s.CORSOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				s.CORSOrigins = append(s.CORSOrigins, o)
			}
		}
		return nil
	}},
	{"CIRCUIT_FAILURE_THRESHOLD", envInt(func(s *Settings) *int { return &s.Circuit.FailureThreshold })},
	{"CIRCUIT_COOLDOWN", envDuration(func(s *Settings) *time.Duration { return &s.Circuit.Cooldown })},
	{"CIRCUIT_HALF_OPEN_MAX", envInt(func(s *Settings) *int { return &s.Circuit.HalfOpenMax })},
	{"RETRY_ATTEMPTS", envInt(func(s *Settings) *int { return &s.Retry.Attempts })},
	{"RETRY_BASE_DELAY", envDuration(func(s *Settings) *time.Duration { return &s.Retry.BaseDelay })},
	{"RATE_LIMIT", envInt(func(s *Settings) *int { return &s.RateLimit.Limit })},
	{"RATE_LIMIT_WINDOW", envDuration(func(s *Settings) *time.Duration { return &s.RateLimit.Window })},
	{"WORKER_BATCH_SIZE", envInt(func(s *Settings) *int { return &s.Worker.BatchSize })},
	{"WORKER_INTERVAL", envDuration(func(s *Settings) *time.Duration { return &s.Worker.Interval })},
	{"WORKER_STALE_AFTER", envDuration(func(s *Settings) *time.Duration { return &s.Worker.StaleAfter })},
	{"REDRIVE_MAX_RETRY_COUNT", envInt(func(s *Settings) *int { return &s.Redrive.MaxRetryCount })},
	{"REDRIVE_BATCH_SIZE", envInt(func(s *Settings) *int { return &s.Redrive.BatchSize })},
	{"REDRIVE_INTERVAL", envDuration(func(s *Settings) *time.Duration { return &s.Redrive.Interval })},
}

// ApplyEnv overlays INGESTGUARD_* variables found by lookup. GIT_COMMIT and
// STRIPE_SECRET_KEY are honored as fallbacks for the version and billing key.
func (s Settings) ApplyEnv(lookup func(string) (string, bool)) (Settings, error) {
	if v, ok := lookup("GIT_COMMIT"); ok && v != "" {
		s.Version = v
	}
	if v, ok := lookup("STRIPE_SECRET_KEY"); ok && v != "" {
		s.Billing.APIKey = v
	}

	var errs []error
	for _, ev := range envVars {
		v, ok := lookup(EnvPrefix + ev.name)
		if !ok {
			continue
		}
		if err := ev.apply(&s, v); err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, ev.name, err))
		}
	}
	return s, errors.Join(errs...)
}

// Validate reports every invalid field.
func (s Settings) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(s.ListenAddr != "", "listen_addr is required")
	check(s.StoreDSN != "", "store_dsn is required")
	switch strings.ToLower(s.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		check(false, "log_level %q is not one of debug, info, warn, error", s.LogLevel)
	}
	check(s.LogFormat == "text" || s.LogFormat == "json", "log_format %q is not text or json", s.LogFormat)

	check(s.Circuit.FailureThreshold >= 1, "circuit.failure_threshold must be at least 1")
	check(s.Circuit.Cooldown >= 0, "circuit.cooldown must not be negative")
	check(s.Circuit.HalfOpenMax >= 1, "circuit.half_open_max must be at least 1")
	check(s.Retry.Attempts >= 1, "retry.attempts must be at least 1")
	check(s.Retry.BaseDelay >= 0, "retry.base_delay must not be negative")
	check(s.Retry.Factor >= 1, "retry.factor must be at least 1")
	check(s.RateLimit.Limit >= 0, "rate_limit.limit must not be negative")
	check(s.RateLimit.Limit == 0 || s.RateLimit.Window > 0, "rate_limit.window must be positive")
	check(s.Worker.BatchSize >= 1, "worker.batch_size must be at least 1")
	check(s.Worker.Interval > 0, "worker.interval must be positive")
	check(s.Worker.StaleAfter > 0, "worker.stale_after must be positive")
	check(s.Redrive.MaxRetryCount >= 1, "redrive.max_retry_count must be at least 1")
	check(s.Redrive.BatchSize >= 1, "redrive.batch_size must be at least 1")
	check(s.Redrive.Interval > 0, "redrive.interval must be positive")

	if s.DownstreamURL != "" {
		u, err := url.Parse(s.DownstreamURL)
		check(err == nil && u.Scheme != "" && u.Host != "", "downstream_url %q is not an absolute URL", s.DownstreamURL)
	}
	if s.Billing.APIKey != "" {
		check(s.Billing.Endpoint != "", "billing.endpoint is required when billing.api_key is set")
	}
	return errors.Join(errs...)
}
