package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/randalmurphal/ingestguard/pkg/ingestguard/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	s := config.Defaults()
	require.NoError(t, s.Validate())
	assert.Equal(t, 5, s.Circuit.FailureThreshold)
	assert.Equal(t, 60*time.Second, s.Circuit.Cooldown)
	assert.Equal(t, 3, s.Circuit.HalfOpenMax)
	assert.Equal(t, 15*time.Minute, s.Worker.StaleAfter)
	assert.Equal(t, 5, s.Redrive.MaxRetryCount)
}

func TestApply(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
store_dsn: "memory://"
log_format: json
cors_origins: ["https://a.example"]
circuit:
  cooldown: 10s
retry:
  attempts: 2
  factor: 1.5
worker:
  batch_size: 5
billing:
  api_key: sk_test
`))
	require.NoError(t, err)

	s := config.Defaults().Apply(cfg)
	assert.Equal(t, "memory://", s.StoreDSN)
	assert.Equal(t, "json", s.LogFormat)
	assert.Equal(t, []string{"https://a.example"}, s.CORSOrigins)
	assert.Equal(t, 10*time.Second, s.Circuit.Cooldown)
	assert.Equal(t, 5, s.Circuit.FailureThreshold, "untouched keys keep defaults")
	assert.Equal(t, 2, s.Retry.Attempts)
	assert.Equal(t, 1.5, s.Retry.Factor)
	assert.Equal(t, 5, s.Worker.BatchSize)
	assert.Equal(t, "sk_test", s.Billing.APIKey)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"INGESTGUARD_STORE_DSN":         "sqlite:///tmp/x.db",
		"INGESTGUARD_METRICS_ENABLED":   "true",
		"INGESTGUARD_CORS_ORIGINS":      "https://a.example, https://b.example,",
		"INGESTGUARD_CIRCUIT_COOLDOWN":  "2m",
		"INGESTGUARD_RATE_LIMIT":        "0",
		"INGESTGUARD_WORKER_BATCH_SIZE": "7",
		"STRIPE_SECRET_KEY":             "sk_live",
		"GIT_COMMIT":                    "abc123",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	s, err := config.Defaults().ApplyEnv(lookup)
	require.NoError(t, err)
	assert.Equal(t, "sqlite:///tmp/x.db", s.StoreDSN)
	assert.True(t, s.MetricsEnabled)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, s.CORSOrigins)
	assert.Equal(t, 2*time.Minute, s.Circuit.Cooldown)
	assert.Equal(t, 0, s.RateLimit.Limit)
	assert.Equal(t, 7, s.Worker.BatchSize)
	assert.Equal(t, "sk_live", s.Billing.APIKey)
	assert.Equal(t, "abc123", s.Version)
}

func TestApplyEnv_InvalidValues(t *testing.T) {
	env := map[string]string{
		"INGESTGUARD_WORKER_BATCH_SIZE": "many",
		"INGESTGUARD_CIRCUIT_COOLDOWN":  "soon",
	}
	_, err := config.Defaults().ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	require.Error(t, err)
	assert.ErrorContains(t, err, "INGESTGUARD_WORKER_BATCH_SIZE")
	assert.ErrorContains(t, err, "INGESTGUARD_CIRCUIT_COOLDOWN")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Settings)
		want   string
	}{
		{"empty dsn", func(s *config.Settings) { s.StoreDSN = "" }, "store_dsn"},
		{"bad level", func(s *config.Settings) { s.LogLevel = "loud" }, "log_level"},
		{"bad format", func(s *config.Settings) { s.LogFormat = "xml" }, "log_format"},
		{"zero threshold", func(s *config.Settings) { s.Circuit.FailureThreshold = 0 }, "failure_threshold"},
		{"zero half open", func(s *config.Settings) { s.Circuit.HalfOpenMax = 0 }, "half_open_max"},
		{"zero attempts", func(s *config.Settings) { s.Retry.Attempts = 0 }, "retry.attempts"},
		{"window", func(s *config.Settings) { s.RateLimit.Window = 0 }, "rate_limit.window"},
		{"batch", func(s *config.Settings) { s.Worker.BatchSize = 0 }, "worker.batch_size"},
		{"redrive", func(s *config.Settings) { s.Redrive.MaxRetryCount = 0 }, "max_retry_count"},
		{"downstream", func(s *config.Settings) { s.DownstreamURL = "not a url" }, "downstream_url"},
		{"billing", func(s *config.Settings) {
			s.Billing.APIKey = "k"
			s.Billing.Endpoint = ""
		}, "billing.endpoint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := config.Defaults()
			tt.mutate(&s)
			assert.ErrorContains(t, s.Validate(), tt.want)
		})
	}

	s := config.Defaults()
	s.RateLimit = config.RateLimitSettings{}
	assert.NoError(t, s.Validate(), "a disabled rate limit needs no window")
}

func TestLoadSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ingestguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: \":7000\"\nworker:\n  batch_size: 3\n"), 0o600))
	t.Setenv("INGESTGUARD_WORKER_BATCH_SIZE", "9")

	s, err := config.LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", s.ListenAddr)
	assert.Equal(t, 9, s.Worker.BatchSize, "environment wins over the file")

	_, err = config.LoadSettings(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	t.Setenv("INGESTGUARD_LOG_FORMAT", "xml")
	_, err = config.LoadSettings("")
	assert.ErrorContains(t, err, "log_format")
}
