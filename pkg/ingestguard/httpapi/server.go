// Package httpapi exposes ingestion, worker, redrive and billing operations
// over HTTP.
//
// Every JSON response is an envelope: {"ok":true,"data":...} with status 200,
// or {"ok":false,"error":"...","code":"..."} with a 4xx or 5xx status. Each
// route also answers GET <route>/health with a plain-text "ok".
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/randalmurphal/ingestguard/pkg/ingestguard/deadletter"
	igerrors "github.com/randalmurphal/ingestguard/pkg/ingestguard/errors"
	"github.com/randalmurphal/ingestguard/pkg/ingestguard/ingest"
	"github.com/randalmurphal/ingestguard/pkg/ingestguard/observability"
	"github.com/randalmurphal/ingestguard/pkg/ingestguard/queue"
	"github.com/randalmurphal/ingestguard/pkg/ingestguard/remote"
)

// DefaultMaxBodyBytes caps request bodies.
const DefaultMaxBodyBytes = 1 << 20

// Function names used in logs. Webhook routes use ingest.FnFor.
const (
	fnWorker  = queue.WorkerFn
	fnRedrive = "cron/retry-deadletters"
	fnBilling = "billing/usage-record"
)

// UsageRecorder records metered usage with the billing API.
type UsageRecorder interface {
	Record(ctx context.Context, rec remote.UsageRecord) (json.RawMessage, error)
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the components the routes drive. Usage may be nil, in which case
// the billing route reports that billing is not configured.
type Deps struct {
	Gateway  *ingest.Gateway
	Worker   *queue.Worker
	Redriver *deadletter.Redriver
	Usage    UsageRecorder
	Health   Pinger
	Logger   *slog.Logger
}

// Config tunes the routes.
type Config struct {
	// Version is reported by GET /health.
	Version string

	// CORSOrigins enables CORS for the listed origins. Empty disables CORS.
	CORSOrigins []string

	// WorkerBatchSize is the default for ?batch= on the worker route.
	WorkerBatchSize int

	// RedriveMaxRetryCount and RedriveBatchSize bound one redrive pass.
	RedriveMaxRetryCount int
	RedriveBatchSize     int

	// MaxBodyBytes caps request bodies. Zero means DefaultMaxBodyBytes.
	MaxBodyBytes int64
}

type server struct {
	Deps
	cfg Config
}

// NewRouter builds the HTTP handler.
func NewRouter(deps Deps, cfg Config) http.Handler {
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.WorkerBatchSize <= 0 {
		cfg.WorkerBatchSize = queue.DefaultBatchSize
	}
	if cfg.RedriveMaxRetryCount <= 0 {
		cfg.RedriveMaxRetryCount = deadletter.DefaultMaxRetryCount
	}
	if cfg.RedriveBatchSize <= 0 {
		cfg.RedriveBatchSize = deadletter.DefaultBatchSize
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	s := &server{Deps: deps, cfg: cfg}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type",
				HeaderCorrelationID, HeaderTenantID, HeaderIdempotencyKey},
			ExposedHeaders: []string{HeaderCorrelationID},
		}))
	}
	r.Use(requestContext)

	r.Get("/health", s.health)
	for _, route := range []struct {
		path    string
		handler http.HandlerFunc
	}{
		{"/webhooks/{provider}", s.webhook},
		{"/orchestrate/lead-intake", s.leadIntake},
		{"/workers/process-lead", s.processLead},
		{"/cron/retry-deadletters", s.retryDeadLetters},
		{"/billing/usage-record", s.usageRecord},
	} {
		r.Post(route.path, route.handler)
		r.Get(route.path+"/health", routeHealth)
	}
	return r
}

func routeHealth(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, "ok")
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	if s.Health != nil {
		if err := s.Health.Ping(r.Context()); err != nil {
			if s.Logger != nil {
				s.Logger.Error("health check failed", slog.String("error", err.Error()))
			}
			writeText(w, http.StatusServiceUnavailable, fmt.Sprintf("ingestguard: unavailable :: %s", s.cfg.Version))
			return
		}
	}
	writeText(w, http.StatusOK, fmt.Sprintf("ingestguard: ok :: %s", s.cfg.Version))
}

func (s *server) log(r *http.Request, fn, tenant string) *slog.Logger {
	return observability.EnrichLogger(s.Logger, fn, CorrelationID(r.Context()), tenant)
}

func (s *server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, igerrors.Validation("body", fmt.Sprintf("exceeds %d bytes", tooLarge.Limit))
		}
		return nil, igerrors.Validation("body", "unreadable")
	}
	return body, nil
}

type webhookResponse struct {
	Deduped bool   `json:"deduped,omitempty"`
	Queued  bool   `json:"queued,omitempty"`
	EventID string `json:"eventId,omitempty"`
}

func (s *server) webhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	tenant := tenantOr(r.Context(), "")
	log := s.log(r, ingest.FnFor(provider), tenant)

	body, err := s.readBody(w, r)
	if err != nil {
		writeError(w, r, log, "webhook_rejected", err)
		return
	}
	res, err := s.Gateway.Ingest(r.Context(), ingest.Request{
		Tenant:        tenant,
		Provider:      provider,
		ExternalID:    r.Header.Get(HeaderIdempotencyKey),
		Body:          body,
		CorrelationID: CorrelationID(r.Context()),
	})
	if err != nil {
		writeError(w, r, log, "webhook_failed", err)
		return
	}
	if res.Deduped {
		writeOK(w, webhookResponse{Deduped: true})
		return
	}
	writeOK(w, webhookResponse{Queued: true, EventID: res.EventID})
}

type leadIntakeResponse struct {
	Accepted      bool   `json:"accepted"`
	Deduped       bool   `json:"deduped,omitempty"`
	CorrelationID string `json:"correlationId"`
}

func (s *server) leadIntake(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		writeError(w, r, s.log(r, ingest.LeadIntakeFn, tenantOr(r.Context(), "")), "lead_intake_failed", err)
		return
	}

	// Malformed bodies are rejected by the gateway; here we only need the
	// optional tenant.
	var hint struct {
		TenantID string `json:"tenant_id"`
	}
	_ = json.Unmarshal(body, &hint)
	tenant := tenantOr(r.Context(), hint.TenantID)
	log := s.log(r, ingest.LeadIntakeFn, tenant)

	res, err := s.Gateway.Ingest(r.Context(), ingest.Request{
		Tenant:        tenant,
		Provider:      ingest.LeadProvider,
		ExternalID:    r.Header.Get(HeaderIdempotencyKey),
		Body:          body,
		Source:        "api",
		CorrelationID: CorrelationID(r.Context()),
	})
	if err != nil {
		writeError(w, r, log, "lead_intake_failed", err)
		return
	}
	writeOK(w, leadIntakeResponse{
		Accepted:      true,
		Deduped:       res.Deduped,
		CorrelationID: CorrelationID(r.Context()),
	})
}

func (s *server) processLead(w http.ResponseWriter, r *http.Request) {
	log := s.log(r, fnWorker, "")

	batch := s.cfg.WorkerBatchSize
	if raw := strings.TrimSpace(r.URL.Query().Get("batch")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, log, "batch_rejected", igerrors.Validation("batch", "must be a positive integer"))
			return
		}
		batch = n
	}

	res, err := s.Worker.ProcessBatch(r.Context(), batch)
	if err != nil {
		writeError(w, r, log, "batch_failed", err)
		return
	}
	writeOK(w, res)
}

func (s *server) retryDeadLetters(w http.ResponseWriter, r *http.Request) {
	n, err := s.Redriver.Redrive(r.Context(), s.cfg.RedriveMaxRetryCount, s.cfg.RedriveBatchSize)
	if err != nil {
		writeError(w, r, s.log(r, fnRedrive, ""), "redrive_failed", err)
		return
	}
	writeOK(w, map[string]int{"retried": n})
}

func (s *server) usageRecord(w http.ResponseWriter, r *http.Request) {
	log := s.log(r, fnBilling, tenantOr(r.Context(), ""))
	if s.Usage == nil {
		writeError(w, r, log, "usage_record_failed", remote.ErrBillingNotConfigured)
		return
	}

	body, err := s.readBody(w, r)
	if err != nil {
		writeError(w, r, log, "usage_record_failed", err)
		return
	}
	var rec remote.UsageRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		writeError(w, r, log, "usage_record_failed", igerrors.Validation("body", "malformed JSON"))
		return
	}

	usage, err := s.Usage.Record(r.Context(), rec)
	if err != nil {
		writeError(w, r, log, "usage_record_failed", err)
		return
	}
	if log != nil {
		log.Info("usage_recorded", slog.String("subscription_item", rec.SubscriptionItem))
	}
	writeOK(w, map[string]json.RawMessage{"usage": usage})
}
