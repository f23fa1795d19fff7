package httpapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mvasko/medscribe/internal/asr"
	"github.com/mvasko/medscribe/internal/eventlog"
	"github.com/mvasko/medscribe/internal/extract"
	"github.com/mvasko/medscribe/internal/findings"
	"github.com/mvasko/medscribe/internal/metrics"
	"github.com/mvasko/medscribe/internal/note"
	"github.com/mvasko/medscribe/internal/notifications"
	"github.com/mvasko/medscribe/internal/store"
)

type RouterConfig struct {
	PublicBaseURL string

	// ASR provider
	DeepgramAPIKey string

	// Server-side extraction
	OpenAIAPIKey string

	// JWT Authentication
	JWTSecret string
	JWTExpiry time.Duration

	// Per-account limits
	MaxSessionsPerAccount int
	FindingsMinInterval   time.Duration

	// APNs Push Notifications
	APNsKeyPath    string
	APNsKeyID      string
	APNsTeamID     string
	APNsBundleID   string
	APNsProduction bool
}

// SessionStore is the storage surface the gateway needs. *store.Store
// implements it; tests substitute fakes.
type SessionStore interface {
	CreateSession(ctx context.Context, patientID, accountID, languageMode, language string) (store.Session, error)
	GetSession(ctx context.Context, id string) (store.Session, error)
	SetDetectedLanguage(ctx context.Context, id, language string) error
	UpdateSessionState(ctx context.Context, id, state string) error
	FinalizeSession(ctx context.Context, id string, at time.Time) (bool, error)
	InsertSegment(ctx context.Context, sessionID string, seg store.Segment) error
	ListSegments(ctx context.Context, sessionID string) ([]store.Segment, error)
	AppendFinding(ctx context.Context, f findings.Finding) error
	VerifyConsent(ctx context.Context, patientID string) (bool, error)
	SaveNote(ctx context.Context, sessionID string, n note.LiveNote) error
	GetNote(ctx context.Context, sessionID string) (note.LiveNote, error)
}

type Router struct {
	cfg           RouterConfig
	logger        *log.Logger
	store         SessionStore
	eventLog      *eventlog.Logger
	apns          *notifications.APNsClient
	metrics       *metrics.Metrics
	provider      asr.Provider
	extractor     extract.Extractor
	findingSource string
	throttler     *findings.Throttler
	registry      *SessionRegistry
	mux           *http.ServeMux
}

func NewRouter(cfg RouterConfig, logger *log.Logger, s SessionStore, eventLog *eventlog.Logger, provider asr.Provider, m *metrics.Metrics) (*Router, http.Handler) {
	// Initialize APNs client (may be nil if not configured)
	apnsClient, err := notifications.NewAPNsClient(notifications.APNsConfig{
		KeyPath:    cfg.APNsKeyPath,
		KeyID:      cfg.APNsKeyID,
		TeamID:     cfg.APNsTeamID,
		BundleID:   cfg.APNsBundleID,
		Production: cfg.APNsProduction,
	}, logger)
	if err != nil {
		logger.Printf("Warning: APNs client initialization failed: %v", err)
	}

	// Findings record which extractor produced them, so a lexicon-only
	// deployment is distinguishable from model output in the audit trail.
	var extractor extract.Extractor
	findingSource := findings.SourceServer
	if cfg.OpenAIAPIKey != "" {
		extractor = extract.NewOpenAIExtractor(extract.OpenAIConfig{APIKey: cfg.OpenAIAPIKey})
	} else {
		extractor = extract.NewHeuristic(nil, nil)
		findingSource = findings.SourceHeuristic
	}

	r := &Router{
		cfg:           cfg,
		logger:        logger,
		store:         s,
		eventLog:      eventLog,
		apns:          apnsClient,
		metrics:       m,
		provider:      provider,
		extractor:     extractor,
		findingSource: findingSource,
		throttler:     findings.NewThrottler(s, cfg.FindingsMinInterval, logger),
		registry:      NewSessionRegistry(cfg.MaxSessionsPerAccount),
		mux:           http.NewServeMux(),
	}

	r.routes()
	return r, withSentryRecovery(withCORS(r.withHTTPMetrics(r.mux)))
}

func (r *Router) routes() {
	// Health check and metrics
	r.mux.HandleFunc("GET /healthz", r.handleHealthz)
	r.mux.Handle("GET /metrics", promhttp.Handler())

	// Duplex session stream (JWT in Authorization header)
	r.mux.HandleFunc("GET /stream", r.withAuth(r.handleSessionWS))

	// Session API (protected)
	r.mux.HandleFunc("POST /api/sessions", r.withAuth(r.handleCreateSession))
	r.mux.HandleFunc("GET /api/sessions/{id}", r.withAuth(r.handleGetSession))
	r.mux.HandleFunc("GET /api/sessions/{id}/segments", r.withAuth(r.handleListSegments))
	r.mux.HandleFunc("GET /api/sessions/{id}/note", r.withAuth(r.handleGetNote))
	r.mux.HandleFunc("POST /api/sessions/{id}/pause", r.withAuth(r.handlePauseSession))
	r.mux.HandleFunc("POST /api/sessions/{id}/resume", r.withAuth(r.handleResumeSession))
	r.mux.HandleFunc("POST /api/sessions/{id}/finalize", r.withAuth(r.handleFinalizeSession))

	// Offline fallback upload (protected)
	r.mux.HandleFunc("POST /api/sessions/{id}/audio", r.withAuth(r.handleAudioUpload))

	// Capture client support (protected)
	r.mux.HandleFunc("GET /api/consents/{patientID}", r.withAuth(r.handleGetConsent))
	r.mux.HandleFunc("POST /api/detect-language", r.withAuth(r.handleDetectLanguage))
}

// Registry exposes the session registry for graceful shutdown.
func (r *Router) Registry() *SessionRegistry {
	return r.registry
}

func (r *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

// statusRecorder captures the response code for metrics labelling.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// withHTTPMetrics records request counts and latency per route pattern.
// The stream endpoint is excluded: hijacked connections live for the
// whole session and would distort the latency histogram.
func (r *Router) withHTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if r.metrics == nil || req.URL.Path == "/stream" {
			next.ServeHTTP(w, req)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, req)
		pattern := req.Pattern
		if pattern == "" {
			pattern = "unmatched"
		}
		r.metrics.RecordHTTPRequest(req.Method, pattern, strconv.Itoa(rec.status), time.Since(start).Seconds())
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func nowUTC() time.Time { return time.Now().UTC() }

// captureError sends an error to Sentry with request context
func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}
