package app

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mvasko/medscribe/internal/asr"
	"github.com/mvasko/medscribe/internal/eventlog"
	"github.com/mvasko/medscribe/internal/httpapi"
	"github.com/mvasko/medscribe/internal/jobs"
	"github.com/mvasko/medscribe/internal/metrics"
	"github.com/mvasko/medscribe/internal/store"
)

type App struct {
	cfg        Config
	logger     *log.Logger
	db         *pgxpool.Pool
	store      *store.Store
	eventLog   *eventlog.Logger
	metrics    *metrics.Metrics
	provider   asr.Provider
	httpClient *http.Client // Shared HTTP client with connection pooling for the ASR REST endpoints
}

func New(cfg Config, logger *log.Logger) (*App, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}

	s := store.New(db)
	el := eventlog.New(db)

	// Migrations are applied externally by the CI deploy job (docker exec psql).
	// No automatic migration runner at startup.

	// Shared HTTP client with connection pooling for the batch transcription
	// and language detection endpoints.
	httpClient := &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10, // Deepgram is single host
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}

	var provider asr.Provider
	if cfg.DeepgramAPIKey != "" {
		provider = asr.NewDeepgram(cfg.DeepgramAPIKey, httpClient, logger)
	}

	return &App{
		cfg:        cfg,
		logger:     logger,
		db:         db,
		store:      s,
		eventLog:   el,
		metrics:    metrics.NewMetrics(),
		provider:   provider,
		httpClient: httpClient,
	}, nil
}

// Router builds the HTTP handler and returns it with the session registry
// used for graceful draining.
func (a *App) Router() (http.Handler, *httpapi.SessionRegistry) {
	routerCfg := httpapi.RouterConfig{
		PublicBaseURL:         a.cfg.PublicBaseURL,
		DeepgramAPIKey:        a.cfg.DeepgramAPIKey,
		OpenAIAPIKey:          a.cfg.OpenAIAPIKey,
		JWTSecret:             a.cfg.JWTSecret,
		JWTExpiry:             a.cfg.JWTExpiry,
		MaxSessionsPerAccount: a.cfg.MaxSessionsPerAccount,
		FindingsMinInterval:   a.cfg.FindingsMinInterval,
		APNsKeyPath:           a.cfg.APNsKeyPath,
		APNsKeyID:             a.cfg.APNsKeyID,
		APNsTeamID:            a.cfg.APNsTeamID,
		APNsBundleID:          a.cfg.APNsBundleID,
		APNsProduction:        a.cfg.APNsProduction,
	}
	router, handler := httpapi.NewRouter(routerCfg, a.logger, a.store, a.eventLog, a.provider, a.metrics)
	return handler, router.Registry()
}

// SessionReaper builds the background job that closes abandoned sessions.
func (a *App) SessionReaper() *jobs.SessionReaperJob {
	return jobs.NewSessionReaperJob(a.store, a.eventLog, a.metrics, a.logger, a.cfg.SessionMaxAge, a.cfg.SessionReapInterval)
}

func (a *App) Close() error {
	if a.db != nil {
		a.db.Close()
	}
	return nil
}
