package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/JakeFAU/msgbridge/internal/config"
	"github.com/JakeFAU/msgbridge/internal/hash/sha256"
	"github.com/JakeFAU/msgbridge/internal/job"
	"github.com/JakeFAU/msgbridge/internal/metrics"
	"github.com/JakeFAU/msgbridge/internal/ratelimit"
	"github.com/JakeFAU/msgbridge/internal/telemetry"
)

const enqueueTimeout = 5 * time.Second

// Enqueuer hands accepted jobs to the worker pool. *dispatcher.Dispatcher satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, item job.Item) error
}

// Deps groups the collaborators the HTTP handlers call into.
type Deps struct {
	Jobs      job.Store
	Blobs     job.BlobStore
	Queue     Enqueuer
	IDs       job.IDGenerator
	Clock     job.Clock
	Readiness *Readiness
	// Limiter is optional; nil disables rate limiting.
	Limiter ratelimit.Limiter
}

// Server wires HTTP handlers to the dispatcher and stores.
type Server struct {
	router    chi.Router
	jobs      job.Store
	blobs     job.BlobStore
	queue     Enqueuer
	idGen     job.IDGenerator
	clock     job.Clock
	readiness *Readiness
	hasher    *sha256.Hasher
	cfg       config.Config
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	readiness := deps.Readiness
	if readiness == nil {
		readiness = NewReadiness()
	}
	s := &Server{
		jobs:      deps.Jobs,
		blobs:     deps.Blobs,
		queue:     deps.Queue,
		idGen:     deps.IDs,
		clock:     deps.Clock,
		readiness: readiness,
		hasher:    sha256.New(),
		cfg:       cfg,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(telemetry.RouteMiddleware)

	// Probes and scraping stay outside auth and rate limiting.
	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		if deps.Limiter != nil {
			keyFn := ratelimit.ClientKey
			if cfg.Auth.Enabled {
				keyFn = ratelimit.ClientKeyFunc(cfg.Auth.APIKeys)
			}
			r.Use(ratelimit.Middleware(deps.Limiter, keyFn, retryAfterSeconds(cfg.RateLimit), logger))
		}
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKeys))
		}
		if cfg.Server.RequestTimeout > 0 {
			r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
		}

		r.Route("/v1", func(r chi.Router) {
			r.Post("/uploads", s.createUpload)
			r.Route("/exports", func(r chi.Router) {
				r.Post("/", s.createExport)
				r.Route("/{job_id}", func(r chi.Router) {
					r.Get("/", s.getExport)
					r.Get("/download", s.downloadExport)
				})
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	browser := s.readiness.Snapshot()
	code := http.StatusOK
	if browser.State != StateReady {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":  browser.State,
		"browser": browser,
	})
}

// retryAfterSeconds approximates how long a rejected caller should back off.
func retryAfterSeconds(cfg config.RateLimitConfig) int {
	if cfg.Backend == "redis" && cfg.Window > 0 {
		return int((cfg.Window + time.Second - 1) / time.Second)
	}
	if cfg.RPS > 0 && cfg.RPS < 1 {
		return int(1/cfg.RPS + 0.5)
	}
	return 1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
