package routes

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tokensale/crypto"
	"tokensale/gateway/idempotency"
	"tokensale/gateway/middleware"
	"tokensale/observability"
	"tokensale/storage/audit"
)

// Rate limit groups.
const (
	RateLimitRead  = "read"
	RateLimitWrite = "write"
)

type Config struct {
	Engine        SaleEngine
	Events        EventLog
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	Idempotency   *idempotency.Guard
	CORS          middleware.CORSConfig
	Logger        *slog.Logger
}

func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("routes: sale engine required")
	}
	if cfg.Authenticator == nil {
		return nil, errors.New("routes: authenticator required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{engine: cfg.Engine, events: cfg.Events, logger: logger, metrics: observability.Sale()}

	r := chi.NewRouter()
	r.Use(middleware.CORS(cfg.CORS))
	obs := cfg.Observability
	if obs != nil {
		r.Use(obs.Middleware)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if obs != nil {
		r.Handle("/metrics", obs.MetricsHandler())
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/v1", func(v1 chi.Router) {
		v1.Group(func(read chi.Router) {
			if cfg.RateLimiter != nil {
				read.Use(cfg.RateLimiter.Middleware(RateLimitRead))
			}
			read.Use(h.logRequests)
			read.Get("/sale", h.getSale)
			read.Get("/buyers/{address}", h.getBuyer)
			read.Get("/buyers/{address}/bonus/{cap}", h.getBonus)
			read.Get("/accounts/{address}", h.getAccount)
			read.Get("/events", h.listEvents)
		})
		v1.Group(func(write chi.Router) {
			if cfg.RateLimiter != nil {
				write.Use(cfg.RateLimiter.Middleware(RateLimitWrite))
			}
			write.Use(cfg.Authenticator.RequireSignature)
			if cfg.Idempotency != nil {
				write.Use(cfg.Idempotency.Middleware)
			}
			write.Use(h.logRequests)
			write.Post("/whitelist", h.submitWhitelist)
			write.Post("/purchases/signature", h.buyWithSignature)
			write.Post("/purchases/bonus", h.buyWithBonus)
			write.Post("/payments", h.receivePayment)
			write.Post("/abort", h.abort)
			write.Post("/refund", h.settle("refund", cfg.Engine.WithdrawRefund))
			write.Post("/claim", h.settle("claim", cfg.Engine.ClaimTokens))
			write.Post("/retrieve", h.retrieve)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, http.StatusNotFound, "not_found", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", http.StatusText(http.StatusMethodNotAllowed))
	})
	return r, nil
}

type auditRecorder struct {
	http.ResponseWriter
	status int
	code   string
}

func (a *auditRecorder) WriteHeader(code int) {
	a.status = code
	a.ResponseWriter.WriteHeader(code)
}

func (a *auditRecorder) setErrorCode(code string) { a.code = code }

// logRequests appends every request to the audit request log.
func (h *handlers) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.events == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		recorder := &auditRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		entry := audit.RequestEntry{
			RequestID: middleware.RequestIDFromContext(r.Context()),
			Method:    r.Method,
			Path:      r.URL.Path,
			Status:    recorder.status,
			Code:      recorder.code,
			Duration:  time.Since(start),
			Timestamp: start,
		}
		if principal, ok := middleware.PrincipalFromContext(r.Context()); ok {
			entry.Caller = crypto.FormatAddress(principal.Address)
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 2*time.Second)
		defer cancel()
		if err := h.events.RecordRequest(ctx, entry); err != nil {
			h.logger.Warn("request log append failed", slog.Any("error", err))
		}
	})
}
