// Package gateway is the HTTP surface of the service: authentication,
// rate limiting, the generation endpoint, usage lookup, billing
// webhooks and operational endpoints.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/studyforge/studyforge/internal/billing"
	"github.com/studyforge/studyforge/internal/config"
	"github.com/studyforge/studyforge/internal/guard"
	"github.com/studyforge/studyforge/pkg/cache"
	"github.com/studyforge/studyforge/pkg/database"
	"github.com/studyforge/studyforge/pkg/events"
	"github.com/studyforge/studyforge/pkg/models"
	"go.uber.org/zap"
)

// maxDocumentBytes caps the request body for the generation endpoint.
const maxDocumentBytes = 1 << 20

// GenerationService is the guard's entry point as the gateway sees it.
type GenerationService interface {
	RequestGeneration(ctx context.Context, userID, content string) guard.Outcome
}

// UsageReader serves the read-only usage endpoint.
type UsageReader interface {
	Get(ctx context.Context, userID string) (models.UsageRecord, bool, error)
}

// Gateway handles API requests
type Gateway struct {
	db             *database.Database
	cache          *cache.Cache
	logger         *zap.Logger
	authenticator  *Authenticator
	rateLimiter    *RateLimiter
	router         *chi.Mux
	webhookHandler *billing.WebhookHandler
	guard          GenerationService
	usage          UsageReader
	eventBus       *events.Bus
	freeCredits    int
}

// NewGateway creates a new API gateway
func NewGateway(db *database.Database, cacheClient *cache.Cache, logger *zap.Logger, guardSvc GenerationService, usage UsageReader, webhookHandler *billing.WebhookHandler, eventBus *events.Bus, cfg config.GuardConfig) *Gateway {
	g := &Gateway{
		db:             db,
		cache:          cacheClient,
		logger:         logger,
		authenticator:  NewAuthenticator(db, cacheClient, logger),
		rateLimiter:    NewRateLimiter(cacheClient, logger, cfg.RateLimitPerMin),
		router:         chi.NewRouter(),
		webhookHandler: webhookHandler,
		guard:          guardSvc,
		usage:          usage,
		eventBus:       eventBus,
		freeCredits:    cfg.FreePlanCredits,
	}

	g.setupRoutes()
	return g
}

// setupRoutes configures the HTTP routes
func (g *Gateway) setupRoutes() {
	// Middleware
	g.router.Use(middleware.RequestID)
	g.router.Use(middleware.RealIP)
	g.router.Use(g.loggerMiddleware)
	g.router.Use(g.metricsMiddleware)
	g.router.Use(middleware.Recoverer)
	g.router.Use(middleware.Timeout(120 * time.Second))

	// CORS
	g.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "https://*.studyforge.app"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Cache", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Metrics endpoint
	g.registerMetrics()

	// Health check (no auth required)
	g.router.Get("/health", g.handleHealth)
	g.router.Get("/ready", g.handleReady)

	// Stripe webhook endpoint (no auth - uses signature verification)
	if g.webhookHandler != nil {
		g.router.Post("/api/webhooks/stripe", g.webhookHandler.HandleWebhook)
	}

	// Authenticated API
	g.router.Group(func(r chi.Router) {
		r.Use(g.authMiddleware)
		r.Use(g.rateLimitMiddleware)

		r.Post("/v1/generate", g.handleGenerate)
		r.Get("/v1/usage", g.handleGetUsage)
	})
}

// ServeHTTP implements http.Handler
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

// StartHealthMetricsLoop periodically probes dependencies and exports
// their status as gauges. Runs until ctx is canceled.
func (g *Gateway) StartHealthMetricsLoop(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.updateHealthMetrics(ctx)
			}
		}
	}()
}

func (g *Gateway) updateHealthMetrics(ctx context.Context) {
	dbStatus := 0.0
	if err := g.db.Health(ctx); err == nil {
		dbStatus = 1.0
	}
	dependencyUp.WithLabelValues("postgres").Set(dbStatus)

	redisStatus := 0.0
	if err := g.cache.Health(ctx); err == nil {
		redisStatus = 1.0
	}
	dependencyUp.WithLabelValues("redis").Set(redisStatus)
}

// Middleware implementations

func (g *Gateway) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		g.logger.Info("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

func (g *Gateway) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			g.writeError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		ctx := r.Context()
		user, err := g.authenticator.ValidateToken(ctx, token)
		if err != nil {
			g.logger.Warn("authentication failed", zap.Error(err))
			g.writeError(w, http.StatusUnauthorized, "invalid API token")
			return
		}

		ctx = context.WithValue(ctx, userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (g *Gateway) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		user, ok := userFromContext(ctx)
		if !ok {
			g.writeError(w, http.StatusInternalServerError, "missing user in context")
			return
		}

		allowed, err := g.rateLimiter.Allow(ctx, user.ID)
		if err != nil {
			g.logger.Error("rate limit check failed", zap.Error(err))
			g.writeError(w, http.StatusInternalServerError, "rate limit check failed")
			return
		}
		if !allowed {
			g.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Handler implementations

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := g.db.Health(ctx); err != nil {
		g.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "database unavailable",
		})
		return
	}
	if err := g.cache.Health(ctx); err != nil {
		g.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "cache unavailable",
		})
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type generateRequest struct {
	Content string `json:"content"`
}

// handleGenerate runs one guarded generation for the authenticated user
// and maps the outcome to an HTTP status.
func (g *Gateway) handleGenerate(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		g.writeError(w, http.StatusInternalServerError, "missing user in context")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxDocumentBytes)
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	outcome := g.guard.RequestGeneration(r.Context(), user.ID, req.Content)

	switch outcome.Kind {
	case guard.OutcomeSuccess:
		w.Header().Set("X-Cache", "MISS")
		g.writeJSON(w, http.StatusOK, outcome)
	case guard.OutcomeCacheHit:
		w.Header().Set("X-Cache", "HIT")
		g.writeJSON(w, http.StatusOK, outcome)
	case guard.OutcomeBusy:
		w.Header().Set("Retry-After", "5")
		g.writeJSON(w, http.StatusConflict, outcome)
	case guard.OutcomeQuotaExceeded:
		g.writeJSON(w, http.StatusPaymentRequired, outcome)
	case guard.OutcomeFailed:
		g.writeJSON(w, failureStatus(outcome.Reason), outcome)
	default:
		g.logger.Error("unknown outcome kind", zap.String("kind", string(outcome.Kind)))
		g.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// failureStatus maps a failure reason to a status code. Input problems
// are the caller's fault; everything else is an upstream or internal
// condition.
func failureStatus(reason guard.FailReason) int {
	switch reason {
	case guard.ReasonInvalidInput:
		return http.StatusBadRequest
	case guard.ReasonTimeout:
		return http.StatusGatewayTimeout
	case guard.ReasonStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// handleGetUsage returns the caller's current usage record. Users who
// have never generated see the default free allocation; the record
// itself is only created on first generation.
func (g *Gateway) handleGetUsage(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		g.writeError(w, http.StatusInternalServerError, "missing user in context")
		return
	}

	rec, found, err := g.usage.Get(r.Context(), user.ID)
	if err != nil {
		g.logger.Error("failed to load usage record",
			zap.Error(err),
			zap.String("user_id", user.ID),
		)
		g.writeError(w, http.StatusInternalServerError, "failed to load usage")
		return
	}
	if !found {
		rec = models.UsageRecord{
			UserID:        user.ID,
			UsesRemaining: g.freeCredits,
			PlanKind:      models.PlanFree,
		}
	}

	g.writeJSON(w, http.StatusOK, rec)
}

// Response helpers

func (g *Gateway) writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, statusCode int, message string) {
	g.writeJSON(w, statusCode, map[string]interface{}{
		"error": map[string]string{
			"message": message,
			"type":    "invalid_request_error",
		},
	})
}
