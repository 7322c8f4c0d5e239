// Package guard gates access to the paid content-generation service.
//
// For every user it enforces three invariants: at most one generation in
// flight at a time, identical requests inside a short window answered
// from cache without re-invoking the upstream service, and exactly one
// credit decrement per successful generation. The in-flight lock and the
// response cache are process-local; in a multi-instance deployment the
// mutual-exclusion guarantee holds per instance only, while the credit
// balance stays consistent through the store's atomic decrement.
package guard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/studyforge/studyforge/internal/config"
	"github.com/studyforge/studyforge/pkg/events"
	"github.com/studyforge/studyforge/pkg/metrics"
	"github.com/studyforge/studyforge/pkg/models"
	"go.uber.org/zap"
)

// UsageStore is the durable metered-usage store. DecrementOne must be
// atomic at the store level; the guard never does read-modify-write on
// the balance.
type UsageStore interface {
	Get(ctx context.Context, userID string) (models.UsageRecord, bool, error)
	CreateDefault(ctx context.Context, userID string) (models.UsageRecord, error)
	DecrementOne(ctx context.Context, userID string) (models.UsageRecord, error)
}

// Generator produces study materials from document text. Calls may take
// seconds and fail transiently.
type Generator interface {
	Generate(ctx context.Context, content string) (models.StudyMaterials, error)
}

type cacheEntry struct {
	materials models.StudyMaterials
	createdAt time.Time
}

// Guard owns the per-user in-flight locks and the response cache.
// Construct one per process; tests construct isolated instances.
type Guard struct {
	store    UsageStore
	gen      Generator
	logger   *zap.Logger
	bus      *events.Bus
	cacheTTL time.Duration
	timeout  time.Duration
	now      func() time.Time

	mu        sync.Mutex
	inflight  map[string]struct{}
	responses map[string]cacheEntry
}

// NewGuard creates a usage guard. bus may be nil.
func NewGuard(store UsageStore, gen Generator, bus *events.Bus, logger *zap.Logger, cfg config.GuardConfig) *Guard {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	timeout := cfg.GenerationTimeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &Guard{
		store:     store,
		gen:       gen,
		logger:    logger,
		bus:       bus,
		cacheTTL:  ttl,
		timeout:   timeout,
		now:       time.Now,
		inflight:  make(map[string]struct{}),
		responses: make(map[string]cacheEntry),
	}
}

// RequestGeneration admits at most one concurrent generation per user,
// serves repeats from cache, and meters exactly one credit per success.
// All internal errors are converted to an Outcome; nothing escapes, so
// the lock can never be left held.
func (g *Guard) RequestGeneration(ctx context.Context, userID, content string) Outcome {
	if userID == "" {
		return g.finish("", failedOutcome(ReasonInvalidInput, "user id is required"))
	}
	if strings.TrimSpace(content) == "" {
		return g.finish(userID, failedOutcome(ReasonInvalidInput, "content must be non-empty"))
	}

	// Lock check-and-set is atomic: a concurrent call for the same user
	// observes Busy deterministically once acquisition completes.
	if !g.tryAcquire(userID) {
		return g.finish(userID, busyOutcome())
	}
	// Release on every exit path, including panics below.
	defer g.release(userID)

	key := fingerprint(userID, content)
	if m, ok := g.cacheLookup(key); ok {
		g.publish(events.EventGenerationCacheHit, userID, nil)
		return g.finish(userID, cacheHitOutcome(m))
	}

	rec, err := g.loadRecord(ctx, userID)
	if err != nil {
		g.logger.Error("usage store unavailable",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return g.finish(userID, failedOutcome(ReasonStoreUnavailable, "usage store unavailable"))
	}

	now := g.now()
	rec = rec.Normalize(now)
	if !rec.Unlimited(now) && rec.UsesRemaining <= 0 {
		g.publish(events.EventQuotaExhausted, userID, map[string]interface{}{
			"plan_kind": string(rec.PlanKind),
		})
		return g.finish(userID, quotaExceededOutcome())
	}

	genCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := g.now()
	materials, err := g.invoke(genCtx, content)
	metrics.GenerationDuration.Observe(g.now().Sub(start).Seconds())

	if err != nil {
		reason := ReasonUpstreamError
		if errors.Is(err, context.DeadlineExceeded) {
			reason = ReasonTimeout
		}
		g.logger.Warn("generation failed",
			zap.String("user_id", userID),
			zap.String("reason", string(reason)),
			zap.Error(err),
		)
		g.publish(events.EventGenerationFailed, userID, map[string]interface{}{
			"reason": string(reason),
		})
		return g.finish(userID, failedOutcome(reason, err.Error()))
	}
	if materials.Empty() {
		g.publish(events.EventGenerationFailed, userID, map[string]interface{}{
			"reason": string(ReasonMalformedOutput),
		})
		return g.finish(userID, failedOutcome(ReasonMalformedOutput, "generation produced no usable content"))
	}

	// Charge before caching: if the decrement fails the result is not
	// cached, so a retry cannot obtain it for free.
	updated, err := g.store.DecrementOne(ctx, userID)
	if err != nil {
		g.logger.Error("failed to decrement credit",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return g.finish(userID, failedOutcome(ReasonStoreUnavailable, "failed to record credit use"))
	}
	metrics.CreditsSpentTotal.Inc()

	g.cacheStore(key, materials)

	g.publish(events.EventGenerationCompleted, userID, map[string]interface{}{
		"questions":         len(materials.Questions),
		"credits_remaining": updated.UsesRemaining,
	})
	return g.finish(userID, successOutcome(materials, updated.UsesRemaining))
}

// tryAcquire marks the user as in flight; false if already held.
func (g *Guard) tryAcquire(userID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, held := g.inflight[userID]; held {
		return false
	}
	g.inflight[userID] = struct{}{}
	return true
}

func (g *Guard) release(userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inflight, userID)
}

// cacheLookup returns a live entry, evicting it if expired. Expiry is
// lazy; no background sweeper runs.
func (g *Guard) cacheLookup(key string) (models.StudyMaterials, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.responses[key]
	if !ok {
		return models.StudyMaterials{}, false
	}
	if g.now().Sub(entry.createdAt) > g.cacheTTL {
		delete(g.responses, key)
		metrics.ResponseCacheEntries.Set(float64(len(g.responses)))
		return models.StudyMaterials{}, false
	}
	return entry.materials, true
}

// cacheStore inserts a fresh entry and opportunistically sweeps any
// expired ones, bounding memory without a timer.
func (g *Guard) cacheStore(key string, m models.StudyMaterials) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for k, entry := range g.responses {
		if now.Sub(entry.createdAt) > g.cacheTTL {
			delete(g.responses, k)
		}
	}
	g.responses[key] = cacheEntry{materials: m, createdAt: now}
	metrics.ResponseCacheEntries.Set(float64(len(g.responses)))
}

func (g *Guard) loadRecord(ctx context.Context, userID string) (models.UsageRecord, error) {
	rec, found, err := g.store.Get(ctx, userID)
	if err != nil {
		return models.UsageRecord{}, fmt.Errorf("get usage record: %w", err)
	}
	if found {
		return rec, nil
	}
	rec, err = g.store.CreateDefault(ctx, userID)
	if err != nil {
		return models.UsageRecord{}, fmt.Errorf("create default usage record: %w", err)
	}
	return rec, nil
}

// invoke calls the generator, converting a panic into an error so the
// deferred lock release still runs and no request leaves the lock held.
func (g *Guard) invoke(ctx context.Context, content string) (m models.StudyMaterials, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("generator panicked: %v", r)
		}
	}()
	return g.gen.Generate(ctx, content)
}

func (g *Guard) publish(eventType events.EventType, userID string, payload map[string]interface{}) {
	if g.bus == nil {
		return
	}
	g.bus.Publish(context.Background(), events.NewEvent(eventType, userID, payload))
}

func (g *Guard) finish(userID string, out Outcome) Outcome {
	metrics.RecordOutcome(string(out.Kind))
	g.logger.Debug("generation request finished",
		zap.String("user_id", userID),
		zap.String("outcome", string(out.Kind)),
	)
	return out
}
