// Package billing processes Stripe webhook events that feed the
// metered-usage store: credit-pack purchases and subscription lifecycle
// changes. Checkout and customer management happen on Stripe's side;
// this package only consumes the confirmations.
package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
	"github.com/studyforge/studyforge/pkg/cache"
	"github.com/studyforge/studyforge/pkg/database"
	"github.com/studyforge/studyforge/pkg/events"
	"github.com/studyforge/studyforge/pkg/metrics"
	"github.com/studyforge/studyforge/pkg/models"
	"go.uber.org/zap"
)

const (
	webhookProcessedTTL  = 24 * time.Hour
	webhookProcessingTTL = 5 * time.Minute

	defaultCreditPackSize = 50
)

// PlanStore is the slice of the usage store the webhook handler needs.
type PlanStore interface {
	AddCredits(ctx context.Context, userID string, n int) (models.UsageRecord, error)
	SetPlan(ctx context.Context, userID string, kind models.PlanKind, expiresAt *time.Time) (models.UsageRecord, error)
}

// WebhookHandler processes Stripe webhook events for payment
// confirmation. All events are verified against the signing secret, and
// processing is idempotent per Stripe event ID: Redis-backed when a
// cache is configured, in-memory otherwise.
type WebhookHandler struct {
	webhookSecret  string
	store          PlanStore
	db             *database.Database
	cache          *cache.Cache
	logger         *zap.Logger
	eventBus       *events.Bus
	creditPackSize int

	// processedEvents is the in-memory idempotency fallback used when
	// no cache is configured (tests, single-instance deployments).
	processedEvents map[string]time.Time
	mu              sync.Mutex
}

// NewWebhookHandler creates a Stripe webhook handler. store, db, cache
// and eventBus may be nil in tests; signature verification needs none
// of them.
func NewWebhookHandler(webhookSecret string, store PlanStore, db *database.Database, cacheClient *cache.Cache, logger *zap.Logger, eventBus *events.Bus, creditPackSize int) *WebhookHandler {
	if creditPackSize <= 0 {
		creditPackSize = defaultCreditPackSize
	}
	return &WebhookHandler{
		webhookSecret:   webhookSecret,
		store:           store,
		db:              db,
		cache:           cacheClient,
		logger:          logger,
		eventBus:        eventBus,
		creditPackSize:  creditPackSize,
		processedEvents: make(map[string]time.Time),
	}
}

// HandleWebhook is the endpoint for all Stripe webhook events. It
// verifies the signature, deduplicates by event ID, routes to the
// per-type handler, and answers 200 for unknown event types so Stripe
// can add new ones without breaking delivery.
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Error("failed to read webhook body", zap.Error(err))
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	event, err := webhook.ConstructEvent(body, signature, h.webhookSecret)
	if err != nil {
		h.logger.Warn("webhook signature verification failed",
			zap.Error(err),
		)
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "bad_signature").Inc()
		http.Error(w, "Invalid signature", http.StatusBadRequest)
		return
	}

	lockAcquired, err := h.reserveEvent(ctx, event.ID)
	if err != nil {
		h.logger.Error("failed to reserve webhook event",
			zap.Error(err),
			zap.String("event_id", event.ID),
		)
		http.Error(w, "Failed to reserve event", http.StatusInternalServerError)
		return
	}
	if !lockAcquired {
		h.logger.Info("webhook event already in progress or processed",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
		)
		w.WriteHeader(http.StatusOK)
		return
	}

	var handlerErr error
	defer func() {
		h.finalizeEvent(ctx, event.ID, handlerErr == nil)
	}()

	h.logger.Info("processing webhook event",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.Time("created", time.Unix(event.Created, 0)),
	)

	switch event.Type {
	case "checkout.session.completed":
		handlerErr = h.handleCheckoutCompleted(ctx, event)
	case "customer.subscription.created", "customer.subscription.updated":
		handlerErr = h.handleSubscriptionChanged(ctx, event)
	case "customer.subscription.deleted":
		handlerErr = h.handleSubscriptionDeleted(ctx, event)
	case "payment_intent.payment_failed":
		handlerErr = h.handlePaymentFailed(ctx, event)
	default:
		h.logger.Info("received unknown webhook event type",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
		)
	}

	if handlerErr != nil {
		h.logger.Error("webhook event processing failed",
			zap.Error(handlerErr),
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
		)
		metrics.WebhookEventsTotal.WithLabelValues(string(event.Type), "error").Inc()
		http.Error(w, "Event processing failed", http.StatusInternalServerError)
		return
	}

	metrics.WebhookEventsTotal.WithLabelValues(string(event.Type), "ok").Inc()

	if err := h.markEventProcessed(ctx, event); err != nil {
		// Event was handled; the audit row can be missed without
		// failing the delivery.
		h.logger.Error("failed to persist webhook event",
			zap.Error(err),
			zap.String("event_id", event.ID),
		)
	}

	w.WriteHeader(http.StatusOK)
}

// handleCheckoutCompleted fulfils one-time credit-pack purchases. The
// checkout session is created with the user ID as client_reference_id
// and an optional "credits" metadata override.
func (h *WebhookHandler) handleCheckoutCompleted(ctx context.Context, event stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("failed to unmarshal checkout session: %w", err)
	}

	if session.Mode == stripe.CheckoutSessionModeSubscription {
		// Plan state is driven by the subscription events.
		return nil
	}

	userID := session.ClientReferenceID
	if userID == "" {
		return fmt.Errorf("checkout session %s missing client_reference_id", session.ID)
	}

	credits := h.creditPackSize
	if raw, ok := session.Metadata["credits"]; ok {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return fmt.Errorf("checkout session %s has invalid credits metadata %q", session.ID, raw)
		}
		credits = parsed
	}

	rec, err := h.store.AddCredits(ctx, userID, credits)
	if err != nil {
		return fmt.Errorf("failed to grant credits: %w", err)
	}
	metrics.CreditsGrantedTotal.Add(float64(credits))

	h.logger.Info("credit pack fulfilled",
		zap.String("user_id", userID),
		zap.Int("credits", credits),
		zap.Int("balance", rec.UsesRemaining),
		zap.String("session_id", session.ID),
	)

	h.publish(events.EventCreditsGranted, userID, map[string]interface{}{
		"credits": credits,
		"balance": rec.UsesRemaining,
	})
	return nil
}

// handleSubscriptionChanged applies subscription state to the plan. An
// active or trialing subscription grants the unlimited plan until the
// current period end; any non-active status drops the user to free.
func (h *WebhookHandler) handleSubscriptionChanged(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("failed to unmarshal subscription: %w", err)
	}

	userID := sub.Metadata["user_id"]
	if userID == "" {
		return fmt.Errorf("subscription %s missing user_id metadata", sub.ID)
	}

	var rec models.UsageRecord
	var err error
	if subscriptionGrantsUnlimited(sub.Status) {
		periodEnd := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		rec, err = h.store.SetPlan(ctx, userID, models.PlanUnlimited, &periodEnd)
	} else {
		rec, err = h.store.SetPlan(ctx, userID, models.PlanFree, nil)
	}
	if err != nil {
		return fmt.Errorf("failed to apply subscription state: %w", err)
	}

	h.logger.Info("subscription state applied",
		zap.String("user_id", userID),
		zap.String("subscription_id", sub.ID),
		zap.String("stripe_status", string(sub.Status)),
		zap.String("plan_kind", string(rec.PlanKind)),
	)

	h.publish(events.EventPlanChanged, userID, map[string]interface{}{
		"plan_kind":       string(rec.PlanKind),
		"subscription_id": sub.ID,
	})
	return nil
}

// handleSubscriptionDeleted downgrades the user to the free plan.
func (h *WebhookHandler) handleSubscriptionDeleted(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("failed to unmarshal subscription: %w", err)
	}

	userID := sub.Metadata["user_id"]
	if userID == "" {
		return fmt.Errorf("subscription %s missing user_id metadata", sub.ID)
	}

	rec, err := h.store.SetPlan(ctx, userID, models.PlanFree, nil)
	if err != nil {
		return fmt.Errorf("failed to downgrade plan: %w", err)
	}

	h.logger.Info("subscription canceled - user downgraded",
		zap.String("user_id", userID),
		zap.String("subscription_id", sub.ID),
		zap.Int("balance", rec.UsesRemaining),
	)

	h.publish(events.EventPlanChanged, userID, map[string]interface{}{
		"plan_kind":       string(models.PlanFree),
		"subscription_id": sub.ID,
	})
	return nil
}

// handlePaymentFailed logs the failure and notifies subscribers. The
// plan itself is only changed when Stripe moves the subscription out of
// active status.
func (h *WebhookHandler) handlePaymentFailed(ctx context.Context, event stripe.Event) error {
	var paymentIntent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &paymentIntent); err != nil {
		return fmt.Errorf("failed to unmarshal payment intent: %w", err)
	}

	h.logger.Warn("payment failed",
		zap.String("payment_intent_id", paymentIntent.ID),
		zap.Int64("amount", paymentIntent.Amount),
		zap.String("currency", string(paymentIntent.Currency)),
	)

	h.publish(events.EventPaymentFailed, "", map[string]interface{}{
		"payment_intent_id": paymentIntent.ID,
		"amount":            paymentIntent.Amount,
	})
	return nil
}

// reserveEvent acquires the idempotency lock for an event ID.
func (h *WebhookHandler) reserveEvent(ctx context.Context, eventID string) (bool, error) {
	if h.cache != nil {
		return h.cache.SetNX(ctx, h.cacheKeyForEvent(eventID), "processing", webhookProcessingTTL)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.cleanupExpiredEvents(time.Now())
	if _, exists := h.processedEvents[eventID]; exists {
		return false, nil
	}
	h.processedEvents[eventID] = time.Now()
	return true, nil
}

// finalizeEvent settles the idempotency marker: success pins it for the
// processed TTL, failure releases it so Stripe's retry can succeed.
func (h *WebhookHandler) finalizeEvent(ctx context.Context, eventID string, success bool) {
	if h.cache != nil {
		key := h.cacheKeyForEvent(eventID)
		if success {
			if err := h.cache.Set(ctx, key, "processed", webhookProcessedTTL); err != nil {
				h.logger.Warn("failed to persist webhook completion in cache",
					zap.String("event_id", eventID),
					zap.Error(err),
				)
			}
		} else {
			if err := h.cache.Delete(ctx, key); err != nil {
				h.logger.Warn("failed to release webhook lock",
					zap.String("event_id", eventID),
					zap.Error(err),
				)
			}
		}
		return
	}

	if !success {
		h.mu.Lock()
		delete(h.processedEvents, eventID)
		h.mu.Unlock()
	}
}

// markEventProcessed persists an audit row for the event.
func (h *WebhookHandler) markEventProcessed(ctx context.Context, event stripe.Event) error {
	if h.db == nil {
		return nil
	}

	_, err := h.db.Pool.Exec(ctx, `
		INSERT INTO webhook_events (event_id, event_type, processed_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (event_id) DO NOTHING
	`, event.ID, string(event.Type))
	if err != nil {
		return fmt.Errorf("failed to persist webhook event: %w", err)
	}
	return nil
}

func (h *WebhookHandler) cacheKeyForEvent(eventID string) string {
	return fmt.Sprintf("webhooks:stripe:%s", eventID)
}

func (h *WebhookHandler) cleanupExpiredEvents(now time.Time) {
	for id, ts := range h.processedEvents {
		if now.Sub(ts) > webhookProcessedTTL {
			delete(h.processedEvents, id)
		}
	}
}

func (h *WebhookHandler) publish(eventType events.EventType, userID string, payload map[string]interface{}) {
	if h.eventBus == nil {
		return
	}
	h.eventBus.Publish(context.Background(), events.NewEvent(eventType, userID, payload))
}

// subscriptionGrantsUnlimited maps Stripe subscription status to plan
// access. Trials count as paid; every retrying or terminal status drops
// to the free plan until Stripe reports active again.
func subscriptionGrantsUnlimited(status stripe.SubscriptionStatus) bool {
	switch status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		return true
	default:
		return false
	}
}
