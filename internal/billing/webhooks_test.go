package billing

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v76/webhook"
	"github.com/studyforge/studyforge/pkg/models"
	"go.uber.org/zap"
)

type fakePlanStore struct {
	addedCredits map[string]int
	plans        map[string]models.PlanKind
	expiries     map[string]*time.Time
}

func newFakePlanStore() *fakePlanStore {
	return &fakePlanStore{
		addedCredits: make(map[string]int),
		plans:        make(map[string]models.PlanKind),
		expiries:     make(map[string]*time.Time),
	}
}

func (f *fakePlanStore) AddCredits(_ context.Context, userID string, n int) (models.UsageRecord, error) {
	f.addedCredits[userID] += n
	return models.UsageRecord{UserID: userID, UsesRemaining: f.addedCredits[userID], PlanKind: models.PlanStarter}, nil
}

func (f *fakePlanStore) SetPlan(_ context.Context, userID string, kind models.PlanKind, expiresAt *time.Time) (models.UsageRecord, error) {
	f.plans[userID] = kind
	f.expiries[userID] = expiresAt
	rec := models.UsageRecord{UserID: userID, PlanKind: kind, PlanExpiresAt: expiresAt}
	if kind == models.PlanUnlimited {
		rec.UsesRemaining = models.UnlimitedUses
	}
	return rec, nil
}

func TestWebhookHandler_HandleWebhook_SignatureVerification(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	// Nil store, db and cache: signature verification happens before any of them are touched.
	handler := NewWebhookHandler("whsec_test_secret", nil, nil, nil, logger, nil, 0)

	tests := []struct {
		name           string
		payload        []byte
		signature      string
		expectedStatus int
	}{
		{
			name:           "No signature",
			payload:        []byte(`{}`),
			signature:      "",
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "Invalid signature",
			payload:        []byte(`{}`),
			signature:      "t=123,v1=invalid",
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "Valid signature",
			payload:        []byte(`{"id": "evt_123", "object": "event", "api_version": "2023-10-16"}`),
			signature:      generateSignature(t, []byte(`{"id": "evt_123", "object": "event", "api_version": "2023-10-16"}`), "whsec_test_secret"),
			expectedStatus: http.StatusOK, // Unknown event type returns 200
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/webhooks/stripe", bytes.NewReader(tt.payload))
			if tt.signature != "" {
				req.Header.Set("Stripe-Signature", tt.signature)
			}
			w := httptest.NewRecorder()

			handler.HandleWebhook(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, w.Code)
			}
		})
	}
}

func TestWebhookHandler_Idempotency(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	handler := NewWebhookHandler("whsec_test_secret", nil, nil, nil, logger, nil, 0)

	payload := []byte(`{"id": "evt_idempotency_test", "object": "event", "type": "unknown.event", "api_version": "2023-10-16"}`)
	signature := generateSignature(t, payload, "whsec_test_secret")

	// First request
	req1 := httptest.NewRequest("POST", "/api/webhooks/stripe", bytes.NewReader(payload))
	req1.Header.Set("Stripe-Signature", signature)
	w1 := httptest.NewRecorder()

	handler.HandleWebhook(w1, req1)

	if w1.Code != http.StatusOK {
		t.Errorf("first request failed: %d", w1.Code)
	}

	// Verify event is marked as processed in memory
	handler.mu.Lock()
	if _, exists := handler.processedEvents["evt_idempotency_test"]; !exists {
		t.Error("event not marked as processed")
	}
	handler.mu.Unlock()

	// Second request (should be idempotent)
	req2 := httptest.NewRequest("POST", "/api/webhooks/stripe", bytes.NewReader(payload))
	req2.Header.Set("Stripe-Signature", signature)
	w2 := httptest.NewRecorder()

	handler.HandleWebhook(w2, req2)

	if w2.Code != http.StatusOK {
		t.Errorf("second request failed: %d", w2.Code)
	}
}

func TestWebhookHandler_CheckoutCompletedGrantsCredits(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	store := newFakePlanStore()
	handler := NewWebhookHandler("whsec_test_secret", store, nil, nil, logger, nil, 50)

	payload := []byte(`{
		"id": "evt_checkout_1",
		"object": "event",
		"api_version": "2023-10-16",
		"type": "checkout.session.completed",
		"data": {
			"object": {
				"id": "cs_test_1",
				"object": "checkout.session",
				"mode": "payment",
				"client_reference_id": "u1",
				"metadata": {"credits": "25"}
			}
		}
	}`)
	signature := generateSignature(t, payload, "whsec_test_secret")

	req := httptest.NewRequest("POST", "/api/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signature)
	w := httptest.NewRecorder()

	handler.HandleWebhook(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := store.addedCredits["u1"]; got != 25 {
		t.Errorf("expected 25 credits granted, got %d", got)
	}
}

func TestWebhookHandler_CheckoutMissingUserFails(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	store := newFakePlanStore()
	handler := NewWebhookHandler("whsec_test_secret", store, nil, nil, logger, nil, 50)

	payload := []byte(`{
		"id": "evt_checkout_2",
		"object": "event",
		"api_version": "2023-10-16",
		"type": "checkout.session.completed",
		"data": {
			"object": {
				"id": "cs_test_2",
				"object": "checkout.session",
				"mode": "payment"
			}
		}
	}`)
	signature := generateSignature(t, payload, "whsec_test_secret")

	req := httptest.NewRequest("POST", "/api/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signature)
	w := httptest.NewRecorder()

	handler.HandleWebhook(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if len(store.addedCredits) != 0 {
		t.Errorf("no credits should be granted, got %v", store.addedCredits)
	}

	// A failed event releases the idempotency lock so the retry can run.
	handler.mu.Lock()
	_, exists := handler.processedEvents["evt_checkout_2"]
	handler.mu.Unlock()
	if exists {
		t.Error("failed event should not stay reserved")
	}
}

func TestWebhookHandler_SubscriptionLifecycle(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	store := newFakePlanStore()
	handler := NewWebhookHandler("whsec_test_secret", store, nil, nil, logger, nil, 0)

	periodEnd := time.Now().Add(30 * 24 * time.Hour).Unix()

	send := func(t *testing.T, payload []byte) int {
		t.Helper()
		signature := generateSignature(t, payload, "whsec_test_secret")
		req := httptest.NewRequest("POST", "/api/webhooks/stripe", bytes.NewReader(payload))
		req.Header.Set("Stripe-Signature", signature)
		w := httptest.NewRecorder()
		handler.HandleWebhook(w, req)
		return w.Code
	}

	created := []byte(fmt.Sprintf(`{
		"id": "evt_sub_1",
		"object": "event",
		"api_version": "2023-10-16",
		"type": "customer.subscription.created",
		"data": {
			"object": {
				"id": "sub_1",
				"object": "subscription",
				"status": "active",
				"current_period_end": %d,
				"metadata": {"user_id": "u1"}
			}
		}
	}`, periodEnd))
	if code := send(t, created); code != http.StatusOK {
		t.Fatalf("subscription created: expected 200, got %d", code)
	}
	if store.plans["u1"] != models.PlanUnlimited {
		t.Errorf("expected unlimited plan, got %s", store.plans["u1"])
	}
	if store.expiries["u1"] == nil || store.expiries["u1"].Unix() != periodEnd {
		t.Errorf("expected plan expiry at period end, got %v", store.expiries["u1"])
	}

	deleted := []byte(`{
		"id": "evt_sub_2",
		"object": "event",
		"api_version": "2023-10-16",
		"type": "customer.subscription.deleted",
		"data": {
			"object": {
				"id": "sub_1",
				"object": "subscription",
				"status": "canceled",
				"metadata": {"user_id": "u1"}
			}
		}
	}`)
	if code := send(t, deleted); code != http.StatusOK {
		t.Fatalf("subscription deleted: expected 200, got %d", code)
	}
	if store.plans["u1"] != models.PlanFree {
		t.Errorf("expected free plan after cancellation, got %s", store.plans["u1"])
	}
}

func generateSignature(t *testing.T, payload []byte, secret string) string {
	t.Helper()
	now := time.Now().Unix()
	signature := webhook.ComputeSignature(time.Unix(now, 0), payload, secret)
	return fmt.Sprintf("t=%d,v1=%s", now, hex.EncodeToString(signature))
}
