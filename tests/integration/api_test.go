package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/studyforge/studyforge/internal/billing"
	"github.com/studyforge/studyforge/internal/config"
	"github.com/studyforge/studyforge/internal/gateway"
	"github.com/studyforge/studyforge/internal/generate"
	"github.com/studyforge/studyforge/internal/guard"
	"github.com/studyforge/studyforge/internal/usage"
	"github.com/studyforge/studyforge/pkg/cache"
	"github.com/studyforge/studyforge/pkg/database"
	"github.com/studyforge/studyforge/pkg/events"
	"github.com/studyforge/studyforge/pkg/models"
	"go.uber.org/zap"
)

// fakeUpstream serves OpenAI-shaped chat completion responses so the
// full stack can run without a live LLM.
func fakeUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		content := `{"summary": "Photosynthesis converts light into chemical energy.", "questions": ["What do plants produce during photosynthesis?"]}`
		resp := map[string]interface{}{
			"id":      "chatcmpl-integration",
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   "gpt-4o-mini",
			"choices": []map[string]interface{}{
				{
					"index":         0,
					"finish_reason": "stop",
					"message": map[string]interface{}{
						"role":    "assistant",
						"content": content,
					},
				},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestEndToEndAPI(t *testing.T) {
	if os.Getenv("INTEGRATION_TEST") == "" {
		t.Skip("Skipping integration test; set INTEGRATION_TEST=1 to run")
	}

	// Setup dependencies
	logger, _ := zap.NewDevelopment()
	cfg, err := config.LoadConfig()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	upstream := fakeUpstream(t)
	defer upstream.Close()
	cfg.OpenAI.BaseURL = upstream.URL + "/v1"

	// Connect to DB
	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		t.Fatalf("failed to connect to database: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("failed to apply schema: %v", err)
	}

	// Connect to Redis
	redisCache, err := cache.NewCache(cfg.Redis)
	if err != nil {
		t.Fatalf("failed to connect to Redis: %v", err)
	}
	defer redisCache.Close()

	// Seed a fresh user and API token
	userID := fmt.Sprintf("it-user-%d", time.Now().UnixNano())
	token := fmt.Sprintf("sk-it-%d", time.Now().UnixNano())
	_, err = db.Pool.Exec(ctx, `
		INSERT INTO api_tokens (token, user_id, email) VALUES ($1, $2, $3)
	`, token, userID, userID+"@example.com")
	if err != nil {
		t.Fatalf("failed to seed api token: %v", err)
	}
	defer db.Pool.Exec(ctx, `DELETE FROM api_tokens WHERE token = $1`, token)
	defer db.Pool.Exec(ctx, `DELETE FROM usage_records WHERE user_id = $1`, userID)

	// Setup components
	eventBus := events.NewBus(logger)
	usageStore := usage.NewStore(db, logger, cfg.Guard.FreePlanCredits)
	generator := generate.NewClient(cfg.OpenAI, logger)
	usageGuard := guard.NewGuard(usageStore, generator, eventBus, logger, cfg.Guard)
	webhookHandler := billing.NewWebhookHandler("whsec_test", usageStore, db, redisCache, logger, eventBus, cfg.Billing.CreditPackSize)
	gw := gateway.NewGateway(db, redisCache, logger, usageGuard, usageStore, webhookHandler, eventBus, cfg.Guard)

	// Create test server
	ts := httptest.NewServer(gw)
	defer ts.Close()

	// Test 1: Health Check
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Test 2: Usage without a token is rejected
	resp, err = http.Get(ts.URL + "/v1/usage")
	if err != nil {
		t.Fatalf("usage request failed: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	authedReq := func(method, path string, body []byte) *http.Request {
		req, _ := http.NewRequest(method, ts.URL+path, bytes.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		return req
	}

	// Test 3: New user sees the default free allocation
	resp, err = http.DefaultClient.Do(authedReq("GET", "/v1/usage", nil))
	if err != nil {
		t.Fatalf("usage request failed: %v", err)
	}
	var rec models.UsageRecord
	json.NewDecoder(resp.Body).Decode(&rec)
	resp.Body.Close()
	if rec.UsesRemaining != cfg.Guard.FreePlanCredits {
		t.Errorf("expected %d free credits, got %d", cfg.Guard.FreePlanCredits, rec.UsesRemaining)
	}

	// Test 4: First generation succeeds and consumes a credit
	genBody, _ := json.Marshal(map[string]string{"content": "Photosynthesis is how plants make food from sunlight."})
	resp, err = http.DefaultClient.Do(authedReq("POST", "/v1/generate", genBody))
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	var first guard.Outcome
	json.NewDecoder(resp.Body).Decode(&first)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	if first.Kind != guard.OutcomeSuccess {
		t.Fatalf("expected success, got %s (%s)", first.Kind, first.Message)
	}
	if first.CreditsRemaining != cfg.Guard.FreePlanCredits-1 {
		t.Errorf("expected %d credits remaining, got %d", cfg.Guard.FreePlanCredits-1, first.CreditsRemaining)
	}
	if first.Materials.Summary == "" {
		t.Error("expected a non-empty summary")
	}

	// Test 5: Repeating the same document is a cache hit, no charge
	resp, err = http.DefaultClient.Do(authedReq("POST", "/v1/generate", genBody))
	if err != nil {
		t.Fatalf("second generate failed: %v", err)
	}
	var second guard.Outcome
	json.NewDecoder(resp.Body).Decode(&second)
	resp.Body.Close()
	if second.Kind != guard.OutcomeCacheHit {
		t.Errorf("expected cache hit, got %s", second.Kind)
	}
	if got := resp.Header.Get("X-Cache"); got != "HIT" {
		t.Errorf("expected X-Cache HIT, got %q", got)
	}

	// Test 6: Usage reflects the single charge
	resp, err = http.DefaultClient.Do(authedReq("GET", "/v1/usage", nil))
	if err != nil {
		t.Fatalf("usage request failed: %v", err)
	}
	json.NewDecoder(resp.Body).Decode(&rec)
	resp.Body.Close()
	if rec.UsesRemaining != cfg.Guard.FreePlanCredits-1 {
		t.Errorf("expected %d credits after one generation, got %d", cfg.Guard.FreePlanCredits-1, rec.UsesRemaining)
	}
}
