package generate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/studyforge/studyforge/internal/config"
	"go.uber.org/zap"
)

func TestParseMaterials(t *testing.T) {
	t.Run("clean JSON", func(t *testing.T) {
		m, err := parseMaterials(`{"summary": "The water cycle.", "questions": ["What is evaporation?", "Name the three phases."]}`)
		require.NoError(t, err)
		assert.Equal(t, "The water cycle.", m.Summary)
		assert.Len(t, m.Questions, 2)
	})

	t.Run("fenced JSON", func(t *testing.T) {
		m, err := parseMaterials("```json\n{\"summary\": \"Fenced.\", \"questions\": [\"Q1\"]}\n```")
		require.NoError(t, err)
		assert.Equal(t, "Fenced.", m.Summary)
		assert.Equal(t, []string{"Q1"}, m.Questions)
	})

	t.Run("bare fence", func(t *testing.T) {
		m, err := parseMaterials("```\n{\"summary\": \"Bare.\", \"questions\": []}\n```")
		require.NoError(t, err)
		assert.Equal(t, "Bare.", m.Summary)
	})

	t.Run("plain text degrades to summary", func(t *testing.T) {
		m, err := parseMaterials("Here is what the document says: photosynthesis converts light to energy.")
		require.NoError(t, err)
		assert.Contains(t, m.Summary, "photosynthesis")
		assert.Empty(t, m.Questions)
	})

	t.Run("questions only is usable", func(t *testing.T) {
		m, err := parseMaterials(`{"summary": "", "questions": ["Only questions?"]}`)
		require.NoError(t, err)
		assert.Empty(t, m.Summary)
		assert.Len(t, m.Questions, 1)
	})

	t.Run("blank questions are dropped", func(t *testing.T) {
		m, err := parseMaterials(`{"summary": "S", "questions": ["  ", "Real question", ""]}`)
		require.NoError(t, err)
		assert.Equal(t, []string{"Real question"}, m.Questions)
	})

	t.Run("empty response is an error", func(t *testing.T) {
		_, err := parseMaterials("")
		assert.Error(t, err)

		_, err = parseMaterials("```json\n```")
		assert.Error(t, err)
	})

	t.Run("valid JSON with no content is an error", func(t *testing.T) {
		_, err := parseMaterials(`{"summary": "  ", "questions": []}`)
		assert.Error(t, err)
	})
}

// fakeCompletionServer mimics the chat-completion endpoint and returns
// a fixed assistant message.
func fakeCompletionServer(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)

		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.NotEmpty(t, req["messages"])

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":     "chatcmpl-test",
			"object": "chat.completion",
			"choices": []map[string]interface{}{
				{
					"index": 0,
					"message": map[string]string{
						"role":    "assistant",
						"content": reply,
					},
					"finish_reason": "stop",
				},
			},
		})
	}))
}

func TestGenerateAgainstFakeServer(t *testing.T) {
	server := fakeCompletionServer(t, `{"summary": "Cell biology basics.", "questions": ["What is a mitochondrion?"]}`)
	defer server.Close()

	client := NewClient(config.OpenAIConfig{
		APIKey:  "test-key",
		BaseURL: server.URL + "/v1",
		Model:   "gpt-4o-mini",
	}, zap.NewNop())

	materials, err := client.Generate(context.Background(), "The cell is the basic unit of life.")
	require.NoError(t, err)
	assert.Equal(t, "Cell biology basics.", materials.Summary)
	assert.Equal(t, []string{"What is a mitochondrion?"}, materials.Questions)
}

func TestGenerateUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"message": "overloaded"}}`, http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(config.OpenAIConfig{
		APIKey:  "test-key",
		BaseURL: server.URL + "/v1",
	}, zap.NewNop())

	_, err := client.Generate(context.Background(), "Some document text.")
	assert.Error(t, err)
}
