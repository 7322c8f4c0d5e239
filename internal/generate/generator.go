// Package generate is the client for the hosted content-generation
// service. It turns extracted document text into a summary plus study
// questions through a single chat-completion call.
package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/studyforge/studyforge/internal/config"
	"github.com/studyforge/studyforge/pkg/models"
	"go.uber.org/zap"
)

const systemPrompt = `You are a study assistant. Given the text of a document, produce:
1. A concise summary covering the key points.
2. 5 to 8 study questions a student could use to test their understanding.

Respond only with JSON in the following format:
{
  "summary": "...",
  "questions": ["...", "..."]
}`

// maxPromptChars bounds the document text sent upstream; anything
// longer is truncated rather than rejected.
const maxPromptChars = 48000

// Client calls the OpenAI chat-completion API.
type Client struct {
	api       *openai.Client
	logger    *zap.Logger
	model     string
	maxTokens int
}

// NewClient creates a generation client. A non-empty BaseURL redirects
// requests to a compatible endpoint (used by tests and self-hosted
// deployments).
func NewClient(cfg config.OpenAIConfig, logger *zap.Logger) *Client {
	apiConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiConfig.BaseURL = cfg.BaseURL
	}

	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2000
	}

	return &Client{
		api:       openai.NewClientWithConfig(apiConfig),
		logger:    logger,
		model:     model,
		maxTokens: maxTokens,
	}
}

// Generate produces study materials from document text. The call may
// take seconds; the caller bounds it through ctx.
func (c *Client) Generate(ctx context.Context, content string) (models.StudyMaterials, error) {
	if len(content) > maxPromptChars {
		c.logger.Debug("truncating document text for prompt",
			zap.Int("original_chars", len(content)),
			zap.Int("sent_chars", maxPromptChars),
		)
		content = content[:maxPromptChars]
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: content},
		},
		Temperature: 0.2,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return models.StudyMaterials{}, fmt.Errorf("chat completion request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return models.StudyMaterials{}, fmt.Errorf("no response choices from generation service")
	}

	materials, err := parseMaterials(resp.Choices[0].Message.Content)
	if err != nil {
		return models.StudyMaterials{}, err
	}

	c.logger.Debug("generated study materials",
		zap.Int("summary_chars", len(materials.Summary)),
		zap.Int("questions", len(materials.Questions)),
	)
	return materials, nil
}

// parseMaterials extracts structured study materials from the model
// response. Malformed JSON degrades to a best-effort partial result
// (raw text as the summary); only an empty response is an error.
func parseMaterials(raw string) (models.StudyMaterials, error) {
	cleaned := stripCodeFences(raw)
	if cleaned == "" {
		return models.StudyMaterials{}, fmt.Errorf("empty response from generation service")
	}

	var materials models.StudyMaterials
	if err := json.Unmarshal([]byte(cleaned), &materials); err == nil {
		materials.Summary = strings.TrimSpace(materials.Summary)
		materials.Questions = trimQuestions(materials.Questions)
		if materials.Empty() {
			return models.StudyMaterials{}, fmt.Errorf("response contained no usable content")
		}
		return materials, nil
	}

	// The model ignored the JSON instruction. The text itself is still
	// worth a credit to the user, so serve it as the summary.
	return models.StudyMaterials{Summary: cleaned}, nil
}

// stripCodeFences removes a surrounding markdown code block, which the
// model sometimes adds despite the JSON-only instruction.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```json") {
		s = strings.TrimPrefix(s, "```json")
	} else if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
	}
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func trimQuestions(questions []string) []string {
	out := questions[:0]
	for _, q := range questions {
		if q = strings.TrimSpace(q); q != "" {
			out = append(out, q)
		}
	}
	return out
}
