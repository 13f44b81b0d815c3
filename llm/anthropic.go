package llm

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	Logger "github.com/Luismorlan/communitymux/utils/log"
)

const (
	// DefaultModel is cheap and fast enough for short classification prompts.
	DefaultModel = "claude-3-5-haiku-20241022"

	defaultMaxTopics   = 8
	defaultCallTimeout = 30 * time.Second
)

// AnthropicConfig configures AnthropicReasoner.
type AnthropicConfig struct {
	APIKey string // falls back to ANTHROPIC_API_KEY
	Model  string
	// BaseURL overrides the API endpoint, used by tests.
	BaseURL     string
	MaxTopics   int
	CallTimeout time.Duration
}

// AnthropicReasoner implements the reasoning capability on the Anthropic
// Messages API. Retries are owned by the callers, the SDK's own retries are
// disabled so that attempt accounting stays in one place.
type AnthropicReasoner struct {
	client    *anthropic.Client
	model     string
	maxTopics int
	timeout   time.Duration
}

func NewAnthropicReasoner(cfg AnthropicConfig) (*AnthropicReasoner, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, errors.New("ANTHROPIC_API_KEY not set")
		}
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	maxTopics := cfg.MaxTopics
	if maxTopics <= 0 {
		maxTopics = defaultMaxTopics
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	return &AnthropicReasoner{
		client:    &client,
		model:     model,
		maxTopics: maxTopics,
		timeout:   timeout,
	}, nil
}

func (a *AnthropicReasoner) call(ctx context.Context, operation string, prompt string, maxTokens int64) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", errors.Wrapf(err, "anthropic %s call failed", operation)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	Logger.Log.WithFields(logrus.Fields{
		"operation":     operation,
		"input_tokens":  resp.Usage.InputTokens,
		"output_tokens": resp.Usage.OutputTokens,
		"duration":      time.Since(start).String(),
	}).Debug("llm call")
	return text.String(), nil
}

// ExtractTopics asks the model for search terms describing text.
func (a *AnthropicReasoner) ExtractTopics(ctx context.Context, text string) ([]string, error) {
	answer, err := a.call(ctx, "extract_topics", buildTopicsPrompt(text), 256)
	if err != nil {
		return nil, err
	}
	return ParseTopics(answer, a.maxTopics), nil
}

// ClassifyRelevance asks the model for a confidence in [0,1] that the
// candidate is relevant to the query.
func (a *AnthropicReasoner) ClassifyRelevance(ctx context.Context, req RelevanceRequest) (float64, error) {
	answer, err := a.call(ctx, "classify_relevance", buildRelevancePrompt(req), 16)
	if err != nil {
		return 0, err
	}
	return ParseConfidence(answer)
}
