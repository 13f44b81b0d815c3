package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTopics(t *testing.T) {
	assert.Equal(t, []string{"camping", "RV travel", "van life"},
		ParseTopics("camping, RV travel, van life", 8))
	assert.Equal(t, []string{"camping", "RV travel"},
		ParseTopics("1. camping\n2. RV travel\n- camping\n", 8))
	assert.Equal(t, []string{"a", "b"}, ParseTopics(`"a", 'b', c, d`, 2))
	assert.Equal(t, []string{"hiking gear"}, ParseTopics("  hiking   gear. ,, ", 8))
	assert.Empty(t, ParseTopics(" , \n ", 8))
}

func TestParseConfidence(t *testing.T) {
	for _, tc := range []struct {
		answer string
		want   float64
	}{
		{"0.85", 0.85},
		{"Relevance: 0.4", 0.4},
		{"1", 1},
		{"1.7", 1},
		{"-0.2", 0},
		{".5\n", 0.5},
	} {
		got, err := ParseConfidence(tc.answer)
		require.NoError(t, err, tc.answer)
		assert.InDelta(t, tc.want, got, 1e-9, tc.answer)
	}

	_, err := ParseConfidence("not sure")
	assert.ErrorIs(t, err, ErrUnparsableAnswer)
}

func TestBuildRelevancePrompt(t *testing.T) {
	p := buildRelevancePrompt(RelevanceRequest{
		QueryText:   "camping and RV lifestyle",
		Topics:      []string{"camping", "RV travel"},
		CandidateId: "r/camping",
	})
	assert.Contains(t, p, "Topics: camping, RV travel")
	assert.Contains(t, p, "Community: r/camping")
	assert.Contains(t, p, "Description: unknown")
	assert.Contains(t, p, "Members: unknown")
}

// fakeMessagesServer answers every Messages API call with text.
func fakeMessagesServer(t *testing.T, text string, prompts *[]string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/v1/messages"), r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Messages []struct {
				Content []struct {
					Text string `json:"text"`
				} `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.Unmarshal(body, &req))
		if prompts != nil && len(req.Messages) > 0 && len(req.Messages[0].Content) > 0 {
			*prompts = append(*prompts, req.Messages[0].Content[0].Text)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":            "msg_test",
			"type":          "message",
			"role":          "assistant",
			"model":         DefaultModel,
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"content":       []map[string]interface{}{{"type": "text", "text": text}},
			"usage":         map[string]interface{}{"input_tokens": 10, "output_tokens": 3},
		})
	}))
}

func TestAnthropicReasoner_ExtractTopics(t *testing.T) {
	var prompts []string
	srv := fakeMessagesServer(t, "camping, RV travel", &prompts)
	defer srv.Close()

	r, err := NewAnthropicReasoner(AnthropicConfig{APIKey: "test", BaseURL: srv.URL})
	require.NoError(t, err)

	topics, err := r.ExtractTopics(context.Background(), "camping and RV lifestyle")
	require.NoError(t, err)
	assert.Equal(t, []string{"camping", "RV travel"}, topics)
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "Query: camping and RV lifestyle")
}

func TestAnthropicReasoner_ClassifyRelevance(t *testing.T) {
	srv := fakeMessagesServer(t, "0.92", nil)
	defer srv.Close()

	r, err := NewAnthropicReasoner(AnthropicConfig{APIKey: "test", BaseURL: srv.URL})
	require.NoError(t, err)

	conf, err := r.ClassifyRelevance(context.Background(), RelevanceRequest{CandidateId: "r/camping"})
	require.NoError(t, err)
	assert.InDelta(t, 0.92, conf, 1e-9)
}

func TestAnthropicReasoner_ServerErrorIsReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"type":"error","error":{"type":"api_error","message":"boom"}}`))
	}))
	defer srv.Close()

	r, err := NewAnthropicReasoner(AnthropicConfig{APIKey: "test", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = r.ExtractTopics(context.Background(), "anything")
	assert.Error(t, err)
}

func TestNewAnthropicReasoner_RequiresKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	_, err := NewAnthropicReasoner(AnthropicConfig{})
	assert.Error(t, err)
}
