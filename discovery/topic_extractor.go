package discovery

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/Luismorlan/communitymux/model"
	. "github.com/Luismorlan/communitymux/utils/log"
)

const (
	DefaultMaxTopics = 8
	maxTopicLength   = 100
)

type TopicExtractor struct {
	reasoner  Reasoner
	maxTopics int
}

func NewTopicExtractor(reasoner Reasoner, maxTopics int) *TopicExtractor {
	if maxTopics <= 0 || maxTopics > DefaultMaxTopics {
		maxTopics = DefaultMaxTopics
	}
	return &TopicExtractor{reasoner: reasoner, maxTopics: maxTopics}
}

// Extract returns 1 to maxTopics distinct, non-empty search terms, in the
// order the model produced them. The model is asked twice at most.
func (e *TopicExtractor) Extract(ctx context.Context, text string) ([]string, error) {
	text = strings.TrimSpace(text)
	if text == "" || utf8.RuneCountInString(text) > model.MaxQueryTextLength {
		return nil, errors.Wrap(ErrExtractionFailure, "query text is empty or too long")
	}

	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		raw, err := e.reasoner.ExtractTopics(ctx, text)
		if err == nil {
			if topics := NormalizeTopics(raw, e.maxTopics); len(topics) > 0 {
				return topics, nil
			}
			err = errors.New("empty topic list")
		}
		lastErr = err
		Log.WithField("attempt", attempt).Warnln("topic extraction attempt failed:", err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Wrapf(ErrExtractionFailure, "%v", lastErr)
}

// NormalizeTopics trims and collapses whitespace, drops empty and overlong
// terms, removes case-insensitive duplicates and keeps at most max terms.
func NormalizeTopics(raw []string, max int) []string {
	seen := map[string]struct{}{}
	topics := []string{}
	for _, t := range raw {
		t = strings.Join(strings.Fields(t), " ")
		if t == "" || utf8.RuneCountInString(t) > maxTopicLength {
			continue
		}
		key := strings.ToLower(t)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		topics = append(topics, t)
		if len(topics) == max {
			break
		}
	}
	return topics
}
