// Package discovery turns a natural-language query into tracked communities:
// topic extraction, candidate discovery through a search proxy, and relevance
// classification of every candidate.
package discovery

import (
	"context"

	"github.com/pkg/errors"

	"github.com/Luismorlan/communitymux/llm"
	"github.com/Luismorlan/communitymux/protocol"
)

var (
	// ErrExtractionFailure means no search term could be produced for a query.
	// It is the only error that fails a query.
	ErrExtractionFailure = errors.New("topic extraction failed")
	// ErrDiscoveryFailure means the search proxy failed for one term after
	// its retry.
	ErrDiscoveryFailure = errors.New("candidate discovery failed")
	// ErrClassificationAmbiguous means the classifier exhausted its refinement
	// attempts. The candidate is rejected.
	ErrClassificationAmbiguous = errors.New("classification stayed ambiguous")
)

// Reasoner is the LLM capability. llm.AnthropicReasoner implements it.
type Reasoner interface {
	ExtractTopics(ctx context.Context, text string) ([]string, error)
	ClassifyRelevance(ctx context.Context, req llm.RelevanceRequest) (float64, error)
}

// SearchProxy returns candidate community identifiers for a search term.
type SearchProxy interface {
	Search(ctx context.Context, term string) ([]string, error)
}

// ProfileSource describes a community. It is the refinement context of the
// classifier and the source of Community display fields.
type ProfileSource interface {
	Describe(ctx context.Context, platformId string) (*protocol.CommunityProfile, error)
}
