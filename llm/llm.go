// Package llm adapts a hosted LLM into the reasoning capability the discovery
// pipeline consumes: turning a query into search terms and scoring how
// relevant a community is to a query.
package llm

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// RelevanceRequest is everything the classifier knows about a candidate at a
// given refinement step. Description and MembersCount are empty until the
// candidate's profile has been fetched.
type RelevanceRequest struct {
	QueryText    string
	Topics       []string
	CandidateId  string
	DisplayName  string
	Description  string
	MembersCount int
	// Refinement is 0 on the first evaluation and grows with each retry.
	Refinement int
}

// ErrUnparsableAnswer is returned when the model answered something that is
// not the requested format.
var ErrUnparsableAnswer = errors.New("llm answer is not parsable")

const topicsPromptTemplate = `Extract 3-5 key topics from this search query for finding online communities.
Query: %s

Return ONLY topics separated by commas, no explanations.`

const relevancePromptTemplate = `Rate the relevance of this online community to these topics on a scale of 0-1.
Only return the number, nothing else.

Query: %s
Topics: %s
Community: %s
Name: %s
Description: %s
Members: %s`

func buildTopicsPrompt(text string) string {
	return fmt.Sprintf(topicsPromptTemplate, text)
}

func buildRelevancePrompt(req RelevanceRequest) string {
	orUnknown := func(s string) string {
		if strings.TrimSpace(s) == "" {
			return "unknown"
		}
		return s
	}
	members := "unknown"
	if req.MembersCount > 0 {
		members = strconv.Itoa(req.MembersCount)
	}
	return fmt.Sprintf(relevancePromptTemplate,
		req.QueryText,
		strings.Join(req.Topics, ", "),
		req.CandidateId,
		orUnknown(req.DisplayName),
		orUnknown(req.Description),
		members,
	)
}

var listMarker = regexp.MustCompile(`^(\d+[.)]|[-*•])\s*`)

// ParseTopics splits a comma or newline separated answer into topics. Bullets,
// numbering and surrounding quotes are stripped, duplicates are removed case
// insensitively, and at most max topics are returned.
func ParseTopics(answer string, max int) []string {
	fields := strings.FieldsFunc(answer, func(r rune) bool {
		return r == ',' || r == '\n' || r == ';'
	})
	seen := map[string]bool{}
	topics := []string{}
	for _, f := range fields {
		t := strings.TrimSpace(f)
		t = listMarker.ReplaceAllString(t, "")
		t = strings.Trim(t, "\"'`. ")
		t = strings.Join(strings.Fields(t), " ")
		if t == "" {
			continue
		}
		key := strings.ToLower(t)
		if seen[key] {
			continue
		}
		seen[key] = true
		topics = append(topics, t)
		if max > 0 && len(topics) == max {
			break
		}
	}
	return topics
}

var firstNumber = regexp.MustCompile(`[-+]?(\d+(\.\d*)?|\.\d+)`)

// ParseConfidence reads the first number of the answer and clamps it to [0,1].
func ParseConfidence(answer string) (float64, error) {
	m := firstNumber.FindString(answer)
	if m == "" {
		return 0, errors.Wrapf(ErrUnparsableAnswer, "no number in %q", answer)
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrUnparsableAnswer, "bad number %q", m)
	}
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return v, nil
}
