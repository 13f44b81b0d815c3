package discovery

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/Luismorlan/communitymux/llm"
	"github.com/Luismorlan/communitymux/protocol"
)

type fakeReasoner struct {
	mu sync.Mutex

	topics    [][]string
	topicErrs []error
	topicCall int

	// confidences per candidate, consumed in order, the last one repeats
	confidences map[string][]float64
	classifyErr map[string][]error
	requests    map[string][]llm.RelevanceRequest
}

func newFakeReasoner() *fakeReasoner {
	return &fakeReasoner{
		confidences: map[string][]float64{},
		classifyErr: map[string][]error{},
		requests:    map[string][]llm.RelevanceRequest{},
	}
}

func (f *fakeReasoner) ExtractTopics(_ context.Context, _ string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.topicCall
	f.topicCall++
	if i < len(f.topicErrs) && f.topicErrs[i] != nil {
		return nil, f.topicErrs[i]
	}
	if i < len(f.topics) {
		return f.topics[i], nil
	}
	if len(f.topics) == 0 {
		return nil, nil
	}
	return f.topics[len(f.topics)-1], nil
}

func (f *fakeReasoner) ClassifyRelevance(_ context.Context, req llm.RelevanceRequest) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.requests[req.CandidateId])
	f.requests[req.CandidateId] = append(f.requests[req.CandidateId], req)
	if errs := f.classifyErr[req.CandidateId]; n < len(errs) && errs[n] != nil {
		return 0, errs[n]
	}
	seq := f.confidences[req.CandidateId]
	if len(seq) == 0 {
		return 0, errors.New("no confidence configured")
	}
	if n >= len(seq) {
		return seq[len(seq)-1], nil
	}
	return seq[n], nil
}

func (f *fakeReasoner) classifyCalls(candidate string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests[candidate])
}

type fakeSearchProxy struct {
	mu      sync.Mutex
	results map[string][]string
	// errors returned by the first calls of a term
	failures map[string]int
	calls    map[string]int
}

func newFakeSearchProxy() *fakeSearchProxy {
	return &fakeSearchProxy{
		results:  map[string][]string{},
		failures: map[string]int{},
		calls:    map[string]int{},
	}
}

func (f *fakeSearchProxy) Search(_ context.Context, term string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[term]++
	if f.calls[term] <= f.failures[term] {
		return nil, errors.Errorf("proxy unavailable for %s", term)
	}
	return f.results[term], nil
}

type fakeProfiles struct {
	mu       sync.Mutex
	profiles map[string]*protocol.CommunityProfile
	calls    int
}

func (f *fakeProfiles) Describe(_ context.Context, platformId string) (*protocol.CommunityProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if p, ok := f.profiles[platformId]; ok {
		copied := *p
		return &copied, nil
	}
	return nil, errors.Errorf("community %s not found", platformId)
}
