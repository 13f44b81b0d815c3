package discovery

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Luismorlan/communitymux/model"
	"github.com/Luismorlan/communitymux/protocol"
)

var testQuery = QueryContext{Text: "camping and RV lifestyle", Topics: []string{"camping", "RV travel"}}

func TestClassifier_AcceptAndReject(t *testing.T) {
	reasoner := newFakeReasoner()
	reasoner.confidences["r/camping"] = []float64{0.8}
	reasoner.confidences["r/cooking"] = []float64{0.3}
	c := NewClassifier(reasoner, nil, ClassifierConfig{})

	accepted := c.Classify(context.Background(), testQuery, "r/camping")
	assert.Equal(t, model.CandidateAccepted, accepted.State)
	assert.Equal(t, 0.8, accepted.Confidence)
	assert.Equal(t, 0, accepted.Attempts)
	assert.NoError(t, accepted.Err)

	rejected := c.Classify(context.Background(), testQuery, "r/cooking")
	assert.Equal(t, model.CandidateRejected, rejected.State)
	if diff := cmp.Diff([]model.CandidateState{
		model.CandidatePending, model.CandidateEvaluating, model.CandidateRejected,
	}, rejected.Trace); diff != "" {
		t.Errorf("trace mismatch (-want +got):\n%s", diff)
	}
}

func TestClassifier_MidpointFailsClosed(t *testing.T) {
	reasoner := newFakeReasoner()
	reasoner.confidences["r/maybe"] = []float64{0.55}
	c := NewClassifier(reasoner, nil, ClassifierConfig{AcceptThreshold: 0.8, RejectThreshold: 0.3, MaxRefinements: 2})

	ev := c.Classify(context.Background(), testQuery, "r/maybe")
	assert.Equal(t, model.CandidateRejected, ev.State)
	assert.Equal(t, 2, ev.Attempts)
	assert.ErrorIs(t, ev.Err, ErrClassificationAmbiguous)
	assert.Equal(t, 3, reasoner.classifyCalls("r/maybe"))
	if diff := cmp.Diff([]model.CandidateState{
		model.CandidatePending,
		model.CandidateEvaluating, model.CandidateNeedsMoreContext,
		model.CandidateEvaluating, model.CandidateNeedsMoreContext,
		model.CandidateEvaluating, model.CandidateNeedsMoreContext,
		model.CandidateRejected,
	}, ev.Trace); diff != "" {
		t.Errorf("trace mismatch (-want +got):\n%s", diff)
	}
}

func TestClassifier_RefinementUsesProfile(t *testing.T) {
	reasoner := newFakeReasoner()
	reasoner.confidences["r/gorving"] = []float64{0.5, 0.9}
	profiles := &fakeProfiles{profiles: map[string]*protocol.CommunityProfile{
		"r/gorving": {PlatformId: "r/gorving", DisplayName: "GoRVing", Description: "RV owners", MembersCount: 1200},
	}}
	c := NewClassifier(reasoner, profiles, ClassifierConfig{})

	ev := c.Classify(context.Background(), testQuery, "r/gorving")
	assert.Equal(t, model.CandidateAccepted, ev.State)
	assert.Equal(t, 1, ev.Attempts)
	require.NotNil(t, ev.Profile)

	reqs := reasoner.requests["r/gorving"]
	require.Len(t, reqs, 2)
	assert.Empty(t, reqs[0].Description)
	assert.Equal(t, "RV owners", reqs[1].Description)
	assert.Equal(t, 1200, reqs[1].MembersCount)
	assert.Equal(t, 1, reqs[1].Refinement)
}

func TestClassifier_InvocationFailureIsARefinement(t *testing.T) {
	reasoner := newFakeReasoner()
	reasoner.classifyErr["r/camping"] = []error{errors.New("timeout")}
	reasoner.confidences["r/camping"] = []float64{0.95}
	c := NewClassifier(reasoner, nil, ClassifierConfig{})

	ev := c.Classify(context.Background(), testQuery, "r/camping")
	assert.Equal(t, model.CandidateAccepted, ev.State)
	assert.Equal(t, 1, ev.Attempts)

	// failing every time ends rejected, never pending
	always := newFakeReasoner()
	always.classifyErr["r/down"] = []error{errors.New("a"), errors.New("b"), errors.New("c")}
	ev = NewClassifier(always, nil, ClassifierConfig{}).Classify(context.Background(), testQuery, "r/down")
	assert.Equal(t, model.CandidateRejected, ev.State)
	assert.ErrorIs(t, ev.Err, ErrClassificationAmbiguous)
}

func TestClassifier_CancelledEndsRejected(t *testing.T) {
	reasoner := newFakeReasoner()
	reasoner.confidences["r/maybe"] = []float64{0.5}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ev := NewClassifier(reasoner, nil, ClassifierConfig{}).Classify(ctx, testQuery, "r/maybe")
	assert.Equal(t, model.CandidateRejected, ev.State)
	assert.Equal(t, 1, reasoner.classifyCalls("r/maybe"))
}
