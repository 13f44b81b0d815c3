package discovery

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Luismorlan/communitymux/llm"
	"github.com/Luismorlan/communitymux/model"
	"github.com/Luismorlan/communitymux/protocol"
	. "github.com/Luismorlan/communitymux/utils/log"
)

const (
	DefaultAcceptThreshold = 0.8
	DefaultRejectThreshold = 0.3
	DefaultMaxRefinements  = 2
)

type ClassifierConfig struct {
	AcceptThreshold float64
	RejectThreshold float64
	// Ambiguous evaluations tolerated before failing closed.
	MaxRefinements int
}

func (c *ClassifierConfig) defaults() {
	if c.AcceptThreshold <= 0 || c.AcceptThreshold > 1 {
		c.AcceptThreshold = DefaultAcceptThreshold
	}
	if c.RejectThreshold < 0 || c.RejectThreshold >= c.AcceptThreshold {
		c.RejectThreshold = DefaultRejectThreshold
	}
	if c.MaxRefinements < 0 {
		c.MaxRefinements = DefaultMaxRefinements
	}
}

// QueryContext is what the classifier knows about the query.
type QueryContext struct {
	Text   string
	Topics []string
}

// Evaluation is the outcome of classifying one candidate. State is always
// Accepted or Rejected once Classify returns.
type Evaluation struct {
	PlatformId string
	State      model.CandidateState
	Confidence float64
	// Refinement attempts spent, between 0 and MaxRefinements.
	Attempts int
	// Profile fetched during refinement, nil when never needed or unavailable.
	Profile *protocol.CommunityProfile
	Reason  string
	// Err is ErrClassificationAmbiguous when refinement was exhausted, or the
	// context error when the run was cancelled.
	Err error
	// Every state visited, starting with Pending.
	Trace []model.CandidateState
}

func (e *Evaluation) transition(to model.CandidateState) {
	e.State = to
	e.Trace = append(e.Trace, to)
}

// Classifier is the relevance state machine:
//
//	Pending -> Evaluating
//	Evaluating -> Accepted          confidence >= accept threshold
//	Evaluating -> Rejected          confidence <= reject threshold
//	Evaluating -> NeedsMoreContext  anything else, including a reasoner error
//	NeedsMoreContext -> Evaluating  attempts < max, with the profile as context
//	NeedsMoreContext -> Rejected    attempts == max
type Classifier struct {
	reasoner Reasoner
	profiles ProfileSource
	cfg      ClassifierConfig
}

func NewClassifier(reasoner Reasoner, profiles ProfileSource, cfg ClassifierConfig) *Classifier {
	cfg.defaults()
	return &Classifier{reasoner: reasoner, profiles: profiles, cfg: cfg}
}

func (c *Classifier) Config() ClassifierConfig {
	return c.cfg
}

func (c *Classifier) Classify(ctx context.Context, q QueryContext, platformId string) Evaluation {
	ev := Evaluation{PlatformId: platformId}
	ev.transition(model.CandidatePending)
	ev.transition(model.CandidateEvaluating)
	logger := Log.WithFields(logrus.Fields{"candidate": platformId})

	for {
		req := llm.RelevanceRequest{
			QueryText:   q.Text,
			Topics:      q.Topics,
			CandidateId: platformId,
			DisplayName: platformId,
			Refinement:  ev.Attempts,
		}
		if ev.Profile != nil {
			req.DisplayName = ev.Profile.DisplayName
			req.Description = ev.Profile.Description
			req.MembersCount = ev.Profile.MembersCount
		}

		confidence, err := c.reasoner.ClassifyRelevance(ctx, req)
		if err == nil {
			ev.Confidence = confidence
			if confidence >= c.cfg.AcceptThreshold {
				ev.Reason = fmt.Sprintf("confidence %.2f", confidence)
				ev.transition(model.CandidateAccepted)
				return ev
			}
			if confidence <= c.cfg.RejectThreshold {
				ev.Reason = fmt.Sprintf("confidence %.2f", confidence)
				ev.transition(model.CandidateRejected)
				return ev
			}
		} else {
			logger.WithField("attempt", ev.Attempts).Warnln("relevance call failed:", err)
		}

		ev.transition(model.CandidateNeedsMoreContext)
		if ctx.Err() != nil {
			ev.Reason = "cancelled"
			ev.Err = ctx.Err()
			ev.transition(model.CandidateRejected)
			return ev
		}
		if ev.Attempts >= c.cfg.MaxRefinements {
			ev.Reason = fmt.Sprintf("ambiguous after %d refinements", ev.Attempts)
			ev.Err = errors.Wrapf(ErrClassificationAmbiguous, "candidate %s", platformId)
			ev.transition(model.CandidateRejected)
			return ev
		}
		ev.Attempts++
		c.enrich(ctx, &ev)
		ev.transition(model.CandidateEvaluating)
	}
}

// enrich fetches the community profile once. A failed fetch is not fatal, the
// next evaluation simply runs with the context it already has.
func (c *Classifier) enrich(ctx context.Context, ev *Evaluation) {
	if ev.Profile != nil || c.profiles == nil {
		return
	}
	profile, err := c.profiles.Describe(ctx, ev.PlatformId)
	if err != nil {
		Log.WithField("candidate", ev.PlatformId).Warnln("fail to describe candidate:", err)
		return
	}
	ev.Profile = profile
}
