package model

import "time"

// CandidateState is a node of the relevance classifier state machine.
type CandidateState string

const (
	CandidatePending          CandidateState = "pending"
	CandidateEvaluating       CandidateState = "evaluating"
	CandidateNeedsMoreContext CandidateState = "needs_more_context"
	CandidateAccepted         CandidateState = "accepted"
	CandidateRejected         CandidateState = "rejected"
)

func (s CandidateState) IsTerminal() bool {
	return s == CandidateAccepted || s == CandidateRejected
}

/*

CandidateVerdict records the final classifier decision for a candidate within
a query. Rejected verdicts form the skip list: a candidate rejected before for
the same topic set is not sent to the classifier again.

QueryId, PlatformId: unique pair
TopicsKey: fingerprint of the query topics the verdict was made against
CommunityId: set for accepted candidates
State: Accepted or Rejected
Confidence: last confidence returned by the classifier, 0 when it never answered
Attempts: refinement attempts spent
Reason: short audit note, for example "ambiguous after 2 refinements"
*/
type CandidateVerdict struct {
	Id          string `gorm:"primaryKey"`
	CreatedAt   time.Time
	QueryId     string `gorm:"uniqueIndex:idx_verdict_query_candidate;not null"`
	PlatformId  string `gorm:"uniqueIndex:idx_verdict_query_candidate;index:idx_verdict_skip;not null"`
	TopicsKey   string `gorm:"index:idx_verdict_skip"`
	CommunityId *string
	State       CandidateState `gorm:"not null"`
	Confidence  float64
	Attempts    int
	Reason      string
}
