package model

import "time"

type ScrapeOutcome string

const (
	// A run that has been opened and not closed yet.
	ScrapeOutcomeRunning        ScrapeOutcome = "running"
	ScrapeOutcomeSuccess        ScrapeOutcome = "success"
	ScrapeOutcomePartialFailure ScrapeOutcome = "partial_failure"
	ScrapeOutcomeFailure        ScrapeOutcome = "failure"
)

/*

ScrapeRun is the audit record of a single fetch attempt against a community.
It is opened before the fetch and closed exactly once afterwards, on every
exit path. Closed runs are never mutated.

ItemsIngested: ItemsInserted + ItemsUpdated
ItemsFailed: raw items that could not be validated or written
ErrorSummary: first line of the error that failed or degraded the run
*/
type ScrapeRun struct {
	Id            string `gorm:"primaryKey"`
	CommunityId   string `gorm:"index;not null"`
	StartedAt     time.Time
	FinishedAt    *time.Time
	Outcome       ScrapeOutcome `gorm:"index;not null"`
	ItemsIngested int
	ItemsInserted int
	ItemsUpdated  int
	ItemsFailed   int
	ErrorSummary  string
}

func (r *ScrapeRun) IsClosed() bool {
	return r.FinishedAt != nil
}
