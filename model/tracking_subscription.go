package model

import (
	"math"
	"time"
)

// DefaultScrapeCadence matches how often a tracked community was scraped
// before cadence became configurable.
const DefaultScrapeCadence = 24 * time.Hour

/*

TrackingSubscription is the control surface of the background scrape loop for
one community. At most one row exists per community.

CommunityId: owning community, unique
Enabled: whether the scrape loop considers it at all
Cadence: minimum duration between two successful scrapes
LastScrapedAt: finish time of the last successful scrape, null if never
ConsecutiveFailures: failed scrapes since the last success
*/
type TrackingSubscription struct {
	Id                  string `gorm:"primaryKey"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
	CommunityId         string `gorm:"uniqueIndex;not null"`
	Enabled             bool   `gorm:"index"`
	Cadence             time.Duration
	LastScrapedAt       *time.Time
	ConsecutiveFailures int
}

// IsDue reports whether the subscription should be scraped at now.
func (s *TrackingSubscription) IsDue(now time.Time) bool {
	if !s.Enabled {
		return false
	}
	if s.LastScrapedAt == nil {
		return true
	}
	return now.Sub(*s.LastScrapedAt) >= s.Cadence
}

// IdleSince returns how long the community has gone without a successful
// scrape. Never scraped communities report the largest possible duration.
func (s *TrackingSubscription) IdleSince(now time.Time) time.Duration {
	if s.LastScrapedAt == nil {
		return time.Duration(math.MaxInt64)
	}
	return now.Sub(*s.LastScrapedAt)
}
