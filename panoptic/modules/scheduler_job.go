package modules

import (
	"fmt"
	"sort"
	"time"

	"github.com/Luismorlan/communitymux/model"
	"github.com/Luismorlan/communitymux/panoptic"
)

// SchedulerJob is one admitted scrape of one community. The scheduler turns
// due TrackingSubscriptions into SchedulerJobs and hands them to its workers.
type SchedulerJob struct {
	CommunityId string

	// Nil if the community was never scraped.
	LastScrapedAt *time.Time

	// When the scheduler admitted this job.
	AdmittedAt time.Time

	// Owner token of the in-flight lease, set on admission.
	LeaseToken string
}

func NewSchedulerJob(sub model.TrackingSubscription, admittedAt time.Time) *SchedulerJob {
	return &SchedulerJob{
		CommunityId:   sub.CommunityId,
		LastScrapedAt: sub.LastScrapedAt,
		AdmittedAt:    admittedAt,
	}
}

// LeaseKey identifies the in-flight lease of this job's community.
func (j *SchedulerJob) LeaseKey() string {
	return LeaseKeyForCommunity(j.CommunityId)
}

func LeaseKeyForCommunity(communityId string) string {
	return fmt.Sprintf("%s:%s", panoptic.SCRAPE_LEASE_PREFIX, communityId)
}

// SortLongestIdleFirst orders subscriptions for admission: never scraped
// first, then oldest LastScrapedAt, ties broken by community id.
func SortLongestIdleFirst(subs []model.TrackingSubscription) {
	sort.SliceStable(subs, func(i, j int) bool {
		a, b := subs[i].LastScrapedAt, subs[j].LastScrapedAt
		switch {
		case a == nil && b == nil:
			return subs[i].CommunityId < subs[j].CommunityId
		case a == nil:
			return true
		case b == nil:
			return false
		case !a.Equal(*b):
			return a.Before(*b)
		}
		return subs[i].CommunityId < subs[j].CommunityId
	})
}
