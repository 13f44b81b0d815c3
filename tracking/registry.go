// Package tracking owns the set of monitored communities. Registry is the only
// writer of TrackingSubscription rows; every mutation goes through its lock and
// is written through to the database before the in-memory copy changes.
package tracking

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Luismorlan/communitymux/model"
	. "github.com/Luismorlan/communitymux/utils/log"
)

var ErrSubscriptionNotFound = errors.New("tracking subscription not found")

type Registry struct {
	db *gorm.DB

	mu sync.RWMutex
	// keyed by community id
	subs map[string]*model.TrackingSubscription
}

func NewRegistry(db *gorm.DB) *Registry {
	return &Registry{
		db:   db,
		subs: make(map[string]*model.TrackingSubscription),
	}
}

// Load replaces the in-memory state with what the database holds. It must be
// called once before the scheduler starts.
func (r *Registry) Load(ctx context.Context) error {
	var rows []model.TrackingSubscription
	if err := r.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return errors.Wrap(err, "fail to load tracking subscriptions")
	}

	subs := make(map[string]*model.TrackingSubscription, len(rows))
	for i := range rows {
		subs[rows[i].CommunityId] = &rows[i]
	}

	r.mu.Lock()
	r.subs = subs
	r.mu.Unlock()
	Log.WithField("count", len(rows)).Info("loaded tracking subscriptions")
	return nil
}

// Enable creates the community's subscription, or re-enables it. A
// non-positive cadence keeps the existing cadence, or the default one for a
// new subscription.
func (r *Registry) Enable(ctx context.Context, communityId string, cadence time.Duration) (model.TrackingSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, err := r.getOrLoadLocked(ctx, communityId)
	if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
		return model.TrackingSubscription{}, err
	}

	if sub == nil {
		if cadence <= 0 {
			cadence = model.DefaultScrapeCadence
		}
		created := &model.TrackingSubscription{
			Id:          uuid.New().String(),
			CommunityId: communityId,
			Enabled:     true,
			Cadence:     cadence,
		}
		// Another process may have created the row between our read and write,
		// the unique index on community_id keeps a single row either way.
		res := r.db.WithContext(ctx).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "community_id"}}, DoNothing: true}).
			Create(created)
		if res.Error != nil {
			return model.TrackingSubscription{}, errors.Wrap(res.Error, "fail to create tracking subscription")
		}
		if res.RowsAffected == 0 {
			if err := r.db.WithContext(ctx).Where("community_id = ?", communityId).First(created).Error; err != nil {
				return model.TrackingSubscription{}, errors.Wrap(err, "fail to read concurrently created subscription")
			}
			if err := r.updateLocked(ctx, created, map[string]interface{}{"enabled": true}); err != nil {
				return model.TrackingSubscription{}, err
			}
		}
		r.subs[communityId] = created
		Log.WithFields(logrus.Fields{"community_id": communityId, "cadence": created.Cadence}).Info("tracking enabled")
		return *created, nil
	}

	updates := map[string]interface{}{"enabled": true}
	if cadence > 0 {
		updates["cadence"] = cadence
	}
	if err := r.updateLocked(ctx, sub, updates); err != nil {
		return model.TrackingSubscription{}, err
	}
	Log.WithFields(logrus.Fields{"community_id": communityId, "cadence": sub.Cadence}).Info("tracking enabled")
	return *sub, nil
}

// Disable stops scraping a community. The subscription and its history stay.
func (r *Registry) Disable(ctx context.Context, communityId string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, err := r.getOrLoadLocked(ctx, communityId)
	if err != nil {
		return err
	}
	if !sub.Enabled {
		return nil
	}
	if err := r.updateLocked(ctx, sub, map[string]interface{}{"enabled": false}); err != nil {
		return err
	}
	Log.WithField("community_id", communityId).Info("tracking disabled")
	return nil
}

// DueForScrape returns copies of the subscriptions due at now, ordered by
// community id so callers get a stable order.
func (r *Registry) DueForScrape(now time.Time) []model.TrackingSubscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	due := []model.TrackingSubscription{}
	for _, sub := range r.subs {
		if sub.IsDue(now) {
			due = append(due, *sub)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CommunityId < due[j].CommunityId })
	return due
}

// RecordSuccess marks a successful scrape finished at the given time and
// clears the failure streak.
func (r *Registry) RecordSuccess(ctx context.Context, communityId string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, err := r.getOrLoadLocked(ctx, communityId)
	if err != nil {
		return err
	}
	return r.updateLocked(ctx, sub, map[string]interface{}{
		"last_scraped_at":      at,
		"consecutive_failures": 0,
	})
}

// RecordFailure extends the failure streak and returns its new length.
// LastScrapedAt is untouched so the community stays due.
func (r *Registry) RecordFailure(ctx context.Context, communityId string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, err := r.getOrLoadLocked(ctx, communityId)
	if err != nil {
		return 0, err
	}
	failures := sub.ConsecutiveFailures + 1
	if err := r.updateLocked(ctx, sub, map[string]interface{}{"consecutive_failures": failures}); err != nil {
		return 0, err
	}
	return failures, nil
}

func (r *Registry) Get(communityId string) (model.TrackingSubscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[communityId]
	if !ok {
		return model.TrackingSubscription{}, false
	}
	return *sub, true
}

func (r *Registry) List() []model.TrackingSubscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := make([]model.TrackingSubscription, 0, len(r.subs))
	for _, sub := range r.subs {
		res = append(res, *sub)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CommunityId < res[j].CommunityId })
	return res
}

// getOrLoadLocked falls back to the database for subscriptions created by
// another process after Load.
func (r *Registry) getOrLoadLocked(ctx context.Context, communityId string) (*model.TrackingSubscription, error) {
	if sub, ok := r.subs[communityId]; ok {
		return sub, nil
	}
	var sub model.TrackingSubscription
	res := r.db.WithContext(ctx).Where("community_id = ?", communityId).Limit(1).Find(&sub)
	if res.Error != nil {
		return nil, errors.Wrap(res.Error, "fail to read tracking subscription")
	}
	if res.RowsAffected == 0 {
		return nil, errors.Wrapf(ErrSubscriptionNotFound, "community %s", communityId)
	}
	r.subs[communityId] = &sub
	return &sub, nil
}

// updateLocked writes the columns first and only then applies them to the
// cached row, so a failed write leaves memory consistent with the database.
func (r *Registry) updateLocked(ctx context.Context, sub *model.TrackingSubscription, updates map[string]interface{}) error {
	if err := r.db.WithContext(ctx).Model(&model.TrackingSubscription{}).
		Where("id = ?", sub.Id).Updates(updates).Error; err != nil {
		return errors.Wrapf(err, "fail to update tracking subscription of community %s", sub.CommunityId)
	}
	for column, value := range updates {
		switch column {
		case "enabled":
			sub.Enabled = value.(bool)
		case "cadence":
			sub.Cadence = value.(time.Duration)
		case "last_scraped_at":
			at := value.(time.Time)
			sub.LastScrapedAt = &at
		case "consecutive_failures":
			sub.ConsecutiveFailures = value.(int)
		}
	}
	sub.UpdatedAt = time.Now()
	return nil
}
