// Package publisher turns fetched raw items into deduplicated ContentItems.
package publisher

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Luismorlan/communitymux/model"
	"github.com/Luismorlan/communitymux/protocol"
	. "github.com/Luismorlan/communitymux/utils/log"
)

// ErrIngestionConflict means a concurrent writer changed the item between our
// read and our conditional write. The upsert is retried.
var ErrIngestionConflict = errors.New("ingestion conflict")

const DefaultMaxConflictRetries = 3

type upsertOutcome int

const (
	upsertUnchanged upsertOutcome = iota
	upsertInserted
	upsertUpdated
)

// IngestResult counts what one batch did. Inserted plus Updated is what a
// ScrapeRun reports as ingested.
type IngestResult struct {
	Inserted    int      `json:"inserted"`
	Updated     int      `json:"updated"`
	Unchanged   int      `json:"unchanged"`
	Failed      int      `json:"failed"`
	InsertedIds []string `json:"inserted_ids,omitempty"`
	FirstError  string   `json:"first_error,omitempty"`
}

type Ingester struct {
	db                 *gorm.DB
	maxConflictRetries int
	now                func() time.Time
}

func NewIngester(db *gorm.DB) *Ingester {
	return &Ingester{db: db, maxConflictRetries: DefaultMaxConflictRetries, now: time.Now}
}

// Ingest upserts items in order. Invalid items and items that keep
// conflicting are counted as failed, any other store error aborts the batch.
func (i *Ingester) Ingest(ctx context.Context, communityId string, items []protocol.RawItem) (IngestResult, error) {
	result := IngestResult{}
	logger := Log.WithField("community_id", communityId)

	for idx, raw := range items {
		n, err := Normalize(raw)
		if err != nil {
			result.fail(err)
			logger.WithField("index", idx).Debugln("skipping raw item:", err)
			continue
		}

		outcome, id, err := i.upsertWithRetry(ctx, communityId, n)
		if errors.Is(err, ErrIngestionConflict) {
			result.fail(err)
			logger.WithField("external_id", n.ExternalId).Warnln("giving up on item:", err)
			continue
		}
		if err != nil {
			return result, errors.Wrapf(err, "fail to upsert item %s", n.ExternalId)
		}
		switch outcome {
		case upsertInserted:
			result.Inserted++
			result.InsertedIds = append(result.InsertedIds, id)
		case upsertUpdated:
			result.Updated++
		default:
			result.Unchanged++
		}
	}

	logger.WithFields(logrus.Fields{
		"inserted":  result.Inserted,
		"updated":   result.Updated,
		"unchanged": result.Unchanged,
		"failed":    result.Failed,
	}).Debug("batch ingested")
	return result, nil
}

func (r *IngestResult) fail(err error) {
	r.Failed++
	if r.FirstError == "" {
		r.FirstError = err.Error()
	}
}

func (i *Ingester) upsertWithRetry(ctx context.Context, communityId string, n NormalizedItem) (upsertOutcome, string, error) {
	var err error
	for attempt := 0; attempt <= i.maxConflictRetries; attempt++ {
		var outcome upsertOutcome
		var id string
		outcome, id, err = i.upsert(ctx, communityId, n)
		if !errors.Is(err, ErrIngestionConflict) {
			return outcome, id, err
		}
		if ctx.Err() != nil {
			return upsertUnchanged, "", ctx.Err()
		}
	}
	return upsertUnchanged, "", errors.Wrapf(err, "after %d retries", i.maxConflictRetries)
}

// upsert is a single transaction: read by dedup key, then either an insert
// that does nothing on a key conflict, or an update conditioned on the hash we
// read. Zero affected rows in either write means we raced another writer.
func (i *Ingester) upsert(ctx context.Context, communityId string, n NormalizedItem) (outcome upsertOutcome, id string, err error) {
	now := i.now()
	err = i.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.ContentItem
		res := tx.Where("community_id = ? AND external_id = ?", communityId, n.ExternalId).Limit(1).Find(&existing)
		if res.Error != nil {
			return res.Error
		}

		// Hash-derived ids move with the timestamp, so known content under a
		// new hashed id is the same item.
		if res.RowsAffected == 0 && n.HashedIdentity() {
			var sameContent int64
			if err := tx.Model(&model.ContentItem{}).
				Where("community_id = ? AND content_hash = ?", communityId, n.ContentHash).
				Count(&sameContent).Error; err != nil {
				return err
			}
			if sameContent > 0 {
				outcome = upsertUnchanged
				return nil
			}
		}

		if res.RowsAffected == 0 {
			item := model.ContentItem{
				Id:                uuid.New().String(),
				CommunityId:       communityId,
				ExternalId:        n.ExternalId,
				ContentHash:       n.ContentHash,
				Title:             n.Title,
				Body:              n.Body,
				Author:            n.Author,
				URL:               n.URL,
				Upvotes:           n.Upvotes,
				CommentsCount:     n.CommentsCount,
				ExternalCreatedAt: n.ExternalCreatedAt,
				IngestedAt:        now,
				UpdatedAt:         now,
			}
			ins := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "community_id"}, {Name: "external_id"}},
				DoNothing: true,
			}).Create(&item)
			if ins.Error != nil {
				return ins.Error
			}
			if ins.RowsAffected == 0 {
				return ErrIngestionConflict
			}
			outcome, id = upsertInserted, item.Id
			return nil
		}

		if existing.ContentHash == n.ContentHash {
			outcome, id = upsertUnchanged, existing.Id
			return nil
		}
		upd := tx.Model(&model.ContentItem{}).
			Where("id = ? AND content_hash = ?", existing.Id, existing.ContentHash).
			Updates(map[string]interface{}{
				"content_hash":   n.ContentHash,
				"title":          n.Title,
				"body":           n.Body,
				"url":            n.URL,
				"upvotes":        n.Upvotes,
				"comments_count": n.CommentsCount,
				"revision":       gorm.Expr("revision + 1"),
				"updated_at":     now,
			})
		if upd.Error != nil {
			return upd.Error
		}
		if upd.RowsAffected == 0 {
			return ErrIngestionConflict
		}
		outcome, id = upsertUpdated, existing.Id
		return nil
	})
	return outcome, id, err
}
