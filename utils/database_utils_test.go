package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Luismorlan/communitymux/model"
)

func TestCreateTempDB(t *testing.T) {
	db := CreateTempDB(t)

	for _, table := range []interface{}{
		&model.Query{}, &model.Community{}, &model.CandidateVerdict{},
		&model.TrackingSubscription{}, &model.ContentItem{}, &model.ScrapeRun{},
		&model.Subscriber{}, &model.TaskLog{},
	} {
		assert.True(t, db.Migrator().HasTable(table))
	}
}

func TestContentItemDedupKeyIsUnique(t *testing.T) {
	db := CreateTempDB(t)

	item := model.ContentItem{Id: "a", CommunityId: "c", ExternalId: "x", ContentHash: "h"}
	require.NoError(t, db.Create(&item).Error)

	dup := model.ContentItem{Id: "b", CommunityId: "c", ExternalId: "x", ContentHash: "h2"}
	assert.Error(t, db.Create(&dup).Error)

	other := model.ContentItem{Id: "c", CommunityId: "c2", ExternalId: "x", ContentHash: "h"}
	assert.NoError(t, db.Create(&other).Error)
}

func TestTrackingSubscriptionUniquePerCommunity(t *testing.T) {
	db := CreateTempDB(t)

	require.NoError(t, db.Create(&model.TrackingSubscription{Id: "s1", CommunityId: "c"}).Error)
	assert.Error(t, db.Create(&model.TrackingSubscription{Id: "s2", CommunityId: "c"}).Error)
}
