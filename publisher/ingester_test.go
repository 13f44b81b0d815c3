package publisher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Luismorlan/communitymux/model"
	"github.com/Luismorlan/communitymux/protocol"
	"github.com/Luismorlan/communitymux/utils"
)

func rawItem(id, title, body string) protocol.RawItem {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return protocol.RawItem{PlatformId: id, Title: title, Body: body, Author: "alice", CreatedAt: &created}
}

func countItems(t *testing.T, ingester *Ingester, communityId string) int64 {
	var count int64
	require.NoError(t, ingester.db.Model(&model.ContentItem{}).Where("community_id = ?", communityId).Count(&count).Error)
	return count
}

func TestIngest_Idempotent(t *testing.T) {
	ingester := NewIngester(utils.CreateTempDB(t))
	ctx := context.Background()
	items := []protocol.RawItem{rawItem("a", "Tent advice", "which tent?"), rawItem("b", "RV tips", "level it")}

	first, err := ingester.Ingest(ctx, "c1", items)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Inserted)
	assert.Len(t, first.InsertedIds, 2)

	second, err := ingester.Ingest(ctx, "c1", items)
	require.NoError(t, err)
	assert.Equal(t, IngestResult{Unchanged: 2}, second)
	assert.Equal(t, int64(2), countItems(t, ingester, "c1"))

	// the same external id in another community is another item
	other, err := ingester.Ingest(ctx, "c2", items[:1])
	require.NoError(t, err)
	assert.Equal(t, 1, other.Inserted)
}

func TestIngest_RevisionOnChangedContent(t *testing.T) {
	ingester := NewIngester(utils.CreateTempDB(t))
	ctx := context.Background()

	a := rawItem("a", "Tent advice", "which tent?")
	aPrime := rawItem("a", "Tent advice", "which tent? edit: bought one")
	b := rawItem("b", "RV tips", "level it")

	result, err := ingester.Ingest(ctx, "c1", []protocol.RawItem{a, aPrime, b})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Inserted)
	assert.Equal(t, 1, result.Updated)

	var items []model.ContentItem
	require.NoError(t, ingester.db.Where("community_id = ?", "c1").Order("external_id").Find(&items).Error)
	require.Len(t, items, 2)
	assert.Equal(t, "a", items[0].ExternalId)
	assert.Equal(t, "which tent? edit: bought one", items[0].Body)
	assert.Equal(t, 1, items[0].Revision)
	assert.Equal(t, ContentHash("Tent advice", "which tent? edit: bought one"), items[0].ContentHash)
	assert.Equal(t, 0, items[1].Revision)
}

func TestIngest_InvalidItemsCountAsFailed(t *testing.T) {
	ingester := NewIngester(utils.CreateTempDB(t))

	result, err := ingester.Ingest(context.Background(), "c1", []protocol.RawItem{
		{PlatformId: "empty"},
		{Body: "no title and no id"},
		rawItem("ok", "fine", "fine"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Inserted)
	assert.Equal(t, 2, result.Failed)
	assert.Contains(t, result.FirstError, ErrInvalidItem.Error())
}

func TestIngest_HashedIdentityWithoutPlatformId(t *testing.T) {
	ingester := NewIngester(utils.CreateTempDB(t))
	ctx := context.Background()
	item := protocol.RawItem{Title: "Morning at the lake", Body: "quiet", Author: "bob", CreatedAtRaw: "2024-05-01 08:30:00"}

	first, err := ingester.Ingest(ctx, "c1", []protocol.RawItem{item})
	require.NoError(t, err)
	require.Equal(t, 1, first.Inserted)

	edited := item
	edited.Body = "quiet and cold"
	second, err := ingester.Ingest(ctx, "c1", []protocol.RawItem{edited})
	require.NoError(t, err)
	assert.Equal(t, 1, second.Updated)

	var stored model.ContentItem
	require.NoError(t, ingester.db.Where("community_id = ?", "c1").First(&stored).Error)
	assert.Contains(t, stored.ExternalId, hashedIdPrefix)
	require.NotNil(t, stored.ExternalCreatedAt)
	assert.Equal(t, 8, stored.ExternalCreatedAt.UTC().Hour())
}

func TestIngest_HashedIdentityIsDeduplicatedByContent(t *testing.T) {
	ingester := NewIngester(utils.CreateTempDB(t))
	ctx := context.Background()
	item := protocol.RawItem{Title: "Same post", Body: "same body", Author: "bob", CreatedAtRaw: "2024-05-01 08:30:00"}

	_, err := ingester.Ingest(ctx, "c1", []protocol.RawItem{item})
	require.NoError(t, err)
	// the source reports another timestamp for the same post
	item.CreatedAtRaw = "2024-05-01 08:31:00"
	result, err := ingester.Ingest(ctx, "c1", []protocol.RawItem{item})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Unchanged)
	assert.Equal(t, int64(1), countItems(t, ingester, "c1"))
}

func TestIngest_DistinctPlatformIdsWithSameContent(t *testing.T) {
	ingester := NewIngester(utils.CreateTempDB(t))
	ctx := context.Background()

	first, err := ingester.Ingest(ctx, "c1", []protocol.RawItem{rawItem("a1", "Weekly thread", "")})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Inserted)
	second, err := ingester.Ingest(ctx, "c1", []protocol.RawItem{rawItem("a2", "Weekly thread", "")})
	require.NoError(t, err)
	assert.Equal(t, 1, second.Inserted)
	assert.Equal(t, int64(2), countItems(t, ingester, "c1"))
}

func TestIngest_ConcurrentSameItem(t *testing.T) {
	ingester := NewIngester(utils.CreateTempDB(t))
	items := []protocol.RawItem{}
	for i := 0; i < 5; i++ {
		items = append(items, rawItem(fmt.Sprintf("id-%d", i), fmt.Sprintf("post %d", i), "body"))
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	inserted := 0
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := ingester.Ingest(context.Background(), "c1", items)
			assert.NoError(t, err)
			mu.Lock()
			inserted += result.Inserted
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, inserted)
	assert.Equal(t, int64(5), countItems(t, ingester, "c1"))
}
