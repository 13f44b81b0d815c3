package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/Luismorlan/communitymux/llm"
	"github.com/Luismorlan/communitymux/model"
	"github.com/Luismorlan/communitymux/protocol"
	"github.com/Luismorlan/communitymux/tracking"
	"github.com/Luismorlan/communitymux/utils"
)

type pipelineFixture struct {
	db       *gorm.DB
	reasoner *fakeReasoner
	proxy    *fakeSearchProxy
	profiles *fakeProfiles
	registry *tracking.Registry
	pipeline *Pipeline
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	db := utils.CreateTempDB(t)
	f := &pipelineFixture{
		db:       db,
		reasoner: newFakeReasoner(),
		proxy:    newFakeSearchProxy(),
		profiles: &fakeProfiles{profiles: map[string]*protocol.CommunityProfile{}},
		registry: tracking.NewRegistry(db),
	}
	f.pipeline = NewPipeline(
		db,
		NewTopicExtractor(f.reasoner, 8),
		NewEngine(f.proxy, 20, 0),
		NewClassifier(f.reasoner, f.profiles, ClassifierConfig{}),
		f.profiles,
		f.registry,
		PipelineConfig{Cadence: time.Hour, Concurrency: 3},
	)
	return f
}

func (f *pipelineFixture) submit(t *testing.T, text string) string {
	q := model.Query{Id: uuid.New().String(), RawText: text, Status: model.QueryStatusPending}
	require.NoError(t, f.db.Create(&q).Error)
	return q.Id
}

// camping scenario: two of five candidates are relevant.
func (f *pipelineFixture) seedCampingScenario() {
	f.reasoner.topics = [][]string{{"camping", "RV travel"}}
	f.proxy.results["camping"] = []string{"r/camping", "r/cooking", "r/tentcamping"}
	f.proxy.results["RV travel"] = []string{"r/GoRVing", "r/knitting", "r/taxes"}
	f.reasoner.confidences["r/camping"] = []float64{0.92}
	f.reasoner.confidences["r/gorving"] = []float64{0.85}
	f.reasoner.confidences["r/cooking"] = []float64{0.1}
	f.reasoner.confidences["r/tentcamping"] = []float64{0.55}
	f.reasoner.confidences["r/knitting"] = []float64{0.05}
	f.reasoner.confidences["r/taxes"] = []float64{0.2}
	f.profiles.profiles["r/camping"] = &protocol.CommunityProfile{PlatformId: "r/camping", DisplayName: "Camping", Description: "camping stuff", URL: "https://www.reddit.com/r/camping", MembersCount: 3000}
	f.profiles.profiles["r/gorving"] = &protocol.CommunityProfile{PlatformId: "r/gorving", DisplayName: "GoRVing", MembersCount: 400}
}

func TestPipeline_CampingScenario(t *testing.T) {
	f := newPipelineFixture(t)
	f.seedCampingScenario()
	queryId := f.submit(t, "camping and RV lifestyle")

	result, err := f.pipeline.Run(context.Background(), queryId)
	require.NoError(t, err)
	assert.Equal(t, []string{"camping", "RV travel"}, result.Topics)
	assert.Equal(t, 6, result.Candidates)
	assert.Len(t, result.Accepted, 2)
	assert.Equal(t, 4, result.Rejected)

	var query model.Query
	require.NoError(t, f.db.First(&query, "id = ?", queryId).Error)
	assert.Equal(t, model.QueryStatusDone, query.Status)
	assert.Equal(t, []string{"camping", "RV travel"}, query.TopicList())
	assert.NotNil(t, query.CompletedAt)

	var communities []model.Community
	require.NoError(t, f.db.Order("platform_id").Find(&communities).Error)
	require.Len(t, communities, 2)
	assert.Equal(t, "r/camping", communities[0].PlatformId)
	assert.Equal(t, "Camping", communities[0].DisplayName)
	assert.Equal(t, 3000, communities[0].MembersCount)
	assert.Equal(t, 0.92, communities[0].RelevanceScore)
	require.NotNil(t, communities[0].DiscoveredViaQueryId)
	assert.Equal(t, queryId, *communities[0].DiscoveredViaQueryId)
	assert.Equal(t, "r/gorving", communities[1].PlatformId)

	subs := f.registry.List()
	require.Len(t, subs, 2)
	for _, sub := range subs {
		assert.True(t, sub.Enabled)
		assert.Equal(t, time.Hour, sub.Cadence)
	}

	var verdicts []model.CandidateVerdict
	require.NoError(t, f.db.Where("query_id = ?", queryId).Find(&verdicts).Error)
	assert.Len(t, verdicts, 6)
	for _, v := range verdicts {
		assert.True(t, v.State.IsTerminal(), v.PlatformId)
		if v.PlatformId == "r/tentcamping" {
			assert.Equal(t, model.CandidateRejected, v.State)
			assert.Equal(t, 2, v.Attempts)
		}
	}

	var tasks []model.TaskLog
	require.NoError(t, f.db.Where("task_type = ?", model.TaskTypeProcess).Find(&tasks).Error)
	require.Len(t, tasks, 1)
	assert.Equal(t, model.TaskStatusSucceeded, tasks[0].Status)

	// terminal queries are not run again
	again, err := f.pipeline.Run(context.Background(), queryId)
	require.NoError(t, err)
	assert.Empty(t, again.Accepted)
	assert.Equal(t, 1, f.reasoner.classifyCalls("r/camping"))
}

func TestPipeline_SkipsPreviouslyRejected(t *testing.T) {
	f := newPipelineFixture(t)
	f.seedCampingScenario()

	_, err := f.pipeline.Run(context.Background(), f.submit(t, "camping and RV lifestyle"))
	require.NoError(t, err)
	secondId := f.submit(t, "RV lifestyle and camping")
	result, err := f.pipeline.Run(context.Background(), secondId)
	require.NoError(t, err)

	assert.Equal(t, 4, result.Skipped)
	assert.Equal(t, 0, result.Rejected)
	assert.Len(t, result.Accepted, 2)
	assert.Equal(t, 1, f.reasoner.classifyCalls("r/cooking"))
	assert.Equal(t, 3, f.reasoner.classifyCalls("r/tentcamping"))

	// a second accepting query clears the discovered-via reference
	var community model.Community
	require.NoError(t, f.db.First(&community, "platform_id = ?", "r/camping").Error)
	assert.Nil(t, community.DiscoveredViaQueryId)
	assert.Len(t, f.registry.List(), 2)
}

// cancellingReasoner cancels the run on its first relevance call.
type cancellingReasoner struct {
	*fakeReasoner
	cancel context.CancelFunc
}

func (r *cancellingReasoner) ClassifyRelevance(ctx context.Context, _ llm.RelevanceRequest) (float64, error) {
	r.cancel()
	<-ctx.Done()
	return 0, ctx.Err()
}

func TestPipeline_CancelledClassificationIsNotRemembered(t *testing.T) {
	f := newPipelineFixture(t)
	f.reasoner.topics = [][]string{{"camping"}}
	f.proxy.results["camping"] = []string{"r/camping"}
	f.reasoner.confidences["r/camping"] = []float64{0.92}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	interrupted := NewPipeline(
		f.db,
		NewTopicExtractor(f.reasoner, 8),
		NewEngine(f.proxy, 20, 0),
		NewClassifier(&cancellingReasoner{fakeReasoner: f.reasoner, cancel: cancel}, f.profiles, ClassifierConfig{}),
		f.profiles,
		f.registry,
		PipelineConfig{Cadence: time.Hour, Concurrency: 3},
	)
	firstId := f.submit(t, "camping")
	_, err := interrupted.Run(ctx, firstId)
	assert.ErrorIs(t, err, context.Canceled)

	var verdicts int64
	require.NoError(t, f.db.Model(&model.CandidateVerdict{}).Where("query_id = ?", firstId).Count(&verdicts).Error)
	assert.Equal(t, int64(0), verdicts)
	var first model.Query
	require.NoError(t, f.db.First(&first, "id = ?", firstId).Error)
	assert.False(t, first.Status.IsTerminal())

	// another query with the same topics still asks the classifier
	result, err := f.pipeline.Run(context.Background(), f.submit(t, "camping trips"))
	require.NoError(t, err)
	assert.Equal(t, 0, result.Skipped)
	assert.Len(t, result.Accepted, 1)
	assert.Equal(t, 1, f.reasoner.classifyCalls("r/camping"))
}

func TestPipeline_ExtractionFailureFailsQuery(t *testing.T) {
	f := newPipelineFixture(t)
	f.reasoner.topicErrs = []error{errors.New("llm down"), errors.New("llm down")}
	queryId := f.submit(t, "camping")

	_, err := f.pipeline.Run(context.Background(), queryId)
	assert.ErrorIs(t, err, ErrExtractionFailure)

	var query model.Query
	require.NoError(t, f.db.First(&query, "id = ?", queryId).Error)
	assert.Equal(t, model.QueryStatusFailed, query.Status)
	assert.Contains(t, query.ErrorMessage, "llm down")
	assert.NotNil(t, query.CompletedAt)
}

func TestPipeline_DiscoveryFailuresStillFinish(t *testing.T) {
	f := newPipelineFixture(t)
	f.reasoner.topics = [][]string{{"camping", "RV travel"}}
	f.proxy.failures["camping"] = 2
	f.proxy.results["RV travel"] = []string{"r/rvliving"}
	f.reasoner.confidences["r/rvliving"] = []float64{0.9}
	queryId := f.submit(t, "camping and RV lifestyle")

	result, err := f.pipeline.Run(context.Background(), queryId)
	require.NoError(t, err)
	assert.Equal(t, 1, result.FailedTerms)
	assert.Len(t, result.Accepted, 1)

	var query model.Query
	require.NoError(t, f.db.First(&query, "id = ?", queryId).Error)
	assert.Equal(t, model.QueryStatusDone, query.Status)
}

func TestPipeline_UnfinishedQueries(t *testing.T) {
	f := newPipelineFixture(t)
	f.seedCampingScenario()
	done := f.submit(t, "camping")
	_, err := f.pipeline.Run(context.Background(), done)
	require.NoError(t, err)
	pending := f.submit(t, "RV")

	ids, err := f.pipeline.UnfinishedQueries(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{pending}, ids)
}

func TestTopicsKey(t *testing.T) {
	assert.Equal(t, TopicsKey([]string{"camping", "RV travel"}), TopicsKey([]string{"rv  travel", "Camping"}))
	assert.NotEqual(t, TopicsKey([]string{"camping"}), TopicsKey([]string{"camping", "RV travel"}))
}
