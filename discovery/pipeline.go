package discovery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Luismorlan/communitymux/model"
	"github.com/Luismorlan/communitymux/protocol"
	"github.com/Luismorlan/communitymux/utils"
	. "github.com/Luismorlan/communitymux/utils/log"
)

const DefaultClassifierConcurrency = 4

// Tracker starts tracking accepted communities. tracking.Registry implements
// it.
type Tracker interface {
	Enable(ctx context.Context, communityId string, cadence time.Duration) (model.TrackingSubscription, error)
}

type PipelineConfig struct {
	// Cadence of subscriptions created for accepted communities.
	Cadence time.Duration
	// Candidates classified concurrently.
	Concurrency int
}

// Pipeline runs a query through extraction, discovery and classification.
// It is the only writer of Query.Status once the query has been submitted.
type Pipeline struct {
	db         *gorm.DB
	extractor  *TopicExtractor
	engine     *Engine
	classifier *Classifier
	profiles   ProfileSource
	tracker    Tracker
	cfg        PipelineConfig
}

func NewPipeline(
	db *gorm.DB,
	extractor *TopicExtractor,
	engine *Engine,
	classifier *Classifier,
	profiles ProfileSource,
	tracker Tracker,
	cfg PipelineConfig,
) *Pipeline {
	if cfg.Cadence <= 0 {
		cfg.Cadence = model.DefaultScrapeCadence
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultClassifierConcurrency
	}
	return &Pipeline{
		db:         db,
		extractor:  extractor,
		engine:     engine,
		classifier: classifier,
		profiles:   profiles,
		tracker:    tracker,
		cfg:        cfg,
	}
}

// PipelineResult summarizes one query run, it is also the TaskLog result.
type PipelineResult struct {
	QueryId     string   `json:"query_id"`
	Topics      []string `json:"topics"`
	Candidates  int      `json:"candidates"`
	FailedTerms int      `json:"failed_terms"`
	// Community ids of accepted candidates.
	Accepted []string `json:"accepted"`
	Rejected int      `json:"rejected"`
	// Rejected earlier for the same topics, not classified again.
	Skipped int `json:"skipped"`
}

// Run executes the query to a terminal status. Running a terminal query is a
// no-op. When ctx is cancelled mid-run the query keeps its intermediate status
// and can be run again from the start.
func (p *Pipeline) Run(ctx context.Context, queryId string) (*PipelineResult, error) {
	var query model.Query
	if err := p.db.WithContext(ctx).Where("id = ?", queryId).First(&query).Error; err != nil {
		return nil, errors.Wrapf(err, "fail to load query %s", queryId)
	}
	if query.Status.IsTerminal() {
		return &PipelineResult{QueryId: queryId, Topics: query.TopicList()}, nil
	}

	task := utils.StartTaskLog(ctx, p.db, model.TaskTypeProcess, queryId)
	result, err := p.run(ctx, &query)
	utils.FinishTaskLog(ctx, p.db, task, result, err)
	return result, err
}

func (p *Pipeline) run(ctx context.Context, query *model.Query) (*PipelineResult, error) {
	logger := Log.WithField("query_id", query.Id)
	result := &PipelineResult{QueryId: query.Id, Accepted: []string{}}

	topics, err := p.extractor.Extract(ctx, query.RawText)
	if err != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		logger.Errorln("query failed:", err)
		if failErr := p.fail(ctx, query, err); failErr != nil {
			return result, failErr
		}
		return result, err
	}
	result.Topics = topics
	query.SetTopics(topics)
	if err := p.setStatus(ctx, query, model.QueryStatusTopicsExtracted, map[string]interface{}{"topics": query.Topics}); err != nil {
		return result, err
	}

	if err := p.setStatus(ctx, query, model.QueryStatusDiscovering, nil); err != nil {
		return result, err
	}
	candidates, failures := p.engine.Discover(ctx, topics)
	result.Candidates = len(candidates)
	result.FailedTerms = len(failures)
	logger.WithFields(logrus.Fields{"candidates": len(candidates), "failed_terms": len(failures)}).Info("discovery finished")

	if err := p.setStatus(ctx, query, model.QueryStatusFiltering, nil); err != nil {
		return result, err
	}
	if err := p.filter(ctx, query, topics, candidates, result); err != nil {
		return result, err
	}
	if ctx.Err() != nil {
		return result, ctx.Err()
	}

	now := time.Now()
	if err := p.setStatus(ctx, query, model.QueryStatusDone, map[string]interface{}{"completed_at": now}); err != nil {
		return result, err
	}
	logger.WithFields(logrus.Fields{"accepted": len(result.Accepted), "rejected": result.Rejected, "skipped": result.Skipped}).Info("query done")
	return result, nil
}

// filter classifies every candidate not already rejected for the same topics.
// Only store errors stop it, candidate level failures end as Rejected.
func (p *Pipeline) filter(ctx context.Context, query *model.Query, topics []string, candidates []string, result *PipelineResult) error {
	if len(candidates) == 0 {
		return nil
	}
	key := TopicsKey(topics)

	var rejectedBefore []string
	if err := p.db.WithContext(ctx).Model(&model.CandidateVerdict{}).
		Where("platform_id IN ? AND topics_key = ? AND state = ? AND query_id <> ?", candidates, key, model.CandidateRejected, query.Id).
		Distinct().Pluck("platform_id", &rejectedBefore).Error; err != nil {
		return errors.Wrap(err, "fail to read skip list")
	}
	skip := map[string]struct{}{}
	for _, id := range rejectedBefore {
		skip[id] = struct{}{}
	}

	toClassify := []string{}
	for _, candidate := range candidates {
		if _, ok := skip[candidate]; !ok {
			toClassify = append(toClassify, candidate)
			continue
		}
		ev := Evaluation{PlatformId: candidate, State: model.CandidateRejected, Reason: "rejected before for the same topics"}
		if _, err := p.record(ctx, query.Id, key, ev); err != nil {
			return err
		}
		result.Skipped++
	}

	var mu sync.Mutex
	qc := QueryContext{Text: query.RawText, Topics: topics}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, candidate := range toClassify {
		candidate := candidate
		g.Go(func() error {
			ev := p.classifier.Classify(gctx, qc, candidate)
			// Nobody judged it. The rerun classifies it again.
			if isCancellation(ev.Err) {
				return nil
			}
			communityId, err := p.record(gctx, query.Id, key, ev)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			if ev.State == model.CandidateAccepted {
				result.Accepted = append(result.Accepted, communityId)
			} else {
				result.Rejected++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	sort.Strings(result.Accepted)
	return nil
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// record persists the verdict, and for accepted candidates the community and
// its subscription. It returns the community id of accepted candidates.
func (p *Pipeline) record(ctx context.Context, queryId string, topicsKey string, ev Evaluation) (string, error) {
	if ev.State == model.CandidateAccepted && ev.Profile == nil && p.profiles != nil {
		profile, err := p.profiles.Describe(ctx, ev.PlatformId)
		if err != nil {
			Log.WithField("candidate", ev.PlatformId).Warnln("accepted without profile:", err)
		}
		ev.Profile = profile
	}

	verdict := model.CandidateVerdict{
		Id:         uuid.New().String(),
		QueryId:    queryId,
		PlatformId: ev.PlatformId,
		TopicsKey:  topicsKey,
		State:      ev.State,
		Confidence: ev.Confidence,
		Attempts:   ev.Attempts,
		Reason:     ev.Reason,
	}

	var community *model.Community
	err := p.db.WithContext(context.WithoutCancel(ctx)).Transaction(func(tx *gorm.DB) error {
		if ev.State == model.CandidateAccepted {
			c, err := upsertCommunity(tx, queryId, ev)
			if err != nil {
				return err
			}
			community = c
			verdict.CommunityId = &c.Id
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "query_id"}, {Name: "platform_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"topics_key", "community_id", "state", "confidence", "attempts", "reason"}),
		}).Create(&verdict).Error
	})
	if err != nil {
		return "", errors.Wrapf(err, "fail to record verdict of %s", ev.PlatformId)
	}
	if community == nil {
		return "", nil
	}

	if _, err := p.tracker.Enable(context.WithoutCancel(ctx), community.Id, p.cfg.Cadence); err != nil {
		return "", errors.Wrapf(err, "fail to track community %s", community.Id)
	}
	return community.Id, nil
}

func upsertCommunity(tx *gorm.DB, queryId string, ev Evaluation) (*model.Community, error) {
	community := &model.Community{
		Id:                   uuid.New().String(),
		PlatformId:           ev.PlatformId,
		DisplayName:          ev.PlatformId,
		RelevanceScore:       ev.Confidence,
		DiscoveredViaQueryId: &queryId,
	}
	if ev.Profile != nil {
		applyProfile(community, ev.Profile)
	}
	res := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "platform_id"}}, DoNothing: true}).Create(community)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 1 {
		return community, nil
	}

	existing := &model.Community{}
	if err := tx.Where("platform_id = ?", ev.PlatformId).First(existing).Error; err != nil {
		return nil, err
	}
	updates := map[string]interface{}{"relevance_score": ev.Confidence}
	if ev.Profile != nil {
		updates["display_name"] = ev.Profile.DisplayName
		updates["description"] = ev.Profile.Description
		updates["url"] = ev.Profile.URL
		updates["members_count"] = ev.Profile.MembersCount
	}
	if existing.DiscoveredViaQueryId != nil && *existing.DiscoveredViaQueryId != queryId {
		updates["discovered_via_query_id"] = nil
	}
	if err := tx.Model(existing).Updates(updates).Error; err != nil {
		return nil, err
	}
	return existing, nil
}

func applyProfile(c *model.Community, profile *protocol.CommunityProfile) {
	if profile.DisplayName != "" {
		c.DisplayName = profile.DisplayName
	}
	c.Description = profile.Description
	c.URL = profile.URL
	c.MembersCount = profile.MembersCount
}

func (p *Pipeline) setStatus(ctx context.Context, query *model.Query, status model.QueryStatus, extra map[string]interface{}) error {
	updates := map[string]interface{}{"status": status}
	for k, v := range extra {
		updates[k] = v
	}
	if err := p.db.WithContext(ctx).Model(query).Updates(updates).Error; err != nil {
		return errors.Wrapf(err, "fail to move query %s to %s", query.Id, status)
	}
	query.Status = status
	return nil
}

// fail is written even if ctx has been cancelled, a query must not be left
// behind as failed in memory only.
func (p *Pipeline) fail(ctx context.Context, query *model.Query, cause error) error {
	return p.setStatus(context.WithoutCancel(ctx), query, model.QueryStatusFailed, map[string]interface{}{
		"error_message": utils.Summarize(cause.Error(), 500),
		"completed_at":  time.Now(),
	})
}

// UnfinishedQueries returns the ids of queries that have not reached a
// terminal status, oldest first, so they can be resumed after a restart.
func (p *Pipeline) UnfinishedQueries(ctx context.Context) ([]string, error) {
	var ids []string
	err := p.db.WithContext(ctx).Model(&model.Query{}).
		Where("status NOT IN ?", []model.QueryStatus{model.QueryStatusDone, model.QueryStatusFailed}).
		Order("created_at").Pluck("id", &ids).Error
	return ids, errors.Wrap(err, "fail to list unfinished queries")
}

// TopicsKey fingerprints a topic set independently of order and case.
func TopicsKey(topics []string) string {
	normalized := make([]string, 0, len(topics))
	for _, t := range topics {
		normalized = append(normalized, strings.ToLower(strings.Join(strings.Fields(t), " ")))
	}
	sort.Strings(normalized)
	sum := sha256.Sum256([]byte(strings.Join(normalized, "\n")))
	return hex.EncodeToString(sum[:])
}
