// Package collector fetches community content from the content source. Every
// fetch is recorded as a ScrapeRun and guarded by a per-community circuit
// breaker.
package collector

import (
	"context"
	"math/rand"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/Luismorlan/communitymux/collector/clients"
	"github.com/Luismorlan/communitymux/model"
	"github.com/Luismorlan/communitymux/panoptic"
	"github.com/Luismorlan/communitymux/protocol"
	"github.com/Luismorlan/communitymux/publisher"
	"github.com/Luismorlan/communitymux/utils"
	. "github.com/Luismorlan/communitymux/utils/log"
)

var (
	// ErrFetchTransient is a network class failure that survived its retry.
	// It counts against the community's breaker.
	ErrFetchTransient = errors.New("transient fetch failure")
	// ErrFetchFatal means the community is gone. Its subscription is disabled.
	ErrFetchFatal = errors.New("fatal fetch failure")
	// ErrCircuitOpen is returned without any fetch or ScrapeRun.
	ErrCircuitOpen = errors.New("circuit breaker open")
	// ErrPartialPage is the error summary of runs that only got some pages.
	ErrPartialPage = errors.New("partial page")
)

const (
	DefaultFetchTimeout    = 30 * time.Second
	DefaultFetchRetryDelay = time.Second
	finalizeTimeout        = 10 * time.Second
	errorSummaryLength     = 500
)

type ContentSource interface {
	FetchCommunityContent(ctx context.Context, platformId string, since *time.Time) ([]protocol.RawItem, error)
}

type Ingester interface {
	Ingest(ctx context.Context, communityId string, items []protocol.RawItem) (publisher.IngestResult, error)
}

// Registry is the part of tracking.Registry the fetcher reports to.
type Registry interface {
	RecordSuccess(ctx context.Context, communityId string, at time.Time) error
	RecordFailure(ctx context.Context, communityId string) (int, error)
	Disable(ctx context.Context, communityId string) error
}

type FetcherConfig struct {
	// Bound of a single fetch attempt.
	Timeout time.Duration
	// Base delay before the retry of a transient failure, up to the same
	// amount of jitter is added.
	RetryDelay time.Duration
}

type Fetcher struct {
	db       *gorm.DB
	source   ContentSource
	ingester Ingester
	registry Registry
	breakers *BreakerSet
	// nil disables event publishing
	bus message.Publisher
	cfg FetcherConfig
	now func() time.Time
}

func NewFetcher(
	db *gorm.DB,
	source ContentSource,
	ingester Ingester,
	registry Registry,
	breakers *BreakerSet,
	bus message.Publisher,
	cfg FetcherConfig,
) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultFetchTimeout
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = DefaultFetchRetryDelay
	}
	if breakers == nil {
		breakers = NewBreakerSet()
	}
	return &Fetcher{
		db:       db,
		source:   source,
		ingester: ingester,
		registry: registry,
		breakers: breakers,
		bus:      bus,
		cfg:      cfg,
		now:      time.Now,
	}
}

func (f *Fetcher) Breakers() *BreakerSet {
	return f.breakers
}

// ScrapeReport describes one Scrape call. Run is the zero value when the
// breaker short-circuited the fetch.
type ScrapeReport struct {
	Run     model.ScrapeRun
	Result  publisher.IngestResult
	Skipped bool
}

// Scrape fetches and ingests a community's new content. The ScrapeRun it
// opens is closed on every return path, including cancellation and panics.
// Runs ending as PartialFailure return a nil error, the degradation is in the
// run's error summary.
func (f *Fetcher) Scrape(ctx context.Context, communityId string) (report ScrapeReport, err error) {
	var community model.Community
	if err := f.db.WithContext(ctx).Where("id = ?", communityId).First(&community).Error; err != nil {
		return report, errors.Wrapf(err, "fail to load community %s", communityId)
	}

	breaker := f.breakers.Get(communityId)
	if !breaker.Allow() {
		report.Skipped = true
		return report, errors.Wrapf(ErrCircuitOpen, "community %s until %s", communityId, breaker.OpenUntil().Format(time.RFC3339))
	}

	run := &model.ScrapeRun{
		Id:          uuid.New().String(),
		CommunityId: communityId,
		StartedAt:   f.now(),
		Outcome:     model.ScrapeOutcomeRunning,
	}
	if err := f.db.WithContext(ctx).Create(run).Error; err != nil {
		breaker.Abandon()
		return report, errors.Wrap(err, "fail to open scrape run")
	}
	task := utils.StartTaskLog(ctx, f.db, model.TaskTypeScrape, run.Id)

	outcome := model.ScrapeOutcomeFailure
	var result publisher.IngestResult
	defer func() {
		p := recover()
		if p != nil {
			breaker.Abandon()
			outcome = model.ScrapeOutcomeFailure
			err = errors.Errorf("panic during scrape: %v", p)
		}
		f.finalize(ctx, run, &community, outcome, result, err)
		utils.FinishTaskLog(ctx, f.db, task, result, err)
		report.Run = *run
		report.Result = result
		if outcome != model.ScrapeOutcomeFailure {
			err = nil
		}
		if p != nil {
			panic(p)
		}
	}()

	outcome, result, err = f.attempt(ctx, &community, run, breaker)
	return report, err
}

func (f *Fetcher) attempt(ctx context.Context, community *model.Community, run *model.ScrapeRun, breaker *Breaker) (model.ScrapeOutcome, publisher.IngestResult, error) {
	logger := Log.WithFields(logrus.Fields{"community_id": community.Id, "platform_id": community.PlatformId, "scrape_run_id": run.Id})
	noCancel := context.WithoutCancel(ctx)

	since, err := f.lastSuccessStart(ctx, community.Id)
	if err != nil {
		breaker.Abandon()
		return model.ScrapeOutcomeFailure, publisher.IngestResult{}, err
	}

	items, fetchErr := f.fetchWithRetry(ctx, community.PlatformId, since)
	var partial *clients.PartialPageError
	isPartial := errors.As(fetchErr, &partial)

	if fetchErr != nil && !isPartial {
		switch {
		case ctx.Err() != nil:
			breaker.Abandon()
			return model.ScrapeOutcomeFailure, publisher.IngestResult{}, errors.Wrap(ctx.Err(), "scrape cancelled")
		case errors.Is(fetchErr, clients.ErrNotFound):
			breaker.Abandon()
			logger.Warnln("community is gone, disabling tracking:", fetchErr)
			if err := f.registry.Disable(noCancel, community.Id); err != nil {
				logger.Errorln("fail to disable tracking:", err)
			}
			return model.ScrapeOutcomeFailure, publisher.IngestResult{}, errors.Wrapf(ErrFetchFatal, "%v", fetchErr)
		default:
			breaker.RecordFailure()
			failures, err := f.registry.RecordFailure(noCancel, community.Id)
			if err != nil {
				logger.Errorln("fail to record failure:", err)
			}
			logger.WithFields(logrus.Fields{"consecutive_failures": failures, "breaker": breaker.State().String()}).Warnln("fetch failed:", fetchErr)
			return model.ScrapeOutcomeFailure, publisher.IngestResult{}, errors.Wrapf(ErrFetchTransient, "%v", fetchErr)
		}
	}
	breaker.RecordSuccess()

	result, err := f.ingester.Ingest(ctx, community.Id, items)
	if err != nil {
		return model.ScrapeOutcomeFailure, result, errors.Wrap(err, "fail to ingest")
	}
	if err := f.registry.RecordSuccess(noCancel, community.Id, f.now()); err != nil {
		logger.Errorln("fail to record success:", err)
	}

	if isPartial {
		return model.ScrapeOutcomePartialFailure, result, errors.Wrapf(ErrPartialPage, "%v", fetchErr)
	}
	if result.Failed > 0 {
		return model.ScrapeOutcomePartialFailure, result, errors.Errorf("%d item(s) failed: %s", result.Failed, result.FirstError)
	}
	return model.ScrapeOutcomeSuccess, result, nil
}

// fetchWithRetry retries once, after a jittered delay, when the first attempt
// failed for a transient reason.
func (f *Fetcher) fetchWithRetry(ctx context.Context, platformId string, since *time.Time) ([]protocol.RawItem, error) {
	items, err := f.fetchOnce(ctx, platformId, since)
	if err == nil || !isRetryable(err) || ctx.Err() != nil {
		return items, err
	}

	delay := f.cfg.RetryDelay
	if delay > 0 {
		delay += time.Duration(rand.Int63n(int64(delay)))
	}
	Log.WithField("platform_id", platformId).Infof("retrying fetch in %s: %v", delay, err)
	select {
	case <-ctx.Done():
		return nil, err
	case <-time.After(delay):
	}
	return f.fetchOnce(ctx, platformId, since)
}

func (f *Fetcher) fetchOnce(ctx context.Context, platformId string, since *time.Time) ([]protocol.RawItem, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()
	return f.source.FetchCommunityContent(attemptCtx, platformId, since)
}

func isRetryable(err error) bool {
	var partial *clients.PartialPageError
	if errors.As(err, &partial) {
		return false
	}
	return !errors.Is(err, clients.ErrNotFound)
}

// lastSuccessStart is the lower bound of the next fetch: the start of the last
// fully successful run. Partial runs do not move it, so pages they missed are
// fetched again.
func (f *Fetcher) lastSuccessStart(ctx context.Context, communityId string) (*time.Time, error) {
	var last model.ScrapeRun
	res := f.db.WithContext(ctx).
		Where("community_id = ? AND outcome = ?", communityId, model.ScrapeOutcomeSuccess).
		Order("started_at DESC").Limit(1).Find(&last)
	if res.Error != nil {
		return nil, errors.Wrap(res.Error, "fail to read last successful run")
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &last.StartedAt, nil
}

// finalize closes the run and announces it. It runs on a context detached
// from ctx so cancelled scrapes are still closed.
func (f *Fetcher) finalize(ctx context.Context, run *model.ScrapeRun, community *model.Community, outcome model.ScrapeOutcome, result publisher.IngestResult, runErr error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	finished := f.now()
	run.FinishedAt = &finished
	run.Outcome = outcome
	run.ItemsInserted = result.Inserted
	run.ItemsUpdated = result.Updated
	run.ItemsIngested = result.Inserted + result.Updated
	run.ItemsFailed = result.Failed
	if runErr != nil {
		run.ErrorSummary = utils.Summarize(runErr.Error(), errorSummaryLength)
	}

	err := f.db.WithContext(cctx).Model(&model.ScrapeRun{}).
		Where("id = ? AND finished_at IS NULL", run.Id).
		Updates(map[string]interface{}{
			"finished_at":    finished,
			"outcome":        outcome,
			"items_ingested": run.ItemsIngested,
			"items_inserted": run.ItemsInserted,
			"items_updated":  run.ItemsUpdated,
			"items_failed":   run.ItemsFailed,
			"error_summary":  run.ErrorSummary,
		}).Error
	if err != nil {
		Log.WithField("scrape_run_id", run.Id).Errorln("fail to close scrape run:", err)
	}

	Log.WithFields(logrus.Fields{
		"community_id":   run.CommunityId,
		"scrape_run_id":  run.Id,
		"outcome":        outcome,
		"items_ingested": run.ItemsIngested,
		"items_failed":   run.ItemsFailed,
	}).Info("scrape run closed")

	f.publish(protocol.TopicScrapeFinished, protocol.ScrapeFinishedEvent{
		ScrapeRunId:   run.Id,
		CommunityId:   run.CommunityId,
		Outcome:       string(outcome),
		ItemsIngested: run.ItemsIngested,
		ItemsFailed:   run.ItemsFailed,
		Duration:      finished.Sub(run.StartedAt),
	})
	if outcome != model.ScrapeOutcomeFailure && result.Inserted > 0 {
		f.publish(protocol.TopicContentIngested, protocol.ContentIngestedEvent{
			ScrapeRunId:   run.Id,
			CommunityId:   run.CommunityId,
			PlatformId:    community.PlatformId,
			Outcome:       string(outcome),
			ItemsInserted: result.Inserted,
			ItemsUpdated:  result.Updated,
			ItemIds:       result.InsertedIds,
			FinishedAt:    finished,
		})
	}
}

func (f *Fetcher) publish(topic string, event interface{}) {
	if f.bus == nil {
		return
	}
	if err := panoptic.PublishEvent(f.bus, topic, event); err != nil {
		Log.WithField("topic", topic).Errorln("fail to publish event:", err)
	}
}
