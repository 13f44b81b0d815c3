package modules

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/Luismorlan/communitymux/panoptic"
	"github.com/Luismorlan/communitymux/protocol"
	Logger "github.com/Luismorlan/communitymux/utils/log"
)

type ReporterConfig struct {
	Name string
}

// StatsdClient is the subset of *statsd.Client the reporter uses.
type StatsdClient interface {
	Incr(name string, tags []string, rate float64) error
	Count(name string, value int64, tags []string, rate float64) error
	Timing(name string, value time.Duration, tags []string, rate float64) error
}

// Reporter's job is to listen to scrape results and aggregate them, sending
// to Datadog (Or other service if there's any) for monitoring purpose.
type Reporter struct {
	Config ReporterConfig

	Statsd StatsdClient

	EventBus message.Subscriber
}

func NewReporter(config ReporterConfig, statsd StatsdClient, e message.Subscriber) *Reporter {
	return &Reporter{
		Config:   config,
		Statsd:   statsd,
		EventBus: e,
	}
}

// Report one closed ScrapeRun to datadog.
func ReportScrapeResult(event *protocol.ScrapeFinishedEvent, statsd StatsdClient) {
	tags := []string{
		fmt.Sprintf("outcome:%s", event.Outcome),
		fmt.Sprintf("community_id:%s", event.CommunityId),
	}
	if err := statsd.Incr(panoptic.DDOG_SCRAPE_OUTCOME_COUNTER, tags, 1); err != nil {
		Logger.Log.Infoln("cannot report scrape outcome")
	}
	if err := statsd.Count(panoptic.DDOG_ITEMS_INGESTED_COUNTER, int64(event.ItemsIngested), tags, 1); err != nil {
		Logger.Log.Infoln("cannot report ingested items")
	}
	if event.ItemsFailed > 0 {
		if err := statsd.Count(panoptic.DDOG_ITEMS_FAILED_COUNTER, int64(event.ItemsFailed), tags, 1); err != nil {
			Logger.Log.Infoln("cannot report failed items")
		}
	}
	if err := statsd.Timing(panoptic.DDOG_SCRAPE_DURATION_HISTOGRAM, event.Duration, tags, 1); err != nil {
		Logger.Log.Infoln("cannot report scrape duration")
	}
}

func (r *Reporter) ProcessScrapeResults(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	messages, err := r.EventBus.Subscribe(ctx, protocol.TopicScrapeFinished)
	if err != nil {
		return err
	}

	for msg := range messages {
		event := protocol.ScrapeFinishedEvent{}
		if err := panoptic.DecodeEvent(msg, &event); err != nil {
			Logger.Log.Errorln(err)
			continue
		}
		ReportScrapeResult(&event, r.Statsd)
	}

	return nil
}

func (r *Reporter) RunModule(ctx context.Context) error {
	return r.ProcessScrapeResults(ctx)
}

func (r *Reporter) Name() string {
	return r.Config.Name
}

func (r *Reporter) Shutdown() {}
