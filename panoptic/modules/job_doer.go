package modules

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Luismorlan/communitymux/collector"
	Logger "github.com/Luismorlan/communitymux/utils/log"
)

// JobDoer execute the SchedulerJob with customized logic. We create this
// abstraction so that we could inject different JobDoer implementation into
// scheduler for the easy of testing and debugging.
type JobDoer interface {
	// Performs a SchedulerJob, return error if there's any. Returns only after
	// the job's ScrapeRun is closed.
	Do(ctx context.Context, job *SchedulerJob) error
}

// Scraper is the part of collector.Fetcher the scheduler drives.
type Scraper interface {
	Scrape(ctx context.Context, communityId string) (collector.ScrapeReport, error)
}

type ScrapeJobDoer struct {
	scraper Scraper
}

func NewScrapeJobDoer(scraper Scraper) *ScrapeJobDoer {
	return &ScrapeJobDoer{scraper: scraper}
}

// Run the scrape of the job's community. The fetcher publishes results on the
// event bus, so only the error is kept here.
func (d *ScrapeJobDoer) Do(ctx context.Context, job *SchedulerJob) error {
	report, err := d.scraper.Scrape(ctx, job.CommunityId)
	fields := logrus.Fields{"community_id": job.CommunityId}
	if report.Run.Id != "" {
		fields["scrape_run_id"] = report.Run.Id
		fields["outcome"] = report.Run.Outcome
	}
	Logger.Log.WithFields(fields).Debugln("scrape job done")
	return err
}

// Test only, records the executed jobs
type RecorderJobDoer struct {
	mu   sync.Mutex
	Jobs []string
	// Called before recording, if set. Lets tests block a worker.
	Hook func(ctx context.Context, job *SchedulerJob) error
}

func (d *RecorderJobDoer) Do(ctx context.Context, job *SchedulerJob) error {
	var err error
	if d.Hook != nil {
		err = d.Hook(ctx, job)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Jobs = append(d.Jobs, job.CommunityId)
	return err
}

func (d *RecorderJobDoer) Done() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.Jobs...)
}
