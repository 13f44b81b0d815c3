package modules

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Luismorlan/communitymux/collector"
	"github.com/Luismorlan/communitymux/model"
	"github.com/Luismorlan/communitymux/utils"
	Logger "github.com/Luismorlan/communitymux/utils/log"
)

const (
	DefaultSchedulerTick = 30 * time.Second
	DefaultWorkers       = 4
	DefaultLeaseTTL      = 10 * time.Minute
)

// DueSource is the part of tracking.Registry the scheduler reads.
type DueSource interface {
	DueForScrape(now time.Time) []model.TrackingSubscription
}

// BlockedChecker reports communities whose breaker refuses fetches.
type BlockedChecker interface {
	Blocked(communityId string) bool
}

type SchedulerConfig struct {
	// Name of the scheduler.
	Name string

	// How often due communities are admitted.
	Tick time.Duration

	// Size of the fixed worker pool.
	Workers int

	// Upper bound of one scrape. The in-flight lease expires after it even if
	// its release is lost.
	LeaseTTL time.Duration
}

// Scheduler admits due communities to a fixed pool of scrape workers. A
// community is admitted when a worker is free, its in-flight lease is granted
// and the shared Quota has a token, in longest-idle-first order. Communities
// that don't make it stay due and are reconsidered next tick, nothing is
// queued beyond the worker pool.
type Scheduler struct {
	Config SchedulerConfig

	registry DueSource
	breakers BlockedChecker
	quota    *Quota
	leases   utils.LeaseStore
	doer     JobDoer
	now      func() time.Time

	// A token per busy worker, held from admission until the lease release.
	slots chan struct{}
	jobs  chan *SchedulerJob

	workers   sync.WaitGroup
	startOnce sync.Once

	// Guards jobs against a send after Shutdown closed it.
	mu      sync.Mutex
	stopped bool
}

// Return a new instance of Scheduler.
func NewScheduler(config SchedulerConfig, registry DueSource, breakers BlockedChecker, quota *Quota, leases utils.LeaseStore, doer JobDoer) *Scheduler {
	if config.Tick <= 0 {
		config.Tick = DefaultSchedulerTick
	}
	if config.Workers <= 0 {
		config.Workers = DefaultWorkers
	}
	if config.LeaseTTL <= 0 {
		config.LeaseTTL = DefaultLeaseTTL
	}
	if leases == nil {
		leases = utils.NewMemoryLeaseStore()
	}
	return &Scheduler{
		Config:   config,
		registry: registry,
		breakers: breakers,
		quota:    quota,
		leases:   leases,
		doer:     doer,
		now:      time.Now,
		slots:    make(chan struct{}, config.Workers),
		jobs:     make(chan *SchedulerJob, config.Workers),
	}
}

// Start launches the worker pool once. Workers run until Shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		for i := 0; i < s.Config.Workers; i++ {
			s.workers.Add(1)
			go func() {
				defer s.workers.Done()
				for job := range s.jobs {
					s.runJob(ctx, job)
				}
			}()
		}
	})
}

func (s *Scheduler) RunModule(ctx context.Context) error {
	s.Start(ctx)

	ticker := time.NewTicker(s.Config.Tick)
	defer ticker.Stop()
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick admits as many due communities as free workers and quota allow and
// returns the admitted community ids in admission order.
func (s *Scheduler) Tick(ctx context.Context) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}

	now := s.now()
	due := s.registry.DueForScrape(now)
	SortLongestIdleFirst(due)

	admitted := []string{}
	for _, sub := range due {
		if ctx.Err() != nil {
			break
		}
		if s.breakers != nil && s.breakers.Blocked(sub.CommunityId) {
			continue
		}

		select {
		case s.slots <- struct{}{}:
		default:
			// Every worker is busy.
			return admitted
		}

		job := NewSchedulerJob(sub, now)
		token, ok, err := s.leases.TryAcquire(ctx, job.LeaseKey(), s.Config.LeaseTTL)
		if err != nil || !ok {
			<-s.slots
			if err != nil {
				Logger.Log.WithField("community_id", sub.CommunityId).Errorln("fail to acquire scrape lease:", err)
			}
			continue
		}
		job.LeaseToken = token

		if !s.quota.TryTake() {
			s.releaseLease(ctx, job)
			<-s.slots
			break
		}

		s.jobs <- job
		admitted = append(admitted, sub.CommunityId)
	}

	if len(admitted) > 0 {
		Logger.Log.WithFields(logrus.Fields{
			"admitted": len(admitted),
			"due":      len(due),
		}).Infoln("scheduler tick")
	}
	return admitted
}

func (s *Scheduler) runJob(ctx context.Context, job *SchedulerJob) {
	defer func() { <-s.slots }()
	defer s.releaseLease(ctx, job)

	err := s.doer.Do(ctx, job)
	if err == nil {
		return
	}
	entry := Logger.Log.WithField("community_id", job.CommunityId)
	if errors.Is(err, collector.ErrCircuitOpen) || errors.Is(err, context.Canceled) {
		entry.Debugln("scrape job skipped:", err)
		return
	}
	entry.Warnln("scrape job failed:", err)
}

func (s *Scheduler) releaseLease(ctx context.Context, job *SchedulerJob) {
	if err := s.leases.Release(context.WithoutCancel(ctx), job.LeaseKey(), job.LeaseToken); err != nil {
		Logger.Log.WithField("community_id", job.CommunityId).Errorln("fail to release scrape lease:", err)
	}
}

func (s *Scheduler) Name() string {
	return s.Config.Name
}

// Shutdown stops the workers after their current job.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.jobs)
	}
	s.mu.Unlock()
	s.workers.Wait()
}
