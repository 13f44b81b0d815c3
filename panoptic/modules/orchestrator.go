package modules

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/sirupsen/logrus"

	"github.com/Luismorlan/communitymux/discovery"
	"github.com/Luismorlan/communitymux/panoptic"
	"github.com/Luismorlan/communitymux/protocol"
	Logger "github.com/Luismorlan/communitymux/utils/log"
)

const DefaultQueryWorkers = 2

type OrchestratorConfig struct {
	// Name of the orchestrator.
	Name string

	// Query pipelines running at the same time.
	Workers int
}

// QueryRunner is the part of discovery.Pipeline the orchestrator drives.
type QueryRunner interface {
	Run(ctx context.Context, queryId string) (*discovery.PipelineResult, error)
	UnfinishedQueries(ctx context.Context) ([]string, error)
}

// Orchestrator runs the discovery pipeline of every submitted query on a
// bounded pool. On start it resumes queries a previous process left
// unfinished.
type Orchestrator struct {
	Config OrchestratorConfig

	runner   QueryRunner
	EventBus message.Subscriber

	slots chan struct{}
	wg    sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]bool
}

// Return a new instance of Orchestrator.
func NewOrchestrator(config OrchestratorConfig, runner QueryRunner, e message.Subscriber) *Orchestrator {
	if config.Workers <= 0 {
		config.Workers = DefaultQueryWorkers
	}
	return &Orchestrator{
		Config:   config,
		runner:   runner,
		EventBus: e,
		slots:    make(chan struct{}, config.Workers),
		inFlight: make(map[string]bool),
	}
}

func (o *Orchestrator) RunModule(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Subscribe first so that queries submitted while resuming aren't lost.
	messages, err := o.EventBus.Subscribe(ctx, protocol.TopicQuerySubmitted)
	if err != nil {
		return err
	}

	unfinished, err := o.runner.UnfinishedQueries(ctx)
	if err != nil {
		Logger.Log.Errorln("fail to load unfinished queries:", err)
	}
	for _, queryId := range unfinished {
		if !o.dispatch(ctx, queryId) {
			return nil
		}
	}

	for msg := range messages {
		event := protocol.QuerySubmittedEvent{}
		if err := panoptic.DecodeEvent(msg, &event); err != nil {
			Logger.Log.Errorln(err)
			continue
		}
		if !o.dispatch(ctx, event.QueryId) {
			return nil
		}
	}
	return nil
}

// dispatch waits for a free worker and runs the query there. It returns false
// once ctx is done.
func (o *Orchestrator) dispatch(ctx context.Context, queryId string) bool {
	o.mu.Lock()
	if o.inFlight[queryId] {
		o.mu.Unlock()
		return true
	}
	o.inFlight[queryId] = true
	o.mu.Unlock()

	select {
	case o.slots <- struct{}{}:
	case <-ctx.Done():
		o.done(queryId)
		return false
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() { <-o.slots }()
		defer o.done(queryId)

		result, err := o.runner.Run(ctx, queryId)
		entry := Logger.Log.WithField("query_id", queryId)
		if err != nil {
			entry.Errorln("query pipeline failed:", err)
			return
		}
		if result != nil {
			entry.WithFields(logrus.Fields{
				"topics":     len(result.Topics),
				"candidates": result.Candidates,
				"accepted":   len(result.Accepted),
			}).Infoln("query pipeline done")
		}
	}()
	return true
}

func (o *Orchestrator) done(queryId string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, queryId)
}

func (o *Orchestrator) Name() string {
	return o.Config.Name
}

// Shutdown waits for running pipelines. They observe the cancelled engine
// context and stop at their next external call.
func (o *Orchestrator) Shutdown() {
	o.wg.Wait()
	Logger.Log.Infoln("Module ", o.Config.Name, " gracefully shutdown")
}
