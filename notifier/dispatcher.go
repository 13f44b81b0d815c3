// Package notifier tells registered subscribers about newly ingested content.
// Deliveries run off the ingestion path: a failing subscriber is logged and
// never slows a scrape down.
package notifier

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"

	"github.com/Luismorlan/communitymux/model"
	"github.com/Luismorlan/communitymux/protocol"
	"github.com/Luismorlan/communitymux/utils"
	. "github.com/Luismorlan/communitymux/utils/log"
)

var ErrNotificationDeliveryFailure = errors.New("notification delivery failure")

const (
	DefaultMaxRetries      = 3
	DefaultInitialBackoff  = time.Second
	DefaultDeliveryTimeout = 10 * time.Second
	DefaultConcurrency     = 4
	maxPreviewItems        = 5
)

type DispatcherConfig struct {
	MaxRetries      int
	InitialBackoff  time.Duration
	DeliveryTimeout time.Duration
	Concurrency     int
}

// DeliveryResult is the outcome of delivering one event to one subscriber.
type DeliveryResult struct {
	SubscriberId string
	Attempts     int
	Err          error
}

type Dispatcher struct {
	db    *gorm.DB
	sinks map[model.SubscriberKind]Sink
	cfg   DispatcherConfig
	sem   *semaphore.Weighted

	// bounds the events Run handles at once
	events *semaphore.Weighted
	wg     sync.WaitGroup
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewDispatcher(db *gorm.DB, sinks map[model.SubscriberKind]Sink, cfg DispatcherConfig) *Dispatcher {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = DefaultDeliveryTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	return &Dispatcher{
		db:    db,
		sinks: sinks,
		cfg:   cfg,
		sem:    semaphore.NewWeighted(int64(cfg.Concurrency)),
		events: semaphore.NewWeighted(int64(cfg.Concurrency)),
		sleep:  sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run consumes content_ingested messages until ctx is done or the channel
// closes. Every message is acked as soon as it decodes, delivery happens in
// the background. Once Concurrency events are in flight Run stops reading
// until one finishes.
func (d *Dispatcher) Run(ctx context.Context, messages <-chan *message.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var event protocol.ContentIngestedEvent
			err := protocol.Unmarshal(msg.Payload, &event)
			msg.Ack()
			if err != nil {
				Log.Errorln("fail to decode content ingested event:", err)
				continue
			}
			if err := d.events.Acquire(ctx, 1); err != nil {
				return
			}
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				defer d.events.Release(1)
				d.Handle(ctx, event)
			}()
		}
	}
}

// Wait blocks until in-flight deliveries started by Run are done.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Handle delivers event to every enabled subscriber and returns once all
// deliveries finished.
func (d *Dispatcher) Handle(ctx context.Context, event protocol.ContentIngestedEvent) []DeliveryResult {
	if event.ItemsInserted <= 0 || event.Outcome == string(model.ScrapeOutcomeFailure) {
		return nil
	}

	var subscribers []model.Subscriber
	if err := d.db.WithContext(ctx).Where("enabled = ?", true).Order("id").Find(&subscribers).Error; err != nil {
		Log.Errorln("fail to load subscribers:", err)
		return nil
	}
	if len(subscribers) == 0 {
		return nil
	}

	n := d.buildNotification(ctx, event)
	results := make([]DeliveryResult, len(subscribers))
	var wg sync.WaitGroup
	for i := range subscribers {
		sub := subscribers[i]
		if err := d.sem.Acquire(ctx, 1); err != nil {
			results[i] = DeliveryResult{SubscriberId: sub.Id, Err: errors.Wrap(ErrNotificationDeliveryFailure, err.Error())}
			continue
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer d.sem.Release(1)
			results[i] = d.deliver(ctx, sub, n)
		}(i)
	}
	wg.Wait()
	return results
}

func (d *Dispatcher) deliver(ctx context.Context, sub model.Subscriber, n Notification) DeliveryResult {
	task := utils.StartTaskLog(ctx, d.db, model.TaskTypeNotify, sub.Id)
	result := DeliveryResult{SubscriberId: sub.Id}

	sink, ok := d.sinks[sub.Kind]
	if !ok {
		result.Err = errors.Wrapf(ErrNotificationDeliveryFailure, "no sink for subscriber kind %s", sub.Kind)
	} else {
		result.Attempts, result.Err = d.deliverWithRetry(ctx, sink, sub.URL, n)
	}

	if result.Err != nil {
		Log.WithFields(logrus.Fields{
			"subscriber": sub.Id,
			"attempts":   result.Attempts,
		}).Errorln(result.Err)
	}
	utils.FinishTaskLog(ctx, d.db, task, map[string]interface{}{
		"scrape_run_id": n.Event.ScrapeRunId,
		"community_id":  n.Event.CommunityId,
		"attempts":      result.Attempts,
	}, result.Err)
	return result
}

// deliverWithRetry makes up to MaxRetries+1 attempts, doubling the backoff
// between them.
func (d *Dispatcher) deliverWithRetry(ctx context.Context, sink Sink, url string, n Notification) (int, error) {
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := d.cfg.InitialBackoff * time.Duration(1<<uint(attempt-1))
			if err := d.sleep(ctx, backoff); err != nil {
				return attempts, errors.Wrap(ErrNotificationDeliveryFailure, err.Error())
			}
		}
		attempts++
		actx, cancel := context.WithTimeout(ctx, d.cfg.DeliveryTimeout)
		lastErr = sink.Deliver(actx, url, n)
		cancel()
		if lastErr == nil {
			return attempts, nil
		}
		Log.WithField("attempt", attempts).Warnln("notification attempt failed:", lastErr)
	}
	return attempts, errors.Wrapf(ErrNotificationDeliveryFailure, "all retries exhausted: %s", lastErr)
}

func (d *Dispatcher) buildNotification(ctx context.Context, event protocol.ContentIngestedEvent) Notification {
	n := Notification{Event: event, CommunityName: event.PlatformId}

	var community model.Community
	if err := d.db.WithContext(ctx).Where("id = ?", event.CommunityId).First(&community).Error; err == nil && community.DisplayName != "" {
		n.CommunityName = community.DisplayName
	}

	ids := event.ItemIds
	if len(ids) > maxPreviewItems {
		ids = ids[:maxPreviewItems]
	}
	if len(ids) == 0 {
		return n
	}
	var items []model.ContentItem
	if err := d.db.WithContext(ctx).Where("id IN ?", ids).Order("ingested_at").Find(&items).Error; err != nil {
		Log.Errorln("fail to load items for notification:", err)
		return n
	}
	for _, item := range items {
		n.Items = append(n.Items, ItemPreview{
			Title: item.Title,
			URL:   item.URL,
			Body:  utils.Summarize(item.Body, maxSnippetLength),
		})
	}
	return n
}
