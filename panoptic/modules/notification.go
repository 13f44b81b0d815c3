package modules

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/Luismorlan/communitymux/notifier"
	"github.com/Luismorlan/communitymux/protocol"
)

type NotificationConfig struct {
	Name string
}

// Notification feeds content_ingested events to the notifier.Dispatcher.
type Notification struct {
	Config NotificationConfig

	dispatcher *notifier.Dispatcher
	EventBus   message.Subscriber
}

func NewNotification(config NotificationConfig, dispatcher *notifier.Dispatcher, e message.Subscriber) *Notification {
	return &Notification{Config: config, dispatcher: dispatcher, EventBus: e}
}

func (n *Notification) RunModule(ctx context.Context) error {
	messages, err := n.EventBus.Subscribe(ctx, protocol.TopicContentIngested)
	if err != nil {
		return err
	}
	n.dispatcher.Run(ctx, messages)
	return nil
}

func (n *Notification) Name() string {
	return n.Config.Name
}

// Shutdown waits for deliveries in flight.
func (n *Notification) Shutdown() {
	n.dispatcher.Wait()
}
