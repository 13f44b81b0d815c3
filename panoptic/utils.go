package panoptic

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"

	"github.com/Luismorlan/communitymux/protocol"
)

// PublishEvent encodes event and publishes it on topic.
func PublishEvent(bus message.Publisher, topic string, event interface{}) error {
	payload, err := protocol.Marshal(event)
	if err != nil {
		return errors.Wrapf(err, "encode event for %s", topic)
	}
	return bus.Publish(topic, message.NewMessage(watermill.NewUUID(), payload))
}

// DecodeEvent acks msg and decodes its payload into event. Events are acked
// before processing, a message that fails to decode is dropped.
func DecodeEvent(msg *message.Message, event interface{}) error {
	msg.Ack()
	if err := protocol.Unmarshal(msg.Payload, event); err != nil {
		return errors.Wrapf(err, "decode message %s", msg.UUID)
	}
	return nil
}
