package model

import "time"

type SubscriberKind string

const (
	// Receives a JSON POST per notification.
	SubscriberKindWebhook SubscriberKind = "webhook"
	// Slack incoming webhook URL, receives a formatted message.
	SubscriberKindSlack SubscriberKind = "slack"
)

// Subscriber is a registered receiver of "new content" notifications.
type Subscriber struct {
	Id        string `gorm:"primaryKey"`
	CreatedAt time.Time
	Kind      SubscriberKind `gorm:"not null"`
	URL       string         `gorm:"uniqueIndex;not null"`
	Enabled   bool
}
