package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/Luismorlan/communitymux/collector/clients"
	"github.com/Luismorlan/communitymux/protocol"
)

const maxSnippetLength = 300

// ItemPreview is the part of a new item shown to subscribers.
type ItemPreview struct {
	Title string `json:"title"`
	URL   string `json:"url"`
	Body  string `json:"body,omitempty"`
}

// Notification is what a sink delivers for one ContentIngestedEvent.
type Notification struct {
	Event         protocol.ContentIngestedEvent `json:"event"`
	CommunityName string                        `json:"community_name"`
	Items         []ItemPreview                 `json:"items"`
}

// Sink delivers a notification to one subscriber URL, one attempt per call.
type Sink interface {
	Deliver(ctx context.Context, url string, n Notification) error
}

// WebhookSink POSTs the notification as JSON.
type WebhookSink struct {
	client *clients.HttpClient
}

func NewWebhookSink(client *clients.HttpClient) *WebhookSink {
	if client == nil {
		client = clients.NewDefaultHttpClient()
	}
	return &WebhookSink{client: client}
}

func (w *WebhookSink) Deliver(ctx context.Context, url string, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	res, err := w.client.Post(ctx, url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	return res.Body.Close()
}

// SlackSink posts to a Slack incoming webhook.
type SlackSink struct{}

func (SlackSink) Deliver(ctx context.Context, url string, n Notification) error {
	return slack.PostWebhookContext(ctx, url, buildSlackMessage(n))
}

func buildSlackMessage(n Notification) *slack.WebhookMessage {
	header := fmt.Sprintf("*%d new post(s) in %s*", n.Event.ItemsInserted, n.CommunityName)
	blocks := []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject("mrkdwn", header, false, false), nil, nil),
	}
	for _, item := range n.Items {
		elements := []slack.MixedElement{
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("<%s|%s>", item.URL, item.Title), false, false),
		}
		if item.Body != "" {
			elements = append(elements, slack.NewTextBlockObject("mrkdwn", item.Body, false, false))
		}
		blocks = append(blocks, slack.NewContextBlock("", elements...))
	}
	return &slack.WebhookMessage{
		Text:   header,
		Blocks: &slack.Blocks{BlockSet: blocks},
	}
}
