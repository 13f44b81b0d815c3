// Package protocol holds the messages exchanged between pipeline stages and
// the external capabilities they call: raw content from the content source,
// community profiles, and the event bus payloads.
package protocol

import (
	"encoding/json"
	"time"
)

// RawItem is one item as returned by the content source, before
// normalization. Any field may be empty.
type RawItem struct {
	// Platform provided id, unstable or absent for some sources.
	PlatformId string `json:"platform_id,omitempty"`
	Title      string `json:"title,omitempty"`
	Body       string `json:"body,omitempty"`
	Author     string `json:"author,omitempty"`
	URL        string `json:"url,omitempty"`
	// Either CreatedAt is set, or CreatedAtRaw carries the timestamp the way
	// the source formatted it.
	CreatedAt     *time.Time `json:"created_at,omitempty"`
	CreatedAtRaw  string     `json:"created_at_raw,omitempty"`
	Upvotes       int        `json:"upvotes,omitempty"`
	CommentsCount int        `json:"comments_count,omitempty"`
}

// CommunityProfile is the public description of a community.
type CommunityProfile struct {
	PlatformId   string `json:"platform_id"`
	DisplayName  string `json:"display_name"`
	Description  string `json:"description"`
	URL          string `json:"url"`
	MembersCount int    `json:"members_count"`
}

// Event bus topics.
const (
	// Payload: QuerySubmittedEvent.
	TopicQuerySubmitted = "topic.query_submitted"
	// Payload: ContentIngestedEvent. Only published when new items exist.
	TopicContentIngested = "topic.content_ingested"
	// Payload: ScrapeFinishedEvent. Published for every closed ScrapeRun.
	TopicScrapeFinished = "topic.scrape_finished"
)

type QuerySubmittedEvent struct {
	QueryId string `json:"query_id"`
}

// ContentIngestedEvent announces new content of a community to subscribers.
type ContentIngestedEvent struct {
	ScrapeRunId   string    `json:"scrape_run_id"`
	CommunityId   string    `json:"community_id"`
	PlatformId    string    `json:"platform_id"`
	Outcome       string    `json:"outcome"`
	ItemsInserted int       `json:"items_inserted"`
	ItemsUpdated  int       `json:"items_updated"`
	ItemIds       []string  `json:"item_ids"`
	FinishedAt    time.Time `json:"finished_at"`
}

type ScrapeFinishedEvent struct {
	ScrapeRunId   string        `json:"scrape_run_id"`
	CommunityId   string        `json:"community_id"`
	Outcome       string        `json:"outcome"`
	ItemsIngested int           `json:"items_ingested"`
	ItemsFailed   int           `json:"items_failed"`
	Duration      time.Duration `json:"duration"`
}

func Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
