package model

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

type QueryStatus string

const (
	QueryStatusPending         QueryStatus = "pending"
	QueryStatusTopicsExtracted QueryStatus = "topics_extracted"
	QueryStatusDiscovering     QueryStatus = "discovering"
	QueryStatusFiltering       QueryStatus = "filtering"
	QueryStatusDone            QueryStatus = "done"
	QueryStatusFailed          QueryStatus = "failed"
)

// MaxQueryTextLength bounds the raw text a user can submit.
const MaxQueryTextLength = 500

func (s QueryStatus) IsTerminal() bool {
	return s == QueryStatusDone || s == QueryStatusFailed
}

/*

Query is a natural-language request to discover communities about a topic.

Id: primary key
CreatedAt: submission time
UpdatedAt: last time the pipeline touched the row
CompletedAt: set once status becomes Done or Failed

RawText: the text as submitted, trimmed, at most MaxQueryTextLength chars
Topics: JSON encoded list of normalized search terms, owned by the query
Status: pipeline stage, only mutated by the stage that owns the current status
ErrorMessage: why the query Failed, empty otherwise
*/
type Query struct {
	Id           string `gorm:"primaryKey"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
	RawText      string         `gorm:"size:500;not null"`
	Topics       datatypes.JSON `json:"topics"`
	Status       QueryStatus    `gorm:"index;not null"`
	ErrorMessage string
}

// TopicList decodes Topics. A malformed or empty column yields no topics.
func (q *Query) TopicList() []string {
	if len(q.Topics) == 0 {
		return nil
	}
	var topics []string
	if err := json.Unmarshal(q.Topics, &topics); err != nil {
		return nil
	}
	return topics
}

func (q *Query) SetTopics(topics []string) {
	data, _ := json.Marshal(topics)
	q.Topics = datatypes.JSON(data)
}
