package model

import "time"

/*

ContentItem is one deduplicated piece of community content, for example a post.

CommunityId, ExternalId: the dedup key, unique together. ExternalId is the
	platform id when present, a deterministic hash of title, author and external
	timestamp otherwise. It never changes once written.
ContentHash: hash of the normalized title and body, drives revision detection
Revision: incremented each time a re-fetch observes a different ContentHash
IngestedAt: first insertion
UpdatedAt: last revision
ExternalCreatedAt: creation time reported by the platform
*/
type ContentItem struct {
	Id                string `gorm:"primaryKey"`
	CommunityId       string `gorm:"uniqueIndex:idx_content_dedup_key;not null"`
	ExternalId        string `gorm:"uniqueIndex:idx_content_dedup_key;not null"`
	ContentHash       string `gorm:"index;not null"`
	Title             string
	Body              string
	Author            string
	URL               string
	Upvotes           int
	CommentsCount     int
	ExternalCreatedAt *time.Time
	IngestedAt        time.Time
	UpdatedAt         time.Time
	Revision          int
}
