package model

import "time"

/*

Community is an online community discovered for one or more queries. Rows are
never deleted, only enriched by later discoveries.

Id: primary key
CreatedAt: first discovery
UpdatedAt: last enrichment

PlatformId: canonical identifier on the platform, for example "r/camping",
	unique across the table
DisplayName: human readable name, for example "Camping"
Description: public description, used as classifier context
URL: link to the community page
MembersCount: member count reported by the platform at last enrichment
RelevanceScore: confidence of the latest accepting classification
DiscoveredViaQueryId: the query that first accepted it. Reset to null once a
	second query accepts the same community, at which point the verdict table is
	the only source of query membership.
*/
type Community struct {
	Id                   string `gorm:"primaryKey"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
	PlatformId           string `gorm:"uniqueIndex;not null"`
	DisplayName          string
	Description          string
	URL                  string
	MembersCount         int
	RelevanceScore       float64
	DiscoveredViaQueryId *string
}
