package model

import (
	"time"

	"gorm.io/datatypes"
)

type TaskType string

const (
	TaskTypeScrape  TaskType = "scrape"
	TaskTypeProcess TaskType = "process"
	TaskTypeNotify  TaskType = "notify"
)

type TaskStatus string

const (
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
)

/*

TaskLog is an append-only record of background work, for monitoring and
debugging.

TaskType: scrape (a ScrapeRun), process (a query pipeline run), notify (one
	notification delivery)
RelatedObject: id of the ScrapeRun, Query or Subscriber involved
Result: free form JSON, for example item counts or attempt counts
*/
type TaskLog struct {
	Id            string   `gorm:"primaryKey"`
	TaskType      TaskType `gorm:"index:idx_task_type_status;not null"`
	RelatedObject string   `gorm:"index"`
	StartedAt     time.Time
	CompletedAt   *time.Time
	Status        TaskStatus `gorm:"index:idx_task_type_status;not null"`
	Result        datatypes.JSON
	Error         string
}
