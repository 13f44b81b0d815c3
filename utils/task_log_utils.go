package utils

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/Luismorlan/communitymux/model"
	. "github.com/Luismorlan/communitymux/utils/log"
)

// StartTaskLog appends a running TaskLog row. Task logs are an audit aid, a
// failed write is logged and never fails the task itself.
func StartTaskLog(ctx context.Context, db *gorm.DB, taskType model.TaskType, relatedObject string) *model.TaskLog {
	task := &model.TaskLog{
		Id:            uuid.New().String(),
		TaskType:      taskType,
		RelatedObject: relatedObject,
		StartedAt:     time.Now(),
		Status:        model.TaskStatusRunning,
	}
	if err := db.WithContext(context.WithoutCancel(ctx)).Create(task).Error; err != nil {
		Log.Errorln("fail to create task log:", err)
	}
	return task
}

// FinishTaskLog closes a task log with the JSON encoding of result, and
// marks it failed when taskErr is not nil.
func FinishTaskLog(ctx context.Context, db *gorm.DB, task *model.TaskLog, result interface{}, taskErr error) {
	now := time.Now()
	task.CompletedAt = &now
	task.Status = model.TaskStatusSucceeded
	if taskErr != nil {
		task.Status = model.TaskStatusFailed
		task.Error = taskErr.Error()
	}
	if result != nil {
		if data, err := json.Marshal(result); err == nil {
			task.Result = datatypes.JSON(data)
		}
	}
	if err := db.WithContext(context.WithoutCancel(ctx)).Save(task).Error; err != nil {
		Log.Errorln("fail to finish task log:", err)
	}
}
