// Package jobs はキャッシュ記録を Asynq 経由で非同期に処理します。
package jobs

import (
	"time"

	"github.com/yourusername/tube-forge/internal/cache"
)

const (
	// TaskTypeRecord はキャッシュ記録タスクの種別です。
	TaskTypeRecord = "cache:record"
	// QueueName は記録タスクを投入するキューです。
	QueueName = "cache"
	// maxRetry は記録タスクの再試行回数です。
	maxRetry = 3
)

// RecordPayload は記録タスクのペイロードです。
type RecordPayload struct {
	Record      cache.Record `json:"record"`
	RequestedAt time.Time    `json:"requestedAt"`
}
