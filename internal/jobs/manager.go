package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/yourusername/tube-forge/internal/cache"
)

// Manager は記録タスクの投入と処理を担います。
type Manager struct {
	client *asynq.Client
	server *asynq.Server
	mux    *asynq.ServeMux
	sink   cache.Service
	logger *slog.Logger
}

// NewManager は Manager を初期化します。redisURL は Asynq が使う Redis の接続先です。
func NewManager(redisURL string, sink cache.Service, logger *slog.Logger) (*Manager, error) {
	if sink == nil {
		return nil, errors.New("cache service is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := asynq.NewClient(opt)
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: 2,
			Queues: map[string]int{
				QueueName: 1,
			},
			Logger: newAsynqLogger(logger),
		},
	)

	mux := asynq.NewServeMux()
	manager := &Manager{
		client: client,
		server: server,
		mux:    mux,
		sink:   sink,
		logger: logger,
	}
	mux.HandleFunc(TaskTypeRecord, manager.handleRecordTask)
	return manager, nil
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() {
	go func() {
		if err := m.server.Run(m.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			m.logger.Error("asynq server stopped with error", slog.Any("error", err))
		}
	}()
}

// Shutdown はサーバーとクライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.server.Shutdown()
	return m.client.Close()
}

// Record は記録タスクをキューに投入します。
func (m *Manager) Record(ctx context.Context, rec cache.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	body, err := json.Marshal(RecordPayload{
		Record:      rec,
		RequestedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	task := asynq.NewTask(TaskTypeRecord, body, asynq.Queue(QueueName))
	info, err := m.client.EnqueueContext(ctx, task, asynq.MaxRetry(maxRetry))
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", TaskTypeRecord, err)
	}
	m.logger.Debug("record task enqueued",
		slog.String("task_id", info.ID),
		slog.String("video_id", rec.VideoID),
		slog.String("type", string(rec.Type)),
	)
	return nil
}

func (m *Manager) handleRecordTask(ctx context.Context, task *asynq.Task) error {
	var payload RecordPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if err := payload.Record.Validate(); err != nil {
		return fmt.Errorf("invalid record: %v: %w", err, asynq.SkipRetry)
	}

	if err := m.sink.Record(ctx, payload.Record); err != nil {
		return fmt.Errorf("record %s/%s: %w", payload.Record.VideoID, payload.Record.Type, err)
	}
	m.logger.Debug("record task processed",
		slog.String("video_id", payload.Record.VideoID),
		slog.Duration("latency", time.Since(payload.RequestedAt)),
	)
	return nil
}
