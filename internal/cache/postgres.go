package cache

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// counterColumns は種別ごとのカウンター列です。SQLに埋め込むためホワイトリストで管理します。
var counterColumns = map[RequestType]string{
	RequestInfo:       "info_requests",
	RequestTranscript: "transcript_requests",
	RequestAudio:      "mp3_requests",
	RequestVideo:      "mp4_requests",
}

// PostgresStore はホスト型 Postgres に保存する Service 実装です。
type PostgresStore struct {
	pool *pgxpool.Pool
}

// ConnectPostgres は pgx プールを作成し、スキーマを適用します。
func ConnectPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	if databaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	config.MaxConns = 10
	config.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// Close はプールを閉じます。
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) runMigrations(ctx context.Context) error {
	files, err := fs.Glob(schemaFS, "schema/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(files)
	for _, name := range files {
		ddl, err := schemaFS.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := s.pool.Exec(ctx, string(ddl)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
		slog.Debug("cache: migration applied", slog.String("file", name))
	}
	return nil
}

// GetVideo は動画のキャッシュを取得します。
func (s *PostgresStore) GetVideo(ctx context.Context, videoID string) (*ProcessedVideo, error) {
	var (
		v          ProcessedVideo
		info       []byte
		transcript []byte
	)
	err := s.pool.QueryRow(ctx, `
SELECT video_id, video_title, info_result, transcript_result,
       info_requests, transcript_requests, mp3_requests, mp4_requests,
       created_at, updated_at
FROM processed_videos WHERE video_id = $1`, videoID).Scan(
		&v.VideoID, &v.VideoTitle, &info, &transcript,
		&v.Requests.Info, &v.Requests.Transcript, &v.Requests.Audio, &v.Requests.Video,
		&v.CreatedAt, &v.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	v.Info = info
	v.Transcript = transcript
	return &v, nil
}

// Record はカウンターの加算・結果の上書き・履歴の追記を1トランザクションで行います。
func (s *PostgresStore) Record(ctx context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	column := counterColumns[rec.Type]

	var info, transcript any
	switch rec.Type {
	case RequestInfo:
		info = nullableJSON(rec.Result)
	case RequestTranscript:
		transcript = nullableJSON(rec.Result)
	}

	upsert := fmt.Sprintf(`
INSERT INTO processed_videos (video_id, video_title, info_result, transcript_result, %[1]s)
VALUES ($1, $2, $3, $4, 1)
ON CONFLICT (video_id) DO UPDATE SET
    video_title = CASE WHEN EXCLUDED.video_title <> '' THEN EXCLUDED.video_title ELSE processed_videos.video_title END,
    info_result = COALESCE(EXCLUDED.info_result, processed_videos.info_result),
    transcript_result = COALESCE(EXCLUDED.transcript_result, processed_videos.transcript_result),
    %[1]s = processed_videos.%[1]s + 1,
    updated_at = now()`, column)

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsert, rec.VideoID, rec.VideoTitle, info, transcript); err != nil {
			return fmt.Errorf("upsert processed video: %w", err)
		}
		if rec.UserID == "" {
			return nil
		}
		// 一意制約で重複を排除する
		if _, err := tx.Exec(ctx, `
INSERT INTO user_video_requests (user_id, video_id, request_type)
VALUES ($1, $2, $3)
ON CONFLICT (user_id, video_id, request_type) DO NOTHING`,
			rec.UserID, rec.VideoID, string(rec.Type)); err != nil {
			return fmt.Errorf("insert user request: %w", err)
		}
		return nil
	})
}

// HasRequested はリクエスト履歴の有無を返します。
func (s *PostgresStore) HasRequested(ctx context.Context, userID, videoID string, t RequestType) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
SELECT EXISTS (
    SELECT 1 FROM user_video_requests
    WHERE user_id = $1 AND video_id = $2 AND request_type = $3
)`, userID, videoID, string(t)).Scan(&exists)
	return exists, err
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
