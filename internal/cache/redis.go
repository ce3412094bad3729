package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	videoKeyPrefix   = "video:"
	requestKeyPrefix = "requests:"

	maxTxAttempts = 10
)

// RedisStore は動画キャッシュを Redis に保存します。
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration // 0 なら無期限
}

// NewRedisStore は RedisStore を作成します。
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		rdb: rdb,
		ttl: ttl,
	}
}

// GetVideo は動画のキャッシュを取得します。
func (s *RedisStore) GetVideo(ctx context.Context, videoID string) (*ProcessedVideo, error) {
	if videoID == "" {
		return nil, fmt.Errorf("videoID is required")
	}
	data, err := s.rdb.Get(ctx, videoKey(videoID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var v ProcessedVideo
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Record は WATCH による楽観ロックで動画レコードを更新し、履歴を追記します。
func (s *RedisStore) Record(ctx context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	key := videoKey(rec.VideoID)
	update := func(tx *redis.Tx) error {
		var v ProcessedVideo
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			v = ProcessedVideo{VideoID: rec.VideoID}
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(data, &v); err != nil {
				return err
			}
		}
		v.apply(rec, time.Now().UTC())

		payload, err := json.Marshal(&v)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttl)
			if rec.UserID != "" {
				// セットなので重複は Redis 側で排除される
				pipe.SAdd(ctx, userRequestsKey(rec.UserID, rec.VideoID), string(rec.Type))
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxTxAttempts; i++ {
		err := s.rdb.Watch(ctx, update, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("record video %s: too many concurrent updates", rec.VideoID)
}

// HasRequested はリクエスト履歴の有無を返します。
func (s *RedisStore) HasRequested(ctx context.Context, userID, videoID string, t RequestType) (bool, error) {
	if userID == "" || videoID == "" {
		return false, nil
	}
	return s.rdb.SIsMember(ctx, userRequestsKey(userID, videoID), string(t)).Result()
}

func videoKey(id string) string {
	return videoKeyPrefix + id
}

func userRequestsKey(userID, videoID string) string {
	return requestKeyPrefix + userID + ":" + videoID
}
