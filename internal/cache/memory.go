package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryStore はプロセス内で完結する Service 実装です。開発環境とテストで使います。
type MemoryStore struct {
	mu       sync.RWMutex
	videos   map[string]*ProcessedVideo
	requests map[requestKey]UserVideoRequest
	now      func() time.Time
}

type requestKey struct {
	userID  string
	videoID string
	typ     RequestType
}

// NewMemoryStore は空の MemoryStore を作成します。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		videos:   make(map[string]*ProcessedVideo),
		requests: make(map[requestKey]UserVideoRequest),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// GetVideo は動画のキャッシュのコピーを返します。
func (s *MemoryStore) GetVideo(_ context.Context, videoID string) (*ProcessedVideo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.videos[videoID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *v
	return &out, nil
}

// Record は記録を反映します。
func (s *MemoryStore) Record(_ context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	v, ok := s.videos[rec.VideoID]
	if !ok {
		v = &ProcessedVideo{VideoID: rec.VideoID}
		s.videos[rec.VideoID] = v
	}
	v.apply(rec, now)

	if rec.UserID != "" {
		key := requestKey{userID: rec.UserID, videoID: rec.VideoID, typ: rec.Type}
		if _, exists := s.requests[key]; !exists {
			s.requests[key] = UserVideoRequest{
				UserID:    rec.UserID,
				VideoID:   rec.VideoID,
				Type:      rec.Type,
				CreatedAt: now,
			}
		}
	}
	return nil
}

// HasRequested はリクエスト履歴の有無を返します。
func (s *MemoryStore) HasRequested(_ context.Context, userID, videoID string, t RequestType) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.requests[requestKey{userID: userID, videoID: videoID, typ: t}]
	return ok, nil
}
