// Package cache は処理済み動画のキャッシュとユーザーのリクエスト履歴を扱います。
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound はキャッシュに該当する動画が無いことを表します。初回アクセスでは正常な状態です。
var ErrNotFound = errors.New("video not cached")

// RequestType はリクエストの種別です。
type RequestType string

const (
	RequestInfo       RequestType = "info"
	RequestTranscript RequestType = "transcript"
	RequestAudio      RequestType = "mp3"
	RequestVideo      RequestType = "mp4"
)

// ParseRequestType は文字列を RequestType に変換します。
func ParseRequestType(s string) (RequestType, error) {
	switch t := RequestType(strings.ToLower(strings.TrimSpace(s))); t {
	case RequestInfo, RequestTranscript, RequestAudio, RequestVideo:
		return t, nil
	}
	return "", fmt.Errorf("unknown request type: %q", s)
}

// Counters は種別ごとのリクエスト回数です。
type Counters struct {
	Info       int64 `json:"info"`
	Transcript int64 `json:"transcript"`
	Audio      int64 `json:"mp3"`
	Video      int64 `json:"mp4"`
}

func (c *Counters) increment(t RequestType) {
	switch t {
	case RequestInfo:
		c.Info++
	case RequestTranscript:
		c.Transcript++
	case RequestAudio:
		c.Audio++
	case RequestVideo:
		c.Video++
	}
}

// ProcessedVideo は動画IDをキーとするキャッシュレコードです。
type ProcessedVideo struct {
	VideoID    string          `json:"videoId"`
	VideoTitle string          `json:"videoTitle,omitempty"`
	Info       json.RawMessage `json:"info,omitempty"`
	Transcript json.RawMessage `json:"transcript,omitempty"`
	Requests   Counters        `json:"requests"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// apply は1件のリクエスト記録を反映します。結果があれば上書きします。
func (v *ProcessedVideo) apply(rec Record, now time.Time) {
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	v.UpdatedAt = now
	if rec.VideoTitle != "" {
		v.VideoTitle = rec.VideoTitle
	}
	if len(rec.Result) > 0 {
		switch rec.Type {
		case RequestInfo:
			v.Info = append(json.RawMessage(nil), rec.Result...)
		case RequestTranscript:
			v.Transcript = append(json.RawMessage(nil), rec.Result...)
		}
	}
	v.Requests.increment(rec.Type)
}

// UserVideoRequest は (ユーザー, 動画, 種別) の追記専用ログです。
type UserVideoRequest struct {
	UserID    string      `json:"userId"`
	VideoID   string      `json:"videoId"`
	Type      RequestType `json:"type"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Record は成功したリクエスト1件の記録内容です。
type Record struct {
	UserID     string          `json:"userId,omitempty"`
	VideoID    string          `json:"videoId"`
	VideoTitle string          `json:"videoTitle,omitempty"`
	Type       RequestType     `json:"type"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// Validate は必須項目を確認します。
func (r Record) Validate() error {
	if strings.TrimSpace(r.VideoID) == "" {
		return fmt.Errorf("videoID is required")
	}
	if _, err := ParseRequestType(string(r.Type)); err != nil {
		return err
	}
	return nil
}

// Service はキャッシュへの狭いアクセス口です。
type Service interface {
	// GetVideo は動画のキャッシュを返します。無ければ ErrNotFound です。
	GetVideo(ctx context.Context, videoID string) (*ProcessedVideo, error)
	// Record はカウンターを加算し、結果を上書きし、ユーザーのリクエストを追記します。
	Record(ctx context.Context, rec Record) error
	// HasRequested はユーザーが同じ動画・種別を既にリクエストしたかを返します。
	HasRequested(ctx context.Context, userID, videoID string, t RequestType) (bool, error)
}

// IsNotFound は err が「未キャッシュ」を表すかどうかを判定します。
// 各バックエンド固有の not-found も含めて判定します。
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrNotFound) || errors.Is(err, redis.Nil) || errors.Is(err, pgx.ErrNoRows)
}
