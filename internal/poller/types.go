package poller

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/yourusername/tube-forge/internal/cache"
)

var (
	// ErrBusy は別のリクエストまたはジョブが進行中であることを表します。
	ErrBusy = errors.New("another request is already in progress")
	// ErrNoActiveJob はキャンセル対象のジョブが無いことを表します。
	ErrNoActiveJob = errors.New("no active job")
	// ErrSuperseded は処理中にリセットされ、結果が破棄されたことを表します。
	ErrSuperseded = errors.New("request superseded by reset")
	// ErrClosed は Close 済みの Poller を使おうとしたことを表します。
	ErrClosed = errors.New("poller closed")
)

// InvalidRequestError はリクエストの入力エラーです。
type InvalidRequestError struct {
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return e.Reason
}

// Status はクライアント側で保持するジョブ状態です。
type Status string

const (
	StatusNone       Status = "none"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// Terminal は以後の遷移が起きない状態かどうかを返します。
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Job は非同期ジョブのクライアント側の写しです。
type Job struct {
	ID            string    `json:"id"`
	Status        Status    `json:"status"`
	Progress      float64   `json:"progress"`
	VideoID       string    `json:"videoId,omitempty"`
	VideoTitle    string    `json:"videoTitle,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	LastUpdated   time.Time `json:"lastUpdated"`
	QueuePosition string    `json:"queuePosition,omitempty"`
}

// Kind は出力の種類です。
type Kind string

const (
	KindInfo       Kind = "info"
	KindAudio      Kind = "mp3"
	KindVideo      Kind = "mp4"
	KindTranscript Kind = "transcript"
)

// requestType はキャッシュ上の種別に変換します。
func (k Kind) requestType() cache.RequestType {
	switch k {
	case KindAudio:
		return cache.RequestAudio
	case KindVideo:
		return cache.RequestVideo
	case KindTranscript:
		return cache.RequestTranscript
	default:
		return cache.RequestInfo
	}
}

// Request は Submit の入力です。
type Request struct {
	Kind        Kind   `json:"type"`
	URL         string `json:"url"`
	Lang        string `json:"lang,omitempty"`
	SkipAI      bool   `json:"skipAI"`
	UseDeepSeek *bool  `json:"useDeepSeek,omitempty"` // nil は true
}

// Validate は入力を検証します。
func (r Request) Validate() error {
	switch r.Kind {
	case KindInfo, KindAudio, KindVideo, KindTranscript:
	default:
		return &InvalidRequestError{Reason: fmt.Sprintf("unsupported request type: %q", r.Kind)}
	}
	u, err := url.Parse(strings.TrimSpace(r.URL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &InvalidRequestError{Reason: "url must be an absolute http(s) URL"}
	}
	return nil
}

// DownloadMeta はダウンロード結果の概要です。本体はストリームで呼び出し元に渡します。
type DownloadMeta struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

// Result は最終結果です。
type Result struct {
	Kind       Kind            `json:"type"`
	JobID      string          `json:"jobId,omitempty"`
	VideoID    string          `json:"videoId,omitempty"`
	VideoTitle string          `json:"videoTitle,omitempty"`
	Info       json.RawMessage `json:"info,omitempty"`
	Transcript json.RawMessage `json:"transcript,omitempty"`
	Download   *DownloadMeta   `json:"download,omitempty"`
}

// State は UI に公開する Poller のスナップショットです。
type State struct {
	Status   Status  `json:"status"`
	Job      *Job    `json:"job,omitempty"`
	Result   *Result `json:"result,omitempty"`
	Error    string  `json:"error,omitempty"`
	Message  string  `json:"message,omitempty"`
	Busy     bool    `json:"busy"`
	Polling  bool    `json:"polling"`
	Fetching bool    `json:"fetching"`
}

// Settled は進行中の通信もポーリングも無い状態かどうかを返します。
func (s State) Settled() bool {
	return !s.Busy && !s.Polling && !s.Fetching
}

// VideoIDFromURL は YouTube のURLから動画IDを取り出します。取れない場合は空文字列です。
func VideoIDFromURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	host = strings.TrimPrefix(host, "m.")
	switch host {
	case "youtu.be":
		return strings.Trim(u.Path, "/")
	case "youtube.com", "music.youtube.com":
		if v := u.Query().Get("v"); v != "" {
			return v
		}
		parts := strings.Split(strings.Trim(u.Path, "/"), "/")
		if len(parts) == 2 && (parts[0] == "shorts" || parts[0] == "embed" || parts[0] == "live") {
			return parts[1]
		}
	}
	return ""
}
