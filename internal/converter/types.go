package converter

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// JobStatus は変換APIが返すジョブ状態です。
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCanceled   JobStatus = "canceled"
)

// statusProcessingInitiated は /transcript が非同期処理を開始したことを示します。
const statusProcessingInitiated = "processing_initiated"

// VideoInfo は /info のレスポンスです。Raw にはサーバーの応答がそのまま入ります。
type VideoInfo struct {
	Title          string `json:"title"`
	VideoID        string `json:"video_id"`
	ChannelID      string `json:"channel_id,omitempty"`
	Thumbnail      string `json:"thumbnail,omitempty"`
	DurationString string `json:"duration_string,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// TranscriptOptions は /transcript のクエリパラメータです。
// UseDeepSeek が nil の場合は true として送ります。
type TranscriptOptions struct {
	Lang        string
	SkipAI      bool
	UseDeepSeek *bool
}

// DefaultTranscriptOptions は lang=tr, skipAI=false, useDeepSeek=true を返します。
func DefaultTranscriptOptions() TranscriptOptions {
	return TranscriptOptions{Lang: "tr", SkipAI: false, UseDeepSeek: Bool(true)}
}

// DeepSeek は useDeepSeek として送る値を返します。
func (o TranscriptOptions) DeepSeek() bool {
	return o.UseDeepSeek == nil || *o.UseDeepSeek
}

// Bool は v へのポインタを返します。
func Bool(v bool) *bool {
	return &v
}

// ProcessingHandle は非同期ジョブのハンドルです。
type ProcessingHandle struct {
	ProcessingID string `json:"processingId"`
	Status       string `json:"status"`
	VideoID      string `json:"video_id,omitempty"`
	VideoTitle   string `json:"video_title,omitempty"`
}

// TranscriptResponse は /transcript の応答です。Handle と Transcript のどちらか一方が入ります。
type TranscriptResponse struct {
	Handle     *ProcessingHandle
	Transcript json.RawMessage
	VideoID    string
	VideoTitle string
}

// Async は非同期ハンドルが返されたかどうかを返します。
func (r *TranscriptResponse) Async() bool {
	return r != nil && r.Handle != nil
}

// Progress は /progress/{jobId} のレスポンスです。
type Progress struct {
	ID            string     `json:"id"`
	Status        JobStatus  `json:"status"`
	Progress      float64    `json:"progress"`
	VideoID       string     `json:"video_id,omitempty"`
	VideoTitle    string     `json:"video_title,omitempty"`
	CreatedAt     Timestamp  `json:"createdAt"`
	LastUpdated   Timestamp  `json:"lastUpdated"`
	QueuePosition FlexString `json:"queue_position,omitempty"`
	Error         string     `json:"error,omitempty"`
	Message       string     `json:"message,omitempty"`
}

// CancelResponse は /cancel/{jobId} のレスポンスです。
type CancelResponse struct {
	Message       string     `json:"message"`
	VideoID       string     `json:"video_id,omitempty"`
	VideoTitle    string     `json:"video_title,omitempty"`
	QueuePosition FlexString `json:"queue_position,omitempty"`
}

// TokenExchange は /auth/exchange-token のレスポンスです。
type TokenExchange struct {
	APIToken  string `json:"apiToken"`
	ExpiresIn int64  `json:"expiresIn,omitempty"` // 秒
	UserID    string `json:"userId,omitempty"`
}

// Timestamp は ISO 8601 文字列とエポックミリ秒の両方を受け付ける時刻です。
type Timestamp struct {
	time.Time
}

// UnmarshalJSON は文字列・数値の両形式を解釈します。
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			t.Time = time.Time{}
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return err
		}
		t.Time = parsed
		return nil
	}
	ms, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return err
	}
	t.Time = time.UnixMilli(int64(ms)).UTC()
	return nil
}

// MarshalJSON は RFC 3339 文字列として出力します。
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// FlexString は文字列・数値のどちらで返っても文字列として保持します。
type FlexString string

// UnmarshalJSON は数値を文字列に変換して受け取ります。
func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	*f = FlexString(strings.TrimSpace(string(data)))
	return nil
}
