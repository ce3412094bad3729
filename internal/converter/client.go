// Package converter は YouTube 変換APIのHTTPクライアントを提供します。
package converter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// maxErrorBody はエラーレスポンスとして読み込むボディの上限です。
const maxErrorBody = 64 << 10

// TokenSource はリクエストに付与するサービストークンを提供します。
// 空文字列を返した場合は Authorization ヘッダーを付けずに送信します。
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken は固定値の TokenSource です。
type StaticToken string

// Token は固定のトークンを返します。
func (s StaticToken) Token(context.Context) (string, error) {
	return string(s), nil
}

// TokenFunc は関数を TokenSource として扱うためのアダプターです。
type TokenFunc func(ctx context.Context) (string, error)

// Token は f を呼び出します。
func (f TokenFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// Option は Client の設定を変更します。
type Option func(*Client)

// WithHTTPClient は利用する http.Client を差し替えます。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithRateLimit は送信レートの上限を設定します。perSecond が0以下なら無制限です。
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithTokenSource はトークンの取得元を設定します。
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) {
		c.tokens = ts
	}
}

// Client は変換APIのクライアントです。
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	tokens  TokenSource
}

// NewClient は baseURL を宛先とする Client を作成します。
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("baseURL is required")
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid baseURL: %w", err)
	}

	c := &Client{
		baseURL: trimmed,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// WithToken は TokenSource だけを差し替えた Client のコピーを返します。
// レートリミッターと http.Client は共有されます。
func (c *Client) WithToken(ts TokenSource) *Client {
	clone := *c
	clone.tokens = ts
	return &clone
}

// GetVideoInfo は GET /info?url= を呼び出します。
func (c *Client) GetVideoInfo(ctx context.Context, videoURL string) (*VideoInfo, error) {
	body, err := c.getJSON(ctx, "/info?url="+encodeURIComponent(videoURL))
	if err != nil {
		return nil, err
	}
	var info VideoInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode info response: %w", err)
	}
	info.Raw = body
	return &info, nil
}

// DownloadAudio は GET /mp3?url= を呼び出し、音声データを返します。
func (c *Client) DownloadAudio(ctx context.Context, videoURL string) (*Download, error) {
	return c.download(ctx, "/mp3?url="+encodeURIComponent(videoURL), "audio.mp3")
}

// DownloadVideo は GET /mp4?url= を呼び出し、動画データを返します。
func (c *Client) DownloadVideo(ctx context.Context, videoURL string) (*Download, error) {
	return c.download(ctx, "/mp4?url="+encodeURIComponent(videoURL), "video.mp4")
}

// TranscriptPath は /transcript のパスとクエリ文字列を組み立てます。
// パラメータの順序は url, lang, skipAI, useDeepSeek で固定です。
func TranscriptPath(videoURL string, opts TranscriptOptions) string {
	lang := opts.Lang
	if lang == "" {
		lang = DefaultTranscriptOptions().Lang
	}
	return "/transcript?url=" + encodeURIComponent(videoURL) +
		"&lang=" + encodeURIComponent(lang) +
		"&skipAI=" + strconv.FormatBool(opts.SkipAI) +
		"&useDeepSeek=" + strconv.FormatBool(opts.DeepSeek())
}

// GetVideoTranscript は GET /transcript を呼び出します。
// 応答が {processingId, status:"processing_initiated"} の場合は Handle を返します。
func (c *Client) GetVideoTranscript(ctx context.Context, videoURL string, opts TranscriptOptions) (*TranscriptResponse, error) {
	body, err := c.getJSON(ctx, TranscriptPath(videoURL, opts))
	if err != nil {
		return nil, err
	}

	var handle ProcessingHandle
	if err := json.Unmarshal(body, &handle); err == nil && handle.ProcessingID != "" &&
		(handle.Status == statusProcessingInitiated || handle.Status == string(JobStatusQueued) || handle.Status == "") {
		return &TranscriptResponse{
			Handle:     &handle,
			VideoID:    handle.VideoID,
			VideoTitle: handle.VideoTitle,
		}, nil
	}

	resp := &TranscriptResponse{Transcript: body}
	var meta struct {
		VideoID    string `json:"video_id"`
		VideoTitle string `json:"video_title"`
		Title      string `json:"title"`
	}
	if err := json.Unmarshal(body, &meta); err == nil {
		resp.VideoID = meta.VideoID
		resp.VideoTitle = meta.VideoTitle
		if resp.VideoTitle == "" {
			resp.VideoTitle = meta.Title
		}
	}
	return resp, nil
}

// GetProgress は GET /progress/{jobId} を呼び出します。
func (c *Client) GetProgress(ctx context.Context, jobID string) (*Progress, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	body, err := c.getJSON(ctx, "/progress/"+url.PathEscape(jobID))
	if err != nil {
		return nil, err
	}
	var p Progress
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode progress response: %w", err)
	}
	if p.ID == "" {
		p.ID = jobID
	}
	return &p, nil
}

// GetResult は GET /result/{jobId} を呼び出し、最終結果をそのまま返します。
// サーバーが 202 を返した場合は ErrStillProcessing として扱えるエラーを返します。
func (c *Client) GetResult(ctx context.Context, jobID string) (json.RawMessage, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	resp, err := c.do(ctx, http.MethodGet, "/result/"+url.PathEscape(jobID), nil, true)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read result response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newAPIError(resp.StatusCode, statusText(resp), body)
	}
	if resp.StatusCode == http.StatusAccepted || reportsProcessing(body) {
		apiErr := newAPIError(resp.StatusCode, statusText(resp), body)
		apiErr.pending = true
		return nil, apiErr
	}
	return json.RawMessage(body), nil
}

// CancelJob は POST /cancel/{jobId} を呼び出します。
func (c *Client) CancelJob(ctx context.Context, jobID string) (*CancelResponse, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	resp, err := c.do(ctx, http.MethodPost, "/cancel/"+url.PathEscape(jobID), nil, true)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := readBody(resp)
	if err != nil {
		return nil, err
	}
	var out CancelResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode cancel response: %w", err)
	}
	return &out, nil
}

// ExchangeToken は POST /auth/exchange-token を呼び出し、
// IDプロバイダーのトークンをサービストークンに交換します。
func (c *Client) ExchangeToken(ctx context.Context, idToken string) (*TokenExchange, error) {
	if strings.TrimSpace(idToken) == "" {
		return nil, fmt.Errorf("idToken is required")
	}
	payload, err := json.Marshal(map[string]string{"token": idToken})
	if err != nil {
		return nil, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/auth/exchange-token", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+idToken)

	resp, err := c.send(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := readBody(resp)
	if err != nil {
		return nil, err
	}
	var out TokenExchange
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode exchange response: %w", err)
	}
	if out.APIToken == "" {
		return nil, fmt.Errorf("exchange response has no apiToken")
	}
	return &out, nil
}

func (c *Client) getJSON(ctx context.Context, path string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, path, nil, true)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return readBody(resp)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, auth bool) (*http.Response, error) {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if auth && c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve api token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return c.send(req)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	return req, nil
}

func (c *Client) send(req *http.Request) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return nil, err
		}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	return resp, nil
}

// readBody はボディを読み込み、2xx以外なら APIError に変換します。
func readBody(resp *http.Response) ([]byte, error) {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, newAPIError(resp.StatusCode, statusText(resp), body)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return body, nil
}

// statusText は "404 Not Found" から "Not Found" を取り出します。
func statusText(resp *http.Response) string {
	text := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if text == "" {
		text = http.StatusText(resp.StatusCode)
	}
	return text
}

// reportsProcessing は 200 応答でも本文が処理中を示しているかどうかを判定します。
func reportsProcessing(body []byte) bool {
	var status struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &status); err != nil {
		return false
	}
	switch status.Status {
	case string(JobStatusProcessing), string(JobStatusQueued), statusProcessingInitiated:
		return true
	}
	return false
}

// encodeURIComponent はブラウザの encodeURIComponent と同じ規則でエスケープします。
func encodeURIComponent(s string) string {
	escaped := url.QueryEscape(s)
	escaped = strings.ReplaceAll(escaped, "+", "%20")
	replacer := strings.NewReplacer(
		"%21", "!",
		"%27", "'",
		"%28", "(",
		"%29", ")",
		"%2A", "*",
	)
	return replacer.Replace(escaped)
}
