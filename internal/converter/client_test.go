package converter

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testVideoURL = "https://www.youtube.com/watch?v=iNMhWz8eJDc"

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL, opts...)
	require.NoError(t, err)
	return c
}

func TestGetVideoInfoVerbatim(t *testing.T) {
	const body = `{"title":"Test Video","video_id":"iNMhWz8eJDc"}`
	var gotQuery string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/info", r.URL.Path)
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	})

	info, err := c.GetVideoInfo(context.Background(), testVideoURL)
	require.NoError(t, err)
	assert.Equal(t, "Test Video", info.Title)
	assert.Equal(t, "iNMhWz8eJDc", info.VideoID)
	assert.JSONEq(t, body, string(info.Raw))
	assert.Equal(t, "url=https%3A%2F%2Fwww.youtube.com%2Fwatch%3Fv%3DiNMhWz8eJDc", gotQuery)
}

func TestDownloadAudioErrorMessage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"message":"Failed to fetch"}`)
	})

	_, err := c.DownloadAudio(context.Background(), testVideoURL)
	require.Error(t, err)
	assert.Equal(t, "Failed to fetch", err.Error())

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.True(t, apiErr.Temporary())
}

func TestErrorFallsBackToStatusText(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, "<html>upstream down</html>")
	})

	_, err := c.GetVideoInfo(context.Background(), testVideoURL)
	require.Error(t, err)
	assert.Equal(t, "Bad Gateway", err.Error())
}

func TestTranscriptPathDefaults(t *testing.T) {
	got := TranscriptPath(testVideoURL, DefaultTranscriptOptions())
	want := "/transcript?url=https%3A%2F%2Fwww.youtube.com%2Fwatch%3Fv%3DiNMhWz8eJDc&lang=tr&skipAI=false&useDeepSeek=true"
	assert.Equal(t, want, got)
}

func TestTranscriptPathZeroOptions(t *testing.T) {
	got := TranscriptPath(testVideoURL, TranscriptOptions{})
	assert.True(t, strings.HasSuffix(got, "&lang=tr&skipAI=false&useDeepSeek=true"), got)

	got = TranscriptPath(testVideoURL, TranscriptOptions{UseDeepSeek: Bool(false)})
	assert.True(t, strings.HasSuffix(got, "&useDeepSeek=false"), got)
}

func TestEncodeURIComponent(t *testing.T) {
	assert.Equal(t, "a%20b!'()*~-_.", encodeURIComponent("a b!'()*~-_."))
	assert.Equal(t, "%C3%A7%26%3D", encodeURIComponent("ç&="))
}

func TestGetVideoTranscriptAsyncHandle(t *testing.T) {
	var gotQuery string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = io.WriteString(w, `{"processingId":"job-1","status":"processing_initiated","video_id":"iNMhWz8eJDc"}`)
	})

	resp, err := c.GetVideoTranscript(context.Background(), testVideoURL, DefaultTranscriptOptions())
	require.NoError(t, err)
	require.True(t, resp.Async())
	assert.Equal(t, "job-1", resp.Handle.ProcessingID)
	assert.Equal(t, "iNMhWz8eJDc", resp.VideoID)
	assert.Equal(t, "url=https%3A%2F%2Fwww.youtube.com%2Fwatch%3Fv%3DiNMhWz8eJDc&lang=tr&skipAI=false&useDeepSeek=true", gotQuery)
}

func TestGetVideoTranscriptSync(t *testing.T) {
	const body = `{"video_id":"abc","title":"T","transcript":"hello"}`
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, body)
	})

	resp, err := c.GetVideoTranscript(context.Background(), testVideoURL, TranscriptOptions{Lang: "en", SkipAI: true})
	require.NoError(t, err)
	assert.False(t, resp.Async())
	assert.JSONEq(t, body, string(resp.Transcript))
	assert.Equal(t, "abc", resp.VideoID)
	assert.Equal(t, "T", resp.VideoTitle)
}

func TestGetProgress(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/progress/job-1", r.URL.Path)
		_, _ = io.WriteString(w, `{"id":"job-1","status":"processing","progress":42.5,"video_id":"v","video_title":"Title","createdAt":"2024-05-01T10:00:00Z","lastUpdated":1714557600000,"queue_position":3}`)
	})

	p, err := c.GetProgress(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, JobStatusProcessing, p.Status)
	assert.InDelta(t, 42.5, p.Progress, 0.001)
	assert.Equal(t, FlexString("3"), p.QueuePosition)
	assert.Equal(t, 2024, p.CreatedAt.Year())
	assert.False(t, p.LastUpdated.IsZero())
}

func TestGetProgressNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"message":"Job not found"}`)
	})

	_, err := c.GetProgress(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, IsStillProcessing(err))
	assert.Equal(t, "Job not found", err.Error())
}

func TestGetResultStillProcessing(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"message":"Processing not finished yet"}`)
	})

	_, err := c.GetResult(context.Background(), "job-1")
	require.Error(t, err)
	assert.True(t, IsStillProcessing(err))
	assert.Equal(t, "Processing not finished yet", err.Error())
}

func TestGetResultSuccess(t *testing.T) {
	const body = `{"transcript":"full text","notes":"ai notes"}`
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, body)
	})

	got, err := c.GetResult(context.Background(), "job-1")
	require.NoError(t, err)
	assert.JSONEq(t, body, string(got))
}

func TestCancelJob(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/cancel/job-1", r.URL.Path)
		_, _ = io.WriteString(w, `{"message":"Job canceled","video_id":"v","queue_position":"2"}`)
	})

	resp, err := c.CancelJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "Job canceled", resp.Message)
	assert.Equal(t, FlexString("2"), resp.QueuePosition)
}

func TestBearerTokenHeader(t *testing.T) {
	var auth []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		auth = append(auth, r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"title":"x","video_id":"y"}`)
	})

	_, err := c.WithToken(StaticToken("svc-token")).GetVideoInfo(context.Background(), testVideoURL)
	require.NoError(t, err)
	// トークンが無くてもリクエストは送られる
	_, err = c.GetVideoInfo(context.Background(), testVideoURL)
	require.NoError(t, err)

	require.Len(t, auth, 2)
	assert.Equal(t, "Bearer svc-token", auth[0])
	assert.Equal(t, "", auth[1])
}

func TestExchangeToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/auth/exchange-token", r.URL.Path)
		require.Equal(t, "Bearer idp-token", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"apiToken":"svc","expiresIn":3600,"userId":"u1"}`)
	}, WithTokenSource(StaticToken("ignored")))

	out, err := c.ExchangeToken(context.Background(), "idp-token")
	require.NoError(t, err)
	assert.Equal(t, "svc", out.APIToken)
	assert.Equal(t, int64(3600), out.ExpiresIn)
	assert.Equal(t, "u1", out.UserID)
}

func TestDownloadSniffsContentType(t *testing.T) {
	// ID3 タグ付きMP3の先頭バイト
	payload := append([]byte("ID3\x04\x00\x00\x00\x00\x00\x00"), make([]byte, 64)...)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(payload)
	})

	d, err := c.DownloadAudio(context.Background(), testVideoURL)
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, "audio/mpeg", d.ContentType)
	assert.Equal(t, "audio.mp3", d.Filename)
	data, err := io.ReadAll(d.Body)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestDownloadUsesDispositionFilename(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("Content-Disposition", `attachment; filename="My Video.mp4"`)
		_, _ = io.WriteString(w, "data")
	})

	d, err := c.DownloadVideo(context.Background(), testVideoURL)
	require.NoError(t, err)
	defer d.Close()
	assert.Equal(t, "video/mp4", d.ContentType)
	assert.Equal(t, "My Video.mp4", d.Filename)
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient("  ")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "baseURL"))
}
