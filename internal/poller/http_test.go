package poller

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/tube-forge/internal/cache"
	"github.com/yourusername/tube-forge/internal/converter"
)

func headerValue(name string) func(c *gin.Context) string {
	return func(c *gin.Context) string { return c.GetHeader(name) }
}

func setupRouter(reg *Registry, svc cache.Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	sid := headerValue("X-Session")
	router.POST("/api/jobs", SubmitHandler(reg, sid))
	router.GET("/api/jobs/current", CurrentHandler(reg, sid))
	router.GET("/api/jobs/current/events", EventsHandler(reg, sid))
	router.POST("/api/jobs/current/cancel", CancelHandler(reg, sid))
	router.DELETE("/api/jobs/current", ResetHandler(reg, sid))
	router.GET("/api/videos/:videoId", VideoHandler(svc, slog.New(slog.NewTextHandler(io.Discard, nil))))
	router.GET("/api/videos/:videoId/requests/:type", RequestedHandler(svc, headerValue("X-User")))
	return router
}

func newTestRegistry(t *testing.T, client *fakeClient) *Registry {
	t.Helper()
	reg := NewRegistry(func(converter.TokenSource) Client { return client }, testOptions(), time.Minute)
	t.Cleanup(reg.Close)
	return reg
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Session", "session-1")
	req.Header.Set("X-User", "user-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestSubmitHandlerInfo(t *testing.T) {
	client := newFakeClient()
	client.info = &converter.VideoInfo{
		Title:   "Test Video",
		VideoID: "iNMhWz8eJDc",
		Raw:     json.RawMessage(`{"title":"Test Video","video_id":"iNMhWz8eJDc"}`),
	}
	router := setupRouter(newTestRegistry(t, client), cache.NewMemoryStore())

	rec := doJSON(t, router, http.MethodPost, "/api/jobs", gin.H{"type": "info", "url": testURL})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "info", body["type"])
	info := body["info"].(map[string]any)
	assert.Equal(t, "Test Video", info["title"])
}

func TestSubmitHandlerValidation(t *testing.T) {
	router := setupRouter(newTestRegistry(t, newFakeClient()), cache.NewMemoryStore())

	rec := doJSON(t, router, http.MethodPost, "/api/jobs", gin.H{"type": "flac", "url": testURL})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_INPUT", decode(t, rec)["code"])

	rec = doJSON(t, router, http.MethodPost, "/api/jobs", gin.H{"type": "info"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitHandlerAsyncAndBusy(t *testing.T) {
	client := newFakeClient()
	client.transcript = asyncHandle("job-h")
	client.progress = []progressReply{processing(10)}
	router := setupRouter(newTestRegistry(t, client), cache.NewMemoryStore())

	rec := doJSON(t, router, http.MethodPost, "/api/jobs", gin.H{"type": "transcript", "url": testURL})
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "job-h", body["jobId"])
	assert.Equal(t, "queued", body["status"])

	rec = doJSON(t, router, http.MethodPost, "/api/jobs", gin.H{"type": "info", "url": testURL})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "JOB_ALREADY_ACTIVE", decode(t, rec)["code"])

	rec = doJSON(t, router, http.MethodGet, "/api/jobs/current", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	job := decode(t, rec)["job"].(map[string]any)
	assert.Equal(t, "job-h", job["id"])
}

func TestSubmitHandlerStreamsDownload(t *testing.T) {
	client := newFakeClient()
	client.download = &converter.Download{
		Body:        io.NopCloser(strings.NewReader("fake-mp4")),
		ContentType: "video/mp4",
		Filename:    "video.mp4",
		Size:        8,
	}
	router := setupRouter(newTestRegistry(t, client), cache.NewMemoryStore())

	rec := doJSON(t, router, http.MethodPost, "/api/jobs", gin.H{"type": "mp4", "url": testURL})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
	assert.Equal(t, "attachment; filename=video.mp4", rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "fake-mp4", rec.Body.String())
}

func TestSubmitHandlerQuotesDownloadFilename(t *testing.T) {
	cases := []string{`say "hi".mp3`, "şarkı.mp3"}
	for _, name := range cases {
		t.Run(name, func(t *testing.T) {
			client := newFakeClient()
			client.download = &converter.Download{
				Body:        io.NopCloser(strings.NewReader("fake-mp3")),
				ContentType: "audio/mpeg",
				Filename:    name,
				Size:        -1,
			}
			router := setupRouter(newTestRegistry(t, client), cache.NewMemoryStore())

			rec := doJSON(t, router, http.MethodPost, "/api/jobs", gin.H{"type": "mp3", "url": testURL})
			require.Equal(t, http.StatusOK, rec.Code)

			disposition, params, err := mime.ParseMediaType(rec.Header().Get("Content-Disposition"))
			require.NoError(t, err)
			assert.Equal(t, "attachment", disposition)
			assert.Equal(t, name, params["filename"])
		})
	}
}

func TestSubmitHandlerUpstreamErrors(t *testing.T) {
	client := newFakeClient()
	client.downloadErr = &converter.APIError{StatusCode: http.StatusInternalServerError, Message: "Failed to fetch"}
	client.infoErr = &converter.APIError{StatusCode: http.StatusNotFound, Message: "Video not found"}
	router := setupRouter(newTestRegistry(t, client), cache.NewMemoryStore())

	rec := doJSON(t, router, http.MethodPost, "/api/jobs", gin.H{"type": "mp3", "url": testURL})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "UPSTREAM_ERROR", body["code"])
	assert.Equal(t, "Failed to fetch", body["message"])

	rec = doJSON(t, router, http.MethodPost, "/api/jobs", gin.H{"type": "info", "url": testURL})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Video not found", decode(t, rec)["message"])
}

func TestCancelAndResetHandlers(t *testing.T) {
	client := newFakeClient()
	client.transcript = asyncHandle("job-x")
	client.progress = []progressReply{processing(10)}
	client.cancelResp = &converter.CancelResponse{Message: "Job canceled"}
	router := setupRouter(newTestRegistry(t, client), cache.NewMemoryStore())

	rec := doJSON(t, router, http.MethodPost, "/api/jobs/current/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "NO_ACTIVE_JOB", decode(t, rec)["code"])

	rec = doJSON(t, router, http.MethodPost, "/api/jobs", gin.H{"type": "transcript", "url": testURL})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/jobs/current/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "Job canceled", body["message"])
	assert.Equal(t, "canceled", body["state"].(map[string]any)["status"])

	rec = doJSON(t, router, http.MethodDelete, "/api/jobs/current", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/jobs/current", nil)
	assert.Equal(t, "none", decode(t, rec)["status"])
}

func TestVideoHandlers(t *testing.T) {
	store := cache.NewMemoryStore()
	router := setupRouter(newTestRegistry(t, newFakeClient()), store)

	rec := doJSON(t, router, http.MethodGet, "/api/videos/vid1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "VIDEO_NOT_CACHED", decode(t, rec)["code"])

	require.NoError(t, store.Record(context.Background(), cache.Record{
		UserID:     "user-1",
		VideoID:    "vid1",
		VideoTitle: "Cached",
		Type:       cache.RequestTranscript,
		Result:     json.RawMessage(`{"text":"merhaba"}`),
	}))

	rec = doJSON(t, router, http.MethodGet, "/api/videos/vid1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Cached", decode(t, rec)["videoTitle"])

	rec = doJSON(t, router, http.MethodGet, "/api/videos/vid1/requests/transcript", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["requested"])

	rec = doJSON(t, router, http.MethodGet, "/api/videos/vid1/requests/mp4", nil)
	assert.Equal(t, false, decode(t, rec)["requested"])

	rec = doJSON(t, router, http.MethodGet, "/api/videos/vid1/requests/wav", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventsHandlerStreamsSnapshotAndEvents(t *testing.T) {
	reg := newTestRegistry(t, newFakeClient())
	server := httptest.NewServer(setupRouter(reg, cache.NewMemoryStore()))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/jobs/current/events", nil)
	require.NoError(t, err)
	req.Header.Set("X-Session", "session-1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	scanner := bufio.NewScanner(resp.Body)
	nextEvent := func() string {
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "event:") {
				return strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			}
		}
		return ""
	}

	require.Equal(t, "snapshot", nextEvent())

	session, ok := reg.Lookup("session-1")
	require.True(t, ok)
	session.Poller.Reset()

	assert.Equal(t, string(EventReset), nextEvent())
}
