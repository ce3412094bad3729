package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const videoURL = "https://www.youtube.com/watch?v=iNMhWz8eJDc"

func fakeAPI(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer saved-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"title":"Test Video","video_id":"iNMhWz8eJDc"}`))
	})
	mux.HandleFunc("/transcript", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"processingId":"job-cli","status":"processing_initiated"}`))
	})
	mux.HandleFunc("/progress/job-cli", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"job-cli","status":"completed","progress":100}`))
	})
	mux.HandleFunc("/result/job-cli", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"merhaba"}`))
	})
	mux.HandleFunc("/auth/exchange-token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"apiToken":"saved-token","userId":"user-7"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	// フラグの値は Execute をまたいで残るためリセットする
	apiBaseURL, apiToken, tokenFile = "", "", ""
	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return stdout.String(), err
}

func TestLoginThenInfo(t *testing.T) {
	t.Setenv("TUBECTL_TOKEN", "")
	srv := fakeAPI(t)
	tokenPath := filepath.Join(t.TempDir(), "token")

	out, err := run(t, "--api", srv.URL, "--token-file", tokenPath, "login", "id-token")
	require.NoError(t, err)
	assert.Contains(t, out, "user-7")

	saved, err := os.ReadFile(tokenPath)
	require.NoError(t, err)
	assert.Equal(t, "saved-token\n", string(saved))

	out, err = run(t, "--api", srv.URL, "--token-file", tokenPath, "info", videoURL)
	require.NoError(t, err)
	assert.Contains(t, out, `"title": "Test Video"`)
}

func TestTranscriptFollowsJob(t *testing.T) {
	srv := fakeAPI(t)

	out, err := run(t, "--api", srv.URL, "--token", "x", "transcript", "--interval", "10ms", videoURL)
	require.NoError(t, err)
	assert.Contains(t, out, `"text": "merhaba"`)
	assert.Contains(t, out, `"jobId": "job-cli"`)
}

func TestSubmitRequiresURL(t *testing.T) {
	_, err := run(t, "info")
	assert.Error(t, err)
}
