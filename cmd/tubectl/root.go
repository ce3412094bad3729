package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/yourusername/tube-forge/internal/converter"
)

var (
	apiBaseURL string
	apiToken   string
	tokenFile  string
	timeout    time.Duration
	verbose    bool

	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
)

var rootCmd = &cobra.Command{
	Use:           "tubectl",
	Short:         "Submit YouTube conversion jobs and follow their progress.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load(".env.local")
		if verbose {
			logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
			slog.SetDefault(logger)
		}
		if apiBaseURL == "" {
			apiBaseURL = envOr("API_BASE_URL", "http://localhost:3000")
		}
		if tokenFile == "" {
			home, _ := os.UserHomeDir()
			tokenFile = filepath.Join(home, ".tubectl", "token")
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiBaseURL, "api", "", "Conversion API base URL (default $API_BASE_URL or http://localhost:3000)")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", "", "Service token (default $TUBECTL_TOKEN or the saved login token)")
	rootCmd.PersistentFlags().StringVar(&tokenFile, "token-file", "", "Where login stores the service token (default $HOME/.tubectl/token)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 60*time.Second, "Per-request timeout")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

// newClient はフラグ・環境変数・保存済みトークンの順でトークンを解決してクライアントを作成します。
func newClient() (*converter.Client, error) {
	return converter.NewClient(apiBaseURL,
		converter.WithHTTPClient(&http.Client{Timeout: timeout}),
		converter.WithTokenSource(converter.StaticToken(resolveToken())),
	)
}

func resolveToken() string {
	if apiToken != "" {
		return apiToken
	}
	if t := os.Getenv("TUBECTL_TOKEN"); t != "" {
		return t
	}
	data, err := os.ReadFile(tokenFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn("failed to read token file", slog.String("path", tokenFile), slog.Any("error", err))
		}
		return ""
	}
	return strings.TrimSpace(string(data))
}

func saveToken(token string) error {
	if err := os.MkdirAll(filepath.Dir(tokenFile), 0o700); err != nil {
		return err
	}
	return os.WriteFile(tokenFile, []byte(token+"\n"), 0o600)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func wrapUsage(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("tubectl: %w", err)
}
