// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/tube-forge/internal/auth"
	"github.com/yourusername/tube-forge/internal/cache"
	"github.com/yourusername/tube-forge/internal/config"
	"github.com/yourusername/tube-forge/internal/converter"
	"github.com/yourusername/tube-forge/internal/poller"
	"github.com/yourusername/tube-forge/internal/retry"
)

// devSessionSecret は debug モードで SESSION_SECRET が未設定の場合に使います。
const devSessionSecret = "tube-forge-dev-session-secret"

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := newLogger(cfg.GinMode)
	slog.SetDefault(logger)

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialise application", slog.Any("error", err))
		os.Exit(1)
	}

	router := newRouter(cfg, app)

	go app.registry.Run(ctx, cfg.SessionCleanupInterval)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		// SSE とダウンロードを流し続けるため WriteTimeout は設定しない
	}

	go func() {
		logger.Info("starting API server", slog.String("addr", srv.Addr), slog.String("mode", cfg.GinMode))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received, draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", slog.Any("error", err))
	}
	app.Close(shutdownCtx)
	logger.Info("server stopped cleanly")
}

// newRouter はミドルウェアとルーティングを設定した gin.Engine を返します。
func newRouter(cfg *config.Config, a *app) *gin.Engine {
	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// セッションストアの設定（暗号化鍵は任意）
	secret := cfg.SessionSecret
	if secret == "" {
		a.logger.Warn("SESSION_SECRET is not set, using development secret")
		secret = devSessionSecret
	}
	keyPairs := [][]byte{[]byte(secret)}
	if cfg.SessionEncryptionKey != "" {
		keyPairs = append(keyPairs, []byte(cfg.SessionEncryptionKey))
	}
	store := cookie.NewStore(keyPairs...)
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   auth.SessionMaxAgeSeconds(),
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteStrictMode,
	})
	router.Use(sessions.Sessions(auth.SessionCookieName, store))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	corsConfig.AllowOrigins = splitOrigins(cfg.CORSAllowedOrigins)
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		"Last-Event-ID",
		"X-CSRF-Token", // CSRF保護用ヘッダー
	}
	// フロントエンドがレスポンスヘッダーから CSRF トークンとファイル名を読み取れるように公開
	corsConfig.ExposeHeaders = []string{"X-CSRF-Token", "Content-Disposition"}
	router.Use(cors.New(corsConfig))

	// ルーティングの設定
	setupRoutes(router, a)
	return router
}

// app はハンドラーが共有する依存関係です。
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	client   *converter.Client
	auth     *auth.Manager
	registry *poller.Registry
	cache    cache.Service
	closers  []func(ctx context.Context)
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	client, err := converter.NewClient(cfg.APIBaseURL,
		converter.WithHTTPClient(&http.Client{Timeout: cfg.APITimeout}),
		converter.WithRateLimit(cfg.APIRateLimit, cfg.APIRateBurst),
	)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:    cfg,
		logger: logger,
		client: client,
		auth:   auth.NewManager(client, cfg.SessionIdleTimeout, logger),
	}

	svc, closeCache, err := setupCache(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.cache = svc
	a.closers = append(a.closers, closeCache)

	recorder, closeRecorder, err := setupRecorder(cfg, svc, logger)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.closers = append(a.closers, closeRecorder)

	a.registry = poller.NewRegistry(
		func(tokens converter.TokenSource) poller.Client {
			return client.WithToken(tokens)
		},
		pollerOptions(cfg, recorder, logger),
		cfg.SessionIdleTimeout,
	)
	// ストリーム接続中もクッキーのアイドル判定を延長し、ログアウト後は古いトークンで問い合わせない
	a.auth.SetActivitySource(a.registry.LastSeen)
	a.auth.OnLogout(a.registry.ClearIdentity)
	return a, nil
}

// Close はセッションを閉じ、外部接続を解放します。
func (a *app) Close(ctx context.Context) {
	if a.registry != nil {
		a.registry.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i](ctx)
	}
}

func pollerOptions(cfg *config.Config, recorder poller.Recorder, logger *slog.Logger) poller.Options {
	opts := poller.DefaultOptions()
	opts.Interval = cfg.PollInterval
	opts.ResultRetry = retry.Policy{
		MaxRetries:  cfg.ResultMaxRetries,
		InitialWait: cfg.ResultInitialWait,
		MaxWait:     cfg.ResultMaxWait,
		Multiplier:  2,
	}
	opts.ErrorRetry.MaxRetries = cfg.ResultErrorMaxRetries
	opts.DefaultLang = cfg.TranscriptLang
	opts.Recorder = recorder
	opts.Logger = logger
	return opts
}

// bindSession はセッションの認証情報を Poller に反映するミドルウェアです。
func (a *app) bindSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		a.registry.Get(auth.SessionID(c)).SetIdentity(auth.UserID(c), auth.Token(c))
		c.Next()
	}
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "tube-forge-api",
		"version": "0.1.0",
	})
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, a *app) {
	// まずは誰でも叩けるヘルスチェックを登録
	router.GET("/health", handleHealth)

	api := router.Group("/api")
	api.Use(a.auth.Session())
	{
		authRoutes := api.Group("/auth")
		{
			// ログインはIDトークン自体が資格情報なので CSRF 検証は不要
			authRoutes.POST("/login", a.auth.Login)
			authRoutes.GET("/session", a.auth.SessionInfo)
			authRoutes.POST("/logout",
				a.auth.RequireLogin(),
				a.auth.VerifyCSRF(),
				a.auth.Logout,
			)
		}

		jobs := api.Group("/jobs")
		jobs.Use(a.auth.VerifyCSRF(), a.bindSession())
		{
			jobs.POST("", poller.SubmitHandler(a.registry, auth.SessionID))
			jobs.GET("/current", poller.CurrentHandler(a.registry, auth.SessionID))
			jobs.GET("/current/events", poller.EventsHandler(a.registry, auth.SessionID))
			jobs.POST("/current/cancel", poller.CancelHandler(a.registry, auth.SessionID))
			jobs.DELETE("/current", poller.ResetHandler(a.registry, auth.SessionID))
		}

		videos := api.Group("/videos")
		{
			videos.GET("/:videoId", poller.VideoHandler(a.cache, a.logger))
			videos.GET("/:videoId/requests/:type", poller.RequestedHandler(a.cache, auth.UserID))
		}
	}
}

func newLogger(mode string) *slog.Logger {
	if mode == gin.ReleaseMode {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}
