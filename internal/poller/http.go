package poller

import (
	"context"
	"errors"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/tube-forge/internal/cache"
	"github.com/yourusername/tube-forge/internal/converter"
)

// SessionIDFunc はリクエストに紐づくセッションIDを返します。
type SessionIDFunc func(c *gin.Context) string

// UserIDFunc はリクエストに紐づくユーザーIDを返します。未ログインの場合は空文字列です。
type UserIDFunc func(c *gin.Context) string

// keepAliveInterval はイベントストリームにコメント行を送る間隔です。
var keepAliveInterval = 15 * time.Second

type submitRequest struct {
	Type        string `json:"type" binding:"required,oneof=info mp3 mp4 transcript"`
	URL         string `json:"url" binding:"required,url"`
	Lang        string `json:"lang" binding:"omitempty,max=16"`
	SkipAI      bool   `json:"skipAI"`
	UseDeepSeek *bool  `json:"useDeepSeek"`
}

// SubmitHandler は POST /api/jobs のハンドラーを返します。
// 同期結果は 200、非同期ジョブは 202、ダウンロードはファイルとして返します。
func SubmitHandler(reg *Registry, sessionID SessionIDFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body submitRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "type と url を正しく指定してください。",
			})
			return
		}

		session := reg.Get(sessionID(c))
		out, err := session.Poller.Submit(c.Request.Context(), Request{
			Kind:        Kind(body.Type),
			URL:         body.URL,
			Lang:        body.Lang,
			SkipAI:      body.SkipAI,
			UseDeepSeek: body.UseDeepSeek,
		})
		if err != nil {
			respondWithError(c, err)
			return
		}

		switch {
		case out.Download != nil:
			defer out.Download.Close()
			streamDownload(c, out.Download)
		case out.Job != nil:
			c.JSON(http.StatusAccepted, gin.H{
				"jobId":  out.Job.ID,
				"status": out.Job.Status,
			})
		default:
			c.JSON(http.StatusOK, out.Result)
		}
	}
}

// CurrentHandler は GET /api/jobs/current のハンドラーを返します。
func CurrentHandler(reg *Registry, sessionID SessionIDFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		session, ok := reg.Lookup(sessionID(c))
		if !ok {
			c.JSON(http.StatusOK, State{Status: StatusNone})
			return
		}
		c.JSON(http.StatusOK, session.Poller.Snapshot())
	}
}

// EventsHandler は GET /api/jobs/current/events のハンドラーを返します。
// 接続直後に snapshot を送り、以後は Last-Event-ID より後のイベントを送信します。
func EventsHandler(reg *Registry, sessionID SessionIDFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		session := reg.Get(sessionID(c))
		release := session.subscribe()
		defer release()
		bus := session.Poller.Events()

		last := lastEventID(c)
		if last == 0 {
			last = bus.LastSeq()
		}

		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")
		c.Render(-1, sse.Event{
			Event: "snapshot",
			Data:  session.Poller.Snapshot(),
		})
		c.Writer.Flush()

		keepAlive := time.NewTicker(keepAliveInterval)
		defer keepAlive.Stop()

		ctx := c.Request.Context()
		for {
			// Since より前に取得し、その間の Publish を取りこぼさない
			changed := bus.Wait()
			for _, event := range bus.Since(last) {
				c.Render(-1, sse.Event{
					Id:    strconv.FormatInt(event.Seq, 10),
					Event: string(event.Type),
					Data:  event,
				})
				last = event.Seq
			}
			c.Writer.Flush()

			select {
			case <-ctx.Done():
				return
			case <-changed:
				reg.Keep(session)
			case <-keepAlive.C:
				reg.Keep(session)
				if _, err := c.Writer.WriteString(": keep-alive\n\n"); err != nil {
					return
				}
				c.Writer.Flush()
			}
		}
	}
}

// CancelHandler は POST /api/jobs/current/cancel のハンドラーを返します。
func CancelHandler(reg *Registry, sessionID SessionIDFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		session, ok := reg.Lookup(sessionID(c))
		if !ok {
			respondWithError(c, ErrNoActiveJob)
			return
		}

		resp, err := session.Poller.Cancel(c.Request.Context())
		if err != nil {
			respondWithError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"message": resp.Message,
			"state":   session.Poller.Snapshot(),
		})
	}
}

// ResetHandler は DELETE /api/jobs/current のハンドラーを返します。
func ResetHandler(reg *Registry, sessionID SessionIDFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if session, ok := reg.Lookup(sessionID(c)); ok {
			session.Poller.Reset()
		}
		c.Status(http.StatusNoContent)
	}
}

// VideoHandler は GET /api/videos/:videoId のハンドラーを返します。
func VideoHandler(svc cache.Service, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		videoID := strings.TrimSpace(c.Param("videoId"))
		if videoID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "videoId を指定してください。",
			})
			return
		}

		video, err := svc.GetVideo(c.Request.Context(), videoID)
		if err != nil {
			if cache.IsNotFound(err) {
				logger.Debug("cache miss", slog.String("video_id", videoID))
				c.JSON(http.StatusNotFound, gin.H{
					"code":    "VIDEO_NOT_CACHED",
					"message": "この動画はまだ処理されていません。",
				})
				return
			}
			logger.Error("cache lookup failed", slog.String("video_id", videoID), slog.Any("error", err))
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "キャッシュの取得に失敗しました。",
			})
			return
		}

		c.JSON(http.StatusOK, video)
	}
}

// RequestedHandler は GET /api/videos/:videoId/requests/:type のハンドラーを返します。
func RequestedHandler(svc cache.Service, userID UserIDFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		reqType, err := cache.ParseRequestType(c.Param("type"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": err.Error(),
			})
			return
		}

		uid := userID(c)
		if uid == "" {
			c.JSON(http.StatusOK, gin.H{"requested": false})
			return
		}

		requested, err := svc.HasRequested(c.Request.Context(), uid, c.Param("videoId"), reqType)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "リクエスト履歴の取得に失敗しました。",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"requested": requested})
	}
}

func streamDownload(c *gin.Context, dl *converter.Download) {
	contentType := dl.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	// 非ASCIIのファイル名は RFC 2231 形式 (filename*=) で出力される
	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": dl.Filename})
	if disposition == "" {
		disposition = "attachment"
	}
	c.DataFromReader(http.StatusOK, dl.Size, contentType, dl.Body, map[string]string{
		"Content-Disposition": disposition,
		"Cache-Control":       "no-store",
	})
}

func lastEventID(c *gin.Context) int64 {
	raw := c.GetHeader("Last-Event-ID")
	if raw == "" {
		raw = c.Query("lastEventId")
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func respondWithError(c *gin.Context, err error) {
	var (
		invalid *InvalidRequestError
		apiErr  *converter.APIError
		netErr  net.Error
	)
	switch {
	case errors.As(err, &invalid):
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": invalid.Reason,
		})
	case errors.Is(err, ErrBusy):
		c.JSON(http.StatusConflict, gin.H{
			"code":    "JOB_ALREADY_ACTIVE",
			"message": "別のリクエストを処理中です。完了またはキャンセルしてから再度お試しください。",
		})
	case errors.Is(err, ErrNoActiveJob):
		c.JSON(http.StatusConflict, gin.H{
			"code":    "NO_ACTIVE_JOB",
			"message": "キャンセルできるジョブがありません。",
		})
	case errors.Is(err, ErrSuperseded):
		c.JSON(http.StatusConflict, gin.H{
			"code":    "JOB_SUPERSEDED",
			"message": "リクエストはリセットにより破棄されました。",
		})
	case errors.Is(err, ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":    "SESSION_CLOSED",
			"message": "セッションが終了しています。",
		})
	case errors.As(err, &apiErr):
		status := apiErr.StatusCode
		if status < 400 || status >= 500 {
			status = http.StatusBadGateway
		}
		c.JSON(status, gin.H{
			"code":    "UPSTREAM_ERROR",
			"message": apiErr.Message,
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr):
		c.JSON(http.StatusBadGateway, gin.H{
			"code":    "UPSTREAM_UNAVAILABLE",
			"message": "変換サーバーに接続できませんでした。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}
