package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/tube-forge/internal/converter"
)

type loginRequest struct {
	IDToken string `json:"idToken" binding:"required"`
}

// Login は /auth/login のハンドラーです。IDトークンをサービストークンに交換してセッションに保存します。
func (m *Manager) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "idToken を JSON で送ってください",
		})
		return
	}

	ip := c.ClientIP()
	if retryAfter := m.checkLock(ip); retryAfter > 0 {
		// Retry-After は秒数またはHTTP-Date形式が推奨されているため秒数で返す
		c.Header("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds()), 10))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"code":    "TOO_MANY_ATTEMPTS",
			"message": "一定時間後に再度お試しください",
		})
		return
	}

	exchanged, err := m.exchange(c.Request.Context(), req.IDToken)
	if err != nil {
		var apiErr *converter.APIError
		if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden) {
			remaining := m.recordFailure(ip)
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":              "INVALID_ID_TOKEN",
				"message":           "IDトークンを検証できませんでした",
				"remainingAttempts": remaining,
			})
			return
		}
		m.logger.Error("auth: token exchange failed", slog.Any("error", err))
		c.JSON(http.StatusBadGateway, gin.H{
			"code":    "EXCHANGE_FAILED",
			"message": "トークンの交換に失敗しました",
		})
		return
	}

	m.resetAttempts(ip)

	session := sessions.Default(c)
	userID := exchanged.UserID
	if userID == "" {
		userID = SessionID(c)
	}
	session.Set(sessionKeyUser, userID)
	session.Set(sessionKeyToken, exchanged.APIToken)
	if exchanged.ExpiresIn > 0 {
		session.Set(sessionKeyTokenExp, m.now().Add(time.Duration(exchanged.ExpiresIn)*time.Second).Unix())
	} else {
		session.Delete(sessionKeyTokenExp)
	}

	if err := session.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "SESSION_SAVE_FAILED",
			"message": "セッションの保存に失敗しました",
		})
		return
	}

	c.Set(ContextUserKey, userID)
	c.Set(ContextTokenKey, exchanged.APIToken)
	c.JSON(http.StatusOK, gin.H{
		"userId":    userID,
		"expiresIn": exchanged.ExpiresIn,
	})
}

// Logout は /auth/logout のハンドラーです。セッションIDとCSRFトークンは維持します。
func (m *Manager) Logout(c *gin.Context) {
	session := sessions.Default(c)
	session.Delete(sessionKeyUser)
	session.Delete(sessionKeyToken)
	session.Delete(sessionKeyTokenExp)
	if err := session.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "SESSION_SAVE_FAILED",
			"message": "セッションの削除に失敗しました",
		})
		return
	}
	c.Set(ContextUserKey, "")
	c.Set(ContextTokenKey, "")
	sid := SessionID(c)
	for _, fn := range m.onLogout {
		fn(sid)
	}
	c.Status(http.StatusNoContent)
}

// SessionInfo は /auth/session のハンドラーです。
func (m *Manager) SessionInfo(c *gin.Context) {
	session := sessions.Default(c)
	csrf, _ := session.Get(sessionKeyCSRF).(string)
	c.JSON(http.StatusOK, gin.H{
		"authenticated": UserID(c) != "",
		"userId":        UserID(c),
		"hasToken":      Token(c) != "",
		"csrfToken":     csrf,
	})
}
