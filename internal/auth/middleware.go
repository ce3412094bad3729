package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ハンドラー間で共有するコンテキストのキーです。
const (
	ContextSessionIDKey = "auth.session_id"
	ContextUserKey      = "auth.user"
	ContextTokenKey     = "auth.token"
)

// Session は全リクエストにセッションIDとCSRFトークンを割り当てるミドルウェアです。
// 有効期限内のサービストークンがあればコンテキストに設定します。
func (m *Manager) Session() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		now := m.now()

		sid, _ := session.Get(sessionKeyID).(string)
		issuedAt := readUnix(session.Get(sessionKeyIssuedAt))
		lastActive := m.lastActivity(sid, readUnix(session.Get(sessionKeyLastActive)))

		expired := sid != "" &&
			(issuedAt.IsZero() || now.Sub(issuedAt) > maxSessionLifetime ||
				lastActive.IsZero() || now.Sub(lastActive) > m.idleTimeout)
		if sid == "" || expired {
			session.Clear()
			sid = uuid.NewString()
			session.Set(sessionKeyID, sid)
			session.Set(sessionKeyIssuedAt, now.Unix())
			session.Set(sessionKeyCSRF, uuid.NewString())
		}
		session.Set(sessionKeyLastActive, now.Unix())
		if err := session.Save(); err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"code":    "SESSION_SAVE_FAILED",
				"message": "セッションの保存に失敗しました",
			})
			return
		}

		c.Set(ContextSessionIDKey, sid)
		if user, ok := session.Get(sessionKeyUser).(string); ok && user != "" {
			c.Set(ContextUserKey, user)
		}
		// 期限切れのトークンは付与せずに送信する
		if token, ok := session.Get(sessionKeyToken).(string); ok && token != "" {
			exp := readUnix(session.Get(sessionKeyTokenExp))
			if exp.IsZero() || now.Before(exp) {
				c.Set(ContextTokenKey, token)
			}
		}
		if csrf, ok := session.Get(sessionKeyCSRF).(string); ok {
			c.Header(csrfHeader, csrf)
		}
		c.Next()
	}
}

// RequireLogin はログイン済みのセッションだけを通すミドルウェアです。
func (m *Manager) RequireLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if UserID(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHORIZED",
				"message": "ログインが必要です",
			})
			return
		}
		c.Next()
	}
}

// VerifyCSRF は X-CSRF-Token ヘッダーを検証するミドルウェアです。
func (m *Manager) VerifyCSRF() gin.HandlerFunc {
	return func(c *gin.Context) {
		if isSafeMethod(c.Request.Method) {
			c.Next()
			return
		}

		session := sessions.Default(c)
		expected, ok := session.Get(sessionKeyCSRF).(string)
		if !ok || expected == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":    "CSRF_MISSING",
				"message": "CSRF トークンが設定されていません",
			})
			return
		}

		received := c.GetHeader(csrfHeader)
		if subtle.ConstantTimeCompare([]byte(expected), []byte(received)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":    "CSRF_INVALID",
				"message": "CSRF トークンが一致しません",
			})
			return
		}

		c.Next()
	}
}

// SessionID はリクエストのセッションIDを返します。
func SessionID(c *gin.Context) string {
	return c.GetString(ContextSessionIDKey)
}

// UserID はログイン中のユーザーIDを返します。
func UserID(c *gin.Context) string {
	return c.GetString(ContextUserKey)
}

// Token は有効なサービストークンを返します。無い場合は空文字列です。
func Token(c *gin.Context) string {
	return c.GetString(ContextTokenKey)
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}
