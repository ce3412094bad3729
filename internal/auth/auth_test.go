package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/tube-forge/internal/converter"
)

type fakeExchanger struct {
	mu    sync.Mutex
	calls int
	resp  *converter.TokenExchange
	err   error
}

func (f *fakeExchanger) ExchangeToken(ctx context.Context, idToken string) (*converter.TokenExchange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.resp, f.err
}

type client struct {
	t       *testing.T
	router  http.Handler
	cookies []*http.Cookie
	csrf    string
}

func (cl *client) do(method, path string, body any) *httptest.ResponseRecorder {
	cl.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(cl.t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "192.0.2.1:1234"
	if cl.csrf != "" {
		req.Header.Set(csrfHeader, cl.csrf)
	}
	for _, c := range cl.cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	cl.router.ServeHTTP(rec, req)
	if cookies := rec.Result().Cookies(); len(cookies) > 0 {
		cl.cookies = cookies
	}
	return rec
}

func setup(t *testing.T, ex Exchanger) (*Manager, *client) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	m := NewManager(ex, 30*time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))

	router := gin.New()
	router.Use(sessions.Sessions(SessionCookieName, cookie.NewStore([]byte("test-secret"))))
	router.Use(m.Session())
	router.POST("/auth/login", m.Login)
	router.GET("/auth/session", m.SessionInfo)
	router.POST("/auth/logout", m.RequireLogin(), m.VerifyCSRF(), m.Logout)
	router.GET("/whoami", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sid": SessionID(c), "user": UserID(c), "token": Token(c)})
	})
	router.POST("/protected", m.VerifyCSRF(), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	return m, &client{t: t, router: router}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestSessionAssignsStableID(t *testing.T) {
	_, cl := setup(t, &fakeExchanger{})

	rec := cl.do(http.MethodGet, "/whoami", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sid := decode(t, rec)["sid"].(string)
	assert.NotEmpty(t, sid)
	assert.NotEmpty(t, rec.Header().Get(csrfHeader))

	rec = cl.do(http.MethodGet, "/whoami", nil)
	assert.Equal(t, sid, decode(t, rec)["sid"])
}

func TestVerifyCSRF(t *testing.T) {
	_, cl := setup(t, &fakeExchanger{})

	rec := cl.do(http.MethodGet, "/whoami", nil)
	token := rec.Header().Get(csrfHeader)

	rec = cl.do(http.MethodPost, "/protected", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "CSRF_INVALID", decode(t, rec)["code"])

	cl.csrf = token
	rec = cl.do(http.MethodPost, "/protected", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestLoginStoresServiceToken(t *testing.T) {
	ex := &fakeExchanger{resp: &converter.TokenExchange{APIToken: "svc-token", ExpiresIn: 60, UserID: "user-42"}}
	m, cl := setup(t, ex)

	rec := cl.do(http.MethodPost, "/auth/login", gin.H{"idToken": "id-token"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "user-42", decode(t, rec)["userId"])

	rec = cl.do(http.MethodGet, "/whoami", nil)
	body := decode(t, rec)
	assert.Equal(t, "user-42", body["user"])
	assert.Equal(t, "svc-token", body["token"])

	rec = cl.do(http.MethodGet, "/auth/session", nil)
	assert.Equal(t, true, decode(t, rec)["authenticated"])

	// 期限切れのトークンは付与しない
	base := time.Now()
	m.now = func() time.Time { return base.Add(2 * time.Minute) }
	rec = cl.do(http.MethodGet, "/whoami", nil)
	body = decode(t, rec)
	assert.Equal(t, "user-42", body["user"])
	assert.Empty(t, body["token"])
}

func TestLogoutClearsIdentity(t *testing.T) {
	ex := &fakeExchanger{resp: &converter.TokenExchange{APIToken: "svc-token"}}
	m, cl := setup(t, ex)
	var loggedOut []string
	m.OnLogout(func(sid string) { loggedOut = append(loggedOut, sid) })

	rec := cl.do(http.MethodPost, "/auth/login", gin.H{"idToken": "id-token"})
	require.Equal(t, http.StatusOK, rec.Code)
	sid := decode(t, cl.do(http.MethodGet, "/whoami", nil))["sid"]
	cl.csrf = decode(t, cl.do(http.MethodGet, "/auth/session", nil))["csrfToken"].(string)

	rec = cl.do(http.MethodPost, "/auth/logout", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	body := decode(t, cl.do(http.MethodGet, "/whoami", nil))
	assert.Empty(t, body["user"])
	assert.Empty(t, body["token"])
	assert.Equal(t, sid, body["sid"])
	assert.Equal(t, []string{sid.(string)}, loggedOut)
}

func TestLoginLockout(t *testing.T) {
	ex := &fakeExchanger{err: &converter.APIError{StatusCode: http.StatusUnauthorized, Message: "Invalid token"}}
	_, cl := setup(t, ex)

	for i := 0; i < maxLoginAttempts; i++ {
		rec := cl.do(http.MethodPost, "/auth/login", gin.H{"idToken": "bad"})
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, float64(maxLoginAttempts-i-1), decode(t, rec)["remainingAttempts"])
	}

	rec := cl.do(http.MethodPost, "/auth/login", gin.H{"idToken": "bad"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, maxLoginAttempts, ex.calls)
}

func TestLoginUpstreamFailure(t *testing.T) {
	ex := &fakeExchanger{err: &converter.APIError{StatusCode: http.StatusServiceUnavailable, Message: "down"}}
	_, cl := setup(t, ex)

	rec := cl.do(http.MethodPost, "/auth/login", gin.H{"idToken": "id"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "EXCHANGE_FAILED", decode(t, rec)["code"])

	rec = cl.do(http.MethodPost, "/auth/login", gin.H{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIdleSessionIsRenewed(t *testing.T) {
	m, cl := setup(t, &fakeExchanger{})

	sid := decode(t, cl.do(http.MethodGet, "/whoami", nil))["sid"]

	base := time.Now()
	m.now = func() time.Time { return base.Add(31 * time.Minute) }
	assert.NotEqual(t, sid, decode(t, cl.do(http.MethodGet, "/whoami", nil))["sid"])
}

func TestActivitySourceKeepsSessionAlive(t *testing.T) {
	m, cl := setup(t, &fakeExchanger{})

	sid := decode(t, cl.do(http.MethodGet, "/whoami", nil))["sid"].(string)

	base := time.Now()
	m.SetActivitySource(func(got string) time.Time {
		if got != sid {
			return time.Time{}
		}
		return base.Add(25 * time.Minute)
	})
	m.now = func() time.Time { return base.Add(31 * time.Minute) }
	assert.Equal(t, sid, decode(t, cl.do(http.MethodGet, "/whoami", nil))["sid"])
}
