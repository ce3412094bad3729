// Package auth はクッキーセッション・CSRF保護・IDトークンの交換を提供します。
package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/yourusername/tube-forge/internal/converter"
)

const (
	SessionCookieName    = "tf_session"
	sessionKeyID         = "sid"
	sessionKeyUser       = "auth_user"
	sessionKeyToken      = "api_token"
	sessionKeyTokenExp   = "api_token_exp"
	sessionKeyIssuedAt   = "issued_at"
	sessionKeyLastActive = "last_activity"
	sessionKeyCSRF       = "csrf_token"

	csrfHeader = "X-CSRF-Token"
)

var (
	maxSessionLifetime = 12 * time.Hour
	defaultIdleTimeout = 30 * time.Minute
	loginWindow        = 15 * time.Minute
	lockDuration       = 10 * time.Minute
	maxLoginAttempts   = 5
)

// SessionMaxAgeSeconds はクッキーの MaxAge に利用する秒数を返します。
func SessionMaxAgeSeconds() int {
	return int(maxSessionLifetime.Seconds())
}

// Exchanger は IDプロバイダーのトークンをサービストークンに交換します。
type Exchanger interface {
	ExchangeToken(ctx context.Context, idToken string) (*converter.TokenExchange, error)
}

type attemptState struct {
	count        int
	firstAttempt time.Time
	lockedUntil  time.Time
}

// Manager は認証処理と状態をまとめた構造体です。
type Manager struct {
	exchanger   Exchanger
	idleTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time

	// 同じIDトークンでの同時ログインは1回の交換にまとめる
	group singleflight.Group

	lock     sync.Mutex
	attempts map[string]*attemptState

	activity func(sid string) time.Time
	onLogout []func(sid string)
}

// NewManager は認証マネージャーを作成します。idleTimeout が0以下の場合は30分です。
func NewManager(exchanger Exchanger, idleTimeout time.Duration, logger *slog.Logger) *Manager {
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		exchanger:   exchanger,
		idleTimeout: idleTimeout,
		logger:      logger,
		now:         time.Now,
		attempts:    make(map[string]*attemptState),
	}
}

// SetActivitySource はクッキー以外で観測したセッションの最終利用時刻の取得元を設定します。
// イベントストリームのようにクッキーを更新できない接続でもアイドル判定を延長できます。
func (m *Manager) SetActivitySource(fn func(sid string) time.Time) {
	m.activity = fn
}

// OnLogout はログアウト成功時に呼び出す関数を登録します。
func (m *Manager) OnLogout(fn func(sid string)) {
	m.onLogout = append(m.onLogout, fn)
}

// lastActivity はクッキーの値と activity の新しい方を返します。
func (m *Manager) lastActivity(sid string, fromCookie time.Time) time.Time {
	if m.activity == nil || sid == "" {
		return fromCookie
	}
	if seen := m.activity(sid); seen.After(fromCookie) {
		return seen
	}
	return fromCookie
}

// exchange は同じ idToken の同時呼び出しを1回にまとめて交換します。
func (m *Manager) exchange(ctx context.Context, idToken string) (*converter.TokenExchange, error) {
	v, err, shared := m.group.Do(idToken, func() (any, error) {
		return m.exchanger.ExchangeToken(ctx, idToken)
	})
	if shared {
		m.logger.Debug("auth: token exchange shared")
	}
	if err != nil {
		return nil, err
	}
	return v.(*converter.TokenExchange), nil
}

func (m *Manager) checkLock(ip string) time.Duration {
	m.lock.Lock()
	defer m.lock.Unlock()

	state, ok := m.attempts[ip]
	if !ok {
		return 0
	}
	now := m.now()
	if now.After(state.lockedUntil) {
		return 0
	}
	return state.lockedUntil.Sub(now)
}

func (m *Manager) recordFailure(ip string) int {
	m.lock.Lock()
	defer m.lock.Unlock()

	now := m.now()
	state, ok := m.attempts[ip]
	if !ok || now.Sub(state.firstAttempt) > loginWindow {
		state = &attemptState{firstAttempt: now}
		m.attempts[ip] = state
	}

	state.count++
	if state.count >= maxLoginAttempts {
		state.lockedUntil = now.Add(lockDuration)
		state.count = maxLoginAttempts
	}

	remaining := maxLoginAttempts - state.count
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

func (m *Manager) resetAttempts(ip string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.attempts, ip)
}

func readUnix(v interface{}) time.Time {
	switch t := v.(type) {
	case int64:
		return time.Unix(t, 0)
	case int:
		return time.Unix(int64(t), 0)
	case float64:
		return time.Unix(int64(t), 0)
	default:
		return time.Time{}
	}
}
