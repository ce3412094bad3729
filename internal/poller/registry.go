package poller

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yourusername/tube-forge/internal/converter"
)

// ClientFactory はセッションのトークンを使う Client を作成します。
type ClientFactory func(tokens converter.TokenSource) Client

// Session はブラウザセッションごとの Poller とサービストークンです。
type Session struct {
	ID     string
	Poller *Poller

	token       atomic.Pointer[string]
	lastSeen    atomic.Int64
	subscribers atomic.Int32
}

// Token は converter.TokenSource を実装します。
func (s *Session) Token(context.Context) (string, error) {
	if t := s.token.Load(); t != nil {
		return *t, nil
	}
	return "", nil
}

// SetIdentity はログイン後のトークンとユーザーIDを設定します。空文字列でログアウト状態に戻します。
func (s *Session) SetIdentity(userID, token string) {
	s.token.Store(&token)
	s.Poller.SetUserID(userID)
}

// subscribe はイベントストリームの購読を登録し、解除関数を返します。
// 購読者がいる間は Sweep で削除しません。
func (s *Session) subscribe() func() {
	s.subscribers.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { s.subscribers.Add(-1) })
	}
}

func (s *Session) touch(now time.Time) {
	s.lastSeen.Store(now.UnixNano())
}

func (s *Session) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastSeen.Load()))
}

// Registry はセッションIDごとの Session を管理します。
type Registry struct {
	newClient   ClientFactory
	opts        Options
	idleTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry は Registry を作成します。idleTimeout が0以下の場合は Sweep で削除しません。
func NewRegistry(newClient ClientFactory, opts Options, idleTimeout time.Duration) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		newClient:   newClient,
		opts:        opts,
		idleTimeout: idleTimeout,
		logger:      logger,
		now:         time.Now,
		sessions:    make(map[string]*Session),
	}
}

// Get はセッションを返します。存在しない場合は作成します。
func (r *Registry) Get(sessionID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if s, ok := r.sessions[sessionID]; ok {
		s.touch(now)
		return s
	}

	s := &Session{ID: sessionID}
	s.Poller = New(r.newClient(s), r.opts)
	s.touch(now)
	r.sessions[sessionID] = s
	r.logger.Debug("poller: session created", slog.String("session_id", sessionID))
	return s
}

// Lookup は既存のセッションだけを返します。
func (r *Registry) Lookup(sessionID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if ok {
		s.touch(r.now())
	}
	return s, ok
}

// Keep はセッションを使用中として記録します。
func (r *Registry) Keep(s *Session) {
	s.touch(r.now())
}

// LastSeen はセッションが最後に使われた時刻を返します。
// 購読中のイベントストリームがあれば現在時刻、セッションが無ければゼロ値です。
func (r *Registry) LastSeen(sessionID string) time.Time {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	if s.subscribers.Load() > 0 {
		return r.now()
	}
	return time.Unix(0, s.lastSeen.Load())
}

// ClearIdentity は既存セッションのトークンとユーザーIDを消去します。
func (r *Registry) ClearIdentity(sessionID string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if ok {
		s.SetIdentity("", "")
	}
}

// Remove はセッションを閉じて削除します。
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	if ok {
		s.Poller.Close()
	}
}

// Len は保持しているセッション数を返します。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep は一定時間アクセスが無く、進行中の処理も無いセッションを削除します。
func (r *Registry) Sweep() int {
	if r.idleTimeout <= 0 {
		return 0
	}

	now := r.now()
	var expired []*Session

	r.mu.Lock()
	for id, s := range r.sessions {
		if s.subscribers.Load() > 0 || s.idleSince(now) < r.idleTimeout {
			continue
		}
		if !s.Poller.Snapshot().Settled() {
			continue
		}
		expired = append(expired, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, s := range expired {
		s.Poller.Close()
	}
	if len(expired) > 0 {
		r.logger.Info("poller: idle sessions removed", slog.Int("count", len(expired)))
	}
	return len(expired)
}

// Run は ctx が終わるまで interval ごとに Sweep を実行します。
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Close は全てのセッションを閉じます。
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Poller.Close()
	}
}
