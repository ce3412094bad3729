// Package retry は上限付き指数バックオフによる再試行を提供します。
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy は再試行の回数と待ち時間を制御します。
type Policy struct {
	MaxRetries  int
	InitialWait time.Duration
	MaxWait     time.Duration
	Multiplier  float64
}

// Default は一般的なHTTP呼び出し向けの設定です。
var Default = Policy{
	MaxRetries:  3,
	InitialWait: 500 * time.Millisecond,
	MaxWait:     10 * time.Second,
	Multiplier:  2.0,
}

// exponential は Policy に対応するジッターなしの ExponentialBackOff を作成します。
func (p Policy) exponential() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.RandomizationFactor = 0
	bo.InitialInterval = p.InitialWait
	bo.Multiplier = p.Multiplier
	if bo.Multiplier < 1 {
		bo.Multiplier = 1
	}
	bo.MaxInterval = p.MaxWait
	if bo.MaxInterval <= 0 {
		bo.MaxInterval = time.Duration(1<<63 - 1)
	}
	if bo.InitialInterval > bo.MaxInterval {
		bo.InitialInterval = bo.MaxInterval
	}
	bo.Reset()
	return bo
}

// Backoff は attempt 回目（0始まり）の再試行前に待つ時間を返します。
// 戻り値は attempt に対して単調非減少で、MaxWait を超えません。
func (p Policy) Backoff(attempt int) time.Duration {
	bo := p.exponential()
	wait := bo.NextBackOff()
	for i := 0; i < attempt; i++ {
		wait = bo.NextBackOff()
	}
	return wait
}

// Decision はエラーに対する再試行の判断です。
type Decision struct {
	Retry  bool
	Class  string // 再試行回数を数える単位
	Policy Policy
}

// Classifier はエラーを分類し、どの Policy で再試行するかを決めます。
type Classifier func(err error) Decision

// Always は全てのエラーを同じ Policy で再試行する Classifier を返します。
func Always(p Policy) Classifier {
	return func(error) Decision {
		return Decision{Retry: true, Class: "default", Policy: p}
	}
}

// ExhaustedError は再試行回数を使い切ったことを表します。
type ExhaustedError struct {
	Class    string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return e.Err.Error()
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// classBackOff は直前のエラー分類ごとに別々の ExponentialBackOff を進めます。
type classBackOff struct {
	current *backoff.ExponentialBackOff
	byClass map[string]*backoff.ExponentialBackOff
}

func (b *classBackOff) use(class string, p Policy) {
	bo, ok := b.byClass[class]
	if !ok {
		bo = p.exponential()
		b.byClass[class] = bo
	}
	b.current = bo
}

func (b *classBackOff) NextBackOff() time.Duration {
	if b.current == nil {
		return backoff.Stop
	}
	return b.current.NextBackOff()
}

func (b *classBackOff) Reset() {
	for _, bo := range b.byClass {
		bo.Reset()
	}
	b.current = nil
}

// Do は fn を実行し、classify が再試行可能と判断したエラーの間は待機して再実行します。
// 再試行回数はエラー分類（Decision.Class）ごとに数えます。
func Do[T any](ctx context.Context, classify Classifier, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := make(map[string]int)
	bo := &classBackOff{byClass: make(map[string]*backoff.ExponentialBackOff)}

	operation := func() (T, error) {
		if err := ctx.Err(); err != nil {
			return zero, backoff.Permanent(err)
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}

		d := classify(err)
		if !d.Retry {
			return zero, backoff.Permanent(err)
		}

		n := attempts[d.Class]
		if n >= d.Policy.MaxRetries {
			return zero, backoff.Permanent(&ExhaustedError{Class: d.Class, Attempts: n + 1, Err: err})
		}
		attempts[d.Class] = n + 1
		bo.use(d.Class, d.Policy)
		return zero, err
	}

	notify := func(err error, wait time.Duration) {
		slog.Debug("retrying",
			slog.Duration("wait", wait),
			slog.Any("error", err),
		)
	}

	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Unwrap()
		}
		return zero, err
	}
	return result, nil
}
