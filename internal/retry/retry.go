// Package retry はレート制限時の指数バックオフ付きリトライを提供する。
// リモート呼び出しのリトライはすべてこのパッケージを経由させる。
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hitoshi/handleclaim/internal/model"
)

const (
	// DefaultMaxAttempts はデフォルトの最大試行回数。
	DefaultMaxAttempts = 3
	// DefaultBaseDelay はデフォルトの初回遅延。
	DefaultBaseDelay = 1 * time.Second
)

// Sleeper は指定時間待機する。コンテキストがキャンセルされた場合はエラーを返す。
type Sleeper func(ctx context.Context, d time.Duration) error

// Policy はリトライ設定。
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration

	// Sleep はテスト用に差し替え可能。nilの場合はタイマーで待機する。
	Sleep Sleeper
	// OnRetry はリトライ前に呼ばれる。attemptは次に実行する試行番号（2始まり）。
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultPolicy はデフォルトのリトライ設定（3回、1秒から倍々）を返す。
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
	}
}

// Delay は試行番号attempt（1始まり）の直前に待つ時間を返す。
// 初回は0、2回目以降は BaseDelay * 2^(attempt-2)。
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	d := p.BaseDelay
	for i := 2; i < attempt; i++ {
		d *= 2
	}
	return d
}

// Retryable はリトライ対象のエラーかを判定する。レート制限のみが対象。
func Retryable(err error) bool {
	return errors.Is(err, model.ErrRateLimited)
}

// Do はopを実行し、レート制限エラーの場合のみ最大MaxAttempts回まで再試行する。
// それ以外のエラーは即座に返す。試行回数を使い切った場合は最後のエラーを返す。
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = timerSleep
	}

	var (
		result T
		err    error
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := p.Delay(attempt)
			if p.OnRetry != nil {
				p.OnRetry(attempt, delay, err)
			}
			slog.Warn("rate limited, retrying",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
			)
			if serr := sleep(ctx, delay); serr != nil {
				return result, model.NewError(model.KindUnavailable, "retry", serr)
			}
		}

		result, err = op(ctx)
		if err == nil {
			return result, nil
		}
		if !Retryable(err) {
			return result, err
		}
	}

	return result, err
}

// timerSleep はコンテキストのキャンセルに応答するスリープ。
func timerSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
