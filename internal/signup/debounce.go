package signup

import (
	"context"
	"time"
)

// DefaultDebounceDelay は入力が落ち着いたとみなすまでの既定の待ち時間。
const DefaultDebounceDelay = 500 * time.Millisecond

// Debounce はfirstを起点に、inからdelayの間新しい値が届かなくなるまで待ち、最後に受け取った値を返す。
// 入力のたびに空き確認を問い合わせないために使う。
// inが閉じられた場合はその時点の最後の値を返す。ctxがキャンセルされた場合はokがfalse。
func Debounce[T any](ctx context.Context, first T, in <-chan T, delay time.Duration) (last T, ok bool) {
	last = first
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return last, false
		case v, open := <-in:
			if !open {
				return last, true
			}
			last = v
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(delay)
		case <-timer.C:
			return last, true
		}
	}
}
