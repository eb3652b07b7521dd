// Package cache はクライアント側のユーザー名空き状況キャッシュを提供する。
// キャッシュはクライアントインスタンスごとに持ち、共有しない。
// 正しさには影響せず、問い合わせ回数と表示の鮮度にのみ影響する。
package cache

import (
	"sync"
	"time"
)

const (
	// DefaultTTL はエントリの既定の有効期間。入力中の再問い合わせを抑える程度の短さにする。
	DefaultTTL = 5 * time.Second
	// sweepThreshold はSet時に期限切れエントリを掃除する閾値。
	sweepThreshold = 256
)

type entry struct {
	available bool
	expiresAt time.Time
}

// Availability は正規化済みユーザー名をキーに空き状況を保持するTTLキャッシュ。
// 並行利用に対して安全。
type Availability struct {
	mu   sync.RWMutex
	ttl  time.Duration
	m    map[string]entry
	nowF func() time.Time
}

// NewAvailability はAvailabilityを生成する。ttlが0以下の場合はDefaultTTLを使う。
func NewAvailability(ttl time.Duration) *Availability {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Availability{
		ttl:  ttl,
		m:    make(map[string]entry),
		nowF: time.Now,
	}
}

// Get はキャッシュされた空き状況を返す。未登録または期限切れの場合はokがfalse。
func (c *Availability) Get(key string) (available bool, ok bool) {
	c.mu.RLock()
	e, found := c.m[key]
	c.mu.RUnlock()
	if !found {
		return false, false
	}

	if !e.expiresAt.After(c.nowF()) {
		c.mu.Lock()
		// 読み取り後に別のSetで更新されていないか確認してから削除する
		if cur, still := c.m[key]; still && cur.expiresAt.Equal(e.expiresAt) {
			delete(c.m, key)
		}
		c.mu.Unlock()
		return false, false
	}

	return e.available, true
}

// Set は空き状況を記録する。
func (c *Availability) Set(key string, available bool) {
	now := c.nowF()

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.m) >= sweepThreshold {
		for k, e := range c.m {
			if !e.expiresAt.After(now) {
				delete(c.m, k)
			}
		}
	}

	c.m[key] = entry{available: available, expiresAt: now.Add(c.ttl)}
}

// Invalidate はキーのエントリを削除する。
func (c *Availability) Invalidate(key string) {
	c.mu.Lock()
	delete(c.m, key)
	c.mu.Unlock()
}

// Len は保持しているエントリ数を返す。期限切れで未掃除のエントリも含む。
func (c *Availability) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}
