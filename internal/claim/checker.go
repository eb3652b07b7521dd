package claim

import (
	"context"
	"log/slog"
)

// Status は空き確認の結果。
type Status int

const (
	// StatusCheckFailed は確認に失敗した（ネットワーク・権限・サーバーエラー）。
	// 空き・使用済みのどちらとしても扱ってはならない。
	StatusCheckFailed Status = iota
	// StatusAvailable は未使用。
	StatusAvailable
	// StatusTaken は使用済み。
	StatusTaken
)

// String はメトリクスやログ用の文字列表現を返す。
func (s Status) String() string {
	switch s {
	case StatusAvailable:
		return "available"
	case StatusTaken:
		return "taken"
	default:
		return "check_failed"
	}
}

// Availability は空き確認の結果を表す。
type Availability struct {
	Username string
	Status   Status
	Reason   error // StatusCheckFailedの場合のみ設定される。model.Error種別を持つ
	Cached   bool  // キャッシュから返された場合true
}

// Checker はユーザー名の空き状況を確認する。
type Checker struct {
	index Index
	cache Cache
	cfg   Config
}

// NewChecker はCheckerを生成する。cacheはnil可。
func NewChecker(index Index, cache Cache, cfg Config) *Checker {
	return &Checker{index: index, cache: cache, cfg: cfg}
}

// Check は正規化・検証済みのユーザー名の空き状況を返す。形式の再検証は行わない。
// キャッシュにヒットした場合はインデックスに問い合わせない。
// 確認に成功した場合は結果をキャッシュに書き込む。
func (c *Checker) Check(ctx context.Context, username string) Availability {
	if c.cache != nil {
		if available, ok := c.cache.Get(username); ok {
			return Availability{
				Username: username,
				Status:   statusOf(available),
				Cached:   true,
			}
		}
	}

	exists, err := call(ctx, c.cfg, func(ctx context.Context) (bool, error) {
		return c.index.Exists(ctx, username)
	})
	if err != nil {
		reason := classify("check username", err)
		slog.Warn("username availability check failed",
			slog.String("username", username),
			slog.String("error", reason.Error()),
		)
		c.record(StatusCheckFailed)
		return Availability{Username: username, Status: StatusCheckFailed, Reason: reason}
	}

	if c.cache != nil {
		c.cache.Set(username, !exists)
	}

	status := statusOf(!exists)
	c.record(status)
	return Availability{Username: username, Status: status}
}

func (c *Checker) record(s Status) {
	if c.cfg.Recorder != nil {
		c.cfg.Recorder.RecordAvailabilityCheck(s.String())
	}
}

func statusOf(available bool) Status {
	if available {
		return StatusAvailable
	}
	return StatusTaken
}
