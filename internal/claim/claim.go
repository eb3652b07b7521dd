// Package claim はユーザー名の空き確認と取得（claim）を提供する。
//
// 事前の空き確認はUXのための最適化にすぎない。確認から作成までの間に他のクライアントが
// 同じユーザー名を取得しうるため、正しさはストレージ層のUNIQUE制約のみが保証する。
// Committerは事前確認を行わず、作成時の一意性違反をAlreadyTakenとして返す。
package claim

import (
	"context"
	"time"

	"github.com/hitoshi/handleclaim/internal/model"
	"github.com/hitoshi/handleclaim/internal/retry"
)

// DefaultTimeout はリモート呼び出し1回あたりの既定タイムアウト。
const DefaultTimeout = 10 * time.Second

// Index はユーザー名の一意性インデックスへのアクセスを抽象化する。
// サーバー側ではリポジトリ、クライアント側ではHTTPクライアントが実装する。
type Index interface {
	// Exists は正規化済みユーザー名に完全一致するレコードが存在するかを返す。
	Exists(ctx context.Context, username string) (bool, error)

	// FindByUsername はユーザー名でレコードを取得する。見つからない場合はnilを返す。
	FindByUsername(ctx context.Context, username string) (*model.UsernameRecord, error)

	// Insert はレコードを作成する。作成に成功した場合はrecのID・CreatedAtを埋める。
	// usernameの一意性違反はKindAlreadyTaken、owner_idの一意性違反はKindOwnerAlreadyClaimedの
	// model.Errorとして返す。
	Insert(ctx context.Context, rec *model.UsernameRecord) error
}

// Cache は空き状況キャッシュのインターフェース。cache.Availabilityが実装する。
type Cache interface {
	Get(key string) (available bool, ok bool)
	Set(key string, available bool)
	Invalidate(key string)
}

// Recorder は結果をメトリクスに記録するインターフェース。
type Recorder interface {
	RecordAvailabilityCheck(status string)
	RecordClaim(outcome string)
}

// Config はChecker・Committer共通の設定。
type Config struct {
	Retry    retry.Policy
	Timeout  time.Duration // 1回の呼び出しのタイムアウト。0以下の場合はDefaultTimeout
	Recorder Recorder      // nil可
}

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

// call はタイムアウト付きでopを実行し、レート制限時はリトライする。
func call[T any](ctx context.Context, cfg Config, op func(ctx context.Context) (T, error)) (T, error) {
	return retry.Do(ctx, cfg.Retry, func(ctx context.Context) (T, error) {
		ctx, cancel := context.WithTimeout(ctx, cfg.timeout())
		defer cancel()
		return op(ctx)
	})
}

// classify は種別を持たないエラーをKindUnavailableとしてラップする。
// 呼び出し元には必ず種別付きのエラーを渡す。
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*model.Error); ok {
		return err
	}
	kind := model.KindOf(err)
	return model.NewError(kind, op, err)
}
