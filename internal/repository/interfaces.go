// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/handleclaim/internal/model"
)

// UsernameRepository はユーザー名レコード（一意性インデックス）の永続化インターフェース。
// claim.Indexを満たす。
type UsernameRepository interface {
	// Exists は指定ユーザー名のレコードが存在するかを返す。
	Exists(ctx context.Context, username string) (bool, error)

	// FindByUsername はユーザー名でレコードを取得する。見つからない場合はnilを返す。
	FindByUsername(ctx context.Context, username string) (*model.UsernameRecord, error)

	// FindByOwnerID はownerのレコードを取得する。見つからない場合はnilを返す。
	FindByOwnerID(ctx context.Context, ownerID string) (*model.UsernameRecord, error)

	// List はレコード一覧を返す。usernameが空でなければ完全一致で絞り込む。
	// Totalは絞り込み後の件数、Documentsは作成日時の昇順で最大limit件。
	List(ctx context.Context, username string, limit int) (*model.DocumentList, error)

	// Insert はレコードを作成する。IDが空または"unique"の場合はUUIDを採番する。
	// usernameの一意性違反はKindAlreadyTaken、owner_idの一意性違反はKindOwnerAlreadyClaimed、
	// IDの重複はErrDuplicateDocumentIDを返す。
	Insert(ctx context.Context, rec *model.UsernameRecord) error

	// DeleteByOwnerID はownerのレコードを削除する。存在しない場合もエラーにしない。
	DeleteByOwnerID(ctx context.Context, ownerID string) error
}

// IdentityRepository はidentityの永続化インターフェース。
type IdentityRepository interface {
	// Create はidentityを作成する。email・phoneの一意性違反はKindIdentityExistsを返す。
	Create(ctx context.Context, identity *model.Identity) error

	// FindByID は指定IDのidentityを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Identity, error)

	// FindByEmail は正規化済みメールアドレスでidentityを取得する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.Identity, error)

	// MarkVerified は検証完了日時を記録する。すでに記録済みの場合は上書きしない。
	MarkVerified(ctx context.Context, id string, at time.Time) error

	// DeleteByID は指定IDのidentityを削除する。
	// 関連するusername_records、verification_tokens、sessionsはCASCADE削除される。
	DeleteByID(ctx context.Context, id string) error
}

// VerificationTokenRepository はワンタイムコードの永続化インターフェース。
type VerificationTokenRepository interface {
	// Create はトークンを作成する。
	Create(ctx context.Context, token *model.VerificationToken) error

	// FindLatestByIdentityID はidentityの未使用トークンのうち最新のものを返す。
	// 見つからない場合はnilを返す。期限切れかどうかは呼び出し側で判定する。
	FindLatestByIdentityID(ctx context.Context, identityID string) (*model.VerificationToken, error)

	// Consume はトークンを使用済みにする。すでに使用済みの場合はfalseを返す。
	Consume(ctx context.Context, id string, at time.Time) (bool, error)

	// RecordFailedAttempt は未使用トークンの失敗回数を1増やし、増やした後の回数を返す。
	// トークンが使用済みまたは存在しない場合は0を返す。
	RecordFailedAttempt(ctx context.Context, id string) (int, error)

	// InvalidateByIdentityID はidentityの未使用トークンをすべて使用済みにする。
	InvalidateByIdentityID(ctx context.Context, identityID string, at time.Time) error

	// DeleteByIdentityID はidentityの全トークンを削除する。
	DeleteByIdentityID(ctx context.Context, identityID string) error
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
}
