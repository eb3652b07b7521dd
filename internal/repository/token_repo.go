package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/handleclaim/internal/database"
	"github.com/hitoshi/handleclaim/internal/model"
)

// SQLVerificationTokenRepo はSQLデータベースを使用したワンタイムコードリポジトリ。
type SQLVerificationTokenRepo struct {
	sqlRepo
}

// NewSQLVerificationTokenRepo はSQLVerificationTokenRepoを生成する。
func NewSQLVerificationTokenRepo(db *sql.DB, driver database.Driver) *SQLVerificationTokenRepo {
	return &SQLVerificationTokenRepo{sqlRepo{db: db, driver: driver}}
}

// Create はトークンを作成する。コードはハッシュのみ保存する。
func (r *SQLVerificationTokenRepo) Create(ctx context.Context, token *model.VerificationToken) error {
	if token.CreatedAt.IsZero() {
		token.CreatedAt = utcNow()
	}
	_, err := r.db.ExecContext(ctx,
		r.q(`INSERT INTO verification_tokens (id, identity_id, destination, code_hash, expires_at, consumed_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`),
		token.ID, token.IdentityID, token.Destination, token.CodeHash,
		token.ExpiresAt.UTC(), nullTime(token.ConsumedAt), token.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create verification token: %w", err)
	}
	return nil
}

// FindLatestByIdentityID はidentityの未使用トークンのうち最新のものを返す。見つからない場合はnilを返す。
func (r *SQLVerificationTokenRepo) FindLatestByIdentityID(ctx context.Context, identityID string) (*model.VerificationToken, error) {
	token := &model.VerificationToken{}
	var consumedAt sql.NullTime
	err := r.db.QueryRowContext(ctx,
		r.q(`SELECT id, identity_id, destination, code_hash, expires_at, consumed_at, created_at, failed_attempts
		 FROM verification_tokens
		 WHERE identity_id = $1 AND consumed_at IS NULL
		 ORDER BY created_at DESC
		 LIMIT 1`),
		identityID,
	).Scan(&token.ID, &token.IdentityID, &token.Destination, &token.CodeHash,
		&token.ExpiresAt, &consumedAt, &token.CreatedAt, &token.FailedAttempts)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find verification token: %w", err)
	}

	token.ConsumedAt = timePtr(consumedAt)
	return token, nil
}

// Consume はトークンを使用済みにする。並行して同じトークンを使用した場合は1つだけがtrueになる。
func (r *SQLVerificationTokenRepo) Consume(ctx context.Context, id string, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		r.q(`UPDATE verification_tokens SET consumed_at = $1 WHERE id = $2 AND consumed_at IS NULL`),
		at.UTC(), id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to consume verification token: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

// RecordFailedAttempt は未使用トークンの失敗回数を加算し、加算後の回数を返す。
func (r *SQLVerificationTokenRepo) RecordFailedAttempt(ctx context.Context, id string) (int, error) {
	var attempts int
	err := r.db.QueryRowContext(ctx,
		r.q(`UPDATE verification_tokens SET failed_attempts = failed_attempts + 1
		 WHERE id = $1 AND consumed_at IS NULL
		 RETURNING failed_attempts`),
		id,
	).Scan(&attempts)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to record failed attempt: %w", err)
	}
	return attempts, nil
}

// InvalidateByIdentityID はidentityの未使用トークンをすべて使用済みにする。
func (r *SQLVerificationTokenRepo) InvalidateByIdentityID(ctx context.Context, identityID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		r.q(`UPDATE verification_tokens SET consumed_at = $1 WHERE identity_id = $2 AND consumed_at IS NULL`),
		at.UTC(), identityID,
	)
	if err != nil {
		return fmt.Errorf("failed to invalidate verification tokens: %w", err)
	}
	return nil
}

// DeleteByIdentityID はidentityの全トークンを削除する。
func (r *SQLVerificationTokenRepo) DeleteByIdentityID(ctx context.Context, identityID string) error {
	_, err := r.db.ExecContext(ctx,
		r.q(`DELETE FROM verification_tokens WHERE identity_id = $1`),
		identityID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete verification tokens: %w", err)
	}
	return nil
}

// compile-time interface check
var _ VerificationTokenRepository = (*SQLVerificationTokenRepo)(nil)
