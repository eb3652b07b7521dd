package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/handleclaim/internal/database"
	"github.com/hitoshi/handleclaim/internal/model"
)

const identityColumns = `id, email, phone, password_hash, verified_at, created_at, updated_at`

// SQLIdentityRepo はSQLデータベースを使用したidentityリポジトリ。
type SQLIdentityRepo struct {
	sqlRepo
}

// NewSQLIdentityRepo はSQLIdentityRepoを生成する。
func NewSQLIdentityRepo(db *sql.DB, driver database.Driver) *SQLIdentityRepo {
	return &SQLIdentityRepo{sqlRepo{db: db, driver: driver}}
}

// Create はidentityを作成する。
func (r *SQLIdentityRepo) Create(ctx context.Context, identity *model.Identity) error {
	now := utcNow()
	if identity.CreatedAt.IsZero() {
		identity.CreatedAt = now
	}
	if identity.UpdatedAt.IsZero() {
		identity.UpdatedAt = now
	}

	_, err := r.db.ExecContext(ctx,
		r.q(`INSERT INTO identities (`+identityColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`),
		identity.ID, identity.Email, nullString(identity.Phone), identity.PasswordHash,
		nullTime(identity.VerifiedAt), identity.CreatedAt.UTC(), identity.UpdatedAt.UTC(),
	)
	if err == nil {
		return nil
	}

	if constraint, ok := uniqueViolation(err); ok {
		switch constraint {
		case constraintIdentityEmail, constraintIdentityPhone:
			return model.NewError(model.KindIdentityExists, "create identity", err)
		}
	}
	return fmt.Errorf("failed to create identity: %w", err)
}

// FindByID は指定IDのidentityを取得する。見つからない場合はnilを返す。
func (r *SQLIdentityRepo) FindByID(ctx context.Context, id string) (*model.Identity, error) {
	return r.findOne(ctx, `WHERE id = $1`, id)
}

// FindByEmail は正規化済みメールアドレスでidentityを取得する。見つからない場合はnilを返す。
func (r *SQLIdentityRepo) FindByEmail(ctx context.Context, email string) (*model.Identity, error) {
	return r.findOne(ctx, `WHERE email = $1`, email)
}

func (r *SQLIdentityRepo) findOne(ctx context.Context, where, arg string) (*model.Identity, error) {
	identity := &model.Identity{}
	var (
		phone      sql.NullString
		verifiedAt sql.NullTime
	)
	err := r.db.QueryRowContext(ctx,
		r.q(`SELECT `+identityColumns+` FROM identities `+where),
		arg,
	).Scan(&identity.ID, &identity.Email, &phone, &identity.PasswordHash,
		&verifiedAt, &identity.CreatedAt, &identity.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}

	identity.Phone = phone.String
	identity.VerifiedAt = timePtr(verifiedAt)
	return identity, nil
}

// MarkVerified は検証完了日時を記録する。
func (r *SQLIdentityRepo) MarkVerified(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		r.q(`UPDATE identities SET verified_at = $1, updated_at = $2
		 WHERE id = $3 AND verified_at IS NULL`),
		at.UTC(), at.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark identity verified: %w", err)
	}
	return nil
}

// DeleteByID は指定IDのidentityを削除する。
func (r *SQLIdentityRepo) DeleteByID(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		r.q(`DELETE FROM identities WHERE id = $1`),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete identity: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("identity not found: %s", id)
	}
	return nil
}

// compile-time interface check
var _ IdentityRepository = (*SQLIdentityRepo)(nil)
