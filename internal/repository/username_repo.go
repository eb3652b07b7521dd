package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/hitoshi/handleclaim/internal/database"
	"github.com/hitoshi/handleclaim/internal/model"
)

const usernameColumns = `id, username, owner_id, name, email, phone, created_at`

// SQLUsernameRepo はSQLデータベースを使用したユーザー名レコードリポジトリ。
type SQLUsernameRepo struct {
	sqlRepo
}

// NewSQLUsernameRepo はSQLUsernameRepoを生成する。
func NewSQLUsernameRepo(db *sql.DB, driver database.Driver) *SQLUsernameRepo {
	return &SQLUsernameRepo{sqlRepo{db: db, driver: driver}}
}

// Exists は指定ユーザー名のレコードが存在するかを返す。
func (r *SQLUsernameRepo) Exists(ctx context.Context, username string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		r.q(`SELECT count(*) FROM username_records WHERE username = $1`),
		username,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to count username records: %w", err)
	}
	return count > 0, nil
}

// FindByUsername はユーザー名でレコードを取得する。見つからない場合はnilを返す。
func (r *SQLUsernameRepo) FindByUsername(ctx context.Context, username string) (*model.UsernameRecord, error) {
	return r.findOne(ctx, `WHERE username = $1`, username)
}

// FindByOwnerID はownerのレコードを取得する。見つからない場合はnilを返す。
func (r *SQLUsernameRepo) FindByOwnerID(ctx context.Context, ownerID string) (*model.UsernameRecord, error) {
	return r.findOne(ctx, `WHERE owner_id = $1`, ownerID)
}

func (r *SQLUsernameRepo) findOne(ctx context.Context, where string, arg string) (*model.UsernameRecord, error) {
	row := r.db.QueryRowContext(ctx,
		r.q(`SELECT `+usernameColumns+` FROM username_records `+where),
		arg,
	)
	rec, err := scanUsernameRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find username record: %w", err)
	}
	return rec, nil
}

// List はレコード一覧を返す。usernameが空でなければ完全一致で絞り込む。
func (r *SQLUsernameRepo) List(ctx context.Context, username string, limit int) (*model.DocumentList, error) {
	where := ""
	args := []any{}
	if username != "" {
		where = ` WHERE username = $1`
		args = append(args, username)
	}

	var total int
	if err := r.db.QueryRowContext(ctx,
		r.q(`SELECT count(*) FROM username_records`+where),
		args...,
	).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count username records: %w", err)
	}

	list := &model.DocumentList{Total: total, Documents: []*model.UsernameRecord{}}
	if total == 0 || limit <= 0 {
		return list, nil
	}

	limitPlaceholder := fmt.Sprintf("$%d", len(args)+1)
	rows, err := r.db.QueryContext(ctx,
		r.q(`SELECT `+usernameColumns+` FROM username_records`+where+
			` ORDER BY created_at, id LIMIT `+limitPlaceholder),
		append(args, limit)...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list username records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanUsernameRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan username record: %w", err)
		}
		list.Documents = append(list.Documents, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate username records: %w", err)
	}

	return list, nil
}

// Insert はレコードを作成する。
// 重複の判定はINSERT時のUNIQUE制約にのみ依存し、事前のSELECTは行わない。
func (r *SQLUsernameRepo) Insert(ctx context.Context, rec *model.UsernameRecord) error {
	if rec.ID == "" || rec.ID == model.UniqueDocumentID {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = utcNow()
	}

	_, err := r.db.ExecContext(ctx,
		r.q(`INSERT INTO username_records (`+usernameColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`),
		rec.ID, rec.Username, rec.OwnerID, rec.Name, rec.Email, rec.Phone, rec.CreatedAt.UTC(),
	)
	if err == nil {
		return nil
	}

	if constraint, ok := uniqueViolation(err); ok {
		switch constraint {
		case constraintUsername:
			return model.NewError(model.KindAlreadyTaken, "insert username record", err)
		case constraintOwner:
			return model.NewError(model.KindOwnerAlreadyClaimed, "insert username record", err)
		case constraintUsernamePKey:
			return fmt.Errorf("failed to insert username record %s: %w", rec.ID, ErrDuplicateDocumentID)
		}
	}
	return fmt.Errorf("failed to insert username record: %w", err)
}

// DeleteByOwnerID はownerのレコードを削除する。
func (r *SQLUsernameRepo) DeleteByOwnerID(ctx context.Context, ownerID string) error {
	_, err := r.db.ExecContext(ctx,
		r.q(`DELETE FROM username_records WHERE owner_id = $1`),
		ownerID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete username record: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUsernameRecord(s rowScanner) (*model.UsernameRecord, error) {
	rec := &model.UsernameRecord{}
	err := s.Scan(&rec.ID, &rec.Username, &rec.OwnerID, &rec.Name, &rec.Email, &rec.Phone, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// compile-time interface check
var _ UsernameRepository = (*SQLUsernameRepo)(nil)
