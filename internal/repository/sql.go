package repository

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/hitoshi/handleclaim/internal/database"
)

// ErrDuplicateDocumentID は明示指定したドキュメントIDが既に使われている場合のエラー。
var ErrDuplicateDocumentID = errors.New("document id already exists")

// 一意性違反の判定に使う制約名。
const (
	constraintUsername      = "uq_username_records_username"
	constraintOwner         = "uq_username_records_owner"
	constraintUsernamePKey  = "username_records_pkey"
	constraintIdentityEmail = "uq_identities_email"
	constraintIdentityPhone = "uq_identities_phone"
)

// sqliteUniqueColumns はSQLiteのエラーメッセージに含まれる「テーブル.カラム」を制約名に対応付ける。
// SQLiteは制約名をメッセージに含めないため、カラムで判別する。
var sqliteUniqueColumns = map[string]string{
	"username_records.username": constraintUsername,
	"username_records.owner_id": constraintOwner,
	"username_records.id":       constraintUsernamePKey,
	"identities.email":          constraintIdentityEmail,
	"identities.phone":          constraintIdentityPhone,
}

// uniqueViolation はerrが一意性違反であれば違反した制約名を返す。
func uniqueViolation(err error) (string, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pqErr.Code == "23505" {
			return pqErr.Constraint, true
		}
		return "", false
	}

	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		code := sqErr.Code()
		if code != sqlite3.SQLITE_CONSTRAINT_UNIQUE && code != sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
			return "", false
		}
		msg := sqErr.Error()
		for column, constraint := range sqliteUniqueColumns {
			if strings.Contains(msg, column) {
				return constraint, true
			}
		}
		return "", true
	}

	return "", false
}

// sqlRepo は各リポジトリ共通の接続とドライバ情報。
type sqlRepo struct {
	db     *sql.DB
	driver database.Driver
}

// q はドライバに合わせてプレースホルダを書き換える。
func (r sqlRepo) q(query string) string {
	return database.Rebind(r.driver, query)
}

// nullString は空文字列をNULLとして扱う。
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullTime はnilをNULLとして扱う。
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// timePtr はNULLをnilに変換する。
func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// utcNow は保存用の現在時刻。SQLiteで辞書順比較できるようUTCに揃える。
func utcNow() time.Time {
	return time.Now().UTC()
}
