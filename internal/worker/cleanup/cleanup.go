// Package cleanup は期限切れデータの自動削除ジョブを提供する。
// 有効期限を過ぎたワンタイムコードとセッションを定期的に削除する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/handleclaim/internal/database"
)

// DefaultRetention は期限切れのワンタイムコードを保持する期間。
const DefaultRetention = 24 * time.Hour

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type target struct {
	table string
	query string
	// useRetention がtrueの場合、現在時刻からRetentionを引いた時刻を基準にする
	useRetention bool
}

var targets = []target{
	{table: "verification_tokens", query: `DELETE FROM verification_tokens WHERE expires_at < $1`, useRetention: true},
	{table: "sessions", query: `DELETE FROM sessions WHERE expires_at < $1`},
}

// CleanupJob は期限切れデータの削除ジョブ。
// 冪等な削除処理のため、何度実行しても結果は変わらない。
type CleanupJob struct {
	db        Executor
	driver    database.Driver
	logger    *slog.Logger
	Retention time.Duration // 期限切れコードの保持期間（デフォルト: 24時間）
	now       func() time.Time
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(db Executor, driver database.Driver, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		db:        db,
		driver:    driver,
		logger:    logger,
		Retention: DefaultRetention,
		now:       time.Now,
	}
}

// Run は期限切れのワンタイムコードとセッションを削除する。
// 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	now := j.now().UTC()

	var total int64
	for _, t := range targets {
		cutoff := now
		if t.useRetention {
			cutoff = now.Add(-j.Retention)
		}

		result, err := j.db.ExecContext(ctx, database.Rebind(j.driver, t.query), cutoff)
		if err != nil {
			j.logger.Error("クリーンアップジョブの実行に失敗しました",
				slog.String("table", t.table),
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("%sのクリーンアップに失敗: %w", t.table, err)
		}

		deleted, err := result.RowsAffected()
		if err != nil {
			j.logger.Error("削除件数の取得に失敗しました",
				slog.String("table", t.table),
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("削除件数の取得に失敗: %w", err)
		}
		total += deleted

		j.logger.Debug("期限切れデータを削除しました",
			slog.String("table", t.table),
			slog.Int64("deleted_count", deleted),
		)
	}

	duration := time.Since(start)
	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("deleted_count", total),
		slog.Duration("retention", j.Retention),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// Start は起動直後に1回実行し、その後intervalごとにRunを繰り返す。
// ctxがキャンセルされるまでブロックする。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	if err := j.Run(ctx); err != nil {
		j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
			}
		}
	}
}
