// Package cleanup はバリアントスナップショットの保持期間管理を提供する。
// 保持期間（デフォルト90日）を超過したスナップショットを、フリート同期の1巡ごとに削除する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// DefaultRetentionDays はスナップショットのデフォルト保持日数。
const DefaultRetentionDays = 90

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Serializer は変更操作を単一の書き込みコンテキストで実行する。
type Serializer interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

// SnapshotPruner は保持期間を超過したスナップショットを削除するジョブ。
// 何度実行しても結果は変わらない。
type SnapshotPruner struct {
	db            Executor
	writer        Serializer
	logger        *slog.Logger
	now           func() time.Time
	RetentionDays int // スナップショットの保持日数（デフォルト: 90）
}

// NewSnapshotPruner は新しいSnapshotPrunerを生成する。
// writerがnilの場合は呼び出し元のゴルーチンで直接削除する。
func NewSnapshotPruner(db Executor, writer Serializer, logger *slog.Logger) *SnapshotPruner {
	return &SnapshotPruner{
		db:            db,
		writer:        writer,
		logger:        logger,
		now:           time.Now,
		RetentionDays: DefaultRetentionDays,
	}
}

// Cutoff は現在時刻から保持日数を引いた削除境界を返す。
func (p *SnapshotPruner) Cutoff() time.Time {
	return p.now().Add(-time.Duration(p.RetentionDays) * 24 * time.Hour)
}

// Prune はcaptured_atがcutoffより前のスナップショットを削除し、削除件数を返す。
// ちょうどcutoffのスナップショットは残る。
func (p *SnapshotPruner) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := p.db.ExecContext(ctx,
		`DELETE FROM variant_snapshots WHERE captured_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("スナップショットの削除に失敗: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗: %w", err)
	}
	return deleted, nil
}

// Run は保持期間を超過したスナップショットをライター経由で削除し、削除件数を返す。
func (p *SnapshotPruner) Run(ctx context.Context) (int64, error) {
	start := time.Now()
	cutoff := p.Cutoff()

	var deleted int64
	prune := func(ctx context.Context) error {
		n, err := p.Prune(ctx, cutoff)
		deleted = n
		return err
	}

	var err error
	if p.writer != nil {
		err = p.writer.Do(ctx, prune)
	} else {
		err = prune(ctx)
	}
	if err != nil {
		p.logger.Error("スナップショットの保持期間整理に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", p.RetentionDays),
		)
		return 0, err
	}

	p.logger.Info("スナップショットの保持期間整理が完了しました",
		slog.Int64("deleted_count", deleted),
		slog.Int("retention_days", p.RetentionDays),
		slog.Time("cutoff", cutoff),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return deleted, nil
}
