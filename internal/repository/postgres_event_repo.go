package repository

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/catalogwatch/internal/model"
)

// PostgresEventRepo はPostgreSQLを使用した変更イベントリポジトリ。
type PostgresEventRepo struct {
	db *sql.DB
}

// NewPostgresEventRepo はPostgresEventRepoを生成する。
func NewPostgresEventRepo(db *sql.DB) *PostgresEventRepo {
	return &PostgresEventRepo{db: db}
}

// ListEvents は条件に一致するイベントを発生日時の降順で返す。
// 同じ同期で発生したイベント（同時刻）は保存順、すなわち生成順に並ぶ。
func (r *PostgresEventRepo) ListEvents(ctx context.Context, filter model.EventFilter) ([]model.ChangeEvent, error) {
	query, args := buildEventQuery(filter)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("イベント一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var events []model.ChangeEvent
	for rows.Next() {
		var ev model.ChangeEvent
		var variantID, variantExt, variantTitle, oldValue, newValue sql.NullString
		if err := rows.Scan(
			&ev.ID, &ev.SourceID, &ev.SourceName, &ev.ItemID, &variantID,
			&ev.ItemExternalID, &variantExt, &ev.ItemTitle, &variantTitle,
			&ev.Type, &oldValue, &newValue, &ev.PriceDelta, &ev.Magnitude,
			&ev.IsRead, &ev.OccurredAt,
		); err != nil {
			return nil, fmt.Errorf("イベントの読み取りに失敗しました: %w", err)
		}
		ev.VariantID = nullStringValue(variantID)
		ev.VariantExternalID = nullStringValue(variantExt)
		ev.VariantTitle = nullStringValue(variantTitle)
		ev.OldValue = nullStringValue(oldValue)
		ev.NewValue = nullStringValue(newValue)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("イベント一覧の走査に失敗しました: %w", err)
	}
	return events, nil
}

// buildEventQuery はフィルタ条件からSELECT文と引数を組み立てる。
func buildEventQuery(filter model.EventFilter) (string, []any) {
	var b strings.Builder
	var args []any
	b.WriteString(`SELECT id, source_id, source_name, item_id, variant_id,
		        item_external_id, variant_external_id, item_title, variant_title,
		        type, old_value, new_value, price_delta, magnitude, is_read, occurred_at
		 FROM change_events WHERE true`)

	where := func(cond string, v any) {
		args = append(args, v)
		fmt.Fprintf(&b, " AND "+cond, len(args))
	}
	if filter.SourceID != "" {
		where("source_id = $%d", filter.SourceID)
	}
	if filter.UnreadOnly {
		b.WriteString(" AND NOT is_read")
	}
	if filter.Type != "" {
		where("type = $%d", string(filter.Type))
	}
	if !filter.Before.IsZero() {
		if filter.BeforeID != "" {
			// カーソルのイベントが削除済みの場合は同時刻の残りを読み飛ばす
			args = append(args, filter.Before, filter.BeforeID)
			fmt.Fprintf(&b, " AND (occurred_at < $%[1]d OR (occurred_at = $%[1]d AND seq > "+
				"COALESCE((SELECT seq FROM change_events WHERE id = $%[2]d::uuid), %[3]d)))",
				len(args)-1, len(args), int64(math.MaxInt64))
		} else {
			where("occurred_at < $%d", filter.Before)
		}
	}

	b.WriteString(" ORDER BY occurred_at DESC, seq ASC")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	return b.String(), args
}

// MarkRead は指定イベントを既読にし、更新件数を返す。
// UUIDとして不正なIDは存在しないものとして無視する。
func (r *PostgresEventRepo) MarkRead(ctx context.Context, ids []string) (int64, error) {
	valid := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, err := uuid.Parse(id); err == nil {
			valid = append(valid, id)
		}
	}
	if len(valid) == 0 {
		return 0, nil
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE change_events SET is_read = true WHERE id = ANY($1) AND NOT is_read`,
		pq.Array(valid),
	)
	if err != nil {
		return 0, fmt.Errorf("イベントの既読化に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	return n, nil
}

// insertEvent はソース紐付け済みのイベントを1件追記する。
func insertEvent(ctx context.Context, tx *sql.Tx, ev *model.ChangeEvent) error {
	if !ev.IsAttached() {
		return fmt.Errorf("ソース未紐付けのイベントは保存できません: %s", ev.ID)
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO change_events (id, source_id, source_name, item_id, variant_id,
		                            item_external_id, variant_external_id, item_title, variant_title,
		                            type, old_value, new_value, price_delta, magnitude, is_read, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, false, $15)`,
		ev.ID, ev.SourceID, ev.SourceName, ev.ItemID, nullString(ev.VariantID),
		ev.ItemExternalID, nullString(ev.VariantExternalID), ev.ItemTitle, nullString(ev.VariantTitle),
		ev.Type, nullString(ev.OldValue), nullString(ev.NewValue), ev.PriceDelta, ev.Magnitude,
		ev.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("イベントの保存に失敗しました: %w", err)
	}
	return nil
}
