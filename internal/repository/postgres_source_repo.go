package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/catalogwatch/internal/model"
)

// PostgresSourceRepo はPostgreSQLを使用したソースリポジトリ。
type PostgresSourceRepo struct {
	db *sql.DB
}

// NewPostgresSourceRepo はPostgresSourceRepoを生成する。
func NewPostgresSourceRepo(db *sql.DB) *PostgresSourceRepo {
	return &PostgresSourceRepo{db: db}
}

const sourceColumns = `id, name, address, catalog_url, format, last_polled_at, is_syncing,
		        error_kind, error_message, error_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSource(row rowScanner) (*model.Source, error) {
	src := &model.Source{}
	var errorKind, errorMessage sql.NullString

	if err := row.Scan(
		&src.ID, &src.Name, &src.Address, &src.CatalogURL, &src.Format,
		&src.LastPolledAt, &src.IsSyncing,
		&errorKind, &errorMessage, &src.ErrorAt,
		&src.CreatedAt, &src.UpdatedAt,
	); err != nil {
		return nil, err
	}

	src.ErrorKind = model.SyncErrorKind(nullStringValue(errorKind))
	src.ErrorMessage = nullStringValue(errorMessage)
	return src, nil
}

// FindByID は指定IDのソースを取得する。見つからない場合はnilを返す。
// UUIDとして不正なIDは存在しないものとして扱う。
func (r *PostgresSourceRepo) FindByID(ctx context.Context, id string) (*model.Source, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}
	src, err := scanSource(r.db.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ソースの取得に失敗しました: %w", err)
	}
	return src, nil
}

// FindByCatalogURL はカタログURLでソースを検索する。見つからない場合はnilを返す。
func (r *PostgresSourceRepo) FindByCatalogURL(ctx context.Context, catalogURL string) (*model.Source, error) {
	src, err := scanSource(r.db.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE catalog_url = $1`, catalogURL))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("カタログURLによるソースの検索に失敗しました: %w", err)
	}
	return src, nil
}

// Create はソースを作成する。
func (r *PostgresSourceRepo) Create(ctx context.Context, source *model.Source) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sources (id, name, address, catalog_url, format, is_syncing, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, false, $6, $7)`,
		source.ID, source.Name, source.Address, source.CatalogURL, source.Format,
		source.CreatedAt, source.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("ソースの作成に失敗しました: %w", err)
	}
	return nil
}

// Delete は指定IDのソースを削除し、削除できたかを返す。
func (r *PostgresSourceRepo) Delete(ctx context.Context, id string) (bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return false, nil
	}
	result, err := r.db.ExecContext(ctx, `DELETE FROM sources WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("ソースの削除に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return n > 0, nil
}

// List は全ソースを作成日時の昇順で返す。
func (r *PostgresSourceRepo) List(ctx context.Context) ([]*model.Source, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sourceColumns+` FROM sources ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("ソース一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var sources []*model.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("ソースの読み取りに失敗しました: %w", err)
		}
		sources = append(sources, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ソース一覧の走査に失敗しました: %w", err)
	}
	return sources, nil
}

// ListSummaries は商品数と未読イベント数を含むソース一覧を返す。
// 削除済みの商品は集計に含めない。
func (r *PostgresSourceRepo) ListSummaries(ctx context.Context) ([]model.SourceSummary, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT s.id, s.name, s.address, s.catalog_url, s.format, s.last_polled_at, s.is_syncing,
		        s.error_kind, s.error_message, s.error_at, s.created_at, s.updated_at,
		        COALESCE(i.item_count, 0), COALESCE(i.available_count, 0),
		        COALESCE(e.unread_count, 0)
		 FROM sources s
		 LEFT JOIN (
		     SELECT source_id,
		            COUNT(*) AS item_count,
		            COUNT(*) FILTER (WHERE is_available) AS available_count
		     FROM items WHERE NOT is_removed
		     GROUP BY source_id
		 ) i ON i.source_id = s.id
		 LEFT JOIN (
		     SELECT source_id, COUNT(*) AS unread_count
		     FROM change_events WHERE NOT is_read
		     GROUP BY source_id
		 ) e ON e.source_id = s.id
		 ORDER BY s.created_at ASC, s.id ASC`)
	if err != nil {
		return nil, fmt.Errorf("ソース集計の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var summaries []model.SourceSummary
	for rows.Next() {
		var sum model.SourceSummary
		var errorKind, errorMessage sql.NullString
		if err := rows.Scan(
			&sum.ID, &sum.Name, &sum.Address, &sum.CatalogURL, &sum.Format,
			&sum.LastPolledAt, &sum.IsSyncing,
			&errorKind, &errorMessage, &sum.ErrorAt,
			&sum.CreatedAt, &sum.UpdatedAt,
			&sum.ItemCount, &sum.AvailableCount, &sum.UnreadEvents,
		); err != nil {
			return nil, fmt.Errorf("ソース集計の読み取りに失敗しました: %w", err)
		}
		sum.ErrorKind = model.SyncErrorKind(nullStringValue(errorKind))
		sum.ErrorMessage = nullStringValue(errorMessage)
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ソース集計の走査に失敗しました: %w", err)
	}
	return summaries, nil
}

// SetSyncing は同期中フラグを更新する。
func (r *PostgresSourceRepo) SetSyncing(ctx context.Context, id string, syncing bool) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sources SET is_syncing = $2, updated_at = now() WHERE id = $1`,
		id, syncing,
	)
	if err != nil {
		return fmt.Errorf("同期中フラグの更新に失敗しました: %w", err)
	}
	return nil
}

// RecordSourceError は同期エラーをソースに記録し、同期中フラグを下ろす。
func (r *PostgresSourceRepo) RecordSourceError(ctx context.Context, id string, kind model.SyncErrorKind, message string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sources SET
		    error_kind = $2, error_message = $3, error_at = $4,
		    is_syncing = false, updated_at = now()
		 WHERE id = $1`,
		id, nullString(string(kind)), nullString(message), at,
	)
	if err != nil {
		return fmt.Errorf("同期エラーの記録に失敗しました: %w", err)
	}
	return nil
}

// ClearSourceError は記録済みの同期エラーを解消する。
func (r *PostgresSourceRepo) ClearSourceError(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sources SET error_kind = NULL, error_message = NULL, error_at = NULL, updated_at = now()
		 WHERE id = $1 AND error_kind IS NOT NULL`,
		id,
	)
	if err != nil {
		return fmt.Errorf("同期エラーの解消に失敗しました: %w", err)
	}
	return nil
}

// nullString は空文字列をsql.NullStringに変換する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}
