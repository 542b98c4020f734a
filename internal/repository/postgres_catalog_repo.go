package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/catalogwatch/internal/event"
	"github.com/hitoshi/catalogwatch/internal/model"
)

// querier はsql.DBとsql.Txの読み取り系メソッドの共通部分。
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// PostgresCatalogRepo はPostgreSQLを使用した商品カタログリポジトリ。
type PostgresCatalogRepo struct {
	db *sql.DB
}

// NewPostgresCatalogRepo はPostgresCatalogRepoを生成する。
func NewPostgresCatalogRepo(db *sql.DB) *PostgresCatalogRepo {
	return &PostgresCatalogRepo{db: db}
}

// LoadCatalog は削除済みを含むソースの全商品を、現行のバリアント付きで返す。
func (r *PostgresCatalogRepo) LoadCatalog(ctx context.Context, sourceID string) ([]model.Item, error) {
	return loadItems(ctx, r.db, sourceID, true)
}

// ListItems は表示用の商品一覧を返す。削除済みのバリアントは含まない。
func (r *PostgresCatalogRepo) ListItems(ctx context.Context, sourceID string, includeRemoved bool) ([]model.Item, error) {
	return loadItems(ctx, r.db, sourceID, includeRemoved)
}

func loadItems(ctx context.Context, q querier, sourceID string, includeRemoved bool) ([]model.Item, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, source_id, external_id, title, handle, category, vendor, images,
		        first_seen_at, last_seen_at, is_removed,
		        min_price, max_price, is_available, preview_image
		 FROM items
		 WHERE source_id = $1 AND ($2 OR NOT is_removed)
		 ORDER BY first_seen_at ASC, external_id ASC`,
		sourceID, includeRemoved,
	)
	if err != nil {
		return nil, fmt.Errorf("商品一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var items []model.Item
	index := make(map[string]int)
	for rows.Next() {
		var it model.Item
		if err := rows.Scan(
			&it.ID, &it.SourceID, &it.ExternalID, &it.Title, &it.Handle, &it.Category, &it.Vendor,
			pq.Array(&it.Images),
			&it.FirstSeenAt, &it.LastSeenAt, &it.IsRemoved,
			&it.MinPrice, &it.MaxPrice, &it.IsAvailable, &it.PreviewImage,
		); err != nil {
			return nil, fmt.Errorf("商品の読み取りに失敗しました: %w", err)
		}
		index[it.ID] = len(items)
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("商品一覧の走査に失敗しました: %w", err)
	}
	rows.Close()

	if len(items) == 0 {
		return items, nil
	}

	vrows, err := q.QueryContext(ctx,
		`SELECT v.id, v.item_id, v.external_id, v.title, v.sku,
		        v.price, v.compare_at_price, v.available, v.position
		 FROM variants v
		 INNER JOIN items i ON i.id = v.item_id
		 WHERE i.source_id = $1 AND ($2 OR NOT i.is_removed) AND NOT v.is_removed
		 ORDER BY v.item_id, v.position ASC, v.external_id ASC`,
		sourceID, includeRemoved,
	)
	if err != nil {
		return nil, fmt.Errorf("バリアント一覧の取得に失敗しました: %w", err)
	}
	defer vrows.Close()

	for vrows.Next() {
		var v model.Variant
		if err := vrows.Scan(
			&v.ID, &v.ItemID, &v.ExternalID, &v.Title, &v.SKU,
			&v.Price, &v.CompareAtPrice, &v.Available, &v.Position,
		); err != nil {
			return nil, fmt.Errorf("バリアントの読み取りに失敗しました: %w", err)
		}
		if idx, ok := index[v.ItemID]; ok {
			items[idx].Variants = append(items[idx].Variants, v)
		}
	}
	if err := vrows.Err(); err != nil {
		return nil, fmt.Errorf("バリアント一覧の走査に失敗しました: %w", err)
	}

	return items, nil
}

// ApplySync は1回の同期結果を単一トランザクションで反映する。
// 取得した商品とバリアントのupsert、消えた商品とバリアントの削除済みマーク、
// 表示キャッシュの再計算、スナップショットとイベントの追記、最終ポーリング日時の更新を行う。
// いずれかが失敗した場合は何も反映しない。
func (r *PostgresCatalogRepo) ApplySync(ctx context.Context, batch SyncBatch) (SyncStats, error) {
	var stats SyncStats
	if batch.Source == nil {
		return stats, fmt.Errorf("同期対象のソースが指定されていません")
	}
	sourceID := batch.Source.ID

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	seen := make(map[string]struct{}, len(batch.Fetched))
	for _, f := range batch.Fetched {
		if _, dup := seen[f.ExternalID]; dup {
			continue
		}
		seen[f.ExternalID] = struct{}{}

		it := itemFromFetched(sourceID, f)
		itemID, err := upsertItem(ctx, tx, &it, batch.PolledAt)
		if err != nil {
			return stats, err
		}

		keep := make([]string, 0, len(it.Variants))
		for _, v := range it.Variants {
			if err := upsertVariant(ctx, tx, itemID, v); err != nil {
				return stats, err
			}
			keep = append(keep, v.ExternalID)
		}

		n, err := markVariantsRemoved(ctx, tx, itemID, keep)
		if err != nil {
			return stats, err
		}
		stats.VariantsRemoved += n
		stats.ItemsWritten++
	}

	for _, it := range batch.Diff.Removed {
		if _, err := tx.ExecContext(ctx,
			`UPDATE items SET is_removed = true, updated_at = now()
			 WHERE id = $1 AND NOT is_removed`,
			it.ID,
		); err != nil {
			return stats, fmt.Errorf("商品の削除済みマークに失敗しました: %w", err)
		}
		stats.ItemsRemoved++
	}

	ids, err := resolveIDs(ctx, tx, sourceID)
	if err != nil {
		return stats, err
	}

	for _, s := range batch.Snapshots {
		variantID, ok := ids.variants[variantKey{item: s.ItemExternalID, variant: s.VariantExternalID}]
		if !ok {
			return stats, fmt.Errorf("スナップショット対象のバリアントが見つかりません: %s/%s", s.ItemExternalID, s.VariantExternalID)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO variant_snapshots (id, variant_id, price, compare_at_price, available, captured_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			uuid.NewString(), variantID, s.Price, s.CompareAtPrice, s.Available, s.CapturedAt,
		); err != nil {
			return stats, fmt.Errorf("スナップショットの保存に失敗しました: %w", err)
		}
		stats.SnapshotsWritten++
	}

	events := event.AttachSource(batch.Events, batch.Source)
	for i := range events {
		ev := &events[i]
		if ev.ItemID == "" {
			ev.ItemID = ids.items[ev.ItemExternalID]
		}
		if ev.VariantID == "" && ev.VariantExternalID != "" {
			ev.VariantID = ids.variants[variantKey{item: ev.ItemExternalID, variant: ev.VariantExternalID}]
		}
		if ev.ItemID == "" {
			return stats, fmt.Errorf("イベント対象の商品が見つかりません: %s", ev.ItemExternalID)
		}
		if err := insertEvent(ctx, tx, ev); err != nil {
			return stats, err
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sources SET last_polled_at = $2, is_syncing = false, updated_at = now() WHERE id = $1`,
		sourceID, batch.PolledAt,
	); err != nil {
		return stats, fmt.Errorf("最終ポーリング日時の更新に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}

	stats.Events = events
	return stats, nil
}

// itemFromFetched は取得データから保存用の商品を組み立て、表示キャッシュを計算する。
func itemFromFetched(sourceID string, f model.FetchedItem) model.Item {
	it := model.Item{
		SourceID:   sourceID,
		ExternalID: f.ExternalID,
		Title:      f.Title,
		Handle:     f.Handle,
		Category:   f.Category,
		Vendor:     f.Vendor,
		Images:     append([]string{}, f.Images...),
	}
	seen := make(map[string]struct{}, len(f.Variants))
	for _, v := range f.Variants {
		if _, dup := seen[v.ExternalID]; dup {
			continue
		}
		seen[v.ExternalID] = struct{}{}
		it.Variants = append(it.Variants, model.Variant{
			ExternalID:     v.ExternalID,
			Title:          v.Title,
			SKU:            v.SKU,
			Price:          v.Price,
			CompareAtPrice: v.CompareAtPrice,
			Available:      v.Available,
			Position:       v.Position,
		})
	}
	it.RecomputeCache()
	return it
}

func upsertItem(ctx context.Context, tx *sql.Tx, it *model.Item, seenAt time.Time) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx,
		`INSERT INTO items (id, source_id, external_id, title, handle, category, vendor, images,
		                    first_seen_at, last_seen_at, is_removed,
		                    min_price, max_price, is_available, preview_image, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9, false, $10, $11, $12, $13, now(), now())
		 ON CONFLICT (source_id, external_id) DO UPDATE SET
		    title = EXCLUDED.title, handle = EXCLUDED.handle,
		    category = EXCLUDED.category, vendor = EXCLUDED.vendor, images = EXCLUDED.images,
		    last_seen_at = EXCLUDED.last_seen_at, is_removed = false,
		    min_price = EXCLUDED.min_price, max_price = EXCLUDED.max_price,
		    is_available = EXCLUDED.is_available, preview_image = EXCLUDED.preview_image,
		    updated_at = now()
		 RETURNING id`,
		uuid.NewString(), it.SourceID, it.ExternalID, it.Title, it.Handle, it.Category, it.Vendor,
		pq.Array(it.Images), seenAt,
		it.MinPrice, it.MaxPrice, it.IsAvailable, it.PreviewImage,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("商品の保存に失敗しました: %w", err)
	}
	return id, nil
}

func upsertVariant(ctx context.Context, tx *sql.Tx, itemID string, v model.Variant) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO variants (id, item_id, external_id, title, sku, price, compare_at_price, available, position)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (item_id, external_id) DO UPDATE SET
		    title = EXCLUDED.title, sku = EXCLUDED.sku,
		    price = EXCLUDED.price, compare_at_price = EXCLUDED.compare_at_price,
		    available = EXCLUDED.available, position = EXCLUDED.position,
		    is_removed = false`,
		uuid.NewString(), itemID, v.ExternalID, v.Title, v.SKU,
		v.Price, v.CompareAtPrice, v.Available, v.Position,
	)
	if err != nil {
		return fmt.Errorf("バリアントの保存に失敗しました: %w", err)
	}
	return nil
}

// markVariantsRemoved はkeepに含まれないバリアントに削除済みマークを付け、件数を返す。
// スナップショットはバリアントに紐付いたまま残る。
func markVariantsRemoved(ctx context.Context, tx *sql.Tx, itemID string, keep []string) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE variants SET is_removed = true
		 WHERE item_id = $1 AND NOT is_removed AND NOT (external_id = ANY($2))`,
		itemID, pq.Array(keep),
	)
	if err != nil {
		return 0, fmt.Errorf("消えたバリアントの削除済みマークに失敗しました: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	return n, nil
}

type variantKey struct {
	item, variant string
}

type catalogIDs struct {
	items    map[string]string
	variants map[variantKey]string
}

// resolveIDs は外部IDから保存済みの商品IDとバリアントIDへの対応表を作る。
func resolveIDs(ctx context.Context, q querier, sourceID string) (catalogIDs, error) {
	ids := catalogIDs{
		items:    make(map[string]string),
		variants: make(map[variantKey]string),
	}

	rows, err := q.QueryContext(ctx,
		`SELECT i.external_id, i.id, v.external_id, v.id
		 FROM items i
		 LEFT JOIN variants v ON v.item_id = i.id
		 WHERE i.source_id = $1`,
		sourceID,
	)
	if err != nil {
		return ids, fmt.Errorf("ID対応表の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var itemExt, itemID string
		var variantExt, variantID sql.NullString
		if err := rows.Scan(&itemExt, &itemID, &variantExt, &variantID); err != nil {
			return ids, fmt.Errorf("ID対応表の読み取りに失敗しました: %w", err)
		}
		ids.items[itemExt] = itemID
		if variantID.Valid {
			ids.variants[variantKey{item: itemExt, variant: variantExt.String}] = variantID.String
		}
	}
	if err := rows.Err(); err != nil {
		return ids, fmt.Errorf("ID対応表の走査に失敗しました: %w", err)
	}
	return ids, nil
}
