// Package event は差分から変更イベントとスナップショットを生成する。
package event

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hitoshi/catalogwatch/internal/diff"
	"github.com/hitoshi/catalogwatch/internal/model"
)

// 在庫イベントの値表現
const (
	StockInStock    = "in_stock"
	StockOutOfStock = "out_of_stock"
)

var (
	mediumThreshold = decimal.RequireFromString("0.10")
	largeThreshold  = decimal.RequireFromString("0.25")
)

// Magnitude は価格変動の大きさを分類する。
// 変動率 = |新価格 - 旧価格| / 旧価格 で、10%未満はsmall、25%未満はmedium、それ以上はlarge。
// 旧価格が0の場合は変動率を計算せずlargeとする。
func Magnitude(oldPrice, newPrice decimal.Decimal) model.Magnitude {
	if oldPrice.IsZero() {
		return model.MagnitudeLarge
	}
	relative := newPrice.Sub(oldPrice).Abs().Div(oldPrice.Abs())
	switch {
	case relative.LessThan(mediumThreshold):
		return model.MagnitudeSmall
	case relative.LessThan(largeThreshold):
		return model.MagnitudeMedium
	default:
		return model.MagnitudeLarge
	}
}

// SnapshotDraft は確定前のスナップショット。
// 新規商品のバリアントはまだIDを持たないため外部IDで参照する。
type SnapshotDraft struct {
	ItemExternalID    string
	VariantExternalID string
	Price             decimal.Decimal
	CompareAtPrice    decimal.NullDecimal
	Available         bool
	CapturedAt        time.Time
}

// Output はEmitの結果。
// Events はソース未紐付けの状態で、確定時に AttachSource で紐付ける。
type Output struct {
	Events    []model.ChangeEvent
	Snapshots []SnapshotDraft
}

// Emitter は差分から変更イベントを生成する。
type Emitter struct {
	newID func() string
}

// NewEmitter はEmitterの新しいインスタンスを生成する。
func NewEmitter() *Emitter {
	return &Emitter{newID: uuid.NewString}
}

// Emit は差分をイベント列に変換する。
// 順序は商品の取得順で、商品内は ライフサイクル → 画像 → バリアント（位置順、価格→在庫）。
// 削除された商品は最後に並ぶ。
// すべてのイベントは同じ時刻のスナップショットを伴い、スナップショットは同期ごとにバリアント単位で重複排除される。
// そのため同じバリアントの価格変更と在庫変化のように、1つのスナップショットが複数のイベントの根拠となることがある。
func (e *Emitter) Emit(res diff.Result, at time.Time) Output {
	b := &builder{
		newID: e.newID,
		at:    at,
		seen:  make(map[snapshotKey]struct{}),
	}

	added := make(map[string]model.FetchedItem, len(res.Added))
	for _, it := range res.Added {
		added[it.ExternalID] = it
	}
	updated := make(map[string]diff.ItemUpdate, len(res.Updated))
	for _, u := range res.Updated {
		updated[u.Fetched.ExternalID] = u
	}

	for _, id := range res.Order {
		if it, ok := added[id]; ok {
			b.emitAdded(it)
			continue
		}
		if u, ok := updated[id]; ok {
			b.emitUpdated(u)
		}
	}
	for _, it := range res.Removed {
		b.emitRemoved(it)
	}

	return Output{Events: b.events, Snapshots: b.snapshots}
}

type snapshotKey struct {
	item, variant string
}

type builder struct {
	newID     func() string
	at        time.Time
	events    []model.ChangeEvent
	snapshots []SnapshotDraft
	seen      map[snapshotKey]struct{}
}

func (b *builder) emitAdded(it model.FetchedItem) {
	b.events = append(b.events, model.ChangeEvent{
		ID:             b.newID(),
		ItemExternalID: it.ExternalID,
		ItemTitle:      it.Title,
		Type:           model.ChangeTypeNewItem,
		NewValue:       it.Title,
		Magnitude:      model.MagnitudeSmall,
		OccurredAt:     b.at,
	})
	for _, v := range diff.SortVariants(it.Variants) {
		b.snapshotFetched(it.ExternalID, v)
	}
}

func (b *builder) emitUpdated(u diff.ItemUpdate) {
	itemID := u.Fetched.ExternalID
	allVariants := false

	if u.ImagesChanged {
		b.events = append(b.events, model.ChangeEvent{
			ID:             b.newID(),
			ItemID:         u.Persisted.ID,
			ItemExternalID: itemID,
			ItemTitle:      u.Fetched.Title,
			Type:           model.ChangeTypeImagesChanged,
			OldValue:       strings.Join(u.Persisted.Images, "\n"),
			NewValue:       strings.Join(u.Fetched.Images, "\n"),
			Magnitude:      model.MagnitudeSmall,
			OccurredAt:     b.at,
		})
		allVariants = true
	}

	for _, c := range u.VariantChanges {
		ev := model.ChangeEvent{
			ID:                b.newID(),
			ItemID:            u.Persisted.ID,
			VariantID:         c.Variant.ID,
			ItemExternalID:    itemID,
			VariantExternalID: c.Fetched.ExternalID,
			ItemTitle:         u.Fetched.Title,
			VariantTitle:      c.Fetched.Title,
			OccurredAt:        b.at,
		}
		switch c.Dimension {
		case diff.DimensionPrice:
			delta := c.Fetched.Price.Sub(c.Variant.Price)
			ev.Type = model.ChangeTypePriceIncreased
			if delta.IsNegative() {
				ev.Type = model.ChangeTypePriceDropped
			}
			ev.OldValue = c.Variant.Price.String()
			ev.NewValue = c.Fetched.Price.String()
			ev.PriceDelta = decimal.NewNullDecimal(delta)
			ev.Magnitude = Magnitude(c.Variant.Price, c.Fetched.Price)
		case diff.DimensionAvailability:
			ev.Type = model.ChangeTypeOutOfStock
			if c.Fetched.Available {
				ev.Type = model.ChangeTypeBackInStock
			}
			ev.OldValue = stockValue(c.Variant.Available)
			ev.NewValue = stockValue(c.Fetched.Available)
			ev.Magnitude = model.MagnitudeSmall
		}
		b.events = append(b.events, ev)
		b.snapshotFetched(itemID, c.Fetched)
	}

	// 再掲載と画像変更は商品全体、追加バリアントは初回の基準値としてスナップショットを残す
	if allVariants || u.Restored {
		for _, v := range diff.SortVariants(u.Fetched.Variants) {
			b.snapshotFetched(itemID, v)
		}
	}
	for _, v := range u.NewVariants {
		b.snapshotFetched(itemID, v)
	}
}

func (b *builder) emitRemoved(it model.Item) {
	b.events = append(b.events, model.ChangeEvent{
		ID:             b.newID(),
		ItemID:         it.ID,
		ItemExternalID: it.ExternalID,
		ItemTitle:      it.Title,
		Type:           model.ChangeTypeItemRemoved,
		OldValue:       it.Title,
		Magnitude:      model.MagnitudeSmall,
		OccurredAt:     b.at,
	})
	for _, v := range it.Variants {
		b.snapshot(SnapshotDraft{
			ItemExternalID:    it.ExternalID,
			VariantExternalID: v.ExternalID,
			Price:             v.Price,
			CompareAtPrice:    v.CompareAtPrice,
			Available:         v.Available,
		})
	}
}

func (b *builder) snapshotFetched(itemID string, v model.FetchedVariant) {
	b.snapshot(SnapshotDraft{
		ItemExternalID:    itemID,
		VariantExternalID: v.ExternalID,
		Price:             v.Price,
		CompareAtPrice:    v.CompareAtPrice,
		Available:         v.Available,
	})
}

func (b *builder) snapshot(s SnapshotDraft) {
	key := snapshotKey{item: s.ItemExternalID, variant: s.VariantExternalID}
	if _, dup := b.seen[key]; dup {
		return
	}
	b.seen[key] = struct{}{}
	s.CapturedAt = b.at
	b.snapshots = append(b.snapshots, s)
}

func stockValue(available bool) string {
	if available {
		return StockInStock
	}
	return StockOutOfStock
}

// AttachSource は未紐付けのイベントに所有ソースを紐付けたコピーを返す。
// バッチ挿入の直前に呼び出す。
func AttachSource(events []model.ChangeEvent, source *model.Source) []model.ChangeEvent {
	out := make([]model.ChangeEvent, len(events))
	for i, ev := range events {
		ev.SourceID = source.ID
		ev.SourceName = source.Name
		out[i] = ev
	}
	return out
}
