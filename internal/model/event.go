// Package model はドメインモデルを定義する。
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ChangeType は検出された変更の種別を表す。
type ChangeType string

const (
	// ChangeTypePriceDropped は値下げ。
	ChangeTypePriceDropped ChangeType = "price_dropped"
	// ChangeTypePriceIncreased は値上げ。
	ChangeTypePriceIncreased ChangeType = "price_increased"
	// ChangeTypeBackInStock は再入荷。
	ChangeTypeBackInStock ChangeType = "back_in_stock"
	// ChangeTypeOutOfStock は在庫切れ。
	ChangeTypeOutOfStock ChangeType = "out_of_stock"
	// ChangeTypeNewItem は新規掲載。
	ChangeTypeNewItem ChangeType = "new_item"
	// ChangeTypeItemRemoved は掲載終了。
	ChangeTypeItemRemoved ChangeType = "item_removed"
	// ChangeTypeImagesChanged は画像セットの変更。
	ChangeTypeImagesChanged ChangeType = "images_changed"
)

// ChangeTypes は全ての変更種別を定義順に返す。
func ChangeTypes() []ChangeType {
	return []ChangeType{
		ChangeTypePriceDropped,
		ChangeTypePriceIncreased,
		ChangeTypeBackInStock,
		ChangeTypeOutOfStock,
		ChangeTypeNewItem,
		ChangeTypeItemRemoved,
		ChangeTypeImagesChanged,
	}
}

// IsValid は定義済みの変更種別かを返す。
func (t ChangeType) IsValid() bool {
	for _, ct := range ChangeTypes() {
		if t == ct {
			return true
		}
	}
	return false
}

// IsPriceChange は価格変更系の種別かを返す。
func (t ChangeType) IsPriceChange() bool {
	return t == ChangeTypePriceDropped || t == ChangeTypePriceIncreased
}

// IsStockChange は在庫変更系の種別かを返す。
func (t ChangeType) IsStockChange() bool {
	return t == ChangeTypeBackInStock || t == ChangeTypeOutOfStock
}

// Magnitude は価格変動の大きさの分類を表す。
type Magnitude string

const (
	// MagnitudeSmall は変動率10%未満。
	MagnitudeSmall Magnitude = "small"
	// MagnitudeMedium は変動率10%以上25%未満。
	MagnitudeMedium Magnitude = "medium"
	// MagnitudeLarge は変動率25%以上。
	MagnitudeLarge Magnitude = "large"
)

// Priority は通知の優先度を表す。
type Priority string

const (
	// PriorityLow は低優先度。
	PriorityLow Priority = "low"
	// PriorityNormal は通常優先度。
	PriorityNormal Priority = "normal"
	// PriorityHigh は高優先度。
	PriorityHigh Priority = "high"
)

// ChangeEvent は検出された差分のイミュータブルな記録。
// 既読フラグ以外は作成後に変更されない。
type ChangeEvent struct {
	ID                string
	SourceID          string
	SourceName        string // 通知側がリレーションを辿らずに済むよう非正規化して保持する
	ItemID            string
	VariantID         string // 商品単位のイベントでは空
	ItemExternalID    string // 確定前のイベントは外部IDで商品を特定する
	VariantExternalID string
	ItemTitle         string
	VariantTitle      string
	Type              ChangeType
	OldValue          string
	NewValue          string
	PriceDelta        decimal.NullDecimal // 価格変更系のみ有効
	Magnitude         Magnitude
	IsRead            bool
	OccurredAt        time.Time
}

// Priority は通知ルーティング用の優先度を返す。
// 在庫変化は Magnitude に関わらず常に高優先度とする。
func (e ChangeEvent) Priority() Priority {
	if e.Type.IsStockChange() {
		return PriorityHigh
	}
	switch e.Magnitude {
	case MagnitudeLarge:
		return PriorityHigh
	case MagnitudeMedium:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// IsAttached はイベントに所有ソースが紐付け済みかを返す。
func (e ChangeEvent) IsAttached() bool {
	return e.SourceID != ""
}

// EventFilter はイベント一覧の取得条件を表す。
type EventFilter struct {
	SourceID   string
	UnreadOnly bool
	Type       ChangeType
	Before     time.Time // カーソル。ゼロ値の場合は先頭から
	BeforeID   string    // 同時刻のイベントを区切るカーソル。Beforeと併用する
	Limit      int
}

// EventRecord は外部に公開するイベントのJSON表現。
// 価格変更系以外では price_delta を出力しない。
type EventRecord struct {
	ID                string           `json:"id"`
	SourceID          string           `json:"source_id"`
	SourceName        string           `json:"source_name"`
	ItemID            string           `json:"item_id"`
	VariantID         string           `json:"variant_id,omitempty"`
	ItemExternalID    string           `json:"item_external_id"`
	VariantExternalID string           `json:"variant_external_id,omitempty"`
	ItemTitle         string           `json:"item_title"`
	VariantTitle      string           `json:"variant_title,omitempty"`
	Type              ChangeType       `json:"type"`
	OldValue          string           `json:"old_value,omitempty"`
	NewValue          string           `json:"new_value,omitempty"`
	PriceDelta        *decimal.Decimal `json:"price_delta,omitempty"`
	Magnitude         Magnitude        `json:"magnitude"`
	Priority          Priority         `json:"priority"`
	IsRead            bool             `json:"is_read"`
	OccurredAt        time.Time        `json:"occurred_at"`
}

// ToRecord はイベントをJSON表現に変換する。
func (e ChangeEvent) ToRecord() EventRecord {
	rec := EventRecord{
		ID:                e.ID,
		SourceID:          e.SourceID,
		SourceName:        e.SourceName,
		ItemID:            e.ItemID,
		VariantID:         e.VariantID,
		ItemExternalID:    e.ItemExternalID,
		VariantExternalID: e.VariantExternalID,
		ItemTitle:         e.ItemTitle,
		VariantTitle:      e.VariantTitle,
		Type:              e.Type,
		OldValue:          e.OldValue,
		NewValue:          e.NewValue,
		Magnitude:         e.Magnitude,
		Priority:          e.Priority(),
		IsRead:            e.IsRead,
		OccurredAt:        e.OccurredAt,
	}
	if e.Type.IsPriceChange() && e.PriceDelta.Valid {
		d := e.PriceDelta.Decimal
		rec.PriceDelta = &d
	}
	return rec
}
