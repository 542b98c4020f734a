// Package model はドメインモデルを定義する。
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Item はソース内のカタログエントリ（商品）を表す。
// フィードから消えた商品は削除せず IsRemoved を立てて履歴を保持する。
type Item struct {
	ID          string
	SourceID    string
	ExternalID  string // ソース内で一意な外部ID
	Title       string
	Handle      string
	Category    string
	Vendor      string
	Images      []string // 表示順の画像URL
	FirstSeenAt time.Time
	LastSeenAt  time.Time
	IsRemoved   bool
	Variants    []Variant

	// 表示用の非正規化キャッシュ。RecomputeCache で更新する。
	MinPrice     decimal.NullDecimal
	MaxPrice     decimal.NullDecimal
	IsAvailable  bool
	PreviewImage string
}

// Variant は価格と在庫を独立に持つ商品のサブユニットを表す。
// フィードから消えたバリアントも IsRemoved を立てて残し、スナップショット履歴を保持する。
type Variant struct {
	ID             string
	ItemID         string
	ExternalID     string // 商品内で一意な外部ID
	Title          string
	SKU            string
	Price          decimal.Decimal
	CompareAtPrice decimal.NullDecimal
	Available      bool
	Position       int
	IsRemoved      bool
}

// Snapshot はある時点のバリアントの価格・在庫のイミュータブルな記録。
// 追記のみで、保持期間を超えたものは削除される。
type Snapshot struct {
	ID             string
	VariantID      string
	Price          decimal.Decimal
	CompareAtPrice decimal.NullDecimal
	Available      bool
	CapturedAt     time.Time
}

// FetchedItem はカタログフィードから取得した未保存の商品データを表す。
// FetchClientが生成し、DiffEngineとリポジトリに渡される。
type FetchedItem struct {
	ExternalID string
	Title      string
	Handle     string
	Category   string
	Vendor     string
	Images     []string
	Variants   []FetchedVariant
}

// FetchedVariant はカタログフィードから取得した未保存のバリアントデータを表す。
type FetchedVariant struct {
	ExternalID     string
	Title          string
	SKU            string
	Price          decimal.Decimal
	CompareAtPrice decimal.NullDecimal
	Available      bool
	Position       int
}

// RecomputeCache は商品の非正規化キャッシュ（価格帯・在庫・プレビュー画像）を
// 削除済みでないバリアントから再計算する。変更を伴う更新の最後に同期的に呼び出すこと。
func (i *Item) RecomputeCache() {
	i.MinPrice = decimal.NullDecimal{}
	i.MaxPrice = decimal.NullDecimal{}
	i.IsAvailable = false
	i.PreviewImage = ""

	if len(i.Images) > 0 {
		i.PreviewImage = i.Images[0]
	}

	for _, v := range i.Variants {
		if v.IsRemoved {
			continue
		}
		if v.Available {
			i.IsAvailable = true
		}
		if !i.MinPrice.Valid || v.Price.LessThan(i.MinPrice.Decimal) {
			i.MinPrice = decimal.NewNullDecimal(v.Price)
		}
		if !i.MaxPrice.Valid || v.Price.GreaterThan(i.MaxPrice.Decimal) {
			i.MaxPrice = decimal.NewNullDecimal(v.Price)
		}
	}
}

// Clone は他のゴルーチンと共有しても安全な独立したコピーを返す。
func (i Item) Clone() Item {
	c := i
	c.Images = append([]string(nil), i.Images...)
	c.Variants = append([]Variant(nil), i.Variants...)
	return c
}

// VariantByExternalID は外部IDに一致するバリアントを返す。見つからない場合はnilを返す。
func (i *Item) VariantByExternalID(externalID string) *Variant {
	for idx := range i.Variants {
		if i.Variants[idx].ExternalID == externalID {
			return &i.Variants[idx]
		}
	}
	return nil
}
