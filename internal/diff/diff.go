// Package diff は取得したカタログと永続化済みの状態の差分を計算する。
// 副作用を持たない純粋関数のみを提供する。
package diff

import (
	"sort"

	"github.com/hitoshi/catalogwatch/internal/model"
)

// Dimension はバリアントの変更された次元を表す。
type Dimension string

const (
	// DimensionPrice は価格の変更。
	DimensionPrice Dimension = "price"
	// DimensionAvailability は在庫の変更。
	DimensionAvailability Dimension = "availability"
)

// VariantChange は1つのバリアントの1つの次元の変更を表す。
// 価格と在庫が同時に変わった場合は2件になる。
type VariantChange struct {
	Variant   model.Variant        // 永続化済みの値（旧）
	Fetched   model.FetchedVariant // 取得した値（新）
	Dimension Dimension
}

// ItemUpdate は両方に存在し、実質的な差分を持つ商品を表す。
type ItemUpdate struct {
	Persisted       model.Item
	Fetched         model.FetchedItem
	VariantChanges  []VariantChange // 取得側の位置順、同一バリアント内は価格→在庫の順
	ImagesChanged   bool
	Restored        bool                   // 削除済みだった商品が再掲載された
	NewVariants     []model.FetchedVariant // 既存商品に追加されたバリアント
	DroppedVariants []model.Variant        // 既存商品から消えたバリアント（削除済みマークの対象）
}

// Result は差分計算の結果。
type Result struct {
	Added   []model.FetchedItem
	Updated []ItemUpdate
	Removed []model.Item
	Order   []string // 追加・更新された商品の外部IDを取得順に並べたもの
}

// IsEmpty は差分が1件もないかを返す。
func (r Result) IsEmpty() bool {
	return len(r.Added) == 0 && len(r.Updated) == 0 && len(r.Removed) == 0
}

// Diff は永続化済みの商品と取得した商品を比較して差分を返す。
// 商品は外部IDで、バリアントは商品内の外部IDで突き合わせる。
// タイトル・カテゴリ・ベンダー・ハンドルのみの差分は実質的な変更として扱わない。
// 戻り値は入力と独立したコピーで、入力を変更しない。
func Diff(persisted []model.Item, fetched []model.FetchedItem) Result {
	var res Result

	byExternalID := make(map[string]int, len(persisted))
	for i := range persisted {
		byExternalID[persisted[i].ExternalID] = i
	}

	seen := make(map[string]struct{}, len(fetched))
	for _, f := range fetched {
		if _, dup := seen[f.ExternalID]; dup {
			continue
		}
		seen[f.ExternalID] = struct{}{}

		idx, ok := byExternalID[f.ExternalID]
		if !ok {
			res.Added = append(res.Added, cloneFetched(f))
			res.Order = append(res.Order, f.ExternalID)
			continue
		}

		if u, changed := compareItem(persisted[idx], f); changed {
			res.Updated = append(res.Updated, u)
			res.Order = append(res.Order, f.ExternalID)
		}
	}

	for _, p := range persisted {
		if p.IsRemoved {
			continue
		}
		if _, ok := seen[p.ExternalID]; !ok {
			res.Removed = append(res.Removed, p.Clone())
		}
	}

	return res
}

// compareItem は同じ外部IDを持つ商品を比較する。
func compareItem(p model.Item, f model.FetchedItem) (ItemUpdate, bool) {
	u := ItemUpdate{
		Persisted:     p.Clone(),
		Fetched:       cloneFetched(f),
		Restored:      p.IsRemoved,
		ImagesChanged: !sameSet(p.Images, f.Images),
	}

	fetchedIDs := make(map[string]struct{}, len(f.Variants))
	for _, fv := range SortVariants(f.Variants) {
		if _, dup := fetchedIDs[fv.ExternalID]; dup {
			continue
		}
		fetchedIDs[fv.ExternalID] = struct{}{}

		// 削除済みのバリアントが再掲載された場合は新規バリアントと同様に扱う
		pv := p.VariantByExternalID(fv.ExternalID)
		if pv == nil || pv.IsRemoved {
			u.NewVariants = append(u.NewVariants, fv)
			continue
		}
		if !pv.Price.Equal(fv.Price) {
			u.VariantChanges = append(u.VariantChanges, VariantChange{Variant: *pv, Fetched: fv, Dimension: DimensionPrice})
		}
		if pv.Available != fv.Available {
			u.VariantChanges = append(u.VariantChanges, VariantChange{Variant: *pv, Fetched: fv, Dimension: DimensionAvailability})
		}
	}

	for _, pv := range p.Variants {
		if pv.IsRemoved {
			continue
		}
		if _, ok := fetchedIDs[pv.ExternalID]; !ok {
			u.DroppedVariants = append(u.DroppedVariants, pv)
		}
	}

	changed := u.Restored || u.ImagesChanged ||
		len(u.VariantChanges) > 0 || len(u.NewVariants) > 0 || len(u.DroppedVariants) > 0
	return u, changed
}

// SortVariants は位置順に安定ソートしたコピーを返す。
func SortVariants(vs []model.FetchedVariant) []model.FetchedVariant {
	out := append([]model.FetchedVariant(nil), vs...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Position < out[j].Position
	})
	return out
}

// sameSet は2つの画像URLリストを順序と重複を無視して比較する。
func sameSet(a, b []string) bool {
	as := make(map[string]struct{}, len(a))
	for _, s := range a {
		as[s] = struct{}{}
	}
	bs := make(map[string]struct{}, len(b))
	for _, s := range b {
		bs[s] = struct{}{}
	}
	if len(as) != len(bs) {
		return false
	}
	for s := range as {
		if _, ok := bs[s]; !ok {
			return false
		}
	}
	return true
}

func cloneFetched(f model.FetchedItem) model.FetchedItem {
	c := f
	c.Images = append([]string(nil), f.Images...)
	c.Variants = append([]model.FetchedVariant(nil), f.Variants...)
	return c
}
