package catalog

import (
	"bytes"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	ext "github.com/mmcdole/gofeed/extensions"
	"github.com/mmcdole/gofeed/atom"
	"github.com/shopspring/decimal"

	"github.com/hitoshi/catalogwatch/internal/model"
)

// shopPrefix はAtom商品フィードのバリアント拡張の名前空間プレフィックス。
const shopPrefix = "s"

// decodeAtomPage はAtom商品フィードの1ページをデコードする。
// 商品は <entry>、バリアントは <s:variant> 拡張要素として表現される。
// 次ページは <link rel="next"> で示され、相対URLはpageURLを基準に解決する。
func decodeAtomPage(body []byte, pageURL *url.URL, sanitize func(string) string) (*page, error) {
	parser := &atom.Parser{}
	feed, err := parser.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, model.NewInvalidResponseError("Atomフィードのパースに失敗しました", err)
	}

	items := make([]model.FetchedItem, 0, len(feed.Entries))
	for i, entry := range feed.Entries {
		if entry == nil {
			continue
		}
		item, err := convertEntry(entry, sanitize)
		if err != nil {
			return nil, model.NewInvalidResponseError(fmt.Sprintf("entry[%d] が不正です", i), err)
		}
		items = append(items, item)
	}

	p := &page{items: items}
	for _, link := range feed.Links {
		if link != nil && strings.EqualFold(link.Rel, "next") && link.Href != "" {
			p.next = resolveURL(pageURL, link.Href)
			break
		}
	}
	return p, nil
}

// convertEntry はAtomエントリを model.FetchedItem に変換する。
func convertEntry(entry *atom.Entry, sanitize func(string) string) (model.FetchedItem, error) {
	if entry.ID == "" {
		return model.FetchedItem{}, fmt.Errorf("エントリIDがありません")
	}

	shop := entry.Extensions[shopPrefix]
	item := model.FetchedItem{
		ExternalID: strings.TrimSpace(entry.ID),
		Title:      sanitize(entry.Title),
		Handle:     firstValue(shop, "handle"),
		Category:   sanitize(firstValue(shop, "type")),
		Vendor:     sanitize(firstValue(shop, "vendor")),
	}

	for _, img := range shop["image"] {
		if v := strings.TrimSpace(img.Value); v != "" {
			item.Images = append(item.Images, v)
		}
	}
	for _, link := range entry.Links {
		if link != nil && link.Rel == "enclosure" && strings.HasPrefix(link.Type, "image/") {
			item.Images = append(item.Images, link.Href)
		}
	}

	seen := make(map[string]struct{})
	for i, v := range shop["variant"] {
		variant, err := convertVariantExtension(v, i)
		if err != nil {
			return model.FetchedItem{}, err
		}
		if _, dup := seen[variant.ExternalID]; dup {
			continue
		}
		seen[variant.ExternalID] = struct{}{}
		variant.Title = sanitize(variant.Title)
		item.Variants = append(item.Variants, variant)
	}

	return item, nil
}

// convertVariantExtension は <s:variant> 要素をバリアントに変換する。
func convertVariantExtension(v ext.Extension, index int) (model.FetchedVariant, error) {
	id := childValue(v, "id")
	if id == "" {
		return model.FetchedVariant{}, fmt.Errorf("variant[%d] のIDがありません", index)
	}

	priceText := childValue(v, "price")
	if priceText == "" {
		return model.FetchedVariant{}, fmt.Errorf("variant[%d] の価格がありません", index)
	}
	price, err := decimal.NewFromString(priceText)
	if err != nil {
		return model.FetchedVariant{}, fmt.Errorf("variant[%d] の価格を解釈できません: %w", index, err)
	}

	fv := model.FetchedVariant{
		ExternalID: id,
		Title:      childValue(v, "title"),
		SKU:        childValue(v, "sku"),
		Price:      price,
		Available:  true,
		Position:   index + 1,
	}

	if cmp := childValue(v, "compare_at_price"); cmp != "" {
		d, err := decimal.NewFromString(cmp)
		if err != nil {
			return model.FetchedVariant{}, fmt.Errorf("variant[%d] の比較価格を解釈できません: %w", index, err)
		}
		fv.CompareAtPrice = decimal.NewNullDecimal(d)
	}
	if avail := childValue(v, "available"); avail != "" {
		b, err := strconv.ParseBool(avail)
		if err != nil {
			return model.FetchedVariant{}, fmt.Errorf("variant[%d] の在庫フラグを解釈できません: %w", index, err)
		}
		fv.Available = b
	}
	if pos := childValue(v, "position"); pos != "" {
		if n, err := strconv.Atoi(pos); err == nil && n > 0 {
			fv.Position = n
		}
	}

	return fv, nil
}

func firstValue(m map[string][]ext.Extension, name string) string {
	if vs := m[name]; len(vs) > 0 {
		return strings.TrimSpace(vs[0].Value)
	}
	return ""
}

func childValue(e ext.Extension, name string) string {
	if cs := e.Children[name]; len(cs) > 0 {
		return strings.TrimSpace(cs[0].Value)
	}
	return ""
}
