package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/hitoshi/catalogwatch/internal/model"
)

// productsPage はJSONカタログ1ページ分のワイヤーフォーマット。
type productsPage struct {
	Products   []wireProduct `json:"products"`
	NextPage   string        `json:"next_page"`
	NextCursor string        `json:"next_cursor"`
}

type wireProduct struct {
	ID          flexibleID    `json:"id"`
	Title       string        `json:"title"`
	Handle      string        `json:"handle"`
	Vendor      string        `json:"vendor"`
	ProductType string        `json:"product_type"`
	Images      []wireImage   `json:"images"`
	Variants    []wireVariant `json:"variants"`
}

type wireVariant struct {
	ID             flexibleID          `json:"id"`
	Title          string              `json:"title"`
	SKU            string              `json:"sku"`
	Price          *decimal.Decimal    `json:"price"`
	CompareAtPrice decimal.NullDecimal `json:"compare_at_price"`
	Available      bool                `json:"available"`
	Position       int                 `json:"position"`
}

// flexibleID は整数または文字列で表現される外部IDを文字列として保持する。
type flexibleID string

// UnmarshalJSON はjson.Unmarshalerを実装する。
func (id *flexibleID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = flexibleID(s)
		return nil
	}
	// 浮動小数点を経由すると大きな整数IDが丸められるため、数値リテラルをそのまま使う
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("IDは整数または文字列である必要があります: %s", string(data))
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return fmt.Errorf("IDが整数ではありません: %s", n.String())
	}
	*id = flexibleID(n.String())
	return nil
}

// wireImage は文字列URLまたは {"src": "..."} オブジェクトの画像参照。
type wireImage string

// UnmarshalJSON はjson.Unmarshalerを実装する。
func (img *wireImage) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*img = wireImage(s)
		return nil
	}
	var obj struct {
		Src string `json:"src"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*img = wireImage(obj.Src)
	return nil
}

// decodeJSONPage はJSONカタログの1ページをデコードする。
// 次ページは next_page（URL）、next_cursor（page_infoトークン）の順に判定する。
func decodeJSONPage(body []byte, pageURL *url.URL, sanitize func(string) string) (*page, error) {
	var raw productsPage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, model.NewInvalidResponseError("カタログJSONのデコードに失敗しました", err)
	}

	items := make([]model.FetchedItem, 0, len(raw.Products))
	for i, p := range raw.Products {
		item, err := convertProduct(p, sanitize)
		if err != nil {
			return nil, model.NewInvalidResponseError(fmt.Sprintf("products[%d] が不正です", i), err)
		}
		items = append(items, item)
	}

	p := &page{items: items}
	switch {
	case raw.NextPage != "":
		p.next = resolveURL(pageURL, raw.NextPage)
	case raw.NextCursor != "":
		p.next = withPageInfo(pageURL, raw.NextCursor)
	}
	return p, nil
}

// convertProduct はワイヤーフォーマットの商品を model.FetchedItem に変換する。
func convertProduct(p wireProduct, sanitize func(string) string) (model.FetchedItem, error) {
	if p.ID == "" {
		return model.FetchedItem{}, fmt.Errorf("商品IDがありません")
	}

	item := model.FetchedItem{
		ExternalID: string(p.ID),
		Title:      sanitize(p.Title),
		Handle:     p.Handle,
		Category:   sanitize(p.ProductType),
		Vendor:     sanitize(p.Vendor),
	}
	for _, img := range p.Images {
		if img != "" {
			item.Images = append(item.Images, string(img))
		}
	}

	seen := make(map[string]struct{}, len(p.Variants))
	for i, v := range p.Variants {
		if v.ID == "" {
			return model.FetchedItem{}, fmt.Errorf("variants[%d] のIDがありません", i)
		}
		if v.Price == nil {
			return model.FetchedItem{}, fmt.Errorf("variants[%d] の価格がありません", i)
		}
		if _, dup := seen[string(v.ID)]; dup {
			continue
		}
		seen[string(v.ID)] = struct{}{}

		position := v.Position
		if position <= 0 {
			position = i + 1
		}
		item.Variants = append(item.Variants, model.FetchedVariant{
			ExternalID:     string(v.ID),
			Title:          sanitize(v.Title),
			SKU:            v.SKU,
			Price:          *v.Price,
			CompareAtPrice: v.CompareAtPrice,
			Available:      v.Available,
			Position:       position,
		})
	}

	return item, nil
}
