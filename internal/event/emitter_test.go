package event

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hitoshi/catalogwatch/internal/diff"
	"github.com/hitoshi/catalogwatch/internal/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestEmitter() *Emitter {
	n := 0
	return &Emitter{newID: func() string {
		n++
		return fmt.Sprintf("ev-%d", n)
	}}
}

// TestMagnitude_Boundaries は変動率の境界値が上位の分類に含まれることをテストする。
func TestMagnitude_Boundaries(t *testing.T) {
	tests := []struct {
		name     string
		old, new string
		want     model.Magnitude
	}{
		{"9.99%の値上げ", "100", "109.99", model.MagnitudeSmall},
		{"ちょうど10%の値上げ", "100", "110", model.MagnitudeMedium},
		{"ちょうど10%の値下げ", "100", "90", model.MagnitudeMedium},
		{"24.99%の値下げ", "100", "75.01", model.MagnitudeMedium},
		{"ちょうど25%の値上げ", "100", "125", model.MagnitudeLarge},
		{"ちょうど25%の値下げ", "19.96", "14.97", model.MagnitudeLarge},
		{"小数の10%", "0.30", "0.33", model.MagnitudeMedium},
		{"半額", "3980", "1990", model.MagnitudeLarge},
		{"わずかな変動", "1000", "999", model.MagnitudeSmall},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Magnitude(d(tt.old), d(tt.new)); got != tt.want {
				t.Errorf("Magnitude(%s, %s) = %s, want %s", tt.old, tt.new, got, tt.want)
			}
		})
	}
}

// TestMagnitude_ZeroBase は旧価格0からの変動がゼロ除算せずlargeになることをテストする。
func TestMagnitude_ZeroBase(t *testing.T) {
	if got := Magnitude(decimal.Zero, d("0.01")); got != model.MagnitudeLarge {
		t.Errorf("Magnitude(0, 0.01) = %s, want large", got)
	}
}

func persistedItem(id string, variants ...model.Variant) model.Item {
	item := model.Item{
		ID:         "db-" + id,
		ExternalID: id,
		Title:      "item " + id,
		Images:     []string{"https://cdn/" + id + ".jpg"},
		Variants:   variants,
	}
	item.RecomputeCache()
	return item
}

func pv(id, price string, available bool, position int) model.Variant {
	return model.Variant{ID: "db-" + id, ExternalID: id, Title: "v" + id, Price: d(price), Available: available, Position: position}
}

func fvar(id, price string, available bool, position int) model.FetchedVariant {
	return model.FetchedVariant{ExternalID: id, Title: "v" + id, Price: d(price), Available: available, Position: position}
}

func fitem(id string, variants ...model.FetchedVariant) model.FetchedItem {
	return model.FetchedItem{ExternalID: id, Title: "item " + id, Images: []string{"https://cdn/" + id + ".jpg"}, Variants: variants}
}

// TestEmit_ZeroBasePriceIncrease は旧価格0のバリアントがlargeの値上げイベントになることをテストする。
func TestEmit_ZeroBasePriceIncrease(t *testing.T) {
	persisted := []model.Item{persistedItem("1", pv("11", "0", true, 1))}
	fetched := []model.FetchedItem{fitem("1", fvar("11", "5.00", true, 1))}

	out := newTestEmitter().Emit(diff.Diff(persisted, fetched), time.Now())
	if len(out.Events) != 1 {
		t.Fatalf("イベント数 = %d, want 1", len(out.Events))
	}
	ev := out.Events[0]
	if ev.Type != model.ChangeTypePriceIncreased || ev.Magnitude != model.MagnitudeLarge {
		t.Errorf("Type = %s, Magnitude = %s", ev.Type, ev.Magnitude)
	}
	if !ev.PriceDelta.Valid || !ev.PriceDelta.Decimal.Equal(d("5")) {
		t.Errorf("PriceDelta = %v, want 5", ev.PriceDelta)
	}
}

// TestEmit_PriceAndStock は価格と在庫の同時変更で2件のイベントと1件のスナップショットになることをテストする。
func TestEmit_PriceAndStock(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	persisted := []model.Item{persistedItem("1", pv("11", "100.00", false, 1))}
	fetched := []model.FetchedItem{fitem("1", fvar("11", "80.00", true, 1))}

	out := newTestEmitter().Emit(diff.Diff(persisted, fetched), at)
	if len(out.Events) != 2 {
		t.Fatalf("イベント数 = %d, want 2", len(out.Events))
	}

	price, stock := out.Events[0], out.Events[1]
	if price.Type != model.ChangeTypePriceDropped {
		t.Errorf("1件目 = %s, want price_dropped", price.Type)
	}
	if price.OldValue != "100" || price.NewValue != "80" {
		t.Errorf("価格の旧値/新値 = %s/%s", price.OldValue, price.NewValue)
	}
	if !price.PriceDelta.Decimal.Equal(d("-20")) || price.Magnitude != model.MagnitudeMedium {
		t.Errorf("PriceDelta = %s, Magnitude = %s", price.PriceDelta.Decimal, price.Magnitude)
	}
	if price.VariantID != "db-11" || price.ItemID != "db-1" {
		t.Errorf("永続化済みIDが設定されていません: item=%s variant=%s", price.ItemID, price.VariantID)
	}

	if stock.Type != model.ChangeTypeBackInStock {
		t.Errorf("2件目 = %s, want back_in_stock", stock.Type)
	}
	if stock.OldValue != StockOutOfStock || stock.NewValue != StockInStock {
		t.Errorf("在庫の旧値/新値 = %s/%s", stock.OldValue, stock.NewValue)
	}
	if stock.PriceDelta.Valid {
		t.Error("在庫イベントは価格差分を持たないべき")
	}
	if stock.Priority() != model.PriorityHigh {
		t.Errorf("在庫イベントの優先度 = %s, want high", stock.Priority())
	}

	if len(out.Snapshots) != 1 {
		t.Fatalf("スナップショット数 = %d, want 1（バリアント単位で重複排除）", len(out.Snapshots))
	}
	snap := out.Snapshots[0]
	if !snap.Price.Equal(d("80")) || !snap.Available || !snap.CapturedAt.Equal(at) {
		t.Errorf("スナップショット = %+v", snap)
	}
	for _, ev := range out.Events {
		if !ev.OccurredAt.Equal(at) {
			t.Errorf("OccurredAt = %v, want %v", ev.OccurredAt, at)
		}
		if ev.IsAttached() {
			t.Error("Emit直後のイベントはソース未紐付けであるべき")
		}
	}
}

// TestEmit_Lifecycle は新規・削除・画像変更のイベントとスナップショットをテストする。
func TestEmit_Lifecycle(t *testing.T) {
	persisted := []model.Item{
		persistedItem("1", pv("11", "10", true, 1), pv("12", "12", true, 2)),
		persistedItem("2", pv("21", "20", true, 1)),
	}
	changedImages := fitem("1", fvar("11", "10", true, 1), fvar("12", "12", true, 2))
	changedImages.Images = []string{"https://cdn/new-b.jpg", "https://cdn/new-a.jpg"}
	fetched := []model.FetchedItem{
		fitem("3", fvar("31", "30", true, 1), fvar("32", "31", false, 2)),
		changedImages,
	}

	out := newTestEmitter().Emit(diff.Diff(persisted, fetched), time.Now())

	wantTypes := []model.ChangeType{model.ChangeTypeNewItem, model.ChangeTypeImagesChanged, model.ChangeTypeItemRemoved}
	if len(out.Events) != len(wantTypes) {
		t.Fatalf("イベント数 = %d, want %d", len(out.Events), len(wantTypes))
	}
	for i, want := range wantTypes {
		if out.Events[i].Type != want {
			t.Errorf("Events[%d].Type = %s, want %s", i, out.Events[i].Type, want)
		}
	}

	if out.Events[0].NewValue != "item 3" || out.Events[0].ItemExternalID != "3" {
		t.Errorf("newItem = %+v", out.Events[0])
	}
	if out.Events[1].NewValue != "https://cdn/new-b.jpg\nhttps://cdn/new-a.jpg" {
		t.Errorf("画像変更の新値は取得順のリストであるべき: %q", out.Events[1].NewValue)
	}
	if out.Events[2].OldValue != "item 2" || out.Events[2].ItemID != "db-2" {
		t.Errorf("itemRemoved = %+v", out.Events[2])
	}

	// 新規2 + 画像変更2 + 削除1
	if len(out.Snapshots) != 5 {
		t.Fatalf("スナップショット数 = %d, want 5", len(out.Snapshots))
	}
	removedSnap := out.Snapshots[4]
	if removedSnap.ItemExternalID != "2" || !removedSnap.Price.Equal(d("20")) {
		t.Errorf("削除商品のスナップショットは永続化済みの値であるべき: %+v", removedSnap)
	}
}

// TestEmit_OrderWithinItem は商品内で画像→バリアント位置順→価格→在庫の順に並ぶことをテストする。
func TestEmit_OrderWithinItem(t *testing.T) {
	persisted := []model.Item{persistedItem("1", pv("a", "10", true, 1), pv("b", "10", true, 2))}
	f := fitem("1", fvar("b", "12", false, 2), fvar("a", "8", true, 1))
	f.Images = []string{"https://cdn/other.jpg"}

	out := newTestEmitter().Emit(diff.Diff(persisted, []model.FetchedItem{f}), time.Now())

	want := []struct {
		typ     model.ChangeType
		variant string
	}{
		{model.ChangeTypeImagesChanged, ""},
		{model.ChangeTypePriceDropped, "a"},
		{model.ChangeTypePriceIncreased, "b"},
		{model.ChangeTypeOutOfStock, "b"},
	}
	if len(out.Events) != len(want) {
		t.Fatalf("イベント数 = %d, want %d", len(out.Events), len(want))
	}
	for i, w := range want {
		if out.Events[i].Type != w.typ || out.Events[i].VariantExternalID != w.variant {
			t.Errorf("Events[%d] = (%s, %s), want (%s, %s)", i, out.Events[i].Type, out.Events[i].VariantExternalID, w.typ, w.variant)
		}
	}
	if len(out.Snapshots) != 2 {
		t.Errorf("スナップショット数 = %d, want 2", len(out.Snapshots))
	}
}

// TestEmit_NewVariantBaseline は既存商品に追加されたバリアントがイベントなしで基準スナップショットを持つことをテストする。
func TestEmit_NewVariantBaseline(t *testing.T) {
	persisted := []model.Item{persistedItem("1", pv("11", "10", true, 1))}
	fetched := []model.FetchedItem{fitem("1", fvar("11", "10", true, 1), fvar("12", "15", true, 2))}

	out := newTestEmitter().Emit(diff.Diff(persisted, fetched), time.Now())
	if len(out.Events) != 0 {
		t.Errorf("追加バリアントはイベントを発生させないべき: %+v", out.Events)
	}
	if len(out.Snapshots) != 1 || out.Snapshots[0].VariantExternalID != "12" {
		t.Errorf("Snapshots = %+v", out.Snapshots)
	}
}

// TestEmit_Restored は再掲載がnewItemを発生させないことをテストする。
func TestEmit_Restored(t *testing.T) {
	removed := persistedItem("1", pv("11", "10", true, 1))
	removed.IsRemoved = true

	out := newTestEmitter().Emit(diff.Diff([]model.Item{removed}, []model.FetchedItem{fitem("1", fvar("11", "10", true, 1))}), time.Now())
	for _, ev := range out.Events {
		if ev.Type == model.ChangeTypeNewItem {
			t.Fatal("再掲載でnewItemが発生しました")
		}
	}
	if len(out.Snapshots) != 1 {
		t.Errorf("再掲載時は全バリアントのスナップショットを残すべき: %d", len(out.Snapshots))
	}
}

// TestEmit_EmptyDiff は差分がなければ何も生成しないことをテストする。
func TestEmit_EmptyDiff(t *testing.T) {
	out := newTestEmitter().Emit(diff.Result{}, time.Now())
	if len(out.Events) != 0 || len(out.Snapshots) != 0 {
		t.Errorf("空の差分から出力が生成されました: %+v", out)
	}
}

// TestAttachSource はソース情報がコピーに設定され、元のイベントは変更されないことをテストする。
func TestAttachSource(t *testing.T) {
	events := []model.ChangeEvent{{ID: "1"}, {ID: "2"}}
	src := &model.Source{ID: "src-1", Name: "Acme Store"}

	attached := AttachSource(events, src)
	for _, ev := range attached {
		if ev.SourceID != "src-1" || ev.SourceName != "Acme Store" {
			t.Errorf("ソースが紐付けられていません: %+v", ev)
		}
	}
	if events[0].IsAttached() {
		t.Error("元のイベントが変更されました")
	}
}

// TestPriority は優先度のルーティングをテストする。
func TestPriority(t *testing.T) {
	tests := []struct {
		typ  model.ChangeType
		mag  model.Magnitude
		want model.Priority
	}{
		{model.ChangeTypeBackInStock, model.MagnitudeSmall, model.PriorityHigh},
		{model.ChangeTypeOutOfStock, model.MagnitudeSmall, model.PriorityHigh},
		{model.ChangeTypePriceDropped, model.MagnitudeLarge, model.PriorityHigh},
		{model.ChangeTypePriceDropped, model.MagnitudeMedium, model.PriorityNormal},
		{model.ChangeTypePriceIncreased, model.MagnitudeSmall, model.PriorityLow},
		{model.ChangeTypeNewItem, model.MagnitudeSmall, model.PriorityLow},
	}
	for _, tt := range tests {
		ev := model.ChangeEvent{Type: tt.typ, Magnitude: tt.mag}
		if got := ev.Priority(); got != tt.want {
			t.Errorf("Priority(%s, %s) = %s, want %s", tt.typ, tt.mag, got, tt.want)
		}
	}
}
