// Package model はドメインモデルを定義する。
package model

import "time"

// Source は監視対象の外部カタログ（1つのポーリング対象）を表す。
type Source struct {
	ID           string
	Name         string
	Address      string // ユーザーが入力したアドレス
	CatalogURL   string // 検出済みのカタログエンドポイント
	Format       CatalogFormat
	LastPolledAt *time.Time
	IsSyncing    bool
	ErrorKind    SyncErrorKind
	ErrorMessage string
	ErrorAt      *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CatalogFormat はカタログフィードのワイヤーフォーマットを表す。
type CatalogFormat string

const (
	// CatalogFormatJSON はページネーション付きJSONの商品一覧。
	CatalogFormatJSON CatalogFormat = "json"
	// CatalogFormatAtom はバリアント拡張付きのAtom商品フィード。
	CatalogFormatAtom CatalogFormat = "atom"
)

// HasError はソースに未解消の同期エラーが記録されているかを返す。
func (s *Source) HasError() bool {
	return s.ErrorKind != ""
}

// SourceSummary はソースと現在の商品集計を結合した表示用モデル。
// 削除済み（is_removed）の商品は集計から除外される。
type SourceSummary struct {
	Source
	ItemCount      int
	AvailableCount int
	UnreadEvents   int
}
