// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/catalogwatch/internal/diff"
	"github.com/hitoshi/catalogwatch/internal/event"
	"github.com/hitoshi/catalogwatch/internal/model"
)

// SourceRepository は監視ソースの永続化インターフェース。
type SourceRepository interface {
	// FindByID は指定IDのソースを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Source, error)

	// FindByCatalogURL はカタログURLでソースを検索する。見つからない場合はnilを返す。
	FindByCatalogURL(ctx context.Context, catalogURL string) (*model.Source, error)

	// Create はソースを作成する。
	Create(ctx context.Context, source *model.Source) error

	// Delete は指定IDのソースを削除し、削除できたかを返す。
	// 商品・バリアント・スナップショット・イベントはCASCADE削除される。
	Delete(ctx context.Context, id string) (bool, error)

	// List は全ソースを作成日時の昇順で返す。
	List(ctx context.Context) ([]*model.Source, error)

	// ListSummaries は商品数と未読イベント数を含むソース一覧を返す。
	ListSummaries(ctx context.Context) ([]model.SourceSummary, error)

	// SetSyncing は同期中フラグを更新する。
	SetSyncing(ctx context.Context, id string, syncing bool) error

	// RecordSourceError は同期エラーをソースに記録する。
	RecordSourceError(ctx context.Context, id string, kind model.SyncErrorKind, message string, at time.Time) error

	// ClearSourceError は記録済みの同期エラーを解消する。
	ClearSourceError(ctx context.Context, id string) error
}

// CatalogRepository は商品カタログの永続化インターフェース。
type CatalogRepository interface {
	// LoadCatalog は差分計算用に、削除済みを含むソースの全商品をバリアント付きで返す。
	LoadCatalog(ctx context.Context, sourceID string) ([]model.Item, error)

	// ListItems は表示用の商品一覧を返す。includeRemovedがfalseの場合は削除済みを除外する。
	ListItems(ctx context.Context, sourceID string, includeRemoved bool) ([]model.Item, error)

	// ApplySync は1回の同期結果を単一トランザクションで反映する。
	ApplySync(ctx context.Context, batch SyncBatch) (SyncStats, error)
}

// EventRepository は変更イベントの永続化インターフェース。
type EventRepository interface {
	// ListEvents は条件に一致するイベントを発生日時の降順で返す。
	ListEvents(ctx context.Context, filter model.EventFilter) ([]model.ChangeEvent, error)

	// MarkRead は指定イベントを既読にし、更新件数を返す。
	MarkRead(ctx context.Context, ids []string) (int64, error)
}

// SyncBatch は1ソース分の同期で永続化する内容をまとめたもの。
type SyncBatch struct {
	Source    *model.Source
	Fetched   []model.FetchedItem
	Diff      diff.Result
	Events    []model.ChangeEvent
	Snapshots []event.SnapshotDraft
	PolledAt  time.Time
}

// SyncStats は ApplySync の反映結果。
// Events はソース紐付けとID解決を済ませた、実際に保存されたイベント。
type SyncStats struct {
	ItemsWritten     int
	ItemsRemoved     int
	VariantsRemoved  int64
	SnapshotsWritten int
	Events           []model.ChangeEvent
}
