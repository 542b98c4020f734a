// Package source は監視ソースの登録・管理のドメインロジックを提供する。
package source

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/catalogwatch/internal/catalog"
	"github.com/hitoshi/catalogwatch/internal/model"
	"github.com/hitoshi/catalogwatch/internal/repository"
)

// maxNameLength はソース名の最大文字数。
const maxNameLength = 200

// Detector はカタログエンドポイント検出のインターフェース。
type Detector interface {
	Detect(ctx context.Context, address string) (*catalog.Endpoint, error)
}

// Serializer は変更操作を単一の書き込みコンテキストで実行する。
type Serializer interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

// TextSanitizer は表示用テキストを無害化する。
type TextSanitizer interface {
	SanitizeText(s string) string
}

// Service はソースの登録・一覧・削除と商品一覧を提供する。
// 変更操作はすべてSerializerを通して実行する。
type Service struct {
	sources   repository.SourceRepository
	catalog   repository.CatalogRepository
	detector  Detector
	writer    Serializer
	sanitizer TextSanitizer
}

// NewService はServiceの新しいインスタンスを生成する。sanitizerはnilでもよい。
func NewService(
	sources repository.SourceRepository,
	items repository.CatalogRepository,
	detector Detector,
	writer Serializer,
	sanitizer TextSanitizer,
) *Service {
	return &Service{
		sources:   sources,
		catalog:   items,
		detector:  detector,
		writer:    writer,
		sanitizer: sanitizer,
	}
}

// Register はアドレスからカタログエンドポイントを検出してソースを登録する。
// フロー: エンドポイント検出 → 重複チェック → 保存
// nameが空の場合はストアページのタイトル、それもなければホスト名を使用する。
func (s *Service) Register(ctx context.Context, name, address string) (*model.Source, error) {
	endpoint, err := s.detector.Detect(ctx, address)
	if err != nil {
		return nil, err
	}

	name = s.displayName(name, endpoint)
	now := time.Now()
	src := &model.Source{
		ID:         uuid.New().String(),
		Name:       name,
		Address:    strings.TrimSpace(address),
		CatalogURL: endpoint.URL,
		Format:     endpoint.Format,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	// 重複チェックと作成の間に他の登録が割り込まないよう、同じ書き込みジョブで行う
	err = s.writer.Do(ctx, func(ctx context.Context) error {
		existing, err := s.sources.FindByCatalogURL(ctx, endpoint.URL)
		if err != nil {
			return fmt.Errorf("ソースの検索に失敗しました: %w", err)
		}
		if existing != nil {
			return model.NewDuplicateSourceError()
		}
		if err := s.sources.Create(ctx, src); err != nil {
			return fmt.Errorf("ソースの保存に失敗しました: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return src, nil
}

func (s *Service) displayName(name string, endpoint *catalog.Endpoint) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = strings.TrimSpace(endpoint.Title)
	}
	if s.sanitizer != nil {
		name = s.sanitizer.SanitizeText(name)
	}
	if name == "" {
		if u, err := url.Parse(endpoint.URL); err == nil {
			name = u.Hostname()
		}
	}
	if r := []rune(name); len(r) > maxNameLength {
		name = string(r[:maxNameLength])
	}
	return name
}

// List は商品数と未読イベント数を含むソース一覧を返す。
func (s *Service) List(ctx context.Context) ([]model.SourceSummary, error) {
	summaries, err := s.sources.ListSummaries(ctx)
	if err != nil {
		return nil, fmt.Errorf("ソース一覧の取得に失敗しました: %w", err)
	}
	return summaries, nil
}

// Get は指定IDのソースを返す。見つからない場合はAPIErrorを返す。
func (s *Service) Get(ctx context.Context, id string) (*model.Source, error) {
	src, err := s.sources.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("ソースの取得に失敗しました: %w", err)
	}
	if src == nil {
		return nil, model.NewSourceNotFoundError(id)
	}
	return src, nil
}

// Delete はソースを削除する。関連する商品・スナップショット・イベントもすべて削除される。
func (s *Service) Delete(ctx context.Context, id string) error {
	var deleted bool
	err := s.writer.Do(ctx, func(ctx context.Context) error {
		ok, err := s.sources.Delete(ctx, id)
		if err != nil {
			return err
		}
		deleted = ok
		return nil
	})
	if err != nil {
		return fmt.Errorf("ソースの削除に失敗しました: %w", err)
	}
	if !deleted {
		return model.NewSourceNotFoundError(id)
	}
	return nil
}

// Items はソースの商品一覧をバリアント付きで返す。
func (s *Service) Items(ctx context.Context, id string, includeRemoved bool) ([]model.Item, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	items, err := s.catalog.ListItems(ctx, id, includeRemoved)
	if err != nil {
		return nil, fmt.Errorf("商品一覧の取得に失敗しました: %w", err)
	}
	return items, nil
}
