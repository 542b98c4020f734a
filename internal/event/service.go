package event

import (
	"context"
	"fmt"

	"github.com/hitoshi/catalogwatch/internal/model"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Store はイベントの永続化インターフェース。
type Store interface {
	ListEvents(ctx context.Context, filter model.EventFilter) ([]model.ChangeEvent, error)
	MarkRead(ctx context.Context, ids []string) (int64, error)
}

// Serializer は変更操作を単一の書き込みコンテキストで実行する。
type Serializer interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

// Service はイベントの一覧取得と既読化を提供する。
type Service struct {
	store  Store
	writer Serializer
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(store Store, writer Serializer) *Service {
	return &Service{store: store, writer: writer}
}

// List は条件に一致するイベントを新しい順に返す。
// Limitが0以下の場合は50件、200件を超える場合は200件に丸める。
func (s *Service) List(ctx context.Context, filter model.EventFilter) ([]model.ChangeEvent, error) {
	if filter.Type != "" && !filter.Type.IsValid() {
		return nil, model.NewInvalidFilterError(string(filter.Type))
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}

	events, err := s.store.ListEvents(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("イベント一覧の取得に失敗: %w", err)
	}
	return events, nil
}

// MarkRead は指定イベントを既読にし、更新件数を返す。
// 既読フラグはイベントで唯一変更可能な項目。
func (s *Service) MarkRead(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	var updated int64
	err := s.writer.Do(ctx, func(ctx context.Context) error {
		n, err := s.store.MarkRead(ctx, ids)
		if err != nil {
			return err
		}
		updated = n
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("イベントの既読化に失敗: %w", err)
	}
	return updated, nil
}
