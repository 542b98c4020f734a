// Package notify は確定した変更イベントを外部へ通知する仕組みを提供する。
package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hitoshi/catalogwatch/internal/model"
)

// Notifier は同期1回分の保存済みイベントを受け取る。
// 通知の失敗は同期結果に影響しない。
type Notifier interface {
	Notify(ctx context.Context, source *model.Source, events []model.ChangeEvent) error
}

// LogNotifier はイベントを構造化ログとして出力する。
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier はLogNotifierを生成する。
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify はイベントごとに1行のログを出力する。高優先度のイベントはWARNレベルで出力する。
func (n *LogNotifier) Notify(ctx context.Context, source *model.Source, events []model.ChangeEvent) error {
	for _, ev := range events {
		level := slog.LevelInfo
		if ev.Priority() == model.PriorityHigh {
			level = slog.LevelWarn
		}
		attrs := []slog.Attr{
			slog.String("event_id", ev.ID),
			slog.String("source_id", ev.SourceID),
			slog.String("source_name", ev.SourceName),
			slog.String("type", string(ev.Type)),
			slog.String("item_title", ev.ItemTitle),
			slog.String("magnitude", string(ev.Magnitude)),
			slog.String("priority", string(ev.Priority())),
		}
		if ev.VariantTitle != "" {
			attrs = append(attrs, slog.String("variant_title", ev.VariantTitle))
		}
		if ev.OldValue != "" || ev.NewValue != "" {
			attrs = append(attrs, slog.String("old_value", ev.OldValue), slog.String("new_value", ev.NewValue))
		}
		n.logger.LogAttrs(ctx, level, "変更イベントを検出しました", attrs...)
	}
	return nil
}

// Multi は複数のNotifierへ順に通知する。
// 1つが失敗しても残りへの通知は続け、全てのエラーをまとめて返す。
type Multi []Notifier

// Notify は全てのNotifierを呼び出す。
func (m Multi) Notify(ctx context.Context, source *model.Source, events []model.ChangeEvent) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, source, events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
