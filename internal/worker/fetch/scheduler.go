package fetch

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/catalogwatch/internal/metrics"
)

// FleetSyncer は全ソースの同期1巡を実行するインターフェース。
type FleetSyncer interface {
	SyncAll(ctx context.Context) (FleetReport, error)
}

// Pruner は保持期間を超過したスナップショットを削除するインターフェース。
type Pruner interface {
	Run(ctx context.Context) (int64, error)
}

// Scheduler はフリート同期を一定間隔と手動トリガーで実行する。
// 1巡の最後にスナップショットの保持期間整理を行う。
type Scheduler struct {
	fleet   FleetSyncer
	pruner  Pruner
	metrics metrics.MetricsCollector
	logger  *slog.Logger
	trigger chan struct{}
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// prunerとcollectorはnilでもよい。
func NewScheduler(fleet FleetSyncer, pruner Pruner, collector metrics.MetricsCollector, logger *slog.Logger) *Scheduler {
	if collector == nil {
		collector = nopMetrics{}
	}
	return &Scheduler{
		fleet:   fleet,
		pruner:  pruner,
		metrics: collector,
		logger:  logger,
		trigger: make(chan struct{}, 1),
	}
}

// Trigger はフリート同期を要求する。
// 実行待ちの要求がすでにある場合は1つにまとめ、falseを返す。
func (s *Scheduler) Trigger() bool {
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Start はフリート同期のループを起動する。
// 起動直後に1回実行し、以降はinterval間隔とTriggerのたびに実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("同期スケジューラを開始しました",
		slog.Duration("interval", interval),
	)

	s.runLogged(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("同期スケジューラを停止しました")
			return
		case <-ticker.C:
			s.runLogged(ctx)
		case <-s.trigger:
			s.logger.Info("手動トリガーによりフリート同期を開始します")
			s.runLogged(ctx)
		}
	}
}

func (s *Scheduler) runLogged(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("フリート同期の実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// RunOnce はフリート同期を1巡実行し、続けて保持期間整理を行う。
// キャンセルされた巡回では保持期間整理を行わない。
func (s *Scheduler) RunOnce(ctx context.Context) (FleetReport, error) {
	report, err := s.fleet.SyncAll(ctx)
	if err != nil {
		return report, err
	}
	if report.Cancelled || s.pruner == nil {
		return report, nil
	}

	pruned, err := s.pruner.Run(ctx)
	if err != nil {
		// 保持期間整理の失敗は次の巡回で再試行される
		s.logger.Warn("スナップショットの保持期間整理に失敗しました",
			slog.String("error", err.Error()),
		)
		return report, nil
	}
	s.metrics.RecordSnapshotsPruned(pruned)
	return report, nil
}
