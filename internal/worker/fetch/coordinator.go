// Package fetch はカタログ同期のバックグラウンド処理を提供する。
// ソース単位の同期サイクルを実行するコーディネーターと、フリート全体を定期実行するスケジューラを含む。
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hitoshi/catalogwatch/internal/diff"
	"github.com/hitoshi/catalogwatch/internal/event"
	"github.com/hitoshi/catalogwatch/internal/metrics"
	"github.com/hitoshi/catalogwatch/internal/model"
	"github.com/hitoshi/catalogwatch/internal/notify"
	"github.com/hitoshi/catalogwatch/internal/repository"
)

// DefaultMinPollInterval は同一ソースを再ポーリングできるまでの最小間隔。
const DefaultMinPollInterval = 60 * time.Second

// Phase はソースの同期サイクルの状態を表す。
type Phase string

const (
	// PhaseIdle は待機中（初期状態・同期成功後）。
	PhaseIdle Phase = "idle"
	// PhaseRateLimited は最小ポーリング間隔によりスキップした状態。
	PhaseRateLimited Phase = "rate_limited"
	// PhaseFetching はカタログ取得中。
	PhaseFetching Phase = "fetching"
	// PhaseDiffing は差分計算中。
	PhaseDiffing Phase = "diffing"
	// PhasePersisting は保存中。
	PhasePersisting Phase = "persisting"
	// PhaseFailed は直前の同期が失敗した状態。
	PhaseFailed Phase = "failed"
)

// CatalogFetcher はソースのカタログを全ページ取得するインターフェース。
type CatalogFetcher interface {
	Fetch(ctx context.Context, source *model.Source) ([]model.FetchedItem, error)
}

// ErrorRecorder はソースの同期エラー状態を書き込む外部の記録先。
// コーディネーターは書き込みのみを行い、読み取りはしない。
type ErrorRecorder interface {
	RecordSourceError(ctx context.Context, id string, kind model.SyncErrorKind, message string, at time.Time) error
	ClearSourceError(ctx context.Context, id string) error
}

// SourceStore はコーディネーターが利用するソースの永続化操作。
type SourceStore interface {
	ErrorRecorder
	FindByID(ctx context.Context, id string) (*model.Source, error)
	List(ctx context.Context) ([]*model.Source, error)
	SetSyncing(ctx context.Context, id string, syncing bool) error
}

// CatalogStore はコーディネーターが利用する商品カタログの永続化操作。
type CatalogStore interface {
	LoadCatalog(ctx context.Context, sourceID string) ([]model.Item, error)
	ApplySync(ctx context.Context, batch repository.SyncBatch) (repository.SyncStats, error)
}

// Serializer は変更操作を単一の書き込みコンテキストで実行する。
type Serializer interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

// EventEmitter は差分から変更イベントとスナップショットを生成する。
type EventEmitter interface {
	Emit(res diff.Result, at time.Time) event.Output
}

// SyncReport は1ソース分の同期結果。
type SyncReport struct {
	SourceID     string
	ItemsWritten int
	ItemsRemoved int
	Events       int
	Snapshots    int
	Duration     time.Duration
}

// FleetReport は全ソース同期1巡の結果。
type FleetReport struct {
	Total       int
	Succeeded   int
	RateLimited int
	Failed      int
	Failures    map[string]model.SyncErrorKind // ソースID -> エラー種別
	Cancelled   bool
	Duration    time.Duration
}

// Coordinator はソース単位の同期サイクル（間隔チェック、取得、差分、保存、通知）を実行する。
// 同一ソースの同期は同時に1つまでで、保存処理は開始後にキャンセルされない。
type Coordinator struct {
	sources         SourceStore
	catalog         CatalogStore
	fetcher         CatalogFetcher
	emitter         EventEmitter
	writer          Serializer
	notifier        notify.Notifier
	metrics         metrics.MetricsCollector
	logger          *slog.Logger
	minPollInterval time.Duration

	locks   *keyedLock
	phaseMu sync.RWMutex
	phases  map[string]Phase
	now     func() time.Time
}

// NewCoordinator はCoordinatorの新しいインスタンスを生成する。
// notifierとcollectorはnilでもよい。minPollIntervalが0以下の場合はデフォルト値60秒を使用する。
func NewCoordinator(
	sources SourceStore,
	catalog CatalogStore,
	fetcher CatalogFetcher,
	writer Serializer,
	notifier notify.Notifier,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	minPollInterval time.Duration,
) *Coordinator {
	if minPollInterval <= 0 {
		minPollInterval = DefaultMinPollInterval
	}
	if collector == nil {
		collector = nopMetrics{}
	}
	return &Coordinator{
		sources:         sources,
		catalog:         catalog,
		fetcher:         fetcher,
		emitter:         event.NewEmitter(),
		writer:          writer,
		notifier:        notifier,
		metrics:         collector,
		logger:          logger,
		minPollInterval: minPollInterval,
		locks:           newKeyedLock(),
		phases:          make(map[string]Phase),
		now:             time.Now,
	}
}

// Phase は指定ソースの現在の同期状態を返す。
func (c *Coordinator) Phase(sourceID string) Phase {
	c.phaseMu.RLock()
	defer c.phaseMu.RUnlock()
	if p, ok := c.phases[sourceID]; ok {
		return p
	}
	return PhaseIdle
}

func (c *Coordinator) setPhase(sourceID string, p Phase) {
	c.phaseMu.Lock()
	prev := c.phases[sourceID]
	c.phases[sourceID] = p
	c.phaseMu.Unlock()

	c.logger.Debug("同期フェーズが遷移しました",
		slog.String("source_id", sourceID),
		slog.String("from", string(prev)),
		slog.String("to", string(p)),
	)
}

// SyncSource は1ソースの同期サイクルを実行する。
// 同じソースの同期が実行中の場合は完了を待ってから、改めて最小ポーリング間隔を確認する。
// 返すエラーは *model.SyncError か、ロック待機中のコンテキストエラー。
func (c *Coordinator) SyncSource(ctx context.Context, sourceID string) (report SyncReport, err error) {
	unlock, err := c.locks.Lock(ctx, sourceID)
	if err != nil {
		return report, err
	}
	defer unlock()

	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("同期サイクルでpanicが発生しました",
				slog.String("source_id", sourceID),
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())),
			)
			err = c.fail(ctx, &model.Source{ID: sourceID}, model.NewInternalError(fmt.Errorf("panic: %v", rec)))
		}
	}()

	return c.syncLocked(ctx, sourceID)
}

func (c *Coordinator) syncLocked(ctx context.Context, sourceID string) (SyncReport, error) {
	report := SyncReport{SourceID: sourceID}
	start := c.now()

	source, err := c.sources.FindByID(ctx, sourceID)
	if err != nil {
		return report, c.fail(ctx, &model.Source{ID: sourceID}, model.NewInternalError(err))
	}
	if source == nil {
		return report, model.NewSourceNotFoundSyncError(sourceID)
	}

	if source.LastPolledAt != nil {
		if elapsed := start.Sub(*source.LastPolledAt); elapsed < c.minPollInterval {
			c.setPhase(sourceID, PhaseRateLimited)
			c.metrics.RecordRateLimited(sourceID)
			retryAfter := c.minPollInterval - elapsed
			c.logger.Info("最小ポーリング間隔に達していないため同期をスキップしました",
				slog.String("source_id", sourceID),
				slog.Duration("retry_after", retryAfter),
			)
			return report, model.NewRateLimitedError(retryAfter)
		}
	}

	if err := c.writer.Do(ctx, func(ctx context.Context) error {
		return c.sources.SetSyncing(ctx, sourceID, true)
	}); err != nil {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		return report, c.fail(ctx, source, model.NewInternalError(err))
	}

	c.setPhase(sourceID, PhaseFetching)
	fetchStart := time.Now()
	fetched, err := c.fetcher.Fetch(ctx, source)
	c.metrics.RecordFetchLatency(time.Since(fetchStart))
	if err != nil {
		if ctx.Err() != nil {
			return report, c.abort(source, ctx.Err())
		}
		return report, c.fail(ctx, source, err)
	}

	// 差分計算と保存は開始したら呼び出し元のキャンセルで中断しない
	var stats repository.SyncStats
	polledAt := c.now()
	persistCtx := context.WithoutCancel(ctx)
	err = c.writer.Do(persistCtx, func(ctx context.Context) error {
		c.setPhase(sourceID, PhaseDiffing)
		persisted, err := c.catalog.LoadCatalog(ctx, sourceID)
		if err != nil {
			return err
		}
		res := diff.Diff(persisted, fetched)
		out := c.emitter.Emit(res, polledAt)

		c.setPhase(sourceID, PhasePersisting)
		stats, err = c.catalog.ApplySync(ctx, repository.SyncBatch{
			Source:    source,
			Fetched:   fetched,
			Diff:      res,
			Events:    out.Events,
			Snapshots: out.Snapshots,
			PolledAt:  polledAt,
		})
		if err != nil {
			return err
		}

		// エラー状態は参照せず、成功時は常に解消を書き込む
		if err := c.sources.ClearSourceError(ctx, sourceID); err != nil {
			c.logger.Warn("同期エラーの解消に失敗しました",
				slog.String("source_id", sourceID),
				slog.String("error", err.Error()),
			)
		}
		return nil
	})
	if err != nil {
		return report, c.fail(persistCtx, source, model.NewInternalError(err))
	}

	if c.notifier != nil && len(stats.Events) > 0 {
		if err := c.notifier.Notify(persistCtx, source, stats.Events); err != nil {
			c.logger.Warn("イベント通知に失敗しました",
				slog.String("source_id", sourceID),
				slog.String("error", err.Error()),
			)
		}
	}

	c.metrics.RecordSyncSuccess(sourceID)
	c.metrics.RecordHTTPStatus(200)
	c.metrics.RecordSnapshotsWritten(stats.SnapshotsWritten)
	for _, ev := range stats.Events {
		c.metrics.RecordEvent(string(ev.Type))
	}
	c.setPhase(sourceID, PhaseIdle)

	report.ItemsWritten = stats.ItemsWritten
	report.ItemsRemoved = stats.ItemsRemoved
	report.Events = len(stats.Events)
	report.Snapshots = stats.SnapshotsWritten
	report.Duration = c.now().Sub(start)

	c.logger.Info("ソースの同期が完了しました",
		slog.String("source_id", sourceID),
		slog.String("source_name", source.Name),
		slog.Int("fetched_count", len(fetched)),
		slog.Int("events", report.Events),
		slog.Int("snapshots", report.Snapshots),
		slog.Int("removed", report.ItemsRemoved),
		slog.Float64("duration_ms", float64(report.Duration.Milliseconds())),
	)
	return report, nil
}

// fail は同期失敗を分類し、ソースのエラー状態として記録する。
// RateLimited は記録しない。
func (c *Coordinator) fail(ctx context.Context, source *model.Source, err error) error {
	se := model.AsSyncError(err)
	if se.Kind == model.SyncErrRateLimited {
		return se
	}
	c.setPhase(source.ID, PhaseFailed)

	c.metrics.RecordSyncFailure(source.ID, string(se.Kind))
	if se.StatusCode != 0 {
		c.metrics.RecordHTTPStatus(se.StatusCode)
	}

	c.logger.Error("ソースの同期に失敗しました",
		slog.String("source_id", source.ID),
		slog.String("source_name", source.Name),
		slog.String("kind", string(se.Kind)),
		slog.String("error", se.Error()),
	)

	recordCtx := context.WithoutCancel(ctx)
	at := c.now()
	if werr := c.writer.Do(recordCtx, func(ctx context.Context) error {
		return c.sources.RecordSourceError(ctx, source.ID, se.Kind, se.Error(), at)
	}); werr != nil {
		c.logger.Error("同期エラーの記録に失敗しました",
			slog.String("source_id", source.ID),
			slog.String("error", werr.Error()),
		)
	}
	return se
}

// abort はキャンセルにより取得を中断したソースの同期中フラグを下ろす。
// 何も保存していないためエラー状態は記録しない。
func (c *Coordinator) abort(source *model.Source, cause error) error {
	if err := c.writer.Do(context.Background(), func(ctx context.Context) error {
		return c.sources.SetSyncing(ctx, source.ID, false)
	}); err != nil {
		c.logger.Warn("同期中フラグの解除に失敗しました",
			slog.String("source_id", source.ID),
			slog.String("error", err.Error()),
		)
	}
	c.setPhase(source.ID, PhaseIdle)
	c.logger.Info("同期がキャンセルされました", slog.String("source_id", source.ID))
	return cause
}

// SyncAll は全ソースを作成順に1つずつ同期する。
// ソースの失敗は記録して次のソースへ進み、キャンセルはソースの合間でのみ確認する。
func (c *Coordinator) SyncAll(ctx context.Context) (FleetReport, error) {
	start := time.Now()
	report := FleetReport{Failures: make(map[string]model.SyncErrorKind)}

	sources, err := c.sources.List(ctx)
	if err != nil {
		return report, fmt.Errorf("ソース一覧の取得に失敗: %w", err)
	}
	report.Total = len(sources)

	for i, src := range sources {
		if ctx.Err() != nil {
			report.Cancelled = true
			break
		}
		if i > 0 {
			runtime.Gosched()
		}

		_, err := c.SyncSource(ctx, src.ID)
		switch {
		case err == nil:
			report.Succeeded++
		case errors.Is(err, model.ErrRateLimited):
			report.RateLimited++
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			report.Cancelled = true
		default:
			report.Failed++
			report.Failures[src.ID] = model.AsSyncError(err).Kind
		}
	}

	report.Duration = time.Since(start)
	c.metrics.RecordFleetPass(report.Duration)
	c.logger.Info("フリート同期が完了しました",
		slog.Int("total", report.Total),
		slog.Int("succeeded", report.Succeeded),
		slog.Int("rate_limited", report.RateLimited),
		slog.Int("failed", report.Failed),
		slog.Bool("cancelled", report.Cancelled),
		slog.Float64("duration_ms", float64(report.Duration.Milliseconds())),
	)
	return report, nil
}

type nopMetrics struct{}

func (nopMetrics) RecordSyncSuccess(string) {}
func (nopMetrics) RecordSyncFailure(string, string) {}
func (nopMetrics) RecordRateLimited(string) {}
func (nopMetrics) RecordHTTPStatus(int) {}
func (nopMetrics) RecordFetchLatency(time.Duration) {}
func (nopMetrics) RecordEvent(string) {}
func (nopMetrics) RecordSnapshotsWritten(int) {}
func (nopMetrics) RecordSnapshotsPruned(int64) {}
func (nopMetrics) RecordFleetPass(time.Duration) {}
