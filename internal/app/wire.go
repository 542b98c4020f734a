package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/hitoshi/catalogwatch/internal/catalog"
	"github.com/hitoshi/catalogwatch/internal/config"
	"github.com/hitoshi/catalogwatch/internal/event"
	"github.com/hitoshi/catalogwatch/internal/handler"
	"github.com/hitoshi/catalogwatch/internal/metrics"
	"github.com/hitoshi/catalogwatch/internal/middleware"
	"github.com/hitoshi/catalogwatch/internal/notify"
	"github.com/hitoshi/catalogwatch/internal/repository"
	"github.com/hitoshi/catalogwatch/internal/security"
	"github.com/hitoshi/catalogwatch/internal/source"
	"github.com/hitoshi/catalogwatch/internal/store"
	"github.com/hitoshi/catalogwatch/internal/worker/cleanup"
	fetchpkg "github.com/hitoshi/catalogwatch/internal/worker/fetch"
)

// engine は同期エンジンを構成する依存関係をまとめたもの。
// 書き込みは全てwriterを経由するため、1つのDBに対してengineは1プロセスに1つだけ作る。
type engine struct {
	db          *sql.DB
	writer      *store.Writer
	registry    *prometheus.Registry
	sources     *source.Service
	events      *event.Service
	coordinator *fetchpkg.Coordinator
	scheduler   *fetchpkg.Scheduler
}

// newEngine は設定からエンジンを組み立てる。notifierはnilでもよい。
func newEngine(cfg *config.Config, db *sql.DB, notifier notify.Notifier, logger *slog.Logger) *engine {
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)
	writer := store.NewWriter(logger)

	// リポジトリ
	sourceRepo := repository.NewPostgresSourceRepo(db)
	catalogRepo := repository.NewPostgresCatalogRepo(db)
	eventRepo := repository.NewPostgresEventRepo(db)

	// セキュリティ
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewTextSanitizer()

	// カタログ取得
	client := catalog.NewClient(ssrfGuard, sanitizer, logger, catalog.Options{
		Timeout:     cfg.FetchTimeout,
		MaxBodySize: cfg.FetchMaxSize,
		MaxPages:    cfg.FetchMaxPages,
		PageRate:    cfg.FetchPageRate,
	})
	detector := catalog.NewDetector(ssrfGuard)

	coordinator := fetchpkg.NewCoordinator(
		sourceRepo, catalogRepo, client, writer,
		notifier, collector, logger, cfg.MinPollInterval,
	)

	pruner := cleanup.NewSnapshotPruner(db, writer, logger)
	pruner.RetentionDays = cfg.SnapshotRetentionDays

	return &engine{
		db:          db,
		writer:      writer,
		registry:    registry,
		sources:     source.NewService(sourceRepo, catalogRepo, detector, writer, sanitizer),
		events:      event.NewService(eventRepo, writer),
		coordinator: coordinator,
		scheduler:   fetchpkg.NewScheduler(coordinator, pruner, collector, logger),
	}
}

// routerDeps はAPIサーバーのルーター依存関係を構成する。
func (e *engine) routerDeps(cfg *config.Config, rl *middleware.RateLimiter, logger *slog.Logger) *handler.RouterDeps {
	return &handler.RouterDeps{
		Logger:             logger,
		RateLimiter:        rl,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		DB:                 e.db,
		MetricsHandler:     metrics.Handler(e.registry),
		SourceService:      e.sources,
		EventService:       e.events,
		Syncer:             e.coordinator,
		Fleet:              e.scheduler,
		Phases:             e.coordinator,
	}
}

// seed はSOURCES_FILEに記載されたソースを登録する。未設定の場合は何もしない。
func (e *engine) seed(ctx context.Context, path string, logger *slog.Logger) error {
	if path == "" {
		return nil
	}
	f, err := source.LoadSeedFile(path)
	if err != nil {
		return fmt.Errorf("failed to load sources file: %w", err)
	}
	res := e.sources.Seed(ctx, f, logger)
	logger.Info("ソースファイルを読み込みました",
		slog.String("path", path),
		slog.Int("created", res.Created),
		slog.Int("skipped", res.Skipped),
		slog.Int("failed", res.Failed),
	)
	return nil
}

// close はライターを停止する。
func (e *engine) close() {
	e.writer.Close()
}

// newNotifier は通知先を構成する。ログ出力は常に行い、REDIS_URLが設定されていればRedisにも配信する。
// 返すclose関数はRedis接続を閉じる。
func newNotifier(ctx context.Context, cfg *config.Config, logger *slog.Logger) (notify.Notifier, func(), error) {
	logNotifier := notify.NewLogNotifier(logger)
	if cfg.RedisURL == "" {
		return logNotifier, func() {}, nil
	}

	client, err := notify.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("redis notifier enabled", slog.String("channel", cfg.NotifyChannel))

	return notify.Multi{logNotifier, notify.NewRedisNotifier(client, cfg.NotifyChannel)},
		func() { closeRedis(client, logger) },
		nil
}

func closeRedis(client *redis.Client, logger *slog.Logger) {
	if err := client.Close(); err != nil {
		logger.Warn("failed to close redis client", slog.String("error", err.Error()))
	}
}

// rateLimiterConfig は設定値（req/min/client）からレート制限の設定を作る。
func rateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rl := middleware.DefaultRateLimiterConfig()
	rl.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
	rl.GeneralBurst = cfg.RateLimitGeneral
	rl.SyncRate = rate.Limit(float64(cfg.RateLimitSync) / 60.0)
	rl.SyncBurst = cfg.RateLimitSync
	return rl
}
