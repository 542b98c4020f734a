package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/catalogwatch/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger             *slog.Logger
	RateLimiter        *middleware.RateLimiter
	CORSAllowedOrigins []string

	// ヘルスチェックとメトリクス
	DB             Pinger
	MetricsHandler http.Handler // nilの場合は /metrics を公開しない

	// ソースとイベント
	SourceService SourceServiceInterface
	EventService  EventServiceInterface

	// 同期
	Syncer SourceSyncer
	Fleet  FleetTrigger
	Phases PhaseReader
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Logging → Recovery → SecurityHeaders → CORS → RateLimit(General)
//
// /health と /metrics はレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigins))

	sourceHandler := NewSourceHandler(deps.SourceService, deps.Phases)
	eventHandler := NewEventHandler(deps.EventService)
	syncHandler := NewSyncHandler(deps.Syncer, deps.Fleet)

	// --- レート制限対象外のルート ---
	r.Get("/health", NewHealthHandler(deps.DB))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// --- API ---
	// ミドルウェアスタック: RateLimit(General)。外部カタログへアクセスする操作は Sync を追加
	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())
		syncLimit := deps.RateLimiter.SyncMiddleware()

		r.Route("/api/sources", func(r chi.Router) {
			// POST /api/sources - ソース登録（カタログ検出のため同期用レート制限を追加）
			r.With(syncLimit).Post("/", sourceHandler.Register)
			r.Get("/", sourceHandler.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", sourceHandler.Get)
				r.Delete("/", sourceHandler.Delete)
				r.Get("/items", sourceHandler.Items)
				r.With(syncLimit).Post("/sync", syncHandler.SyncSource)
			})
		})

		r.Route("/api/events", func(r chi.Router) {
			r.Get("/", eventHandler.List)
			r.Put("/read", eventHandler.MarkRead)
		})

		r.With(syncLimit).Post("/api/sync", syncHandler.TriggerFleet)
	})

	return r
}
