package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hitoshi/catalogwatch/internal/config"
	"github.com/hitoshi/catalogwatch/internal/database"
	"github.com/hitoshi/catalogwatch/internal/handler"
	"github.com/hitoshi/catalogwatch/internal/logger"
	"github.com/hitoshi/catalogwatch/internal/metrics"
	"github.com/hitoshi/catalogwatch/internal/middleware"
)

// dbPingTimeout は起動時のDB疎通確認のタイムアウト。
const dbPingTimeout = 5 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルを反映する
	logger.SetLevel(cfg.LogLevel)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.Duration("fleet_interval", cfg.FleetInterval),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandSeed:
		return runSeed(ctx, cfg, seedPath(args, cfg.SourcesFile))
	default:
		return runServe(ctx, cfg)
	}
}

// openEngine はDB接続を開いてエンジンを組み立てる。
// 返すclose関数はエンジン、通知先、DB接続を逆順に閉じる。
func openEngine(ctx context.Context, cfg *config.Config) (*engine, func(), error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.Ping(ctx, db, dbPingTimeout); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")

	notifier, closeNotifier, err := newNotifier(ctx, cfg, slog.Default())
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to set up notifier: %w", err)
	}

	e := newEngine(cfg, db, notifier, slog.Default())
	if err := e.seed(ctx, cfg.SourcesFile, slog.Default()); err != nil {
		e.close()
		closeNotifier()
		db.Close()
		return nil, nil, err
	}

	return e, func() {
		e.close()
		closeNotifier()
		db.Close()
	}, nil
}

// runServe はAPIサーバーモードで起動する。
// 同じプロセスでフリート同期スケジューラも起動し、手動同期と同じライターとソース単位のロックを共有する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	e, closeEngine, err := openEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeEngine()

	rl := middleware.NewRateLimiter(rateLimiterConfig(cfg))
	defer rl.Stop()

	router := handler.NewRouter(e.routerDeps(cfg, rl, slog.Default()))

	// 手動同期は全ページの取得を待って応答する
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	schedCtx, cancelSched := context.WithCancel(ctx)
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		e.scheduler.Start(schedCtx, cfg.FleetInterval)
	}()

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-serverErr:
		if ok {
			runErr = fmt.Errorf("server listen error: %w", err)
		}
	}
	slog.Info("shutting down API server...")

	cancelSched()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("server shutdown failed: %w", err)
	}
	<-schedDone

	if runErr != nil {
		return runErr
	}
	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// APIを公開せず、フリート同期スケジューラとメトリクスのみを提供する。
// 単一ライターで書き込むため、同じDBに対してserveと同時に起動してはならない。
func runWorker(ctx context.Context, cfg *config.Config) error {
	e, closeEngine, err := openEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeEngine()

	metricsServer := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           metrics.SetupMetricsRoute(e.registry),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("metrics server starting", slog.String("addr", metricsServer.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server listen error", slog.String("error", err.Error()))
		}
	}()

	slog.Info("worker starting",
		slog.Duration("fleet_interval", cfg.FleetInterval),
		slog.Duration("min_poll_interval", cfg.MinPollInterval),
	)

	// フリート同期スケジューラをメインgoroutineで実行（ブロッキング）
	e.scheduler.Start(ctx, cfg.FleetInterval)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("metrics server shutdown failed", slog.String("error", err.Error()))
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Int("schema_version", int(version)),
	)
	return nil
}

// runSeed はソースファイルのソースを登録して終了する。
// 登録済みのカタログはスキップされるため、繰り返し実行してよい。
func runSeed(ctx context.Context, cfg *config.Config, path string) error {
	if path == "" {
		return errors.New("no sources file: pass a path or set SOURCES_FILE")
	}
	seedCfg := *cfg
	seedCfg.SourcesFile = path

	_, closeEngine, err := openEngine(ctx, &seedCfg)
	if err != nil {
		return err
	}
	closeEngine()
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	if u.User != nil {
		u.User = url.User("***")
	}
	u.RawQuery = ""
	return u.String()
}
