// Package app はアプリケーションの起動とワイヤリングを行う。
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

	"github.com/hitoshi/mindful/internal/auth"
	"github.com/hitoshi/mindful/internal/avatar"
	"github.com/hitoshi/mindful/internal/config"
	"github.com/hitoshi/mindful/internal/database"
	"github.com/hitoshi/mindful/internal/gotrue"
	"github.com/hitoshi/mindful/internal/handler"
	"github.com/hitoshi/mindful/internal/logger"
	"github.com/hitoshi/mindful/internal/metrics"
	"github.com/hitoshi/mindful/internal/middleware"
	"github.com/hitoshi/mindful/internal/profile"
	"github.com/hitoshi/mindful/internal/repository"
	"github.com/hitoshi/mindful/internal/security"
	"github.com/hitoshi/mindful/internal/session"
	"github.com/hitoshi/mindful/internal/state"
	"github.com/hitoshi/mindful/internal/worker/refresh"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、LOG_LEVELに従ったJSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, *slog.Logger, error) {
	// 設定読み込み前にログを使えるようにする
	logger.SetupDefault(w, slog.LevelInfo)

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel)), nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, log, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	log.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg, log)
	default:
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, cfg, log)
	}
}

// runServe はHTTPブリッジとトークン更新ワーカーを起動する。
// ctxが終了するとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	// 1. DB接続
	db, err := database.Connect(ctx, cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return err
	}
	defer db.Close()
	log.Info("database connection established")

	// 2. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	// 3. セッション保存先
	storage, closeStorage, err := openSessionStorage(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStorage()

	// 4. ドメインの初期化
	profileRepo := repository.NewPostgresProfileRepo(db)
	ssrfGuard := security.NewSSRFGuard("https")
	sanitizer := security.NewProfileSanitizer(ssrfGuard)

	provider := gotrue.NewClient(gotrue.Config{
		URL:               cfg.SupabaseURL,
		AnonKey:           cfg.SupabaseAnonKey,
		Timeout:           cfg.AuthTimeout,
		RequestsPerMinute: cfg.AuthRateLimit,
		RefreshMargin:     cfg.TokenRefreshMargin,
	}, storage, log, collector)

	st := state.NewStore()
	sessions := session.NewStore(provider, profileRepo, st, log, collector)
	syncer := profile.NewSynchronizer(profileRepo, sanitizer, st, log, collector)
	service := auth.NewService(sessions, syncer, profileRepo, ssrfGuard, st, log)
	if err := service.Start(ctx); err != nil {
		return fmt.Errorf("failed to start auth service: %w", err)
	}
	defer service.Close()

	avatars := avatar.NewFetcher(ssrfGuard, cfg.AvatarTimeout, cfg.AvatarMaxSize, log)
	scheduler := refresh.NewScheduler(provider, log)

	// 5. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.CommandRateLimit), log)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            log,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRF: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		RateLimiter:   rateLimiter,
		Auth:          service,
		States:        service,
		Profiles:      service,
		Avatars:       avatars,
		HealthChecker: db,
		Metrics:       metrics.Handler(reg),
	})

	// WebSocketの長時間接続があるためWriteTimeoutは設定しない
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// 6. HTTPサーバーとトークン更新ワーカーを並行して実行する
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("HTTP bridge starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		scheduler.Start(gctx, cfg.TokenRefreshInterval)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down HTTP bridge...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("application stopped gracefully")
	return nil
}

// openSessionStorage はREDIS_URLが設定されていればRedis、なければメモリにセッションを保存する。
func openSessionStorage(ctx context.Context, cfg *config.Config, log *slog.Logger) (gotrue.Storage, func(), error) {
	if cfg.RedisURL == "" {
		log.Warn("REDIS_URL is not set, session will not survive restarts")
		return gotrue.NewMemoryStorage(), func() {}, nil
	}

	client, err := gotrue.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	log.Info("session storage connected",
		slog.String("redis", maskURL(cfg.RedisURL)),
		slog.String("key", cfg.SessionStorageKey),
	)
	return gotrue.NewRedisStorage(client, cfg.SessionStorageKey), func() { client.Close() }, nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config, log *slog.Logger) error {
	log.Info("running database migrations",
		slog.String("database_url", maskURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, err := database.SchemaVersion(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	log.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
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

// maskURL は接続URLから認証情報とクエリを取り除く。
func maskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	u.User = nil
	u.RawQuery = ""
	return u.String()
}
