package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/hitoshi/mindful/internal/middleware"
)

// HealthChecker はヘルスチェックで疎通を確認する依存先。*sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	CORSAllowedOrigin string
	CSRF              middleware.CSRFConfig
	RateLimiter       *middleware.RateLimiter

	// 認証・状態・プロフィール
	Auth     AuthServiceInterface
	States   StateService
	Profiles ProfileServiceInterface
	Avatars  AvatarFetcher

	// 運用
	HealthChecker HealthChecker
	Metrics       http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Recovery → Logging → SecurityHeaders → CORS → CSRF → RateLimit(General)
//
// 認証コマンドにはCommandレート制限、プロフィールAPIには認証必須ミドルウェアを追加する。
// /health と /metrics はCSRFとレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRequestIDMiddleware())
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger, deps.States))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{deps.CORSAllowedOrigin},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", middleware.CSRFHeaderName, middleware.RequestIDHeader},
		ExposedHeaders:   []string{middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	authHandler := NewAuthHandler(deps.Auth, deps.States, deps.Logger)
	stateHandler := NewStateHandler(deps.States, deps.CORSAllowedOrigin, deps.Logger)
	profileHandler := NewProfileHandler(deps.Profiles, deps.States, deps.Avatars, deps.Logger)

	// --- 運用エンドポイント ---
	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}

	// --- API ---
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.NewCSRFMiddleware(deps.CSRF, deps.Logger))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Method(http.MethodGet, "/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF))

		r.Get("/state", stateHandler.GetState)
		r.Get("/state/ws", stateHandler.Stream)

		r.Route("/auth", func(r chi.Router) {
			r.Use(deps.RateLimiter.CommandMiddleware())
			r.Post("/signup", authHandler.SignUp)
			r.Post("/signin", authHandler.SignIn)
			r.Post("/signout", authHandler.SignOut)
			r.Post("/reset-password", authHandler.ResetPassword)
		})

		r.Route("/profile", func(r chi.Router) {
			r.Use(middleware.NewRequireAuthenticatedMiddleware(deps.States))
			r.Put("/", profileHandler.Update)
			r.Patch("/", profileHandler.Update)
			r.Post("/refetch", profileHandler.Refetch)
			r.Get("/avatar", profileHandler.Avatar)
		})
	})

	return r
}

// healthHandler はヘルスチェックのハンドラーを返す。
// checkerがnilでなければDBへの疎通も確認する。
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
