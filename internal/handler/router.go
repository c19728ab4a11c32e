package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/waterfall/internal/metrics"
	"github.com/hitoshi/waterfall/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	Metrics           metrics.Recorder
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	AdminToken        string

	// ヘルスチェックとメトリクス
	HealthChecker  HealthChecker
	Components     map[string]ComponentChecker
	MetricsHandler http.Handler

	// ドメインサービス
	FeedPager   FeedPager
	ItemService ItemServiceInterface
	Reactor     Reactor
	Reconciler  Reconciler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Actor → Logging → Recovery → CORS → SecurityHeaders → RateLimit(General)
//
// /health と /metrics はレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.NewRequestIDMiddleware())
	r.Use(middleware.NewActorMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger, deps.Metrics))
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	healthHandler := NewHealthHandler(deps.HealthChecker, deps.Components)
	feedHandler := NewFeedHandler(deps.FeedPager)
	itemHandler := NewItemHandler(deps.ItemService)
	reactionHandler := NewReactionHandler(deps.Reactor)
	adminHandler := NewAdminHandler(deps.Reconciler)

	r.Get("/health", healthHandler.Health)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.GeneralMiddleware())
		}

		r.Get("/api/feed", feedHandler.GetFeed)

		r.Post("/api/items", itemHandler.UploadItem)
		r.Route("/api/items/{id}", func(r chi.Router) {
			r.Get("/", itemHandler.GetItem)
			r.Patch("/", itemHandler.EditItem)
			r.Delete("/", itemHandler.DeleteItem)

			// リアクション送信は専用のレート制限を追加
			if deps.RateLimiter != nil {
				r.With(deps.RateLimiter.ReactionMiddleware()).Post("/reactions", reactionHandler.React)
			} else {
				r.Post("/reactions", reactionHandler.React)
			}
		})

		// 管理API
		r.Route("/api/admin", func(r chi.Router) {
			r.Use(middleware.NewAdminMiddleware(deps.AdminToken))
			r.Put("/items/{id}/status", itemHandler.ModerateItem)
			r.Post("/reconcile", adminHandler.StartReconcile)
			r.Post("/reconcile/{id}", adminHandler.ReconcileItem)
		})
	})

	return r
}
