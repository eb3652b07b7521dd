package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/handleclaim/internal/metrics"
	"github.com/hitoshi/handleclaim/internal/middleware"
	"github.com/hitoshi/handleclaim/internal/security"
)

// documentsPath はユーザー名コレクションのドキュメントパス。
const documentsPath = "/databases/{databaseId}/collections/{collectionId}/documents"

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger             *slog.Logger
	Authenticator      middleware.SessionAuthenticator
	CORSAllowedOrigins string
	RateLimiter        *middleware.RateLimiter
	HealthChecker      HealthChecker

	// メトリクス（nilの場合は/metricsを公開しない）
	Metrics        *metrics.Collector
	MetricsHandler http.Handler

	// アカウント
	AccountService AccountServiceInterface
	UserService    UserServiceInterface
	AccountConfig  AccountHandlerConfig

	// ユーザー名
	Documents  DocumentLister
	Checker    UsernameChecker
	Claimer    UsernameClaimer
	Sanitizer  *security.NameSanitizer
	Collection CollectionConfig
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Recovery → Logging → Metrics → SecurityHeaders → CORS
//	  /v1/*: RateLimit(General) → [Session] → [RateLimit(Strict)]
//
// /health と /metrics はレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger))
	if deps.Metrics != nil {
		r.Use(deps.Metrics.Middleware())
	}
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigins))

	docHandler := NewDocumentHandler(deps.Documents, deps.Claimer, deps.Sanitizer, deps.Collection)
	accountHandler := NewAccountHandler(deps.AccountService, deps.UserService, deps.AccountConfig)
	fnHandler := NewFunctionHandler(deps.Checker, deps.Claimer, deps.Sanitizer)

	// --- 運用エンドポイント ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	requireSession := middleware.NewSessionMiddleware(deps.Authenticator)
	optionalSession := middleware.NewOptionalSessionMiddleware(deps.Authenticator)
	strict := deps.RateLimiter.StrictMiddleware()

	r.Route("/v1", func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// --- 認証不要のルート ---
		r.Get(documentsPath, docHandler.ListDocuments)
		r.Post("/account", accountHandler.CreateIdentity)
		r.With(strict).Post("/account/tokens", accountHandler.CreateVerificationToken)
		r.With(strict).Post("/account/sessions", accountHandler.CreateSession)
		r.With(strict).Post("/account/sessions/password", accountHandler.CreatePasswordSession)

		// checkUsernameは匿名、createUserはセッション必須（ハンドラー内で判定）
		r.With(optionalSession).Post("/functions/username/executions", fnHandler.Execute)

		// --- 認証が必要なルート ---
		r.Group(func(r chi.Router) {
			r.Use(requireSession)

			r.With(strict).Post(documentsPath, docHandler.CreateDocument)
			r.Get("/account", accountHandler.GetAccount)
			r.Delete("/account", accountHandler.DeleteAccount)
			r.Delete("/account/sessions/current", accountHandler.Logout)
		})
	})

	return r
}
