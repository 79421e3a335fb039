package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/propauth/internal/metrics"
	"github.com/hitoshi/propauth/internal/middleware"
	"github.com/hitoshi/propauth/internal/model"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger         *slog.Logger
	AllowedOrigins []string
	RateLimiter    *middleware.RateLimiter
	SessionID      middleware.SessionIDCookieConfig
	Metrics        metrics.MetricsCollector
	Gatherer       prometheus.Gatherer // nilの場合 /metrics を公開しない

	// 認証
	Broker      FederatedLogin
	Gate        SessionGate
	Accounts    AccountService
	OAuthConfig OAuthHandlerConfig

	// ヘルスチェック
	DB Pinger
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Recovery → Logging → Metrics → SecurityHeaders → CORS → OriginCheck
//
// OTPを扱うルートにはセッションIDミドルウェアを、保護ルートにはロールごとのセッションミドルウェアを追加する。
func NewRouter(deps *RouterDeps) http.Handler {
	collector := deps.Metrics
	if collector == nil {
		collector = metrics.Nop{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewMetricsMiddleware(collector))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.AllowedOrigins))
	r.Use(middleware.NewOriginCheckMiddleware(deps.AllowedOrigins))

	oauthHandler := NewOAuthHandler(deps.Broker, deps.Gate, collector, deps.OAuthConfig)
	accountHandler := NewAccountHandler(deps.Accounts, deps.Gate, collector)
	healthHandler := NewHealthHandler(deps.DB)

	sessionID := middleware.NewSessionIDMiddleware(deps.SessionID)
	otpLimit := deps.RateLimiter.OTPMiddleware()
	loginLimit := deps.RateLimiter.LoginMiddleware()
	userSession := middleware.NewSessionMiddleware(deps.Gate, model.RoleUser)
	adminSession := middleware.NewSessionMiddleware(deps.Gate, model.RoleAdmin)

	r.Get("/health", healthHandler.Health)
	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}

	// --- フェデレーテッドログイン・OTP・ログアウト ---
	r.Route("/auth", func(r chi.Router) {
		for _, role := range []model.Role{model.RoleUser, model.RoleAdmin} {
			r.Get("/"+string(role)+"/google", oauthHandler.Begin(role))
			r.Get("/"+string(role)+"/google/callback", oauthHandler.Callback(role))
		}

		r.With(otpLimit, sessionID).Post("/user/send-otp", accountHandler.SendOTP(model.RoleUser))
		r.With(loginLimit, sessionID).Post("/user/verify-otp", accountHandler.VerifyOTP(model.RoleUser))

		r.With(userSession).Post("/user/logout", accountHandler.Logout(model.RoleUser))
		r.With(adminSession).Post("/admin/logout", accountHandler.Logout(model.RoleAdmin))
	})

	// --- User ---
	r.Route("/user", func(r chi.Router) {
		r.With(loginLimit).Post("/register", accountHandler.Register)
		r.With(loginLimit).Post("/login", accountHandler.Login(model.RoleUser))
		r.With(otpLimit, sessionID).Post("/forgot-password", accountHandler.ForgotPassword)
		r.With(loginLimit, sessionID).Post("/reset-password", accountHandler.ResetPassword)
		r.With(userSession).Get("/home", accountHandler.Home(model.RoleUser))
	})

	// --- Admin ---
	r.Route("/admin", func(r chi.Router) {
		r.With(loginLimit).Post("/login", accountHandler.Login(model.RoleAdmin))
		r.With(otpLimit, sessionID).Post("/send-otp", accountHandler.SendOTP(model.RoleAdmin))
		r.With(loginLimit, sessionID).Post("/verify-otp", accountHandler.VerifyOTP(model.RoleAdmin))
		r.With(adminSession).Post("/logout", accountHandler.Logout(model.RoleAdmin))
		r.With(adminSession).Get("/home", accountHandler.Home(model.RoleAdmin))
	})

	return r
}
