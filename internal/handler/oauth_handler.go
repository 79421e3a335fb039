package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/propauth/internal/auth"
	"github.com/hitoshi/propauth/internal/metrics"
	"github.com/hitoshi/propauth/internal/model"
)

// FederatedLogin はOAuthハンドラーが必要とするフェデレーテッドログインのインターフェース。
type FederatedLogin interface {
	Begin(role model.Role) (*auth.Authorization, error)
	Complete(ctx context.Context, role model.Role, p auth.CallbackParams) (*model.Identity, error)
}

// SessionGate はセッションCookieの発行・検証・破棄のインターフェース。
type SessionGate interface {
	Issue(w http.ResponseWriter, identity *model.Identity) error
	Authenticate(ctx context.Context, r *http.Request, role model.Role) (*model.Identity, error)
	Revoke(w http.ResponseWriter, role model.Role)
}

// OAuthHandlerConfig はOAuthハンドラーの設定。
type OAuthHandlerConfig struct {
	FrontendURL  string
	CookieMaxAge time.Duration // state・verifier Cookieの有効期間
	CookieSecure bool
}

// oauthCookieNames はロールごとのOAuthトランザクションCookie名。
type oauthCookieNames struct {
	state    string
	verifier string
	role     string
}

func oauthCookies(role model.Role) oauthCookieNames {
	if role == model.RoleAdmin {
		return oauthCookieNames{
			state:    "admin_oauth_state",
			verifier: "admin_oauth_code_verifier",
			role:     "admin_oauth_type",
		}
	}
	return oauthCookieNames{
		state:    "google_oauth_state",
		verifier: "google_oauth_code_verifier",
		role:     "google_oauth_type",
	}
}

// oauthCookiePath はOAuthトランザクションCookieを送信するパス。
// 開始URLとコールバックURLの共通プレフィックスに限定する。
func oauthCookiePath(role model.Role) string {
	return "/auth/" + string(role) + "/google"
}

// OAuthHandler はGoogle OAuthによるログインのHTTPハンドラー。
type OAuthHandler struct {
	broker  FederatedLogin
	gate    SessionGate
	metrics metrics.MetricsCollector
	config  OAuthHandlerConfig
}

// NewOAuthHandler はOAuthHandlerを生成する。
func NewOAuthHandler(broker FederatedLogin, gate SessionGate, collector metrics.MetricsCollector, config OAuthHandlerConfig) *OAuthHandler {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &OAuthHandler{
		broker:  broker,
		gate:    gate,
		metrics: collector,
		config:  config,
	}
}

// Begin はGoogle OAuthフローを開始する。
// GET /auth/{role}/google
// 既に有効なセッションがある場合はフロントエンドへリダイレクトする。
func (h *OAuthHandler) Begin(role model.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := h.gate.Authenticate(r.Context(), r, role); err == nil {
			http.Redirect(w, r, h.successRedirect(role), http.StatusFound)
			return
		}

		authz, err := h.broker.Begin(role)
		if err != nil {
			slog.ErrorContext(r.Context(), "failed to begin authorization",
				slog.String("role", string(role)),
				slog.String("error", err.Error()),
			)
			http.Error(w, "Authentication failed", http.StatusInternalServerError)
			return
		}

		// state・verifier・ロールを短命Cookieに保存（サーバー側には保持しない）
		names := oauthCookies(role)
		maxAge := int(h.config.CookieMaxAge.Seconds())
		h.setOAuthCookie(w, role, names.state, authz.State, maxAge)
		h.setOAuthCookie(w, role, names.verifier, authz.Verifier, maxAge)
		h.setOAuthCookie(w, role, names.role, string(authz.Role), maxAge)

		http.Redirect(w, r, authz.URL, http.StatusFound)
	}
}

// Callback はOAuthコールバックを処理する。
// GET /auth/{role}/google/callback?code=xxx&state=yyy
// 結果に関わらずOAuthトランザクションCookieは削除する。失敗時は平文で応答する。
func (h *OAuthHandler) Callback(role model.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		names := oauthCookies(role)
		params := auth.CallbackParams{
			Code:           r.URL.Query().Get("code"),
			State:          r.URL.Query().Get("state"),
			StoredState:    cookieValue(r, names.state),
			StoredVerifier: cookieValue(r, names.verifier),
			StoredRole:     cookieValue(r, names.role),
		}
		h.clearOAuthCookies(w, role)

		if providerErr := r.URL.Query().Get("error"); providerErr != "" {
			slog.WarnContext(r.Context(), "provider returned error",
				slog.String("role", string(role)),
				slog.String("provider_error", providerErr),
			)
			h.metrics.RecordOAuthCallback(string(role), "provider_error")
			http.Error(w, "Authentication was cancelled or denied", http.StatusBadRequest)
			return
		}
		if params.Code == "" {
			h.metrics.RecordOAuthCallback(string(role), "missing_code")
			http.Error(w, "Missing authorization code", http.StatusBadRequest)
			return
		}

		start := time.Now()
		identity, err := h.broker.Complete(r.Context(), role, params)
		h.metrics.RecordProviderLatency(time.Since(start))
		if errors.Is(err, auth.ErrStateMismatch) {
			slog.WarnContext(r.Context(), "oauth state mismatch",
				slog.String("role", string(role)),
			)
			h.metrics.RecordOAuthCallback(string(role), "state_mismatch")
			h.metrics.RecordLogin(metrics.MethodGoogle, string(role), false)
			http.Error(w, "Invalid state", http.StatusBadRequest)
			return
		}
		if errors.Is(err, auth.ErrAccountLinked) {
			slog.WarnContext(r.Context(), "email already linked to another google account",
				slog.String("role", string(role)),
				slog.String("request_id", chimw.GetReqID(r.Context())),
			)
			h.metrics.RecordOAuthCallback(string(role), "account_linked")
			h.metrics.RecordLogin(metrics.MethodGoogle, string(role), false)
			http.Error(w, "Account is linked to a different Google account", http.StatusConflict)
			return
		}
		if err != nil {
			slog.ErrorContext(r.Context(), "oauth callback failed",
				slog.String("role", string(role)),
				slog.String("request_id", chimw.GetReqID(r.Context())),
				slog.String("error", err.Error()),
			)
			h.metrics.RecordOAuthCallback(string(role), "failure")
			h.metrics.RecordLogin(metrics.MethodGoogle, string(role), false)
			http.Error(w, "Authentication failed", http.StatusInternalServerError)
			return
		}

		if err := h.gate.Issue(w, identity); err != nil {
			slog.ErrorContext(r.Context(), "failed to issue session",
				slog.String("role", string(role)),
				slog.String("error", err.Error()),
			)
			h.metrics.RecordOAuthCallback(string(role), "failure")
			http.Error(w, "Authentication failed", http.StatusInternalServerError)
			return
		}

		slog.InfoContext(r.Context(), "federated login succeeded",
			slog.String("role", string(role)),
			slog.String("identity_id", identity.ID),
		)
		h.metrics.RecordOAuthCallback(string(role), "success")
		h.metrics.RecordLogin(metrics.MethodGoogle, string(role), true)
		http.Redirect(w, r, h.successRedirect(role), http.StatusFound)
	}
}

// successRedirect はログイン成功後のリダイレクト先を返す。
func (h *OAuthHandler) successRedirect(role model.Role) string {
	if role == model.RoleAdmin {
		return h.config.FrontendURL + "/admin/dashboard"
	}
	return h.config.FrontendURL
}

func (h *OAuthHandler) setOAuthCookie(w http.ResponseWriter, role model.Role, name, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     oauthCookiePath(role),
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		// IdPからのトップレベルのリダイレクトで送信されるようLaxにする
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *OAuthHandler) clearOAuthCookies(w http.ResponseWriter, role model.Role) {
	names := oauthCookies(role)
	for _, name := range []string{names.state, names.verifier, names.role} {
		h.setOAuthCookie(w, role, name, "", -1)
	}
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}
