package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/hitoshi/propauth/internal/auth"
	"github.com/hitoshi/propauth/internal/metrics"
	"github.com/hitoshi/propauth/internal/middleware"
	"github.com/hitoshi/propauth/internal/model"
)

// AccountService はAccountHandlerが必要とするアカウント操作のインターフェース。
type AccountService interface {
	Register(ctx context.Context, in auth.RegisterInput) (*model.Identity, error)
	PasswordLogin(ctx context.Context, role model.Role, email, password string) (*model.Identity, error)
	RequestOTP(ctx context.Context, sid string, role model.Role, email string, purpose model.Purpose) error
	VerifyOTP(ctx context.Context, sid string, role model.Role, email, code string, purpose model.Purpose) (*model.Identity, error)
	ForgotPassword(ctx context.Context, sid, email string) error
	ResetPassword(ctx context.Context, sid, email, password string) error
}

// AccountHandler はパスワード・OTPによるアカウント操作のHTTPハンドラー。
type AccountHandler struct {
	accounts AccountService
	gate     SessionGate
	metrics  metrics.MetricsCollector
}

// NewAccountHandler はAccountHandlerを生成する。
func NewAccountHandler(accounts AccountService, gate SessionGate, collector metrics.MetricsCollector) *AccountHandler {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &AccountHandler{
		accounts: accounts,
		gate:     gate,
		metrics:  collector,
	}
}

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sendOTPRequest struct {
	Email   string `json:"email"`
	Purpose string `json:"purpose"`
}

type verifyOTPRequest struct {
	Email   string `json:"email"`
	OTP     string `json:"otp"`
	Purpose string `json:"purpose"`
}

type emailRequest struct {
	Email string `json:"email"`
}

// messageResponse はペイロードを持たない成功レスポンス。
type messageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// identityResponse はIdentityを含む成功レスポンスを組み立てる。
// Identityはロールに応じて "user" または "admin" キーに格納する。
func identityResponse(message string, identity *model.Identity) map[string]any {
	return map[string]any{
		"success":                        true,
		"message":                        message,
		identityPayloadKey(identity.Role): identity.View(),
	}
}

// Register はUserを登録し、セッションCookieを発行する。
// POST /user/register
func (h *AccountHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	identity, err := h.accounts.Register(r.Context(), auth.RegisterInput{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		handleServiceError(w, r, model.RoleUser, err)
		return
	}
	if err := h.gate.Issue(w, identity); err != nil {
		handleServiceError(w, r, model.RoleUser, err)
		return
	}

	writeJSON(w, http.StatusCreated, identityResponse("Registration successful", identity))
}

// Login はパスワードでログインする。
// POST /user/login, POST /admin/login
func (h *AccountHandler) Login(role model.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		identity, err := h.accounts.PasswordLogin(r.Context(), role, req.Email, req.Password)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidCredentials) {
				h.metrics.RecordLogin(metrics.MethodPassword, string(role), false)
			}
			handleServiceError(w, r, role, err)
			return
		}
		if err := h.gate.Issue(w, identity); err != nil {
			handleServiceError(w, r, role, err)
			return
		}

		h.metrics.RecordLogin(metrics.MethodPassword, string(role), true)
		writeJSON(w, http.StatusOK, identityResponse(loginMessage(role), identity))
	}
}

// SendOTP はOTPを発行してメールで送信する。
// POST /auth/user/send-otp, POST /admin/send-otp
// 未登録のメールアドレスに対しても成功を返す。
func (h *AccountHandler) SendOTP(role model.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendOTPRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		purpose, ok := parsePurpose(req.Purpose)
		if !ok {
			handleServiceError(w, r, role, model.NewValidationError("Invalid purpose"))
			return
		}
		sid, err := middleware.SessionIDFromContext(r.Context())
		if err != nil {
			handleServiceError(w, r, role, err)
			return
		}

		if err := h.accounts.RequestOTP(r.Context(), sid, role, req.Email, purpose); err != nil {
			handleServiceError(w, r, role, err)
			return
		}

		writeJSON(w, http.StatusOK, messageResponse{Success: true, Message: "OTP sent"})
	}
}

// VerifyOTP はOTPを検証する。用途がloginの場合はセッションCookieを発行する。
// POST /auth/user/verify-otp, POST /admin/verify-otp
func (h *AccountHandler) VerifyOTP(role model.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req verifyOTPRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		purpose, ok := parsePurpose(req.Purpose)
		if !ok {
			handleServiceError(w, r, role, model.NewValidationError("Invalid purpose"))
			return
		}
		if req.Email == "" || req.OTP == "" {
			handleServiceError(w, r, role, model.NewValidationError("Email and OTP are required"))
			return
		}
		sid, err := middleware.SessionIDFromContext(r.Context())
		if err != nil {
			handleServiceError(w, r, role, err)
			return
		}

		identity, err := h.accounts.VerifyOTP(r.Context(), sid, role, req.Email, req.OTP, purpose)
		h.metrics.RecordOTPVerify(otpVerifyResult(err))
		if err != nil {
			handleServiceError(w, r, role, err)
			return
		}

		if purpose == model.PurposeLogin {
			if err := h.gate.Issue(w, identity); err != nil {
				handleServiceError(w, r, role, err)
				return
			}
			h.metrics.RecordLogin(metrics.MethodOTP, string(role), true)
			writeJSON(w, http.StatusOK, identityResponse(loginMessage(role), identity))
			return
		}
		if identity != nil {
			writeJSON(w, http.StatusOK, identityResponse("OTP verified", identity))
			return
		}
		writeJSON(w, http.StatusOK, messageResponse{Success: true, Message: "OTP verified"})
	}
}

// ForgotPassword はパスワードリセット用のOTPを発行する。
// POST /user/forgot-password
func (h *AccountHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sid, err := middleware.SessionIDFromContext(r.Context())
	if err != nil {
		handleServiceError(w, r, model.RoleUser, err)
		return
	}

	if err := h.accounts.ForgotPassword(r.Context(), sid, req.Email); err != nil {
		handleServiceError(w, r, model.RoleUser, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Success: true, Message: "OTP sent"})
}

// ResetPassword は検証済みのリセット用OTPを消費してパスワードを更新する。
// POST /user/reset-password
func (h *AccountHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sid, err := middleware.SessionIDFromContext(r.Context())
	if err != nil {
		handleServiceError(w, r, model.RoleUser, err)
		return
	}

	if err := h.accounts.ResetPassword(r.Context(), sid, req.Email, req.Password); err != nil {
		handleServiceError(w, r, model.RoleUser, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Success: true, Message: "Password reset successful"})
}

// Logout はセッションCookieを破棄する。
// POST /auth/user/logout, POST /auth/admin/logout, POST /admin/logout
func (h *AccountHandler) Logout(role model.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.gate.Revoke(w, role)

		message := "Logged out successfully"
		if role == model.RoleAdmin {
			message = "Admin logged out successfully"
		}
		writeJSON(w, http.StatusOK, messageResponse{Success: true, Message: message})
	}
}

// Home は認証済みIdentityを返す。
// GET /user/home, GET /admin/home
func (h *AccountHandler) Home(role model.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := middleware.IdentityFromContext(r.Context())
		if err != nil {
			handleServiceError(w, r, role, auth.ErrUnauthenticated)
			return
		}
		writeJSON(w, http.StatusOK, identityResponse("Authenticated", identity))
	}
}

// parsePurpose はリクエストのpurposeを解釈する。省略時はloginとして扱う。
func parsePurpose(s string) (model.Purpose, bool) {
	if s == "" {
		return model.PurposeLogin, true
	}
	return model.ParsePurpose(s)
}

func loginMessage(role model.Role) string {
	if role == model.RoleAdmin {
		return "Admin login successful"
	}
	return "Login successful"
}
