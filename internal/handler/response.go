// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/propauth/internal/auth"
	"github.com/hitoshi/propauth/internal/middleware"
	"github.com/hitoshi/propauth/internal/model"
	"github.com/hitoshi/propauth/internal/otp"
)

// maxRequestBodyBytes はJSONリクエストボディの上限。
const maxRequestBodyBytes = 64 << 10

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// decodeJSON はリクエストボディをデコードする。失敗した場合は400を書き込みfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		middleware.WriteErrorResponse(w, model.NewValidationError("Invalid request body"))
		return false
	}
	return true
}

// handleServiceError はサービス層のエラーを統一エラーレスポンスに変換する。
// 上流障害・内部エラーの詳細はリクエストIDとともにログにのみ記録する。
func handleServiceError(w http.ResponseWriter, r *http.Request, role model.Role, err error) {
	var apiErr *model.APIError
	switch {
	case errors.As(err, &apiErr):
	case errors.Is(err, auth.ErrInvalidCredentials):
		apiErr = model.NewInvalidCredentialsError()
	case errors.Is(err, auth.ErrUnauthenticated):
		apiErr = model.NewUnauthenticatedError(role)
	case errors.Is(err, auth.ErrEmailTaken):
		apiErr = model.NewEmailTakenError()
	case errors.Is(err, auth.ErrIdentityNotFound):
		apiErr = model.NewIdentityNotFoundError()
	case errors.Is(err, otp.ErrNoChallenge):
		apiErr = model.NewNoChallengeError()
	case errors.Is(err, otp.ErrPurposeMismatch):
		apiErr = model.NewChallengeMismatchError()
	case errors.Is(err, otp.ErrExpired):
		apiErr = model.NewOTPExpiredError()
	case errors.Is(err, otp.ErrTooManyAttempts):
		apiErr = model.NewTooManyAttemptsError()
	case errors.Is(err, otp.ErrInvalidCode):
		apiErr = model.NewOTPInvalidError()
	case errors.Is(err, otp.ErrNotVerified):
		apiErr = model.NewNotVerifiedError()
	case errors.Is(err, otp.ErrDelivery):
		apiErr = model.NewUpstreamError()
	default:
		apiErr = model.NewInternalError()
	}

	if apiErr.Kind == model.KindUpstream || apiErr.Kind == model.KindInternal {
		slog.ErrorContext(r.Context(), "request failed",
			slog.String("request_id", chimw.GetReqID(r.Context())),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error_code", apiErr.Code),
			slog.String("error", err.Error()),
		)
	}
	middleware.WriteErrorResponse(w, apiErr)
}

// otpVerifyResult はOTP検証エラーをメトリクスのラベルに変換する。
func otpVerifyResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, otp.ErrNoChallenge):
		return "no_challenge"
	case errors.Is(err, otp.ErrPurposeMismatch):
		return "mismatch"
	case errors.Is(err, otp.ErrExpired):
		return "expired"
	case errors.Is(err, otp.ErrTooManyAttempts):
		return "too_many_attempts"
	case errors.Is(err, otp.ErrInvalidCode):
		return "invalid"
	default:
		return "error"
	}
}

// identityPayloadKey はレスポンスでIdentityを格納するキーを返す。
func identityPayloadKey(role model.Role) string {
	if role == model.RoleAdmin {
		return "admin"
	}
	return "user"
}
