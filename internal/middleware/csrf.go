package middleware

import (
	"log/slog"
	"net/http"
	"net/url"
	"slices"

	"github.com/hitoshi/propauth/internal/model"
)

// NewOriginCheckMiddleware は状態変更リクエストの送信元オリジンを検証するミドルウェアを返す。
// セッションCookieはSameSite=Noneでクロスサイト送信されるため、
// Origin（なければReferer）が許可オリジン以外のPOST等は403で拒否する。
// どちらのヘッダーもないリクエストはブラウザ以外のクライアントとして通す。
func NewOriginCheckMiddleware(allowedOrigins []string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// 安全なメソッドは検証をスキップ
			if isSafeMethod(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			origin := requestOrigin(r)
			if origin == "" || slices.Contains(allowedOrigins, origin) {
				next.ServeHTTP(w, r)
				return
			}

			slog.WarnContext(r.Context(), "origin check failed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("origin", origin),
			)
			WriteErrorResponse(w, &model.APIError{
				Kind:    model.KindForbidden,
				Code:    model.ErrCodeForbiddenOrigin,
				Message: "Cross-origin request rejected",
			})
		})
	}
}

// requestOrigin はOriginヘッダー、なければRefererのオリジン部分を返す。
func requestOrigin(r *http.Request) string {
	if origin := r.Header.Get("Origin"); origin != "" {
		return origin
	}
	referer := r.Header.Get("Referer")
	if referer == "" {
		return ""
	}
	u, err := url.Parse(referer)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "null"
	}
	return u.Scheme + "://" + u.Host
}

// isSafeMethod はHTTPメソッドが安全（読み取り専用）かどうかを判定する。
func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}
