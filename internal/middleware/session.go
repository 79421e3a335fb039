// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/propauth/internal/auth"
	"github.com/hitoshi/propauth/internal/model"
	"github.com/hitoshi/propauth/internal/session"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	// identityContextKey はリクエストコンテキストに認証済みIdentityを格納するためのキー。
	identityContextKey = contextKey("identity")
	// sessionIDContextKey はリクエストコンテキストにセッションストアのIDを格納するためのキー。
	sessionIDContextKey = contextKey("session_id")
)

// Authenticator はセッションCookieの検証に必要なインターフェース。
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request, role model.Role) (*model.Identity, error)
}

// NewSessionMiddleware はロールのセッションCookieを検証するミドルウェアを返す。
// 認証済みIdentityをリクエストコンテキストに注入する。
// 未認証リクエストには401を返す。
func NewSessionMiddleware(authenticator Authenticator, role model.Role) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := authenticator.Authenticate(r.Context(), r, role)
			if errors.Is(err, auth.ErrUnauthenticated) {
				WriteErrorResponse(w, model.NewUnauthenticatedError(role))
				return
			}
			if err != nil {
				slog.ErrorContext(r.Context(), "failed to authenticate session",
					slog.String("role", string(role)),
					slog.String("error", err.Error()),
				)
				WriteInternalServerError(w)
				return
			}

			recordIdentity(r.Context(), identity)
			ctx := ContextWithIdentity(r.Context(), identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IdentityFromContext はリクエストコンテキストから認証済みIdentityを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func IdentityFromContext(ctx context.Context) (*model.Identity, error) {
	identity, ok := ctx.Value(identityContextKey).(*model.Identity)
	if !ok || identity == nil {
		return nil, fmt.Errorf("identity not found in context")
	}
	return identity, nil
}

// ContextWithIdentity はコンテキストにIdentityを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithIdentity(ctx context.Context, identity *model.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// SessionIDCookieConfig はセッションストア用Cookieの設定。
type SessionIDCookieConfig struct {
	Name     string
	MaxAge   int
	Secure   bool
	SameSite http.SameSite
	Domain   string
}

// DefaultSessionIDCookieName はセッションストア用Cookieのデフォルト名。
const DefaultSessionIDCookieName = "auth_sid"

// NewSessionIDMiddleware はセッションストアのIDをCookieから読み取るミドルウェアを返す。
// Cookieがない・形式が不正な場合は新しいIDを発行してCookieに設定する。
// IDはOTPチャレンジなどブラウザ単位の一時データのキーとして使う。
func NewSessionIDMiddleware(config SessionIDCookieConfig) func(next http.Handler) http.Handler {
	if config.Name == "" {
		config.Name = DefaultSessionIDCookieName
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var sid string
			if cookie, err := r.Cookie(config.Name); err == nil && session.ValidID(cookie.Value) {
				sid = cookie.Value
			} else {
				sid, err = session.NewID()
				if err != nil {
					slog.ErrorContext(r.Context(), "failed to generate session id",
						slog.String("error", err.Error()),
					)
					WriteInternalServerError(w)
					return
				}
			}

			// 有効期限を延長するため毎回設定し直す
			http.SetCookie(w, &http.Cookie{
				Name:     config.Name,
				Value:    sid,
				Path:     "/",
				Domain:   config.Domain,
				MaxAge:   config.MaxAge,
				HttpOnly: true,
				Secure:   config.Secure,
				SameSite: config.SameSite,
			})

			ctx := ContextWithSessionID(r.Context(), sid)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SessionIDFromContext はリクエストコンテキストからセッションストアのIDを取得する。
func SessionIDFromContext(ctx context.Context) (string, error) {
	sid, ok := ctx.Value(sessionIDContextKey).(string)
	if !ok || sid == "" {
		return "", fmt.Errorf("session ID not found in context")
	}
	return sid, nil
}

// ContextWithSessionID はコンテキストにセッションストアのIDを注入する。
func ContextWithSessionID(ctx context.Context, sid string) context.Context {
	return context.WithValue(ctx, sessionIDContextKey, sid)
}
