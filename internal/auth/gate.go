package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/propauth/internal/model"
	"github.com/hitoshi/propauth/internal/repository"
)

// セッションCookie名。ロールはCookie名で決まる。
const (
	UserCookieName  = "userId"
	AdminCookieName = "adminId"
)

// CookieName はロールに対応するセッションCookie名を返す。
func CookieName(role model.Role) string {
	if role == model.RoleAdmin {
		return AdminCookieName
	}
	return UserCookieName
}

// GateConfig はセッションCookieの設定を保持する。
type GateConfig struct {
	Secret      []byte
	UserMaxAge  time.Duration
	AdminMaxAge time.Duration
	Secure      bool
	SameSite    http.SameSite
	Domain      string
}

// sessionClaims はセッションCookieに格納するJWTのペイロード。
type sessionClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Gate はセッションCookieの発行・検証・破棄を行う。
// サーバー側にセッションテーブルは持たず、リクエストごとにIdentityを引き直す。
type Gate struct {
	cfg  GateConfig
	repo repository.IdentityRepository
	now  func() time.Time
}

// NewGate はGateを生成する。
func NewGate(cfg GateConfig, repo repository.IdentityRepository) *Gate {
	return &Gate{cfg: cfg, repo: repo, now: time.Now}
}

// MaxAge はロールのセッション有効期間を返す。
func (g *Gate) MaxAge(role model.Role) time.Duration {
	if role == model.RoleAdmin {
		return g.cfg.AdminMaxAge
	}
	return g.cfg.UserMaxAge
}

// Issue はIdentityを参照する署名付きトークンをCookieに設定する。
func (g *Gate) Issue(w http.ResponseWriter, identity *model.Identity) error {
	maxAge := g.MaxAge(identity.Role)
	now := g.now()
	claims := sessionClaims{
		Role: string(identity.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(maxAge)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.cfg.Secret)
	if err != nil {
		return fmt.Errorf("failed to sign session token: %w", err)
	}

	http.SetCookie(w, g.cookie(CookieName(identity.Role), signed, int(maxAge.Seconds())))
	return nil
}

// Authenticate はリクエストのセッションCookieを検証し、参照先のIdentityを返す。
// Cookieがない・署名や期限が不正・ロール不一致・Identityが存在しない場合はErrUnauthenticatedを返す。
func (g *Gate) Authenticate(ctx context.Context, r *http.Request, role model.Role) (*model.Identity, error) {
	cookie, err := r.Cookie(CookieName(role))
	if err != nil || cookie.Value == "" {
		return nil, ErrUnauthenticated
	}

	id, err := g.parse(cookie.Value, role)
	if err != nil {
		return nil, ErrUnauthenticated
	}

	identity, err := g.repo.FindByID(ctx, role, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrUnauthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}
	return identity, nil
}

// Revoke はセッションCookieを削除する。サーバー側の失効リストは持たない。
func (g *Gate) Revoke(w http.ResponseWriter, role model.Role) {
	http.SetCookie(w, g.cookie(CookieName(role), "", -1))
}

// parse はトークンを検証し、Identity IDを返す。
func (g *Gate) parse(tokenString string, role model.Role) (string, error) {
	var claims sessionClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims,
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return g.cfg.Secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(g.now),
	)
	if err != nil {
		return "", err
	}
	if claims.Role != string(role) {
		return "", fmt.Errorf("role mismatch: %s", claims.Role)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("empty subject")
	}
	return claims.Subject, nil
}

func (g *Gate) cookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   g.cfg.Domain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   g.cfg.Secure,
		SameSite: g.cfg.SameSite,
	}
}
