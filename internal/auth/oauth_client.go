package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/hitoshi/propauth/internal/model"
)

const defaultGoogleUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"

// maxUserInfoBytes はuserinfoレスポンスの読み込み上限。
const maxUserInfoBytes = 1 << 20

// ProviderConfig はGoogle OAuthプロバイダーの設定。
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	// BackendURL はコールバックURLの基点。リダイレクトURIは BackendURL/auth/{role}/google/callback。
	BackendURL string

	// テスト用にオーバーライド可能なURL
	AuthURL     string
	TokenURL    string
	UserInfoURL string

	// HTTPClient はトークン交換・userinfo取得に使うクライアント。nilの場合は http.DefaultClient。
	HTTPClient *http.Client
	// Timeout はトークン交換全体のタイムアウト。
	Timeout time.Duration
}

// Claims はIdPから取得した本人情報。
type Claims struct {
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
	Picture       string
}

// BuildAuthClient はロールに応じたoauth2.Configを返す。
// リダイレクトURIだけがロールによって変わる。
func BuildAuthClient(cfg ProviderConfig, role model.Role) *oauth2.Config {
	endpoint := google.Endpoint
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.BackendURL + "/auth/" + string(role) + "/google/callback",
		Endpoint:     endpoint,
		Scopes:       []string{"openid", "profile", "email"},
	}
}

// GoogleProvider はGoogle OAuth 2.0 / OIDC による認可コードフローを提供する。
type GoogleProvider struct {
	cfg ProviderConfig
}

// NewGoogleProvider はGoogleProviderを生成する。
func NewGoogleProvider(cfg ProviderConfig) *GoogleProvider {
	if cfg.UserInfoURL == "" {
		cfg.UserInfoURL = defaultGoogleUserInfoURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &GoogleProvider{cfg: cfg}
}

// AuthCodeURL は認可エンドポイントのURLを生成する。PKCEはS256。
func (p *GoogleProvider) AuthCodeURL(role model.Role, state, verifier string) string {
	return BuildAuthClient(p.cfg, role).AuthCodeURL(state,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("prompt", "select_account"),
	)
}

// Exchange は認可コードをトークンに交換し、本人情報を返す。
// トークンレスポンスにid_tokenが含まれない場合はuserinfoエンドポイントから取得する。
func (p *GoogleProvider) Exchange(ctx context.Context, role model.Role, code, verifier string) (*Claims, error) {
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.cfg.HTTPClient)

	token, err := BuildAuthClient(p.cfg, role).Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenExchangeFailed, err)
	}

	if rawIDToken, ok := token.Extra("id_token").(string); ok && rawIDToken != "" {
		return p.decodeIDToken(rawIDToken)
	}
	return p.fetchUserInfo(ctx, token.AccessToken)
}

// idTokenClaims はIDトークンのペイロード。
type idTokenClaims struct {
	jwt.RegisteredClaims
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

// decodeIDToken はIDトークンのクレームを取り出す。
// トークンはTLS上でトークンエンドポイントから直接受け取ったものなので署名検証は行わず、
// audience・必須クレームのみを検証する。
func (p *GoogleProvider) decodeIDToken(raw string) (*Claims, error) {
	var c idTokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &c); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrClaimDecodeFailed, err)
	}
	if !slices.Contains([]string(c.Audience), p.cfg.ClientID) {
		return nil, fmt.Errorf("%w: unexpected audience", ErrClaimDecodeFailed)
	}
	return validateClaims(&Claims{
		Subject:       c.Subject,
		Email:         c.Email,
		EmailVerified: c.EmailVerified,
		Name:          c.Name,
		Picture:       c.Picture,
	})
}

// userInfoResponse はuserinfoエンドポイントのレスポンス。
type userInfoResponse struct {
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

// fetchUserInfo はアクセストークンでGoogleのユーザー情報を取得する。
func (p *GoogleProvider) fetchUserInfo(ctx context.Context, accessToken string) (*Claims, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.UserInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create user info request: %w", ErrTokenExchangeFailed, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: user info request failed: %w", ErrTokenExchangeFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUserInfoBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read user info response: %w", ErrTokenExchangeFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: user info fetch failed with status %d", ErrTokenExchangeFailed, resp.StatusCode)
	}

	var info userInfoResponse
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrClaimDecodeFailed, err)
	}
	return validateClaims(&Claims{
		Subject:       info.Sub,
		Email:         info.Email,
		EmailVerified: info.EmailVerified,
		Name:          info.Name,
		Picture:       info.Picture,
	})
}

// validateClaims は照合に必要なクレームが揃っているかを検証する。
func validateClaims(c *Claims) (*Claims, error) {
	if c.Subject == "" {
		return nil, fmt.Errorf("%w: empty sub", ErrClaimDecodeFailed)
	}
	c.Email = model.NormalizeEmail(c.Email)
	if c.Email == "" {
		return nil, fmt.Errorf("%w: empty email", ErrClaimDecodeFailed)
	}
	if !c.EmailVerified {
		return nil, fmt.Errorf("%w: email not verified by provider", ErrClaimDecodeFailed)
	}
	return c, nil
}

// compile-time interface check
var _ Provider = (*GoogleProvider)(nil)
