package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/hitoshi/propauth/internal/model"
	"github.com/hitoshi/propauth/internal/repository"
	"github.com/hitoshi/propauth/internal/security"
)

// maxReconcileAttempts は一意制約の競合時に照合をやり直す回数の上限。
const maxReconcileAttempts = 2

// stateBytes はOAuth stateの乱数バイト数。
const stateBytes = 32

// Provider は外部IdPとの認可コードフローを抽象化するインターフェース。
type Provider interface {
	// AuthCodeURL は認可エンドポイントのURLを生成する。
	AuthCodeURL(role model.Role, state, verifier string) string
	// Exchange は認可コードを本人情報に交換する。
	Exchange(ctx context.Context, role model.Role, code, verifier string) (*Claims, error)
}

// Authorization は認可開始時に生成した値。State/Verifier/Roleは短命Cookieに保持する。
type Authorization struct {
	URL      string
	State    string
	Verifier string
	Role     model.Role
}

// CallbackParams はコールバックで受け取った値とCookieに保持していた値。
type CallbackParams struct {
	Code           string
	State          string
	StoredState    string
	StoredVerifier string
	StoredRole     string
}

// Broker はフェデレーテッドログインの開始・完了とIdentityの照合を行う。
type Broker struct {
	provider  Provider
	repo      repository.IdentityRepository
	hasher    *PasswordHasher
	sanitizer *security.ProfileSanitizer
	now       func() time.Time
}

// NewBroker はBrokerを生成する。
func NewBroker(provider Provider, repo repository.IdentityRepository, hasher *PasswordHasher, sanitizer *security.ProfileSanitizer) *Broker {
	return &Broker{
		provider:  provider,
		repo:      repo,
		hasher:    hasher,
		sanitizer: sanitizer,
		now:       time.Now,
	}
}

// Begin は新しいstateとPKCE verifierを生成し、認可URLを返す。
func (b *Broker) Begin(role model.Role) (*Authorization, error) {
	state, err := generateState()
	if err != nil {
		return nil, err
	}
	verifier := oauth2.GenerateVerifier()
	return &Authorization{
		URL:      b.provider.AuthCodeURL(role, state, verifier),
		State:    state,
		Verifier: verifier,
		Role:     role,
	}, nil
}

// Complete はstateを検証し、認可コードを交換してIdentityを照合・作成する。
func (b *Broker) Complete(ctx context.Context, role model.Role, p CallbackParams) (*model.Identity, error) {
	if p.StoredState == "" || p.StoredVerifier == "" || p.State == "" {
		return nil, ErrStateMismatch
	}
	if subtle.ConstantTimeCompare([]byte(p.State), []byte(p.StoredState)) != 1 {
		return nil, ErrStateMismatch
	}
	if p.StoredRole != string(role) {
		return nil, ErrStateMismatch
	}

	claims, err := b.provider.Exchange(ctx, role, p.Code, p.StoredVerifier)
	if err != nil {
		if errors.Is(err, ErrClaimDecodeFailed) || errors.Is(err, ErrTokenExchangeFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrTokenExchangeFailed, err)
	}

	return b.reconcile(ctx, role, claims)
}

// reconcile はクレームを既存Identityと照合する。
// 同時に同じsubjectのコールバックが来た場合、後発のCreateは一意制約で失敗するため、
// 検索からやり直して先発が作成したIdentityを更新する。
func (b *Broker) reconcile(ctx context.Context, role model.Role, claims *Claims) (*model.Identity, error) {
	for range maxReconcileAttempts {
		identity, err := b.reconcileOnce(ctx, role, claims)
		if errors.Is(err, repository.ErrConflict) {
			continue
		}
		return identity, err
	}
	return nil, ErrReconcileConflict
}

func (b *Broker) reconcileOnce(ctx context.Context, role model.Role, claims *Claims) (*model.Identity, error) {
	now := b.now()

	// 1. subjectで検索
	identity, err := b.repo.FindByGoogleSub(ctx, role, claims.Subject)
	if err == nil {
		if err := b.refreshProfile(ctx, identity, claims, now); err != nil {
			return nil, err
		}
		return identity, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("failed to find identity by subject: %w", err)
	}

	// 2. メールアドレスで検索し、subjectを紐付ける
	identity, err = b.repo.FindByEmail(ctx, role, claims.Email)
	if err == nil {
		if identity.GoogleSub != "" && identity.GoogleSub != claims.Subject {
			return nil, ErrAccountLinked
		}
		if err := b.repo.LinkGoogleSub(ctx, role, identity.ID, claims.Subject, now); err != nil {
			switch {
			case errors.Is(err, repository.ErrAlreadyLinked):
				return nil, ErrAccountLinked
			case errors.Is(err, repository.ErrConflict):
				return nil, err
			}
			return nil, fmt.Errorf("failed to link identity: %w", err)
		}
		identity.GoogleSub = claims.Subject
		if role == model.RoleUser && !identity.IsVerified {
			if err := b.repo.MarkVerified(ctx, role, identity.ID, now); err != nil {
				return nil, fmt.Errorf("failed to mark identity verified: %w", err)
			}
			identity.IsVerified = true
		}
		if err := b.refreshProfile(ctx, identity, claims, now); err != nil {
			return nil, err
		}
		return identity, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("failed to find identity by email: %w", err)
	}

	// 3. 新規作成
	placeholder, err := b.hasher.PlaceholderHash()
	if err != nil {
		return nil, err
	}
	identity = &model.Identity{
		ID:           uuid.New().String(),
		Role:         role,
		Email:        claims.Email,
		Name:         b.displayName(claims),
		PasswordHash: placeholder,
		GoogleSub:    claims.Subject,
		Picture:      b.sanitizer.SanitizePicture(claims.Picture),
		IsVerified:   role == model.RoleUser,
		LastLoginAt:  &now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if role == model.RoleAdmin {
		identity.Permissions = []model.Permission{}
	}
	if err := b.repo.Create(ctx, identity); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create identity: %w", err)
	}
	return identity, nil
}

// refreshProfile はIdPの最新の表示名・画像とログイン時刻を反映する。
// refreshProfile はIdPのプロフィールと最終ログイン日時を保存し、identityにも反映する。
func (b *Broker) refreshProfile(ctx context.Context, identity *model.Identity, claims *Claims, now time.Time) error {
	name := b.sanitizer.SanitizeName(claims.Name)
	picture := b.sanitizer.SanitizePicture(claims.Picture)
	if err := b.repo.UpdateProfile(ctx, identity.Role, identity.ID, name, picture, now); err != nil {
		return fmt.Errorf("failed to update identity: %w", err)
	}
	if name != "" {
		identity.Name = name
	}
	if picture != "" {
		identity.Picture = picture
	}
	identity.LastLoginAt = &now
	identity.UpdatedAt = now
	return nil
}

// displayName は表示名を返す。IdPが名前を返さない場合はメールアドレスのローカル部を使う。
func (b *Broker) displayName(claims *Claims) string {
	if name := b.sanitizer.SanitizeName(claims.Name); name != "" {
		return name
	}
	local, _, _ := strings.Cut(claims.Email, "@")
	return local
}

func generateState() (string, error) {
	buf := make([]byte, stateBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
