package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/propauth/internal/model"
	"github.com/hitoshi/propauth/internal/repository"
	"github.com/hitoshi/propauth/internal/security"
)

// パスワードの長さ制約（バイト数）。上限はbcryptの入力上限。
const (
	MinPasswordLength = 8
	MaxPasswordLength = 72
)

// OTPEngine はAccountServiceが利用するOTPエンジンのインターフェース。
type OTPEngine interface {
	Issue(ctx context.Context, sid string, role model.Role, email string, purpose model.Purpose) (*model.Challenge, error)
	IssueUndelivered(ctx context.Context, sid string, role model.Role, email string, purpose model.Purpose) (*model.Challenge, error)
	Verify(ctx context.Context, sid string, role model.Role, email, code string, purpose model.Purpose) error
	ConsumeMarker(ctx context.Context, sid string, role model.Role, email string, purpose model.Purpose) error
}

// RegisterInput はユーザー登録の入力。
type RegisterInput struct {
	Name     string
	Email    string
	Password string
}

// AccountService はパスワード・OTPによる登録・ログイン・パスワードリセットを提供する。
// 未登録メールアドレスに対するOTP要求は全て成功として扱い、登録有無を外部に漏らさない。
type AccountService struct {
	repo      repository.IdentityRepository
	hasher    *PasswordHasher
	otp       OTPEngine
	sanitizer *security.ProfileSanitizer
	now       func() time.Time
}

// NewAccountService はAccountServiceを生成する。
func NewAccountService(repo repository.IdentityRepository, hasher *PasswordHasher, otp OTPEngine, sanitizer *security.ProfileSanitizer) *AccountService {
	return &AccountService{
		repo:      repo,
		hasher:    hasher,
		otp:       otp,
		sanitizer: sanitizer,
		now:       time.Now,
	}
}

// Register は未検証のUserを作成する。
func (s *AccountService) Register(ctx context.Context, in RegisterInput) (*model.Identity, error) {
	name := s.sanitizer.SanitizeName(in.Name)
	if name == "" {
		return nil, model.NewValidationError("Name is required")
	}
	email, err := validateEmail(in.Email)
	if err != nil {
		return nil, err
	}
	if err := validatePassword(in.Password); err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, err
	}

	now := s.now()
	identity := &model.Identity{
		ID:           uuid.New().String(),
		Role:         model.RoleUser,
		Email:        email,
		Name:         name,
		PasswordHash: hash,
		IsVerified:   false,
		LastLoginAt:  &now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.Create(ctx, identity); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return identity, nil
}

// PasswordLogin はメールアドレスとパスワードで認証する。
// 未登録とパスワード不一致は区別せずErrInvalidCredentialsを返す。
func (s *AccountService) PasswordLogin(ctx context.Context, role model.Role, email, password string) (*model.Identity, error) {
	email = model.NormalizeEmail(email)
	if email == "" || password == "" {
		return nil, model.NewValidationError("Email and password are required")
	}

	identity, err := s.repo.FindByEmail(ctx, role, email)
	if errors.Is(err, repository.ErrNotFound) {
		s.hasher.CompareDummy(password)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}
	if !s.hasher.Compare(identity.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}

	if err := s.touchLogin(ctx, identity); err != nil {
		return nil, err
	}
	return identity, nil
}

// RequestOTP はOTPチャレンジを発行する。
// 対象外のメールアドレス（未登録・登録済みの検証など）には配送しないチャレンジを発行して成功を返す。
// いずれの場合もセッションの既存チャレンジは上書きされる。
func (s *AccountService) RequestOTP(ctx context.Context, sid string, role model.Role, email string, purpose model.Purpose) error {
	email, err := validateEmail(email)
	if err != nil {
		return err
	}
	if role == model.RoleAdmin && purpose != model.PurposeLogin {
		return model.NewValidationError("Invalid purpose")
	}

	eligible, err := s.eligibleForOTP(ctx, role, email, purpose)
	if err != nil {
		return err
	}
	if !eligible {
		if _, err := s.otp.IssueUndelivered(ctx, sid, role, email, purpose); err != nil {
			return fmt.Errorf("failed to issue otp: %w", err)
		}
		return nil
	}

	if _, err := s.otp.Issue(ctx, sid, role, email, purpose); err != nil {
		return fmt.Errorf("failed to issue otp: %w", err)
	}
	return nil
}

// VerifyOTP はOTPを検証し、用途ごとの後続処理を行う。
//   - register: Userを検証済みにする。印は残す。
//   - login: Identityを返す（呼び出し側でセッションを発行する）。印は消費する。
//   - reset: 印のみを残し、ResetPasswordで消費する。
//
// 返すIdentityはloginとregisterの場合のみ非nil。
func (s *AccountService) VerifyOTP(ctx context.Context, sid string, role model.Role, email, code string, purpose model.Purpose) (*model.Identity, error) {
	email = model.NormalizeEmail(email)
	code = strings.TrimSpace(code)
	if email == "" || code == "" {
		return nil, model.NewValidationError("Email and OTP are required")
	}

	if err := s.otp.Verify(ctx, sid, role, email, code, purpose); err != nil {
		return nil, err
	}

	switch purpose {
	case model.PurposeRegister:
		identity, err := s.repo.FindByEmail(ctx, role, email)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrIdentityNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to find identity: %w", err)
		}
		if !identity.IsVerified {
			now := s.now()
			if err := s.repo.MarkVerified(ctx, role, identity.ID, now); err != nil {
				return nil, fmt.Errorf("failed to mark identity verified: %w", err)
			}
			identity.IsVerified = true
			identity.UpdatedAt = now
		}
		return identity, nil

	case model.PurposeLogin:
		identity, err := s.repo.FindByEmail(ctx, role, email)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrIdentityNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to find identity: %w", err)
		}
		if err := s.otp.ConsumeMarker(ctx, sid, role, email, purpose); err != nil {
			return nil, err
		}
		if err := s.touchLogin(ctx, identity); err != nil {
			return nil, err
		}
		return identity, nil

	default:
		return nil, nil
	}
}

// ForgotPassword はパスワードリセット用のOTPを発行する。
func (s *AccountService) ForgotPassword(ctx context.Context, sid, email string) error {
	return s.RequestOTP(ctx, sid, model.RoleUser, email, model.PurposeReset)
}

// ResetPassword はreset用の検証済みの印を消費してパスワードを更新する。
func (s *AccountService) ResetPassword(ctx context.Context, sid, email, password string) error {
	email, err := validateEmail(email)
	if err != nil {
		return err
	}
	if err := validatePassword(password); err != nil {
		return err
	}

	if err := s.otp.ConsumeMarker(ctx, sid, model.RoleUser, email, model.PurposeReset); err != nil {
		return err
	}

	identity, err := s.repo.FindByEmail(ctx, model.RoleUser, email)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrIdentityNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to find identity: %w", err)
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return err
	}
	if err := s.repo.SetPassword(ctx, model.RoleUser, identity.ID, hash, s.now()); err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	return nil
}

// eligibleForOTP はOTPを実際に送信する対象かを判定する。
func (s *AccountService) eligibleForOTP(ctx context.Context, role model.Role, email string, purpose model.Purpose) (bool, error) {
	identity, err := s.repo.FindByEmail(ctx, role, email)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to find identity: %w", err)
	}
	switch purpose {
	case model.PurposeRegister:
		return role == model.RoleUser && !identity.IsVerified, nil
	case model.PurposeReset:
		return role == model.RoleUser, nil
	default:
		return true, nil
	}
}

func (s *AccountService) touchLogin(ctx context.Context, identity *model.Identity) error {
	now := s.now()
	if err := s.repo.TouchLogin(ctx, identity.Role, identity.ID, now); err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	identity.LastLoginAt = &now
	return nil
}

func validateEmail(raw string) (string, error) {
	email := model.NormalizeEmail(raw)
	if email == "" {
		return "", model.NewValidationError("Email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || addr.Name != "" {
		return "", model.NewValidationError("Invalid email address")
	}
	return email, nil
}

func validatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return model.NewValidationError(fmt.Sprintf("Password must be at least %d characters", MinPasswordLength))
	}
	if len(password) > MaxPasswordLength {
		return model.NewValidationError(fmt.Sprintf("Password must be at most %d bytes", MaxPasswordLength))
	}
	return nil
}
