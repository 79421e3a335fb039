// Package otp はメール配送のワンタイムパスコード（OTP）の発行と検証を行う。
//
// チャレンジはブラウザセッションごとに1件だけ保持される。
// 状態遷移は Empty -> Pending -> {Verified | Expired | Exhausted | Empty(上書き)}。
package otp

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/hitoshi/propauth/internal/model"
	"github.com/hitoshi/propauth/internal/session"
)

// セッションストア上のキー
const (
	challengeKey = "otp:challenge"
	markerKey    = "otp:verified"
)

// codeDigits はOTPの桁数。
const codeDigits = 6

var (
	// ErrNoChallenge はチャレンジが発行されていないことを表す。
	ErrNoChallenge = errors.New("otp: no challenge")
	// ErrPurposeMismatch はメール・用途・ロールが発行時と異なることを表す。
	ErrPurposeMismatch = errors.New("otp: purpose mismatch")
	// ErrExpired は有効期限切れを表す。チャレンジは破棄される。
	ErrExpired = errors.New("otp: expired")
	// ErrTooManyAttempts は試行回数の上限到達を表す。チャレンジは破棄される。
	ErrTooManyAttempts = errors.New("otp: too many attempts")
	// ErrInvalidCode はコード不一致を表す。試行回数が加算され、チャレンジは保持される。
	ErrInvalidCode = errors.New("otp: invalid code")
	// ErrNotVerified は検証済みの印がない、または期限切れであることを表す。
	ErrNotVerified = errors.New("otp: not verified")
	// ErrDelivery はコードの配送に失敗したことを表す。
	ErrDelivery = errors.New("otp: delivery failed")
)

// Notifier はOTPコードを宛先に届ける。
type Notifier interface {
	SendOTP(ctx context.Context, email, code string, purpose model.Purpose) error
}

// IssueRecorder は配送したOTPの件数を記録する。
type IssueRecorder interface {
	RecordOTPIssued(purpose string)
}

// Config はOTPエンジンの設定を保持する。
type Config struct {
	TTL         time.Duration // コードの有効期間
	MaxAttempts int           // 許容する誤入力回数
	VerifiedTTL time.Duration // 検証済みの印の有効期間
	// RetainFor はストア上の保持期間。TTLより長くし、期限切れを Expired として判定できるようにする。
	RetainFor time.Duration
}

// DefaultConfig はデフォルト設定を返す。
func DefaultConfig() Config {
	return Config{
		TTL:         5 * time.Minute,
		MaxAttempts: 3,
		VerifiedTTL: 10 * time.Minute,
		RetainFor:   time.Hour,
	}
}

// Engine はOTPの発行・検証を行う。
type Engine struct {
	store    session.Store
	notifier Notifier
	cfg      Config
	recorder IssueRecorder
	now      func() time.Time
	random   io.Reader
}

// Option はEngineの生成オプション。
type Option func(*Engine)

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRecorder は配送件数の記録先を設定する。
func WithRecorder(r IssueRecorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// NewEngine はEngineを生成する。
func NewEngine(store session.Store, notifier Notifier, cfg Config, opts ...Option) *Engine {
	if cfg.RetainFor < cfg.TTL {
		cfg.RetainFor = cfg.TTL
	}
	e := &Engine{
		store:    store,
		notifier: notifier,
		cfg:      cfg,
		now:      time.Now,
		random:   rand.Reader,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Issue は新しいチャレンジを発行し、コードを配送する。
// 同じセッションの既存チャレンジは用途に関わらず上書きされる。
// 配送に失敗した場合はErrDeliveryを返し、既存チャレンジは変更しない。
func (e *Engine) Issue(ctx context.Context, sid string, role model.Role, email string, purpose model.Purpose) (*model.Challenge, error) {
	return e.issue(ctx, sid, role, email, purpose, true)
}

// IssueUndelivered はコードを配送せずにチャレンジを発行する。
// 対象外のメールアドレスへの要求でも既存チャレンジと検証済みの印を上書きし、
// セッションの状態を対象アドレスの場合と揃える。
func (e *Engine) IssueUndelivered(ctx context.Context, sid string, role model.Role, email string, purpose model.Purpose) (*model.Challenge, error) {
	return e.issue(ctx, sid, role, email, purpose, false)
}

func (e *Engine) issue(ctx context.Context, sid string, role model.Role, email string, purpose model.Purpose, deliver bool) (*model.Challenge, error) {
	code, err := e.generateCode()
	if err != nil {
		return nil, err
	}

	email = model.NormalizeEmail(email)
	if deliver {
		if err := e.notifier.SendOTP(ctx, email, code, purpose); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDelivery, err)
		}
	}

	now := e.now()
	challenge := &model.Challenge{
		Email:     email,
		Role:      role,
		Purpose:   purpose,
		CodeHash:  hashCode(email, code),
		CreatedAt: now,
		ExpiresAt: now.Add(e.cfg.TTL),
		Attempts:  0,
	}

	data, err := json.Marshal(challenge)
	if err != nil {
		return nil, fmt.Errorf("failed to encode challenge: %w", err)
	}
	if err := e.store.Set(ctx, sid, challengeKey, data, e.cfg.RetainFor); err != nil {
		return nil, fmt.Errorf("failed to store challenge: %w", err)
	}
	// 新しいチャレンジの発行で以前の検証結果は無効になる
	if err := e.store.Delete(ctx, sid, markerKey); err != nil {
		return nil, fmt.Errorf("failed to clear verified marker: %w", err)
	}

	if deliver && e.recorder != nil {
		e.recorder.RecordOTPIssued(string(purpose))
	}
	return challenge, nil
}

// Verify はコードを検証する。成功した場合はチャレンジを破棄し、検証済みの印を記録する。
func (e *Engine) Verify(ctx context.Context, sid string, role model.Role, email, code string, purpose model.Purpose) error {
	email = model.NormalizeEmail(email)
	var outcome error

	err := e.store.Update(ctx, sid, challengeKey, func(current []byte) ([]byte, time.Duration, error) {
		outcome = nil
		if current == nil {
			return nil, 0, ErrNoChallenge
		}

		var c model.Challenge
		if err := json.Unmarshal(current, &c); err != nil {
			// 壊れたチャレンジは破棄して未発行として扱う
			outcome = ErrNoChallenge
			return nil, 0, nil
		}

		if c.Email != email || c.Purpose != purpose || c.Role != role {
			return nil, 0, ErrPurposeMismatch
		}
		if e.now().After(c.ExpiresAt) {
			outcome = ErrExpired
			return nil, 0, nil
		}
		if c.Attempts >= e.cfg.MaxAttempts {
			outcome = ErrTooManyAttempts
			return nil, 0, nil
		}
		if subtle.ConstantTimeCompare([]byte(c.CodeHash), []byte(hashCode(email, code))) != 1 {
			c.Attempts++
			next, err := json.Marshal(&c)
			if err != nil {
				return nil, 0, fmt.Errorf("failed to encode challenge: %w", err)
			}
			outcome = ErrInvalidCode
			return next, e.cfg.RetainFor, nil
		}
		return nil, 0, nil
	})
	if err != nil {
		return err
	}
	if outcome != nil {
		return outcome
	}

	marker := model.VerifiedMarker{
		Email:      email,
		Role:       role,
		Purpose:    purpose,
		VerifiedAt: e.now(),
	}
	data, err := json.Marshal(&marker)
	if err != nil {
		return fmt.Errorf("failed to encode verified marker: %w", err)
	}
	if err := e.store.Set(ctx, sid, markerKey, data, e.cfg.VerifiedTTL); err != nil {
		return fmt.Errorf("failed to store verified marker: %w", err)
	}
	return nil
}

// ConsumeMarker は検証済みの印を確認して消費する。
// メール・用途・ロールが一致し、検証からVerifiedTTL以内である場合のみ成功する。
func (e *Engine) ConsumeMarker(ctx context.Context, sid string, role model.Role, email string, purpose model.Purpose) error {
	email = model.NormalizeEmail(email)
	var outcome error

	err := e.store.Update(ctx, sid, markerKey, func(current []byte) ([]byte, time.Duration, error) {
		outcome = nil
		if current == nil {
			return nil, 0, ErrNotVerified
		}
		var m model.VerifiedMarker
		if err := json.Unmarshal(current, &m); err != nil {
			outcome = ErrNotVerified
			return nil, 0, nil
		}
		if m.Email != email || m.Purpose != purpose || m.Role != role {
			return nil, 0, ErrNotVerified
		}
		if e.now().Sub(m.VerifiedAt) > e.cfg.VerifiedTTL {
			outcome = ErrNotVerified
		}
		return nil, 0, nil
	})
	if err != nil {
		return err
	}
	return outcome
}

// generateCode は一様乱数の6桁コードを生成する。
func (e *Engine) generateCode() (string, error) {
	n, err := rand.Int(e.random, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("failed to generate otp: %w", err)
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}

func hashCode(email, code string) string {
	sum := sha256.Sum256([]byte(email + ":" + code))
	return hex.EncodeToString(sum[:])
}
