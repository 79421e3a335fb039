package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// PasswordHasher はbcryptによるパスワードハッシュと照合を行う。
// User/Adminの両方で同じ実装を使う。
type PasswordHasher struct {
	cost      int
	dummyHash []byte
}

// NewPasswordHasher はPasswordHasherを生成する。costが0の場合はbcrypt.DefaultCostを使う。
func NewPasswordHasher(cost int) (*PasswordHasher, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte("propauth-timing-equalizer"), cost)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare password hasher: %w", err)
	}
	return &PasswordHasher{cost: cost, dummyHash: dummy}, nil
}

// Hash はパスワードのbcryptハッシュを返す。
func (h *PasswordHasher) Hash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// Compare はハッシュとパスワードを照合する。
// ハッシュが空（パスワード未設定）の場合もダミーハッシュと照合してから false を返す。
func (h *PasswordHasher) Compare(hash, password string) bool {
	if hash == "" {
		h.CompareDummy(password)
		return false
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// CompareDummy は存在しないアカウントに対しても照合と同程度の時間を消費する。
func (h *PasswordHasher) CompareDummy(password string) {
	_ = bcrypt.CompareHashAndPassword(h.dummyHash, []byte(password))
}

// PlaceholderHash は誰も知らない乱数パスワードのハッシュを返す。
// フェデレーテッドログインで作成したIdentityに設定する。
func (h *PasswordHasher) PlaceholderHash() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate placeholder password: %w", err)
	}
	// bcryptは72バイトを超える入力を拒否するためbase64で48文字に収める
	return h.Hash(base64.RawStdEncoding.EncodeToString(b))
}
