package model

import "time"

// Purpose はOTPの用途を表す。
type Purpose string

const (
	PurposeRegister Purpose = "register"
	PurposeLogin    Purpose = "login"
	PurposeReset    Purpose = "reset"
)

// ParsePurpose は文字列をPurposeに変換する。未知の値の場合はfalseを返す。
func ParsePurpose(s string) (Purpose, bool) {
	switch Purpose(s) {
	case PurposeRegister, PurposeLogin, PurposeReset:
		return Purpose(s), true
	default:
		return "", false
	}
}

// Challenge はブラウザセッションに1件だけ保持されるOTPチャレンジ。
// コードは平文では保持せず、ハッシュのみを保存する。
type Challenge struct {
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	Purpose   Purpose   `json:"purpose"`
	CodeHash  string    `json:"code_hash"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Attempts  int       `json:"attempts"`
}

// VerifiedMarker はOTP検証成功後に次のステップ（パスワードリセット等）が消費する印。
type VerifiedMarker struct {
	Email      string    `json:"email"`
	Role       Role      `json:"role"`
	Purpose    Purpose   `json:"purpose"`
	VerifiedAt time.Time `json:"verified_at"`
}
