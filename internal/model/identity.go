// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// Role はIdentityの種別を表す。Cookie名・OAuthリダイレクト先もRoleで決まる。
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// ParseRole は文字列をRoleに変換する。未知の値の場合はfalseを返す。
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleUser:
		return RoleUser, true
	case RoleAdmin:
		return RoleAdmin, true
	default:
		return "", false
	}
}

// Permission は管理者に付与される操作権限。
type Permission string

const (
	PermCreateProperty      Permission = "create_property"
	PermEditProperty        Permission = "edit_property"
	PermDeleteProperty      Permission = "delete_property"
	PermManageUsers         Permission = "manage_users"
	PermManageSubscriptions Permission = "manage_subscriptions"
)

// Identity はUserまたはAdminのアカウントを表す。
// EmailはRole内で一意（大文字小文字を区別しない）。
// GoogleSubは設定されている場合、Role内で高々1件のIdentityを指す。
type Identity struct {
	ID           string
	Role         Role
	Email        string
	Name         string
	PasswordHash string // 空文字列はパスワード未設定
	GoogleSub    string // 空文字列は未連携
	Picture      string
	IsVerified   bool         // Userのみ意味を持つ
	Permissions  []Permission // Adminのみ意味を持つ
	LastLoginAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IdentityView はAPIレスポンスに含めるIdentityの公開表現。
// パスワードハッシュと外部IdPのsubjectは含めない。
type IdentityView struct {
	ID          string       `json:"id"`
	Role        Role         `json:"role"`
	Email       string       `json:"email"`
	Name        string       `json:"name"`
	Picture     string       `json:"picture,omitempty"`
	IsVerified  *bool        `json:"isVerified,omitempty"`
	Permissions []Permission `json:"permissions,omitempty"`
	LastLogin   *time.Time   `json:"lastLogin,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// View はIdentityの公開表現を返す。
func (i *Identity) View() IdentityView {
	v := IdentityView{
		ID:        i.ID,
		Role:      i.Role,
		Email:     i.Email,
		Name:      i.Name,
		Picture:   i.Picture,
		LastLogin: i.LastLoginAt,
		CreatedAt: i.CreatedAt,
	}
	switch i.Role {
	case RoleUser:
		verified := i.IsVerified
		v.IsVerified = &verified
	case RoleAdmin:
		v.Permissions = i.Permissions
	}
	return v
}

// NormalizeEmail はメールアドレスを比較用に正規化する。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
