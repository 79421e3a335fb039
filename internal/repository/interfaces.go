// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/propauth/internal/model"
)

var (
	// ErrNotFound は対象のIdentityが存在しないことを表す。
	ErrNotFound = errors.New("identity not found")
	// ErrConflict は (role, email) または (role, google_sub) の一意制約違反を表す。
	ErrConflict = errors.New("identity already exists")
	// ErrAlreadyLinked はIdentityが別の外部IdP subjectに紐付け済みであることを表す。
	ErrAlreadyLinked = errors.New("identity linked to another subject")
)

// IdentityRepository はUser/AdminのIdentityを永続化するインターフェース。
// 全ての検索はRoleでスコープされ、見つからない場合はErrNotFoundを返す。
type IdentityRepository interface {
	// FindByID は指定IDのIdentityを取得する。
	FindByID(ctx context.Context, role model.Role, id string) (*model.Identity, error)

	// FindByEmail はメールアドレス（大文字小文字を区別しない）でIdentityを検索する。
	FindByEmail(ctx context.Context, role model.Role, email string) (*model.Identity, error)

	// FindByGoogleSub は外部IdPのsubjectでIdentityを検索する。
	FindByGoogleSub(ctx context.Context, role model.Role, sub string) (*model.Identity, error)

	// Create はIdentityを作成する。一意制約違反の場合はErrConflictを返す。
	Create(ctx context.Context, identity *model.Identity) error

	// 以下の更新系はそれぞれ自身の列だけを書き換える。
	// 読み取り時点のコピーで他の列を上書きしないため、並行する更新を打ち消さない。
	// 対象が存在しない場合はErrNotFoundを返す。

	// TouchLogin は最終ログイン日時を更新する（last-writer-wins）。
	TouchLogin(ctx context.Context, role model.Role, id string, at time.Time) error

	// UpdateProfile は表示名・画像URLと最終ログイン日時を更新する（last-writer-wins）。
	// 空文字の項目は変更しない。
	UpdateProfile(ctx context.Context, role model.Role, id, name, picture string, at time.Time) error

	// LinkGoogleSub は未紐付けのIdentityに外部IdPのsubjectを紐付ける。同じsubjectなら何もしない。
	// 別のsubjectに紐付け済みの場合はErrAlreadyLinked、
	// subjectが他のIdentityで使われている場合はErrConflictを返す。
	LinkGoogleSub(ctx context.Context, role model.Role, id, sub string, at time.Time) error

	// SetPassword はパスワードハッシュを更新する。
	SetPassword(ctx context.Context, role model.Role, id, hash string, at time.Time) error

	// MarkVerified はIdentityを検証済みにする。
	MarkVerified(ctx context.Context, role model.Role, id string, at time.Time) error
}
