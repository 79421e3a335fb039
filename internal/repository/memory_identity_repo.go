package repository

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/propauth/internal/model"
)

// MemoryIdentityRepo はメモリ上にIdentityを保持するリポジトリ。
// PostgreSQLと同じ一意制約（role+email, role+google_sub）を排他制御下で検証する。
// テストおよびローカル開発で使用する。
type MemoryIdentityRepo struct {
	mu         sync.RWMutex
	identities map[string]*model.Identity
}

// NewMemoryIdentityRepo はMemoryIdentityRepoを生成する。
func NewMemoryIdentityRepo() *MemoryIdentityRepo {
	return &MemoryIdentityRepo{identities: make(map[string]*model.Identity)}
}

// FindByID は指定IDのIdentityを取得する。
func (r *MemoryIdentityRepo) FindByID(_ context.Context, role model.Role, id string) (*model.Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	identity, ok := r.identities[id]
	if !ok || identity.Role != role {
		return nil, ErrNotFound
	}
	return cloneIdentity(identity), nil
}

// FindByEmail はメールアドレスでIdentityを検索する。
func (r *MemoryIdentityRepo) FindByEmail(_ context.Context, role model.Role, email string) (*model.Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	email = model.NormalizeEmail(email)
	for _, identity := range r.identities {
		if identity.Role == role && model.NormalizeEmail(identity.Email) == email {
			return cloneIdentity(identity), nil
		}
	}
	return nil, ErrNotFound
}

// FindByGoogleSub は外部IdPのsubjectでIdentityを検索する。
func (r *MemoryIdentityRepo) FindByGoogleSub(_ context.Context, role model.Role, sub string) (*model.Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if sub == "" {
		return nil, ErrNotFound
	}
	for _, identity := range r.identities {
		if identity.Role == role && identity.GoogleSub == sub {
			return cloneIdentity(identity), nil
		}
	}
	return nil, ErrNotFound
}

// Create はIdentityを作成する。
func (r *MemoryIdentityRepo) Create(_ context.Context, identity *model.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.identities[identity.ID]; exists {
		return ErrConflict
	}
	if r.violatesUnique(identity) {
		return ErrConflict
	}
	stored := cloneIdentity(identity)
	stored.Email = model.NormalizeEmail(stored.Email)
	r.identities[identity.ID] = stored
	return nil
}

// TouchLogin は最終ログイン日時を更新する。
func (r *MemoryIdentityRepo) TouchLogin(_ context.Context, role model.Role, id string, at time.Time) error {
	return r.modify(role, id, func(identity *model.Identity) error {
		identity.LastLoginAt = &at
		return nil
	}, at)
}

// UpdateProfile は表示名・画像URLと最終ログイン日時を更新する。
func (r *MemoryIdentityRepo) UpdateProfile(_ context.Context, role model.Role, id, name, picture string, at time.Time) error {
	return r.modify(role, id, func(identity *model.Identity) error {
		if name != "" {
			identity.Name = name
		}
		if picture != "" {
			identity.Picture = picture
		}
		identity.LastLoginAt = &at
		return nil
	}, at)
}

// LinkGoogleSub は未紐付けのIdentityにsubjectを紐付ける。
func (r *MemoryIdentityRepo) LinkGoogleSub(_ context.Context, role model.Role, id, sub string, at time.Time) error {
	return r.modify(role, id, func(identity *model.Identity) error {
		if identity.GoogleSub == sub {
			return nil
		}
		if identity.GoogleSub != "" {
			return ErrAlreadyLinked
		}
		for otherID, other := range r.identities {
			if otherID != id && other.Role == role && other.GoogleSub == sub {
				return ErrConflict
			}
		}
		identity.GoogleSub = sub
		return nil
	}, at)
}

// SetPassword はパスワードハッシュを更新する。
func (r *MemoryIdentityRepo) SetPassword(_ context.Context, role model.Role, id, hash string, at time.Time) error {
	return r.modify(role, id, func(identity *model.Identity) error {
		identity.PasswordHash = hash
		return nil
	}, at)
}

// MarkVerified はIdentityを検証済みにする。
func (r *MemoryIdentityRepo) MarkVerified(_ context.Context, role model.Role, id string, at time.Time) error {
	return r.modify(role, id, func(identity *model.Identity) error {
		identity.IsVerified = true
		return nil
	}, at)
}

// modify は保持しているIdentityを排他制御下で直接書き換える。
// fnがエラーを返した場合はupdated_atを変更しない。
func (r *MemoryIdentityRepo) modify(role model.Role, id string, fn func(identity *model.Identity) error, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	identity, ok := r.identities[id]
	if !ok || identity.Role != role {
		return ErrNotFound
	}
	if err := fn(identity); err != nil {
		return err
	}
	identity.UpdatedAt = at
	return nil
}

// Count は保持しているIdentityの件数を返す。テスト用。
func (r *MemoryIdentityRepo) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.identities)
}

// violatesUnique は他のIdentityと一意制約が衝突するかを判定する。呼び出し側でロックを保持すること。
func (r *MemoryIdentityRepo) violatesUnique(identity *model.Identity) bool {
	email := model.NormalizeEmail(identity.Email)
	for id, other := range r.identities {
		if id == identity.ID || other.Role != identity.Role {
			continue
		}
		if model.NormalizeEmail(other.Email) == email {
			return true
		}
		if identity.GoogleSub != "" && other.GoogleSub == identity.GoogleSub {
			return true
		}
	}
	return false
}

func cloneIdentity(identity *model.Identity) *model.Identity {
	c := *identity
	if identity.Permissions != nil {
		c.Permissions = append([]model.Permission(nil), identity.Permissions...)
	}
	if identity.LastLoginAt != nil {
		t := *identity.LastLoginAt
		c.LastLoginAt = &t
	}
	return &c
}

// compile-time interface check
var _ IdentityRepository = (*MemoryIdentityRepo)(nil)
