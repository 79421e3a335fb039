package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/propauth/internal/model"
)

// uniqueViolation はPostgreSQLの一意制約違反のSQLSTATE。
const uniqueViolation = "23505"

const identityColumns = `id, role, email, name, password_hash, google_sub, picture,
	is_verified, permissions, last_login_at, created_at, updated_at`

// PostgresIdentityRepo はPostgreSQLを使用したIdentityリポジトリ。
// 一意性は identities_role_email_key と identities_role_google_sub_key の
// 2つのユニークインデックスで保証する。
type PostgresIdentityRepo struct {
	db *sql.DB
}

// NewPostgresIdentityRepo はPostgresIdentityRepoを生成する。
func NewPostgresIdentityRepo(db *sql.DB) *PostgresIdentityRepo {
	return &PostgresIdentityRepo{db: db}
}

// FindByID は指定IDのIdentityを取得する。
func (r *PostgresIdentityRepo) FindByID(ctx context.Context, role model.Role, id string) (*model.Identity, error) {
	return r.findOne(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE role = $1 AND id::text = $2`,
		string(role), id,
	)
}

// FindByEmail はメールアドレスでIdentityを検索する。
func (r *PostgresIdentityRepo) FindByEmail(ctx context.Context, role model.Role, email string) (*model.Identity, error) {
	return r.findOne(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE role = $1 AND lower(email) = $2`,
		string(role), model.NormalizeEmail(email),
	)
}

// FindByGoogleSub は外部IdPのsubjectでIdentityを検索する。
func (r *PostgresIdentityRepo) FindByGoogleSub(ctx context.Context, role model.Role, sub string) (*model.Identity, error) {
	return r.findOne(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE role = $1 AND google_sub = $2`,
		string(role), sub,
	)
}

// Create はIdentityを作成する。
func (r *PostgresIdentityRepo) Create(ctx context.Context, identity *model.Identity) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO identities (`+identityColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		identity.ID,
		string(identity.Role),
		model.NormalizeEmail(identity.Email),
		identity.Name,
		nullString(identity.PasswordHash),
		nullString(identity.GoogleSub),
		identity.Picture,
		identity.IsVerified,
		pq.Array(permissionStrings(identity.Permissions)),
		identity.LastLoginAt,
		identity.CreatedAt,
		identity.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to insert identity: %w", err)
	}
	return nil
}

// TouchLogin は最終ログイン日時を更新する。
func (r *PostgresIdentityRepo) TouchLogin(ctx context.Context, role model.Role, id string, at time.Time) error {
	return r.exec(ctx, "failed to update last login",
		`UPDATE identities SET last_login_at = $3, updated_at = $3
		 WHERE id::text = $1 AND role = $2`,
		id, string(role), at,
	)
}

// UpdateProfile は表示名・画像URLと最終ログイン日時を更新する。
func (r *PostgresIdentityRepo) UpdateProfile(ctx context.Context, role model.Role, id, name, picture string, at time.Time) error {
	return r.exec(ctx, "failed to update profile",
		`UPDATE identities
		 SET name = COALESCE(NULLIF($3, ''), name),
		     picture = COALESCE(NULLIF($4, ''), picture),
		     last_login_at = $5, updated_at = $5
		 WHERE id::text = $1 AND role = $2`,
		id, string(role), name, picture, at,
	)
}

// LinkGoogleSub は未紐付けのIdentityにsubjectを紐付ける。
func (r *PostgresIdentityRepo) LinkGoogleSub(ctx context.Context, role model.Role, id, sub string, at time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE identities SET google_sub = $3, updated_at = $4
		 WHERE id::text = $1 AND role = $2 AND (google_sub IS NULL OR google_sub = $3)`,
		id, string(role), sub, at,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to link google sub: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	// 0件の場合は存在しないか、別のsubjectに紐付け済み
	if _, err := r.FindByID(ctx, role, id); err != nil {
		return err
	}
	return ErrAlreadyLinked
}

// SetPassword はパスワードハッシュを更新する。
func (r *PostgresIdentityRepo) SetPassword(ctx context.Context, role model.Role, id, hash string, at time.Time) error {
	return r.exec(ctx, "failed to update password",
		`UPDATE identities SET password_hash = $3, updated_at = $4
		 WHERE id::text = $1 AND role = $2`,
		id, string(role), nullString(hash), at,
	)
}

// MarkVerified はIdentityを検証済みにする。
func (r *PostgresIdentityRepo) MarkVerified(ctx context.Context, role model.Role, id string, at time.Time) error {
	return r.exec(ctx, "failed to mark verified",
		`UPDATE identities SET is_verified = true, updated_at = $3
		 WHERE id::text = $1 AND role = $2`,
		id, string(role), at,
	)
}

// exec は1件を対象とするUPDATEを実行する。対象がない場合はErrNotFoundを返す。
func (r *PostgresIdentityRepo) exec(ctx context.Context, op, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// findOne は1件のIdentityを取得する。見つからない場合はErrNotFoundを返す。
func (r *PostgresIdentityRepo) findOne(ctx context.Context, query string, args ...any) (*model.Identity, error) {
	var (
		identity     model.Identity
		role         string
		passwordHash sql.NullString
		googleSub    sql.NullString
		permissions  []string
		lastLoginAt  sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, query, args...).Scan(
		&identity.ID,
		&role,
		&identity.Email,
		&identity.Name,
		&passwordHash,
		&googleSub,
		&identity.Picture,
		&identity.IsVerified,
		pq.Array(&permissions),
		&lastLoginAt,
		&identity.CreatedAt,
		&identity.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}

	identity.Role = model.Role(role)
	identity.PasswordHash = passwordHash.String
	identity.GoogleSub = googleSub.String
	for _, p := range permissions {
		identity.Permissions = append(identity.Permissions, model.Permission(p))
	}
	if lastLoginAt.Valid {
		t := lastLoginAt.Time
		identity.LastLoginAt = &t
	}
	return &identity, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func permissionStrings(perms []model.Permission) []string {
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		out = append(out, string(p))
	}
	return out
}

// compile-time interface check
var _ IdentityRepository = (*PostgresIdentityRepo)(nil)
