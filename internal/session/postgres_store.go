package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore はPostgreSQLの auth_sessions テーブルを使用したStore実装。
// 期限切れ行は読み取り時に無視し、cleanupワーカーが定期的に削除する。
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresStore はPostgresStoreを生成する。
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// Get は有効期限内の値を取得する。
func (s *PostgresStore) Get(ctx context.Context, sid, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM auth_sessions
		 WHERE sid = $1 AND key = $2 AND expires_at > $3`,
		sid, key, s.now(),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session value: %w", err)
	}
	return value, nil
}

// Set は値をTTL付きで保存する。
func (s *PostgresStore) Set(ctx context.Context, sid, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return s.Delete(ctx, sid, key)
	}
	return upsert(ctx, s.db, sid, key, value, s.now().Add(ttl))
}

// Delete は値を削除する。
func (s *PostgresStore) Delete(ctx context.Context, sid, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM auth_sessions WHERE sid = $1 AND key = $2`,
		sid, key,
	)
	if err != nil {
		return fmt.Errorf("failed to delete session value: %w", err)
	}
	return nil
}

// Update は SELECT ... FOR UPDATE で行ロックを取得して読み書きする。
func (s *PostgresStore) Update(ctx context.Context, sid, key string, fn UpdateFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	var (
		current   []byte
		expiresAt time.Time
	)
	err = tx.QueryRowContext(ctx,
		`SELECT value, expires_at FROM auth_sessions
		 WHERE sid = $1 AND key = $2
		 FOR UPDATE`,
		sid, key,
	).Scan(&current, &expiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		current = nil
	case err != nil:
		return fmt.Errorf("failed to lock session value: %w", err)
	case !expiresAt.After(now):
		current = nil
	}

	next, ttl, err := fn(current)
	if err != nil {
		return err
	}

	if next == nil || ttl <= 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM auth_sessions WHERE sid = $1 AND key = $2`,
			sid, key,
		); err != nil {
			return fmt.Errorf("failed to delete session value: %w", err)
		}
	} else if err := upsert(ctx, tx, sid, key, next, now.Add(ttl)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsert(ctx context.Context, db execer, sid, key string, value []byte, expiresAt time.Time) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO auth_sessions (sid, key, value, expires_at, updated_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (sid, key)
		 DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, updated_at = now()`,
		sid, key, value, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert session value: %w", err)
	}
	return nil
}

// compile-time interface check
var _ Store = (*PostgresStore)(nil)
