// Package session はブラウザセッション単位の短命なサーバー側ストアを提供する。
// セッションは不透明なID（auth_sid クッキー）で識別され、
// 各値はキーごとにTTLを持つ。TTLを過ぎた値は存在しないものとして扱う。
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound は値が存在しない、または期限切れであることを表す。
	ErrNotFound = errors.New("session value not found")
	// ErrConflict は楽観ロックのリトライ上限に達したことを表す。
	ErrConflict = errors.New("session value modified concurrently")
)

// UpdateFunc は現在値を受け取り、次の値とTTLを返す。
// currentは値が存在しない場合nil。nextがnilの場合は値を削除する。
// エラーを返した場合は何も書き込まずにそのエラーをUpdateの戻り値とする。
type UpdateFunc func(current []byte) (next []byte, ttl time.Duration, err error)

// Store はセッションID + キーで値を保持するストア。
type Store interface {
	// Get は値を取得する。存在しない場合はErrNotFoundを返す。
	Get(ctx context.Context, sid, key string) ([]byte, error)

	// Set は値をTTL付きで保存する。既存の値は上書きされる。
	Set(ctx context.Context, sid, key string, value []byte, ttl time.Duration) error

	// Delete は値を削除する。存在しない場合もエラーにしない。
	Delete(ctx context.Context, sid, key string) error

	// Update は読み取りと書き込みを不可分に行う。
	// 同一キーへの並行Updateは直列化される。
	Update(ctx context.Context, sid, key string, fn UpdateFunc) error
}

// sidBytes はセッションIDの生成に使う乱数バイト数。
const sidBytes = 32

// NewID は推測不能なセッションIDを生成する。
func NewID() (string, error) {
	b := make([]byte, sidBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// ValidID はセッションIDが NewID の生成形式に合致するかを判定する。
// クッキー値をそのままストアのキーに使う前の検証に用いる。
func ValidID(sid string) bool {
	if len(sid) != base64.RawURLEncoding.EncodedLen(sidBytes) {
		return false
	}
	_, err := base64.RawURLEncoding.DecodeString(sid)
	return err == nil
}
