package session

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore はプロセス内メモリを使用したStore実装。
// 単一プロセスでの開発・テスト用途。
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryStore はMemoryStoreを生成する。nowがnilの場合はtime.Nowを使う。
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{entries: make(map[string]memoryEntry), now: now}
}

func memoryKey(sid, key string) string {
	return sid + "\x00" + key
}

// Get は有効期限内の値を取得する。
func (s *MemoryStore) Get(_ context.Context, sid, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.load(memoryKey(sid, key))
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

// Set は値をTTL付きで保存する。
func (s *MemoryStore) Set(_ context.Context, sid, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store(memoryKey(sid, key), value, ttl)
	return nil
}

// Delete は値を削除する。
func (s *MemoryStore) Delete(_ context.Context, sid, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, memoryKey(sid, key))
	return nil
}

// Update はストア全体のロック下で読み書きする。
func (s *MemoryStore) Update(_ context.Context, sid, key string, fn UpdateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memoryKey(sid, key)
	current, _ := s.load(k)
	next, ttl, err := fn(current)
	if err != nil {
		return err
	}
	s.store(k, next, ttl)
	return nil
}

func (s *MemoryStore) load(k string) ([]byte, bool) {
	e, ok := s.entries[k]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.After(s.now()) {
		delete(s.entries, k)
		return nil, false
	}
	return append([]byte(nil), e.value...), true
}

func (s *MemoryStore) store(k string, value []byte, ttl time.Duration) {
	if value == nil || ttl <= 0 {
		delete(s.entries, k)
		return
	}
	s.entries[k] = memoryEntry{
		value:     append([]byte(nil), value...),
		expiresAt: s.now().Add(ttl),
	}
}

// compile-time interface check
var _ Store = (*MemoryStore)(nil)
