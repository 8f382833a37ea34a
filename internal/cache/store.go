package cache

import (
	"context"
	"sync"
	"time"

	"drainscan/pkg/models"
)

// Entry 缓存条目
type Entry struct {
	Analysis  *models.DrainAnalysis `json:"analysis"`
	ExpiresAt time.Time             `json:"expires_at"`
}

// Expired 条目是否已过期
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Store 缓存后端
type Store interface {
	// Get 未命中或已过期时返回 (nil, nil)
	Get(ctx context.Context, address string) (*Entry, error)
	// Put 写入条目并更新证据索引
	Put(ctx context.Context, address string, entry *Entry) error
	// Delete 删除条目及其证据索引
	Delete(ctx context.Context, addresses ...string) error
	// Referencing 证据中包含 address 的缓存键
	Referencing(ctx context.Context, address string) ([]string, error)
	Close() error
}

// MemoryStore 进程内缓存
type MemoryStore struct {
	mu       sync.Mutex
	entries  map[string]*Entry
	evidence map[string]map[string]struct{} // 证据地址 -> 缓存键
	now      func() time.Time
}

// NewMemoryStore 创建进程内缓存
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:  make(map[string]*Entry),
		evidence: make(map[string]map[string]struct{}),
		now:      time.Now,
	}
}

func (s *MemoryStore) Get(ctx context.Context, address string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[address]
	if !ok {
		return nil, nil
	}
	if e.Expired(s.now()) {
		s.deleteLocked(address)
		return nil, nil
	}
	return e, nil
}

func (s *MemoryStore) Put(ctx context.Context, address string, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteLocked(address)
	s.entries[address] = entry
	for _, ev := range entry.Analysis.EvidenceAddresses() {
		keys, ok := s.evidence[ev]
		if !ok {
			keys = make(map[string]struct{})
			s.evidence[ev] = keys
		}
		keys[address] = struct{}{}
	}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, addresses ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range addresses {
		s.deleteLocked(a)
	}
	return nil
}

func (s *MemoryStore) deleteLocked(address string) {
	e, ok := s.entries[address]
	if !ok {
		return
	}
	delete(s.entries, address)
	for _, ev := range e.Analysis.EvidenceAddresses() {
		if keys, ok := s.evidence[ev]; ok {
			delete(keys, address)
			if len(keys) == 0 {
				delete(s.evidence, ev)
			}
		}
	}
}

func (s *MemoryStore) Referencing(ctx context.Context, address string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.evidence[address]))
	for k := range s.evidence[address] {
		keys = append(keys, k)
	}
	return keys, nil
}

// Len 当前条目数（含未清理的过期条目）
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryStore) Close() error {
	return nil
}
