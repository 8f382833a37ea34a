package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"drainscan/pkg/models"
)

// MaliciousStore 已知恶意地址库，只读
type MaliciousStore interface {
	// LookupBatch 返回命中的记录，未命中的地址不出现在结果中
	LookupBatch(ctx context.Context, addresses []string) ([]models.KnownMaliciousRecord, error)
}

// MemoryStore 内存实现，用于本地运行与测试
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]models.KnownMaliciousRecord
}

// NewMemoryStore 创建内存恶意地址库
func NewMemoryStore(records ...models.KnownMaliciousRecord) *MemoryStore {
	s := &MemoryStore{records: make(map[string]models.KnownMaliciousRecord, len(records))}
	for _, r := range records {
		s.records[r.Address] = r
	}
	return s
}

// LoadMemoryStore 从 JSON 文件加载初始数据
func LoadMemoryStore(path string) (*MemoryStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取恶意地址文件失败: %w", err)
	}
	var records []models.KnownMaliciousRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("解析恶意地址文件失败: %w", err)
	}
	return NewMemoryStore(records...), nil
}

// Put 新增或覆盖一条记录
func (s *MemoryStore) Put(record models.KnownMaliciousRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.Address] = record
}

func (s *MemoryStore) LookupBatch(ctx context.Context, addresses []string) ([]models.KnownMaliciousRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{}, len(addresses))
	var out []models.KnownMaliciousRecord
	for _, addr := range addresses {
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		if r, ok := s.records[addr]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// Count 记录数
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
