package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"drainscan/pkg/models"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTTL        = time.Hour
	DefaultPartialTTL = 5 * time.Minute
)

// ComputeFunc 未命中时执行的分析
type ComputeFunc func(ctx context.Context) (*models.DrainAnalysis, error)

// Stats 缓存统计
type Stats struct {
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Shared        uint64 `json:"shared"`
	StoreErrors   uint64 `json:"store_errors"`
	Invalidations uint64 `json:"invalidations"`
}

// AnalysisCache 按地址缓存分析结果，同一地址同时只有一次计算在进行
type AnalysisCache struct {
	store      Store
	ttl        time.Duration
	partialTTL time.Duration
	group      singleflight.Group
	logger     *logrus.Logger
	now        func() time.Time

	// 计算进行期间的失效记录：地址 -> 失效时的 epoch，没有计算进行时清空
	mu          sync.Mutex
	epoch       uint64
	running     int
	invalidated map[string]uint64

	hits, misses, shared, storeErrors, invalidations atomic.Uint64
}

// NewAnalysisCache 创建缓存，partialTTL 不超过 ttl
func NewAnalysisCache(store Store, ttl, partialTTL time.Duration, logger *logrus.Logger) *AnalysisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if partialTTL <= 0 {
		partialTTL = DefaultPartialTTL
	}
	if partialTTL > ttl {
		partialTTL = ttl
	}
	return &AnalysisCache{
		store:       store,
		ttl:         ttl,
		partialTTL:  partialTTL,
		logger:      logger,
		now:         time.Now,
		invalidated: make(map[string]uint64),
	}
}

// GetOrCompute 命中时原样返回缓存值；未命中时合并并发请求，只计算一次。
// 计算与首个调用方的取消解耦，每个等待方只受自身 ctx 约束
func (c *AnalysisCache) GetOrCompute(ctx context.Context, address string, compute ComputeFunc) (*models.DrainAnalysis, error) {
	if a := c.lookup(ctx, address); a != nil {
		c.hits.Add(1)
		return a, nil
	}

	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(address, func() (interface{}, error) {
		// 等待期间可能已有其他实例写入
		if a := c.lookup(detached, address); a != nil {
			c.hits.Add(1)
			return a, nil
		}
		c.misses.Add(1)

		since := c.beginCompute()
		defer c.endCompute()

		a, err := compute(detached)
		if err != nil {
			return nil, err
		}
		c.put(detached, address, a)
		// 计算期间该地址或其证据地址被失效时，刚写入的结果不再可用
		if c.invalidatedSince(address, a, since) {
			if err := c.store.Delete(detached, address); err != nil {
				c.storeErrors.Add(1)
			}
			c.logger.WithField("address", address).Info("计算期间缓存已失效，结果不再缓存")
		}
		return a, nil
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.shared.Add(1)
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*models.DrainAnalysis), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *AnalysisCache) lookup(ctx context.Context, address string) *models.DrainAnalysis {
	entry, err := c.store.Get(ctx, address)
	if err != nil {
		c.storeErrors.Add(1)
		c.logger.WithField("address", address).Warnf("读取缓存失败，重新计算: %v", err)
		return nil
	}
	if entry == nil || entry.Analysis == nil || entry.Expired(c.now()) {
		return nil
	}
	return entry.Analysis
}

func (c *AnalysisCache) put(ctx context.Context, address string, a *models.DrainAnalysis) {
	if a.OverallRisk == models.RiskInconclusive {
		return
	}
	ttl := c.ttl
	if a.Partial {
		ttl = c.partialTTL
	}
	entry := &Entry{Analysis: a, ExpiresAt: c.now().Add(ttl)}
	if err := c.store.Put(ctx, address, entry); err != nil {
		c.storeErrors.Add(1)
		c.logger.WithField("address", address).Warnf("写入缓存失败: %v", err)
	}
}

func (c *AnalysisCache) beginCompute() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running++
	return c.epoch
}

func (c *AnalysisCache) endCompute() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running--
	if c.running == 0 && len(c.invalidated) > 0 {
		c.invalidated = make(map[string]uint64)
	}
}

func (c *AnalysisCache) invalidatedSince(address string, a *models.DrainAnalysis, since uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch == since {
		return false
	}
	if c.invalidated[address] > since {
		return true
	}
	for _, ev := range a.EvidenceAddresses() {
		if c.invalidated[ev] > since {
			return true
		}
	}
	return false
}

// Invalidate 删除该地址的结果，以及所有证据中出现该地址的结果，返回被删除的键
// 进行中的计算在写入后发现失效会撤回自己的结果
func (c *AnalysisCache) Invalidate(ctx context.Context, address string) ([]string, error) {
	// 先记录失效再删除，保证与进行中计算的写入交错时不留下旧结果
	c.mu.Lock()
	if c.running > 0 {
		c.epoch++
		c.invalidated[address] = c.epoch
	}
	c.mu.Unlock()

	keys, err := c.store.Referencing(ctx, address)
	if err != nil {
		c.storeErrors.Add(1)
		return nil, fmt.Errorf("查询证据索引失败: %w", err)
	}
	keys = append([]string{address}, keys...)
	if err := c.store.Delete(ctx, keys...); err != nil {
		c.storeErrors.Add(1)
		return nil, fmt.Errorf("删除缓存失败: %w", err)
	}
	// 进行中的计算可能基于旧证据，后续请求不再复用
	for _, k := range keys {
		c.group.Forget(k)
	}
	c.invalidations.Add(1)

	c.logger.WithFields(logrus.Fields{
		"address": address,
		"keys":    len(keys),
	}).Info("缓存已失效")
	return keys, nil
}

// GetStats 缓存统计快照
func (c *AnalysisCache) GetStats() Stats {
	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Shared:        c.shared.Load(),
		StoreErrors:   c.storeErrors.Load(),
		Invalidations: c.invalidations.Load(),
	}
}

// Close 关闭底层存储
func (c *AnalysisCache) Close() error {
	return c.store.Close()
}
