package connection

import (
	"context"
	"sort"
	"sync"
	"time"

	"drainscan/internal/config"
	"drainscan/internal/errors"
	"drainscan/internal/ledger"
	"drainscan/internal/retry"
	"drainscan/pkg/models"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultRateLimitCooldown 连续 429 时冷却时间的上限
	DefaultRateLimitCooldown    = time.Minute
	DefaultRateLimitBackoff     = time.Second
	DefaultMaxConsecutiveErrors = 3
)

// Node 池中的单个账本节点
type Node struct {
	Name     string
	Priority int
	provider ledger.Provider

	mu           sync.RWMutex
	available    bool
	rateLimited  bool
	cooldownEnd  time.Time
	errorCount   int
	limitStreak  int
	requestCount uint64
}

// NewNode 创建节点
func NewNode(name string, priority int, provider ledger.Provider) *Node {
	return &Node{
		Name:      name,
		Priority:  priority,
		provider:  provider,
		available: true,
	}
}

// Pool 多节点账本数据源，被并发的分析流程共享
// 节点按优先级选择，429 时按指数退避进入冷却，连续错误过多时暂时禁用；
// 所有节点都在冷却时，请求在 ctx 允许的范围内等待最早的冷却结束
type Pool struct {
	nodes     []*Node
	logger    *logrus.Logger
	cooldown  time.Duration
	backoff   time.Duration
	maxErrors int
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

var _ ledger.Provider = (*Pool)(nil)

// NewPool 创建连接池
func NewPool(nodes []*Node, cooldown time.Duration, maxErrors int, logger *logrus.Logger) *Pool {
	if cooldown <= 0 {
		cooldown = DefaultRateLimitCooldown
	}
	if maxErrors <= 0 {
		maxErrors = DefaultMaxConsecutiveErrors
	}

	sorted := make([]*Node, len(nodes))
	copy(sorted, nodes)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	return &Pool{
		nodes:     sorted,
		logger:    logger,
		cooldown:  cooldown,
		backoff:   DefaultRateLimitBackoff,
		maxErrors: maxErrors,
		now:       time.Now,
		sleep:     sleepContext,
	}
}

// WithRateLimitBackoff 设置首次 429 的冷却时间，之后每次翻倍直到 cooldown
func (p *Pool) WithRateLimitBackoff(d time.Duration) *Pool {
	if d > 0 {
		p.backoff = d
	}
	if p.backoff > p.cooldown {
		p.backoff = p.cooldown
	}
	return p
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// NewPoolFromConfig 按账本配置创建RPC节点池
func NewPoolFromConfig(cfg *config.LedgerConfig, logger *logrus.Logger) *Pool {
	nodes := make([]*Node, 0, len(cfg.Nodes))
	for _, nc := range cfg.Nodes {
		provider := ledger.NewRPCProvider(nc, cfg.Commitment, cfg.RequestTimeout, logger)
		nodes = append(nodes, NewNode(nc.Name, nc.Priority, provider))
		logger.Infof("账本节点 %s 已加入连接池", nc.Name)
	}
	return NewPool(nodes, cfg.RateLimitCooldown, cfg.MaxConsecutiveErrors, logger).
		WithRateLimitBackoff(cfg.RateLimitBackoff)
}

// ListSignatures 在可用节点上列出签名
func (p *Pool) ListSignatures(ctx context.Context, address string, limit int, before string) ([]models.SignatureInfo, error) {
	var out []models.SignatureInfo
	err := p.do(ctx, func(provider ledger.Provider) error {
		var err error
		out, err = provider.ListSignatures(ctx, address, limit, before)
		return err
	})
	return out, err
}

// FetchTransactions 在可用节点上获取交易
func (p *Pool) FetchTransactions(ctx context.Context, signatures []string) ([]models.RawRecord, error) {
	var out []models.RawRecord
	err := p.do(ctx, func(provider ledger.Provider) error {
		var err error
		out, err = provider.FetchTransactions(ctx, signatures)
		return err
	})
	return out, err
}

func (p *Pool) do(ctx context.Context, call func(ledger.Provider) error) error {
	node, err := p.acquire(ctx)
	if err != nil {
		return err
	}

	node.mu.Lock()
	node.requestCount++
	node.mu.Unlock()

	err = call(node.provider)
	if err == nil {
		p.markSuccess(node)
		return nil
	}
	if ctx.Err() != nil {
		return err
	}
	p.handleNodeError(node, err)
	return err
}

// acquire 获取可用节点，所有节点都被限流时等待最早的冷却结束
// 冷却结束晚于 ctx 截止时间时直接返回 NO_AVAILABLE_NODE，交给上层重试或降级
func (p *Pool) acquire(ctx context.Context) (*Node, error) {
	for {
		if node := p.nextAvailableNode(); node != nil {
			return node, nil
		}

		earliest := p.earliestCooldown()
		if earliest.IsZero() {
			return nil, noAvailableNode(0)
		}
		wait := earliest.Sub(p.now())
		if wait <= 0 {
			continue
		}
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < wait {
			return nil, noAvailableNode(wait)
		}

		p.logger.Debugf("所有节点都被速率限制，等待 %v", wait)
		if err := p.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

func noAvailableNode(wait time.Duration) *errors.ScanError {
	return errors.NewScanError(errors.ErrorTypeRateLimit, errors.SeverityMedium,
		"NO_AVAILABLE_NODE", "所有账本节点都被速率限制").
		WithContext("retry_after", wait.String())
}

// earliestCooldown 被限流节点中最早的冷却结束时间
func (p *Pool) earliestCooldown() time.Time {
	var earliest time.Time
	for _, node := range p.nodes {
		node.mu.RLock()
		if node.rateLimited && (earliest.IsZero() || node.cooldownEnd.Before(earliest)) {
			earliest = node.cooldownEnd
		}
		node.mu.RUnlock()
	}
	return earliest
}

// nextAvailableNode 获取优先级最高的可用节点
func (p *Pool) nextAvailableNode() *Node {
	now := p.now()

	for _, node := range p.nodes {
		node.mu.Lock()
		if (node.rateLimited || !node.available) && !now.Before(node.cooldownEnd) {
			if node.rateLimited {
				p.logger.Infof("节点 %s 速率限制已解除", node.Name)
			}
			node.rateLimited = false
			node.available = true
			node.errorCount = 0
		}
		ok := node.available && !node.rateLimited
		node.mu.Unlock()

		if ok {
			return node
		}
	}

	allRateLimited := true
	for _, node := range p.nodes {
		node.mu.RLock()
		if !node.rateLimited {
			allRateLimited = false
		}
		node.mu.RUnlock()
	}
	if allRateLimited {
		p.logger.Warn("所有节点都被速率限制，等待限制解除")
		return nil
	}

	// 没有健康节点时恢复被禁用的节点重新尝试
	p.logger.Warn("所有节点都不可用，尝试重新启用")
	for _, node := range p.nodes {
		node.mu.Lock()
		if !node.rateLimited {
			node.available = true
			node.errorCount = 0
		}
		node.mu.Unlock()
	}
	for _, node := range p.nodes {
		node.mu.RLock()
		ok := !node.rateLimited
		node.mu.RUnlock()
		if ok {
			return node
		}
	}
	return nil
}

func (p *Pool) markSuccess(node *Node) {
	node.mu.Lock()
	node.errorCount = 0
	node.limitStreak = 0
	node.mu.Unlock()
}

// rateLimitCooldown 第 n 次连续 429 的冷却时间
func (p *Pool) rateLimitCooldown(streak int) time.Duration {
	d := p.backoff
	for i := 1; i < streak && d < p.cooldown; i++ {
		d *= 2
	}
	if d > p.cooldown {
		d = p.cooldown
	}
	return d
}

func (p *Pool) handleNodeError(node *Node, err error) {
	node.mu.Lock()
	defer node.mu.Unlock()

	if retry.IsRateLimitError(err) {
		node.limitStreak++
		wait := p.rateLimitCooldown(node.limitStreak)
		node.rateLimited = true
		node.cooldownEnd = p.now().Add(wait)
		node.errorCount++
		p.logger.Warnf("节点 %s 触发速率限制，%v 后重试: %v", node.Name, wait, err)
		return
	}

	node.errorCount++
	if node.errorCount >= p.maxErrors {
		node.available = false
		node.cooldownEnd = p.now().Add(p.cooldown)
		p.logger.Warnf("节点 %s 错误次数过多，暂时禁用", node.Name)
	}
}

// NodeStatus 节点状态
type NodeStatus struct {
	Name              string `json:"name"`
	Priority          int    `json:"priority"`
	Available         bool   `json:"available"`
	RateLimited       bool   `json:"rate_limited"`
	ErrorCount        int    `json:"error_count"`
	RequestCount      uint64 `json:"request_count"`
	CooldownRemaining string `json:"cooldown_remaining,omitempty"`
}

// Status 获取所有节点的状态
func (p *Pool) Status() []NodeStatus {
	now := p.now()
	out := make([]NodeStatus, 0, len(p.nodes))
	for _, node := range p.nodes {
		node.mu.RLock()
		st := NodeStatus{
			Name:         node.Name,
			Priority:     node.Priority,
			Available:    node.available,
			RateLimited:  node.rateLimited,
			ErrorCount:   node.errorCount,
			RequestCount: node.requestCount,
		}
		if (node.rateLimited || !node.available) && node.cooldownEnd.After(now) {
			st.CooldownRemaining = node.cooldownEnd.Sub(now).Round(time.Second).String()
		}
		node.mu.RUnlock()
		out = append(out, st)
	}
	return out
}
