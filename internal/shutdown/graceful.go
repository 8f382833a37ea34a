package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// 停机顺序，数字越小越早执行
const (
	OrderHTTPServer = 10 // 停止接受新请求并等待进行中的分析
	OrderPublisher  = 20 // 刷新结果发布器
	OrderCache      = 30 // 关闭分析缓存
	OrderStore      = 40 // 关闭恶意地址库连接
	OrderLedger     = 50 // 关闭账本连接
)

const DefaultTimeout = 30 * time.Second

// Hook 停机处理函数
type Hook struct {
	Name  string
	Order int
	Func  func(ctx context.Context) error
}

// Manager 优雅停机管理器：收到信号或手动触发后按顺序执行已注册的处理函数
type Manager struct {
	logger  *logrus.Logger
	timeout time.Duration

	mu       sync.Mutex
	hooks    []Hook
	started  bool
	done     chan struct{}
	trigger  chan struct{}
	signals  chan os.Signal
	result   error
	stopOnce sync.Once
}

// NewManager 创建停机管理器
func NewManager(timeout time.Duration, logger *logrus.Logger) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Manager{
		logger:  logger,
		timeout: timeout,
		done:    make(chan struct{}),
		trigger: make(chan struct{}),
		signals: make(chan os.Signal, 1),
	}
}

// Register 注册停机处理函数，同一顺序按注册先后执行
func (m *Manager) Register(name string, order int, fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, Hook{Name: name, Order: order, Func: fn})
	m.logger.Debugf("注册停机处理函数: %s (order: %d)", name, order)
}

// Hooks 已注册的处理函数名称，按执行顺序
func (m *Manager) Hooks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	hooks := m.sorted()
	names := make([]string, len(hooks))
	for i, h := range hooks {
		names[i] = h.Name
	}
	return names
}

// Run 阻塞直到收到 SIGINT/SIGTERM、ctx 取消或调用 Trigger，然后执行停机流程
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		<-m.done
		return m.result
	}
	m.started = true
	m.mu.Unlock()

	signal.Notify(m.signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(m.signals)

	select {
	case sig := <-m.signals:
		m.logger.Infof("收到停机信号: %v", sig)
	case <-ctx.Done():
		m.logger.Info("上下文已取消，开始停机")
	case <-m.trigger:
		m.logger.Info("手动触发优雅停机")
	}

	m.result = m.perform()
	close(m.done)
	return m.result
}

// Trigger 手动触发停机，可重复调用
func (m *Manager) Trigger() {
	m.stopOnce.Do(func() { close(m.trigger) })
}

// Done 停机流程完成后关闭
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

func (m *Manager) sorted() []Hook {
	hooks := append([]Hook(nil), m.hooks...)
	sort.SliceStable(hooks, func(i, j int) bool { return hooks[i].Order < hooks[j].Order })
	return hooks
}

// perform 按顺序执行处理函数，超时后跳过剩余函数
func (m *Manager) perform() error {
	m.logger.Info("开始优雅停机流程...")

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	m.mu.Lock()
	hooks := m.sorted()
	m.mu.Unlock()

	var errs []error
	for _, h := range hooks {
		if ctx.Err() != nil {
			m.logger.Warnf("停机超时，跳过: %s", h.Name)
			errs = append(errs, fmt.Errorf("%s: %w", h.Name, ctx.Err()))
			continue
		}

		start := time.Now()
		err := h.Func(ctx)
		if err != nil {
			m.logger.Errorf("停机处理 '%s' 失败 (耗时: %v): %v", h.Name, time.Since(start), err)
			errs = append(errs, fmt.Errorf("%s: %w", h.Name, err))
			continue
		}
		m.logger.Infof("停机处理 '%s' 完成 (耗时: %v)", h.Name, time.Since(start))
	}

	if len(errs) > 0 {
		m.logger.Errorf("停机过程中发生 %d 个错误", len(errs))
		return errors.Join(errs...)
	}
	m.logger.Info("优雅停机流程完成")
	return nil
}
