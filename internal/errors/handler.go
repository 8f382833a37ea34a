package errors

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrorHandler 错误处理器
// 分析流程中被降级吸收的错误（依赖不可用、解析失败等）统一经过这里记录
type ErrorHandler struct {
	logger *logrus.Logger
	stats  *ErrorStats
	mu     sync.RWMutex

	callbacks  []ErrorCallback
	thresholds map[ErrorSeverity]ThresholdConfig
}

// ErrorCallback 错误回调函数
type ErrorCallback func(err *ScanError)

// ThresholdConfig 阈值配置
type ThresholdConfig struct {
	MaxErrorsPerHour int `json:"max_errors_per_hour"`
}

// NewErrorHandler 创建错误处理器
func NewErrorHandler(logger *logrus.Logger) *ErrorHandler {
	eh := &ErrorHandler{
		logger:     logger,
		stats:      NewErrorStats(),
		callbacks:  make([]ErrorCallback, 0),
		thresholds: make(map[ErrorSeverity]ThresholdConfig),
	}
	eh.setupDefaultThresholds()
	return eh
}

func (eh *ErrorHandler) setupDefaultThresholds() {
	eh.thresholds[SeverityLow] = ThresholdConfig{MaxErrorsPerHour: 1000}
	eh.thresholds[SeverityMedium] = ThresholdConfig{MaxErrorsPerHour: 200}
	eh.thresholds[SeverityHigh] = ThresholdConfig{MaxErrorsPerHour: 50}
	eh.thresholds[SeverityCritical] = ThresholdConfig{MaxErrorsPerHour: 5}
}

// HandleError 记录并返回标准化后的错误
func (eh *ErrorHandler) HandleError(ctx context.Context, err error) *ScanError {
	if err == nil {
		return nil
	}

	var scanErr *ScanError
	if !stderrors.As(err, &scanErr) {
		scanErr = WrapError(err, ErrorTypeSystem, SeverityMedium, "UNKNOWN_ERROR", "未知错误")
	}

	eh.mu.Lock()
	eh.stats.RecordError(scanErr)
	exceeded := eh.checkThresholdLocked(scanErr)
	eh.mu.Unlock()

	if exceeded {
		eh.logger.Warnf("错误达到阈值限制: %s", scanErr.Error())
	}

	eh.log(scanErr)
	eh.executeCallbacks(scanErr)
	return scanErr
}

func (eh *ErrorHandler) checkThresholdLocked(err *ScanError) bool {
	threshold, exists := eh.thresholds[err.Severity]
	if !exists {
		return false
	}
	return eh.stats.GetErrorRate(time.Hour) > float64(threshold.MaxErrorsPerHour)
}

// log 根据严重级别选择日志级别，分析服务不因单个错误退出
func (eh *ErrorHandler) log(err *ScanError) {
	fields := logrus.Fields{
		"error_type": err.Type.String(),
		"error_code": err.Code,
		"component":  err.Component,
		"retryable":  err.Retryable,
	}
	if err.Address != nil {
		fields["address"] = *err.Address
	}
	if err.Signature != nil {
		fields["signature"] = *err.Signature
	}
	if len(err.Context) > 0 {
		fields["context"] = err.Context
	}
	entry := eh.logger.WithFields(fields)

	switch err.Severity {
	case SeverityLow:
		entry.Debug(err.Error())
	case SeverityMedium:
		entry.Warn(err.Error())
	default:
		entry.Error(err.Error())
	}
}

func (eh *ErrorHandler) executeCallbacks(err *ScanError) {
	eh.mu.RLock()
	callbacks := make([]ErrorCallback, len(eh.callbacks))
	copy(callbacks, eh.callbacks)
	eh.mu.RUnlock()

	for _, callback := range callbacks {
		func(cb ErrorCallback) {
			defer func() {
				if r := recover(); r != nil {
					eh.logger.Errorf("错误回调执行时发生panic: %v", r)
				}
			}()
			cb(err)
		}(callback)
	}
}

// AddCallback 添加错误回调
func (eh *ErrorHandler) AddCallback(callback ErrorCallback) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.callbacks = append(eh.callbacks, callback)
}

// SetThreshold 设置阈值
func (eh *ErrorHandler) SetThreshold(severity ErrorSeverity, config ThresholdConfig) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.thresholds[severity] = config
}

// GetStats 获取错误统计快照
func (eh *ErrorHandler) GetStats() ErrorStats {
	eh.mu.RLock()
	defer eh.mu.RUnlock()

	snapshot := *eh.stats
	snapshot.ErrorsByType = copyCounts(eh.stats.ErrorsByType)
	snapshot.ErrorsBySeverity = copyCounts(eh.stats.ErrorsBySeverity)
	snapshot.ErrorsByComponent = copyCounts(eh.stats.ErrorsByComponent)
	snapshot.RecentErrors = append([]*ScanError(nil), eh.stats.RecentErrors...)
	return snapshot
}

// ClearStats 清除统计信息
func (eh *ErrorHandler) ClearStats() {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.stats = NewErrorStats()
}

func copyCounts(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
