package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorType 错误类型
type ErrorType int

const (
	// 网络相关错误
	ErrorTypeNetwork ErrorType = iota
	ErrorTypeTimeout
	ErrorTypeRateLimit
	ErrorTypeTransientFetch

	// 输入与数据错误
	ErrorTypeInvalidInput
	ErrorTypeUnparseable
	ErrorTypeExceededScope

	// 依赖服务错误
	ErrorTypeDependencyUnavailable
	ErrorTypeStorage
	ErrorTypeKafka

	// 系统错误
	ErrorTypeConfig
	ErrorTypeSystem
)

// ErrorSeverity 错误严重级别
type ErrorSeverity int

const (
	SeverityLow ErrorSeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// ScanError 自定义错误类型
type ScanError struct {
	Type      ErrorType              `json:"type"`
	Severity  ErrorSeverity          `json:"severity"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Cause     error                  `json:"-"`
	Retryable bool                   `json:"retryable"`
	Component string                 `json:"component"`
	Address   *string                `json:"address,omitempty"`
	Signature *string                `json:"signature,omitempty"`
}

// Error 实现error接口
func (e *ScanError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 支持errors.Unwrap
func (e *ScanError) Unwrap() error {
	return e.Cause
}

// IsRetryable 判断是否可重试
func (e *ScanError) IsRetryable() bool {
	return e.Retryable
}

// IsRateLimited 是否为限流错误
func (e *ScanError) IsRateLimited() bool {
	return e.Type == ErrorTypeRateLimit
}

// WithContext 添加上下文信息
func (e *ScanError) WithContext(key string, value interface{}) *ScanError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithComponent 设置出错组件
func (e *ScanError) WithComponent(component string) *ScanError {
	e.Component = component
	return e
}

// WithAddress 添加被分析地址
func (e *ScanError) WithAddress(address string) *ScanError {
	e.Address = &address
	return e
}

// WithSignature 添加交易签名
func (e *ScanError) WithSignature(signature string) *ScanError {
	e.Signature = &signature
	return e
}

// NewScanError 创建新的错误
func NewScanError(errorType ErrorType, severity ErrorSeverity, code, message string) *ScanError {
	return &ScanError{
		Type:      errorType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: determineRetryable(errorType),
	}
}

// WrapError 包装现有错误
func WrapError(err error, errorType ErrorType, severity ErrorSeverity, code, message string) *ScanError {
	e := NewScanError(errorType, severity, code, message)
	e.Cause = err
	return e
}

// determineRetryable 根据错误类型判断是否可重试
func determineRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit, ErrorTypeTransientFetch:
		return true
	case ErrorTypeDependencyUnavailable, ErrorTypeKafka:
		return true
	default:
		return false
	}
}

// NewInvalidInputError 地址或参数格式错误，不会发起任何网络请求
func NewInvalidInputError(input, reason string) *ScanError {
	return NewScanError(ErrorTypeInvalidInput, SeverityLow, "INVALID_INPUT",
		fmt.Sprintf("无效输入 %q: %s", input, reason)).WithContext("input", input)
}

// NewExceededScopeError 地址活动量超过可分析上限
func NewExceededScopeError(address string, limit int) *ScanError {
	return NewScanError(ErrorTypeExceededScope, SeverityMedium, "EXCEEDED_SCOPE",
		fmt.Sprintf("地址交易数超过分析上限 %d", limit)).
		WithAddress(address).
		WithContext("limit", limit)
}

// NewTransientFetchError 账本临时性获取失败
func NewTransientFetchError(err error, operation string) *ScanError {
	return WrapError(err, ErrorTypeTransientFetch, SeverityMedium, "TRANSIENT_FETCH",
		fmt.Sprintf("获取账本数据失败: %s", operation))
}

// NewUnparseableError 交易记录无法解析
func NewUnparseableError(err error, signature string) *ScanError {
	return WrapError(err, ErrorTypeUnparseable, SeverityLow, "UNPARSEABLE_TRANSACTION",
		"交易记录无法解析").WithSignature(signature)
}

// NewDependencyUnavailableError 外部依赖（恶意地址库、链上注册表）不可用
func NewDependencyUnavailableError(err error, dependency string) *ScanError {
	return WrapError(err, ErrorTypeDependencyUnavailable, SeverityMedium, "DEPENDENCY_UNAVAILABLE",
		fmt.Sprintf("依赖服务不可用: %s", dependency)).WithComponent(dependency)
}

// IsType 判断错误链中是否存在指定类型的ScanError
func IsType(err error, errorType ErrorType) bool {
	var se *ScanError
	if stderrors.As(err, &se) {
		return se.Type == errorType
	}
	return false
}

// IsInvalidInput 是否为输入错误
func IsInvalidInput(err error) bool {
	return IsType(err, ErrorTypeInvalidInput)
}

// IsExceededScope 是否为超出分析范围错误
func IsExceededScope(err error) bool {
	return IsType(err, ErrorTypeExceededScope)
}

// 预定义错误
var (
	ErrRateLimitExceeded = NewScanError(
		ErrorTypeRateLimit,
		SeverityMedium,
		"RATE_LIMIT_EXCEEDED",
		"请求频率超限",
	)

	ErrNoAvailableNode = NewScanError(
		ErrorTypeDependencyUnavailable,
		SeverityHigh,
		"NO_AVAILABLE_NODE",
		"没有可用的账本节点",
	)

	ErrConfigInvalid = NewScanError(
		ErrorTypeConfig,
		SeverityCritical,
		"CONFIG_INVALID",
		"配置无效",
	)
)

var errorTypeNames = map[ErrorType]string{
	ErrorTypeNetwork:               "Network",
	ErrorTypeTimeout:               "Timeout",
	ErrorTypeRateLimit:             "RateLimit",
	ErrorTypeTransientFetch:        "TransientFetch",
	ErrorTypeInvalidInput:          "InvalidInput",
	ErrorTypeUnparseable:           "Unparseable",
	ErrorTypeExceededScope:         "ExceededScope",
	ErrorTypeDependencyUnavailable: "DependencyUnavailable",
	ErrorTypeStorage:               "Storage",
	ErrorTypeKafka:                 "Kafka",
	ErrorTypeConfig:                "Config",
	ErrorTypeSystem:                "System",
}

// String 返回错误类型的字符串表示
func (et ErrorType) String() string {
	if name, exists := errorTypeNames[et]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", et)
}

var severityNames = map[ErrorSeverity]string{
	SeverityLow:      "Low",
	SeverityMedium:   "Medium",
	SeverityHigh:     "High",
	SeverityCritical: "Critical",
}

// String 返回严重级别的字符串表示
func (es ErrorSeverity) String() string {
	if name, exists := severityNames[es]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", es)
}

// ErrorStats 错误统计
type ErrorStats struct {
	TotalErrors       int               `json:"total_errors"`
	ErrorsByType      map[string]int    `json:"errors_by_type"`
	ErrorsBySeverity  map[string]int    `json:"errors_by_severity"`
	ErrorsByComponent map[string]int    `json:"errors_by_component"`
	RecentErrors      []*ScanError      `json:"recent_errors"`
	LastError         *ScanError        `json:"last_error"`
	LastErrorTime     time.Time         `json:"last_error_time"`
}

// NewErrorStats 创建错误统计
func NewErrorStats() *ErrorStats {
	return &ErrorStats{
		ErrorsByType:      make(map[string]int),
		ErrorsBySeverity:  make(map[string]int),
		ErrorsByComponent: make(map[string]int),
		RecentErrors:      make([]*ScanError, 0),
	}
}

// RecordError 记录错误
func (es *ErrorStats) RecordError(err *ScanError) {
	es.TotalErrors++
	es.ErrorsByType[err.Type.String()]++
	es.ErrorsBySeverity[err.Severity.String()]++
	if err.Component != "" {
		es.ErrorsByComponent[err.Component]++
	}

	es.LastError = err
	es.LastErrorTime = err.Timestamp

	// 保留最近100个错误
	es.RecentErrors = append(es.RecentErrors, err)
	if len(es.RecentErrors) > 100 {
		es.RecentErrors = es.RecentErrors[1:]
	}
}

// GetErrorRate 获取错误率（错误/小时）
func (es *ErrorStats) GetErrorRate(duration time.Duration) float64 {
	if duration <= 0 {
		return 0
	}

	cutoff := time.Now().Add(-duration)
	recentCount := 0
	for _, err := range es.RecentErrors {
		if err.Timestamp.After(cutoff) {
			recentCount++
		}
	}

	hours := duration.Hours()
	if hours == 0 {
		return float64(recentCount)
	}
	return float64(recentCount) / hours
}
