package validation

import (
	"fmt"
	"strings"

	"drainscan/internal/errors"
	"drainscan/pkg/models"

	"github.com/gagliardetto/solana-go"
	"github.com/sirupsen/logrus"
)

const (
	// base58 编码的32字节公钥长度范围
	minAddressLength = 32
	maxAddressLength = 44
)

// Validator 数据验证器
type Validator struct {
	logger *logrus.Logger
	rules  map[string]ValidationRule
}

// ValidationRule 验证规则接口
type ValidationRule interface {
	Validate(data interface{}) error
	Name() string
	Description() string
}

// ValidationResult 验证结果
type ValidationResult struct {
	Valid    bool                `json:"valid"`
	Errors   []*errors.ScanError `json:"errors,omitempty"`
	DataType string              `json:"data_type"`
}

// NewValidator 创建数据验证器
func NewValidator(logger *logrus.Logger) *Validator {
	v := &Validator{
		logger: logger,
		rules:  make(map[string]ValidationRule),
	}

	v.AddRule(NewAddressValidationRule())
	v.AddRule(NewSignatureValidationRule())
	v.AddRule(NewEventValidationRule())

	return v
}

// AddRule 添加验证规则
func (v *Validator) AddRule(rule ValidationRule) {
	v.rules[rule.Name()] = rule
	v.logger.Debugf("已注册验证规则: %s", rule.Name())
}

// ValidateAddress 校验待分析地址，失败时返回 InvalidInput 错误
func (v *Validator) ValidateAddress(address string) error {
	return v.rules["address"].Validate(address)
}

// ValidateEvent 校验标准化事件
func (v *Validator) ValidateEvent(event *models.TransactionEvent) *ValidationResult {
	result := &ValidationResult{Valid: true, DataType: "event"}
	if err := v.rules["event"].Validate(event); err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, toScanError(err, "EVENT_VALIDATION_FAILED", "事件验证失败"))
	}
	return result
}

func toScanError(err error, code, message string) *errors.ScanError {
	if scanErr, ok := err.(*errors.ScanError); ok {
		return scanErr
	}
	return errors.WrapError(err, errors.ErrorTypeUnparseable, errors.SeverityLow, code, message)
}

// IsValidAddress 判断是否为合法的 Solana 公钥
func IsValidAddress(addr string) bool {
	if len(addr) < minAddressLength || len(addr) > maxAddressLength {
		return false
	}
	_, err := solana.PublicKeyFromBase58(addr)
	return err == nil
}

// IsValidSignature 判断是否为合法的交易签名
func IsValidSignature(sig string) bool {
	_, err := solana.SignatureFromBase58(sig)
	return err == nil
}

// AddressValidationRule 地址验证规则
type AddressValidationRule struct{}

func NewAddressValidationRule() *AddressValidationRule {
	return &AddressValidationRule{}
}

func (r *AddressValidationRule) Name() string {
	return "address"
}

func (r *AddressValidationRule) Description() string {
	return "验证 base58 编码的 Solana 地址"
}

func (r *AddressValidationRule) Validate(data interface{}) error {
	addr, ok := data.(string)
	if !ok {
		return errors.NewInvalidInputError(fmt.Sprint(data), "地址必须为字符串")
	}
	if strings.TrimSpace(addr) != addr || addr == "" {
		return errors.NewInvalidInputError(addr, "地址为空或包含空白字符")
	}
	if len(addr) < minAddressLength || len(addr) > maxAddressLength {
		return errors.NewInvalidInputError(addr,
			fmt.Sprintf("地址长度应为 %d-%d 个字符", minAddressLength, maxAddressLength))
	}
	if _, err := solana.PublicKeyFromBase58(addr); err != nil {
		return errors.NewInvalidInputError(addr, "不是合法的 base58 公钥")
	}
	return nil
}

// SignatureValidationRule 交易签名验证规则
type SignatureValidationRule struct{}

func NewSignatureValidationRule() *SignatureValidationRule {
	return &SignatureValidationRule{}
}

func (r *SignatureValidationRule) Name() string {
	return "signature"
}

func (r *SignatureValidationRule) Description() string {
	return "验证 base58 编码的交易签名"
}

func (r *SignatureValidationRule) Validate(data interface{}) error {
	sig, ok := data.(string)
	if !ok || !IsValidSignature(sig) {
		return errors.NewInvalidInputError(fmt.Sprint(data), "不是合法的交易签名")
	}
	return nil
}

// EventValidationRule 标准化事件验证规则
type EventValidationRule struct{}

func NewEventValidationRule() *EventValidationRule {
	return &EventValidationRule{}
}

func (r *EventValidationRule) Name() string {
	return "event"
}

func (r *EventValidationRule) Description() string {
	return "验证标准化交易事件的基本字段"
}

func (r *EventValidationRule) Validate(data interface{}) error {
	event, ok := data.(*models.TransactionEvent)
	if !ok || event == nil {
		return fmt.Errorf("事件为空")
	}
	if event.Signature == "" {
		return fmt.Errorf("事件缺少交易签名")
	}
	if event.Asset == "" {
		return fmt.Errorf("事件缺少资产标识")
	}
	if event.Amount.IsNegative() {
		return fmt.Errorf("事件金额不能为负: %s", event.Amount)
	}
	switch event.Kind {
	case models.EventKindTransfer, models.EventKindApproval, models.EventKindAuthorityChange:
	default:
		return fmt.Errorf("未知事件类型: %s", event.Kind)
	}
	switch event.Direction {
	case models.DirectionIn, models.DirectionOut, models.DirectionNone:
	default:
		return fmt.Errorf("未知资产流向: %s", event.Direction)
	}
	return nil
}

// GetValidationStats 获取验证器信息
func (v *Validator) GetValidationStats() map[string]interface{} {
	names := make([]string, 0, len(v.rules))
	for name := range v.rules {
		names = append(names, name)
	}
	return map[string]interface{}{
		"rules_count": len(v.rules),
		"rules":       names,
	}
}
