package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Severity 风险严重级别
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rank 严重级别排序值
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// FactorType 风险因子类型
type FactorType string

const (
	FactorTemporalClustering FactorType = "temporal_clustering"
	FactorSweeperBot         FactorType = "sweeper_bot"
	FactorKnownMalicious     FactorType = "known_malicious_lookup"
	FactorOnChainRegistry    FactorType = "onchain_registry"
)

// FactorOrder 固定的检测器顺序，用于结果排序
var FactorOrder = []FactorType{
	FactorSweeperBot,
	FactorKnownMalicious,
	FactorTemporalClustering,
	FactorOnChainRegistry,
}

// EvidenceKind 证据类型
type EvidenceKind string

const (
	EvidenceSignature EvidenceKind = "signature"
	EvidenceAddress   EvidenceKind = "address"
	EvidenceTimestamp EvidenceKind = "timestamp"
)

// Evidence 风险证据
type Evidence struct {
	Kind  EvidenceKind `json:"kind"`
	Value string       `json:"value"`
}

// RiskFactor 单个检测器产出的风险因子
type RiskFactor struct {
	Type        FactorType `json:"type"`
	Severity    Severity   `json:"severity"`
	Confidence  float64    `json:"confidence"`
	Evidence    []Evidence `json:"evidence"`
	Description string     `json:"description"`
}

// Addresses 证据中的地址
func (f *RiskFactor) Addresses() []string {
	return f.evidenceOf(EvidenceAddress)
}

// Signatures 证据中的交易签名
func (f *RiskFactor) Signatures() []string {
	return f.evidenceOf(EvidenceSignature)
}

func (f *RiskFactor) evidenceOf(kind EvidenceKind) []string {
	var out []string
	for _, ev := range f.Evidence {
		if ev.Kind == kind {
			out = append(out, ev.Value)
		}
	}
	return out
}

// RiskLevel 总体风险等级
type RiskLevel string

const (
	RiskSafe         RiskLevel = "SAFE"
	RiskAtRisk       RiskLevel = "AT_RISK"
	RiskDrained      RiskLevel = "DRAINED"
	RiskInconclusive RiskLevel = "INCONCLUSIVE"
)

// AttackType 攻击类型
type AttackType string

const (
	AttackSeedCompromise         AttackType = "seed_compromise"
	AttackPermitDrainer          AttackType = "permit_drainer"
	AttackApprovalDrain          AttackType = "approval_drain"
	AttackUnknownDrain           AttackType = "unknown_drain"
	AttackSingleTransactionDrain AttackType = "single_transaction_drain"
)

// Urgency 建议紧急程度
type Urgency string

const (
	UrgencyCritical Urgency = "critical"
	UrgencyHigh     Urgency = "high"
	UrgencyMedium   Urgency = "medium"
)

// Rank 紧急程度排序值
func (u Urgency) Rank() int {
	switch u {
	case UrgencyCritical:
		return 3
	case UrgencyHigh:
		return 2
	case UrgencyMedium:
		return 1
	default:
		return 0
	}
}

// Recommendation 恢复建议
type Recommendation struct {
	Text    string  `json:"text"`
	Urgency Urgency `json:"urgency"`
}

// DrainedAsset 被转走的资产汇总
type DrainedAsset struct {
	Asset       string           `json:"asset"`
	Amount      decimal.Decimal  `json:"amount"`
	ApproxValue *decimal.Decimal `json:"approx_value,omitempty"` // 美元估值，无报价时为空
}

// DrainAnalysis 一次分析的完整结果
type DrainAnalysis struct {
	ID               string           `json:"id"`
	Address          string           `json:"address"`
	OverallRisk      RiskLevel        `json:"overall_risk"`
	Confidence       float64          `json:"confidence"`
	Factors          []RiskFactor     `json:"factors"`
	AttackType       *AttackType      `json:"attack_type"`
	AttackConfidence float64          `json:"attack_confidence"`
	DrainedAssets    []DrainedAsset   `json:"drained_assets"`
	Recommendations  []Recommendation `json:"recommendations"`
	EventCount       int              `json:"event_count"`
	CheckedAt        time.Time        `json:"checked_at"`
	Partial          bool             `json:"partial"`
	DegradedSources  []string         `json:"degraded_sources,omitempty"`
}

// EvidenceAddresses 汇总所有因子证据中的地址（去重）
func (a *DrainAnalysis) EvidenceAddresses() []string {
	seen := make(map[string]struct{})
	var out []string
	for i := range a.Factors {
		for _, addr := range a.Factors[i].Addresses() {
			if _, ok := seen[addr]; ok {
				continue
			}
			seen[addr] = struct{}{}
			out = append(out, addr)
		}
	}
	return out
}

// ToKafkaMessage 转换为Kafka消息格式
func (a *DrainAnalysis) ToKafkaMessage() map[string]interface{} {
	msg := map[string]interface{}{
		"type":         "drain_analysis",
		"id":           a.ID,
		"address":      a.Address,
		"overall_risk": a.OverallRisk,
		"confidence":   a.Confidence,
		"factor_count": len(a.Factors),
		"event_count":  a.EventCount,
		"checked_at":   a.CheckedAt.Unix(),
		"partial":      a.Partial,
	}
	if a.AttackType != nil {
		msg["attack_type"] = *a.AttackType
		msg["attack_confidence"] = a.AttackConfidence
	}
	return msg
}
