package models

import (
	"time"
)

// KnownMaliciousRecord 已知恶意地址记录
type KnownMaliciousRecord struct {
	Address     string    `json:"address"`
	ReportCount int       `json:"report_count"`
	Source      string    `json:"source"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}

// AttackCategory 链上注册表中的攻击分类
// 注册表账户以 Borsh 编码，枚举按声明顺序的序号存储，Unknown 为 5
type AttackCategory uint8

const (
	AttackCategoryPhishing AttackCategory = iota
	AttackCategoryFakeAirdrop
	AttackCategorySocialEngineering
	AttackCategoryMaliciousApproval
	AttackCategorySetAuthority
	AttackCategoryUnknown
)

var attackCategoryNames = map[AttackCategory]string{
	AttackCategoryPhishing:          "phishing",
	AttackCategoryFakeAirdrop:       "fake_airdrop",
	AttackCategorySocialEngineering: "social_engineering",
	AttackCategoryMaliciousApproval: "malicious_approval",
	AttackCategorySetAuthority:      "set_authority",
	AttackCategoryUnknown:           "unknown",
}

// AttackCategoryFromIndex 把 Borsh 序号转换为分类，超出范围的视为 Unknown
func AttackCategoryFromIndex(idx uint8) AttackCategory {
	if idx > uint8(AttackCategoryUnknown) {
		return AttackCategoryUnknown
	}
	return AttackCategory(idx)
}

// Known 是否为具体的攻击分类
func (c AttackCategory) Known() bool {
	return c < AttackCategoryUnknown
}

func (c AttackCategory) String() string {
	if name, ok := attackCategoryNames[c]; ok {
		return name
	}
	return "unknown"
}

// RegistryRecord 链上举报注册表记录
type RegistryRecord struct {
	Key                   string         `json:"key"`
	DrainerAddress        string         `json:"drainer_address"`
	ReportCount           uint32         `json:"report_count"`
	FirstSeen             time.Time      `json:"first_seen"`
	LastSeen              time.Time      `json:"last_seen"`
	TotalLamportsReported uint64         `json:"total_lamports_reported"`
	AttackCategory        AttackCategory `json:"attack_category"`
	Summary               string         `json:"summary,omitempty"`
	KeyDomains            []string       `json:"key_domains,omitempty"`
	AIConfidence          uint8          `json:"ai_confidence,omitempty"`
}
