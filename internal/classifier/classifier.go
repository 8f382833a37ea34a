package classifier

import (
	"drainscan/pkg/models"
)

// Classification 攻击类型判定，Type 为空表示未分类
type Classification struct {
	Type       *models.AttackType
	Confidence float64
}

// Classifier 根据风险因子判定攻击手法，按固定顺序匹配，先命中者生效
type Classifier struct{}

// NewClassifier 创建分类器
func NewClassifier() *Classifier {
	return &Classifier{}
}

// Classify events 用于确认证据中是否包含授权操作
func (c *Classifier) Classify(factors []models.RiskFactor, events []models.TransactionEvent) Classification {
	byType := make(map[models.FactorType]*models.RiskFactor, len(factors))
	for i := range factors {
		if _, ok := byType[factors[i].Type]; !ok {
			byType[factors[i].Type] = &factors[i]
		}
	}
	sweeper := byType[models.FactorSweeperBot]
	temporal := byType[models.FactorTemporalClustering]
	malicious := byType[models.FactorKnownMalicious]
	registry := byType[models.FactorOnChainRegistry]
	lookup := malicious != nil || registry != nil

	switch {
	case sweeper != nil:
		return classified(models.AttackSeedCompromise, sweeper)

	case lookup && temporal != nil:
		if found, unlimited := approvalsInEvidence(factors, events); found {
			attack := models.AttackApprovalDrain
			if unlimited {
				attack = models.AttackPermitDrainer
			}
			return classified(attack, malicious, registry, temporal)
		}
		return classified(models.AttackUnknownDrain, temporal)

	case temporal != nil:
		return classified(models.AttackUnknownDrain, temporal)

	case lookup:
		return classified(models.AttackSingleTransactionDrain, malicious, registry)
	}

	return Classification{}
}

func classified(attack models.AttackType, deciding ...*models.RiskFactor) Classification {
	c := Classification{Type: &attack}
	for _, f := range deciding {
		if f != nil && f.Confidence > c.Confidence {
			c.Confidence = f.Confidence
		}
	}
	return c
}

// approvalsInEvidence 查找签名或授权代理出现在证据中的授权事件
func approvalsInEvidence(factors []models.RiskFactor, events []models.TransactionEvent) (found, unlimited bool) {
	sigs := make(map[string]struct{})
	addrs := make(map[string]struct{})
	for i := range factors {
		for _, s := range factors[i].Signatures() {
			sigs[s] = struct{}{}
		}
		for _, a := range factors[i].Addresses() {
			addrs[a] = struct{}{}
		}
	}

	for _, ev := range events {
		if ev.Kind != models.EventKindApproval {
			continue
		}
		_, sigHit := sigs[ev.Signature]
		_, addrHit := addrs[ev.Counterparty]
		if !sigHit && !addrHit {
			continue
		}
		found = true
		if ev.Unlimited {
			unlimited = true
		}
	}
	return found, unlimited
}
