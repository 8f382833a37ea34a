package detector

import (
	"context"
	"sort"
	"strconv"

	"drainscan/pkg/models"
)

// Detector 风险检测器。未命中返回 (nil, nil)；返回错误时调用方按"无因子"处理并记录降级
type Detector interface {
	Name() models.FactorType
	Detect(ctx context.Context, events []models.TransactionEvent) (*models.RiskFactor, error)
}

// 内置的 DEX / 聚合器程序，转给这些程序的流出不计入聚集
var DefaultDexPrograms = []string{
	"JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4", // Jupiter v6
	"675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8", // Raydium AMM v4
	"whirLbMiicVdio4qvUfM5KAg6Ct8VwpYzGff3uctyCc",  // Orca Whirlpool
	"CAMMCzo5YL8w4VFF8KVHrK22GGUsp5VTaW7grrKgrWqK", // Raydium CLMM
	"9W959DqEETiGZocYWCQPaJ6sBmUzgfxXfqGeTEdp3aQP", // Orca v2
	"LBUZKhRxPF3XUpBCjp4YzTKgLccjZhTSDM9YuVaPwxo",  // Meteora DLMM
	"srmqPvymJeFKQ4zGQed1GFppgkRHL9kaELCbyksJtPX",  // OpenBook
	"PhoeNiXZ8ByJGLkxNfZRnkUfjvmuYqLR89jjFHGqdXY",  // Phoenix
}

// candidates 需要外部查询的对手方：流出接收方、授权代理、新权限持有人
// 返回的地址按首次出现顺序排列，并附带涉及的交易签名
func candidates(events []models.TransactionEvent) ([]string, map[string][]string) {
	var order []string
	sigs := make(map[string][]string)
	for _, ev := range events {
		if ev.Counterparty == "" {
			continue
		}
		switch {
		case ev.IsOutflow():
		case ev.Kind == models.EventKindApproval:
		case ev.Kind == models.EventKindAuthorityChange:
		default:
			continue
		}
		if _, ok := sigs[ev.Counterparty]; !ok {
			order = append(order, ev.Counterparty)
		}
		sigs[ev.Counterparty] = appendUnique(sigs[ev.Counterparty], ev.Signature)
	}
	return order, sigs
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}

// evidenceSet 按插入顺序去重的证据集合
type evidenceSet struct {
	seen  map[models.Evidence]struct{}
	items []models.Evidence
}

func newEvidenceSet() *evidenceSet {
	return &evidenceSet{seen: make(map[models.Evidence]struct{})}
}

func (s *evidenceSet) add(kind models.EvidenceKind, value string) {
	if value == "" {
		return
	}
	e := models.Evidence{Kind: kind, Value: value}
	if _, ok := s.seen[e]; ok {
		return
	}
	s.seen[e] = struct{}{}
	s.items = append(s.items, e)
}

func (s *evidenceSet) addTimestamp(ts int64) {
	s.add(models.EvidenceTimestamp, strconv.FormatInt(ts, 10))
}

// list 地址、签名、时间戳分组输出，组内保持插入顺序
func (s *evidenceSet) list() []models.Evidence {
	out := append([]models.Evidence(nil), s.items...)
	rank := map[models.EvidenceKind]int{
		models.EvidenceAddress:   0,
		models.EvidenceSignature: 1,
		models.EvidenceTimestamp: 2,
	}
	sort.SliceStable(out, func(i, j int) bool {
		return rank[out[i].Kind] < rank[out[j].Kind]
	})
	return out
}

func capConfidence(v float64) float64 {
	if v > 1.0 {
		return 1.0
	}
	if v < 0 {
		return 0
	}
	return v
}
