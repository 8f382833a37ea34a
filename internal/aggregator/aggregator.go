package aggregator

import (
	"sort"

	"drainscan/pkg/models"
)

// Boost 因子共现时的置信度加成
type Boost struct {
	Pair   [2]models.FactorType
	Amount float64
}

// DefaultBoosts 每条规则每次分析最多应用一次
var DefaultBoosts = []Boost{
	{Pair: [2]models.FactorType{models.FactorKnownMalicious, models.FactorTemporalClustering}, Amount: 0.10},
	{Pair: [2]models.FactorType{models.FactorOnChainRegistry, models.FactorKnownMalicious}, Amount: 0.15},
}

// Result 聚合结果
type Result struct {
	OverallRisk models.RiskLevel
	Confidence  float64
	Factors     []models.RiskFactor
}

// Aggregator 风险聚合器，无状态
type Aggregator struct {
	boosts []Boost
	order  map[models.FactorType]int
}

// NewAggregator 创建聚合器，boosts 为空时使用默认规则
func NewAggregator(boosts ...Boost) *Aggregator {
	if len(boosts) == 0 {
		boosts = DefaultBoosts
	}
	order := make(map[models.FactorType]int, len(models.FactorOrder))
	for i, t := range models.FactorOrder {
		order[t] = i
	}
	return &Aggregator{boosts: boosts, order: order}
}

// Aggregate 合并检测器输出。结果只取决于因子集合，与完成顺序无关
func (a *Aggregator) Aggregate(factors []models.RiskFactor) Result {
	out := make([]models.RiskFactor, len(factors))
	for i, f := range factors {
		f.Evidence = append([]models.Evidence(nil), f.Evidence...)
		f.Confidence = clamp(f.Confidence)
		out[i] = f
	}
	a.sort(out)

	index := make(map[models.FactorType]int, len(out))
	for i := range out {
		if _, ok := index[out[i].Type]; !ok {
			index[out[i].Type] = i
		}
	}

	for _, b := range a.boosts {
		i, okA := index[b.Pair[0]]
		j, okB := index[b.Pair[1]]
		if !okA || !okB {
			continue
		}
		// 排序后靠前的为主导因子
		target := i
		if j < i {
			target = j
		}
		out[target].Confidence = clamp(out[target].Confidence + b.Amount)
	}

	result := Result{OverallRisk: models.RiskSafe, Factors: out}
	if len(out) == 0 {
		result.Factors = []models.RiskFactor{}
		return result
	}

	top := out[0].Severity
	if top == models.SeverityCritical {
		result.OverallRisk = models.RiskDrained
	} else {
		result.OverallRisk = models.RiskAtRisk
	}
	for _, f := range out {
		if f.Severity == top && f.Confidence > result.Confidence {
			result.Confidence = f.Confidence
		}
	}
	return result
}

func (a *Aggregator) sort(factors []models.RiskFactor) {
	sort.SliceStable(factors, func(i, j int) bool {
		ri, rj := factors[i].Severity.Rank(), factors[j].Severity.Rank()
		if ri != rj {
			return ri > rj
		}
		return a.rank(factors[i].Type) < a.rank(factors[j].Type)
	})
}

func (a *Aggregator) rank(t models.FactorType) int {
	if r, ok := a.order[t]; ok {
		return r
	}
	return len(a.order)
}

func clamp(v float64) float64 {
	if v > 1.0 {
		return 1.0
	}
	if v < 0 {
		return 0
	}
	return v
}
