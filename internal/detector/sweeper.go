package detector

import (
	"context"
	"fmt"
	"sort"
	"time"

	"drainscan/pkg/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// SweeperConfig 清扫机器人检测参数
type SweeperConfig struct {
	FastWindow time.Duration
	SlowWindow time.Duration
	MinRatio   float64
	MinPairs   int
}

const sweeperSaturationPairs = 5

// SweeperBotDetector 资金流入后立即被转出
type SweeperBotDetector struct {
	config   SweeperConfig
	minRatio decimal.Decimal
	logger   *logrus.Logger
}

// NewSweeperBotDetector 创建清扫机器人检测器
func NewSweeperBotDetector(config SweeperConfig, logger *logrus.Logger) *SweeperBotDetector {
	if config.FastWindow <= 0 {
		config.FastWindow = 10 * time.Second
	}
	if config.SlowWindow < config.FastWindow {
		config.SlowWindow = 30 * time.Second
	}
	if config.MinRatio <= 0 || config.MinRatio > 1 {
		config.MinRatio = 0.95
	}
	if config.MinPairs <= 0 {
		config.MinPairs = 2
	}
	return &SweeperBotDetector{
		config:   config,
		minRatio: decimal.NewFromFloat(config.MinRatio),
		logger:   logger,
	}
}

func (d *SweeperBotDetector) Name() models.FactorType {
	return models.FactorSweeperBot
}

type sweepPair struct {
	in, out models.TransactionEvent
	delta   int64
}

func (d *SweeperBotDetector) Detect(ctx context.Context, events []models.TransactionEvent) (*models.RiskFactor, error) {
	var transfers []models.TransactionEvent
	for _, ev := range events {
		if ev.IsInflow() || ev.IsOutflow() {
			transfers = append(transfers, ev)
		}
	}
	sort.SliceStable(transfers, func(i, j int) bool {
		return transfers[i].Timestamp < transfers[j].Timestamp
	})

	pairs := d.match(transfers)
	if len(pairs) < d.config.MinPairs {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fastLimit := int64(d.config.FastWindow / time.Second)
	fast := 0
	evidence := newEvidenceSet()
	for _, p := range pairs {
		if p.delta <= fastLimit {
			fast++
		}
		evidence.add(models.EvidenceAddress, p.out.Counterparty)
		evidence.add(models.EvidenceSignature, p.in.Signature)
		evidence.add(models.EvidenceSignature, p.out.Signature)
		evidence.addTimestamp(p.out.Timestamp)
	}

	confidence := 0.7
	switch {
	case fast >= sweeperSaturationPairs:
		confidence = 1.0
	case fast >= d.config.MinPairs:
		confidence = 0.9
	}

	d.logger.WithFields(logrus.Fields{
		"pairs":      len(pairs),
		"fast_pairs": fast,
		"confidence": confidence,
	}).Debug("检测到清扫机器人模式")

	return &models.RiskFactor{
		Type:        models.FactorSweeperBot,
		Severity:    models.SeverityCritical,
		Confidence:  confidence,
		Evidence:    evidence.list(),
		Description: fmt.Sprintf("%d incoming transfers were forwarded out almost immediately (%d within %s)", len(pairs), fast, d.config.FastWindow),
	}, nil
}

// match 每笔流入匹配其后最早的同资产流出，一笔流出只参与一次配对
func (d *SweeperBotDetector) match(transfers []models.TransactionEvent) []sweepPair {
	slowLimit := int64(d.config.SlowWindow / time.Second)
	used := make([]bool, len(transfers))
	one := decimal.NewFromInt(1)
	var pairs []sweepPair

	for i, in := range transfers {
		if !in.IsInflow() || !in.Amount.IsPositive() {
			continue
		}
		for j := i + 1; j < len(transfers); j++ {
			out := transfers[j]
			delta := out.Timestamp - in.Timestamp
			if delta > slowLimit {
				break
			}
			if used[j] || !out.IsOutflow() || out.Asset != in.Asset {
				continue
			}
			ratio := out.Amount.Div(in.Amount)
			if ratio.LessThan(d.minRatio) || ratio.GreaterThan(one) {
				continue
			}
			used[j] = true
			pairs = append(pairs, sweepPair{in: in, out: out, delta: delta})
			break
		}
	}
	return pairs
}
