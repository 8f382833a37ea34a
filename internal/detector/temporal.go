package detector

import (
	"context"
	"fmt"
	"sort"
	"time"

	"drainscan/pkg/models"

	"github.com/sirupsen/logrus"
)

// TemporalConfig 时间聚集检测参数
type TemporalConfig struct {
	Window        time.Duration
	MinAssets     int
	MinRecipients int
	DexPrograms   []string
}

// TemporalClusterDetector 短时间窗口内多种资产流向多个地址
type TemporalClusterDetector struct {
	config TemporalConfig
	dex    map[string]struct{}
	logger *logrus.Logger
}

// NewTemporalClusterDetector 创建时间聚集检测器，DexPrograms 追加在内置列表之后
func NewTemporalClusterDetector(config TemporalConfig, logger *logrus.Logger) *TemporalClusterDetector {
	if config.Window <= 0 {
		config.Window = 300 * time.Second
	}
	if config.MinAssets <= 0 {
		config.MinAssets = 3
	}
	if config.MinRecipients <= 0 {
		config.MinRecipients = 2
	}
	dex := make(map[string]struct{})
	for _, p := range DefaultDexPrograms {
		dex[p] = struct{}{}
	}
	for _, p := range config.DexPrograms {
		dex[p] = struct{}{}
	}
	return &TemporalClusterDetector{config: config, dex: dex, logger: logger}
}

func (d *TemporalClusterDetector) Name() models.FactorType {
	return models.FactorTemporalClustering
}

func (d *TemporalClusterDetector) isExchange(ev *models.TransactionEvent) bool {
	if _, ok := d.dex[ev.ProgramID]; ok {
		return true
	}
	_, ok := d.dex[ev.Counterparty]
	return ok
}

type cluster struct {
	events     []models.TransactionEvent
	assets     map[string]struct{}
	recipients map[string]struct{}
}

func (d *TemporalClusterDetector) Detect(ctx context.Context, events []models.TransactionEvent) (*models.RiskFactor, error) {
	var outflows []models.TransactionEvent
	for _, ev := range events {
		if ev.IsOutflow() && ev.Counterparty != "" && !d.isExchange(&ev) {
			outflows = append(outflows, ev)
		}
	}
	if len(outflows) < d.config.MinAssets {
		return nil, nil
	}
	sort.SliceStable(outflows, func(i, j int) bool {
		return outflows[i].Timestamp < outflows[j].Timestamp
	})

	window := int64(d.config.Window / time.Second)
	var best *cluster

	end := 0
	for start := range outflows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if end < start {
			end = start
		}
		for end < len(outflows) && outflows[end].Timestamp-outflows[start].Timestamp <= window {
			end++
		}

		c := &cluster{
			events:     outflows[start:end],
			assets:     make(map[string]struct{}),
			recipients: make(map[string]struct{}),
		}
		for _, ev := range c.events {
			c.assets[ev.Asset] = struct{}{}
			c.recipients[ev.Counterparty] = struct{}{}
		}
		// 单一接收方视为钱包迁移
		if len(c.assets) < d.config.MinAssets || len(c.recipients) < d.config.MinRecipients {
			continue
		}
		if best == nil || len(c.assets) > len(best.assets) ||
			(len(c.assets) == len(best.assets) && len(c.recipients) > len(best.recipients)) {
			best = c
		}
	}

	if best == nil {
		return nil, nil
	}

	evidence := newEvidenceSet()
	for _, ev := range best.events {
		evidence.add(models.EvidenceAddress, ev.Counterparty)
		evidence.add(models.EvidenceSignature, ev.Signature)
	}
	first, last := best.events[0].Timestamp, best.events[len(best.events)-1].Timestamp
	evidence.addTimestamp(first)
	evidence.addTimestamp(last)

	factor := &models.RiskFactor{
		Type:       models.FactorTemporalClustering,
		Severity:   models.SeverityHigh,
		Confidence: temporalConfidence(len(best.assets)),
		Evidence:   evidence.list(),
		Description: fmt.Sprintf("%d distinct assets sent to %d recipients within %ds",
			len(best.assets), len(best.recipients), last-first),
	}

	d.logger.WithFields(logrus.Fields{
		"assets":     len(best.assets),
		"recipients": len(best.recipients),
		"confidence": factor.Confidence,
	}).Debug("检测到资产时间聚集")
	return factor, nil
}

func temporalConfidence(assets int) float64 {
	switch {
	case assets >= 10:
		return 1.0
	case assets >= 5:
		return 0.9
	default:
		return 0.7
	}
}
