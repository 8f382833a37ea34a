package detector

import (
	"context"
	"fmt"
	"strings"

	"drainscan/internal/errors"
	"drainscan/internal/registry"
	"drainscan/internal/retry"
	"drainscan/pkg/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// OnChainRegistryDetector 查询链上举报注册表
type OnChainRegistryDetector struct {
	derive  registry.KeyDeriver
	client  registry.Client
	lookup  LookupConfig
	retrier *retry.Retrier
	logger  *logrus.Logger
}

// NewOnChainRegistryDetector 创建注册表检测器
func NewOnChainRegistryDetector(derive registry.KeyDeriver, client registry.Client, lookup LookupConfig, logger *logrus.Logger) *OnChainRegistryDetector {
	lookup = lookup.withDefaults()
	return &OnChainRegistryDetector{
		derive:  derive,
		client:  client,
		lookup:  lookup,
		retrier: retry.NewRetrier(lookup.Retry, logger),
		logger:  logger,
	}
}

func (d *OnChainRegistryDetector) Name() models.FactorType {
	return models.FactorOnChainRegistry
}

func (d *OnChainRegistryDetector) Detect(ctx context.Context, events []models.TransactionEvent) (*models.RiskFactor, error) {
	addrs, sigs := candidates(events)
	if len(addrs) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(addrs))
	owners := make(map[string]string, len(addrs))
	for _, addr := range addrs {
		key, err := d.derive(addr)
		if err != nil {
			d.logger.WithField("address", addr).Debugf("无法派生注册表地址: %v", err)
			continue
		}
		keys = append(keys, key)
		owners[key] = addr
	}
	if len(keys) == 0 {
		return nil, nil
	}

	found, err := retry.Do(ctx, d.retrier, "registry_fetch", func() (map[string]*models.RegistryRecord, error) {
		return callWithTimeout(ctx, d.lookup.Timeout, func(callCtx context.Context) (map[string]*models.RegistryRecord, error) {
			return d.client.FetchAccounts(callCtx, keys)
		})
	})
	if err != nil {
		return nil, errors.NewDependencyUnavailableError(err, "onchain_registry")
	}

	var best *models.RegistryRecord
	var matched int
	var totalLamports uint64
	categories := make(map[models.AttackCategory]struct{})
	evidence := newEvidenceSet()
	for _, key := range keys {
		r, ok := found[key]
		if !ok || r == nil || r.ReportCount == 0 {
			continue
		}
		matched++
		totalLamports += r.TotalLamportsReported
		if r.AttackCategory.Known() {
			categories[r.AttackCategory] = struct{}{}
		}
		if best == nil || r.ReportCount > best.ReportCount {
			best = r
		}
		addr := owners[key]
		evidence.add(models.EvidenceAddress, addr)
		for _, sig := range sigs[addr] {
			evidence.add(models.EvidenceSignature, sig)
		}
		evidence.addTimestamp(r.LastSeen.Unix())
	}
	if best == nil {
		return nil, nil
	}

	desc := fmt.Sprintf("%d counterparties reported in the on-chain drainer registry (up to %d reports, %s SOL reported stolen)",
		matched, best.ReportCount, decimal.NewFromInt(int64(totalLamports)).Shift(-9).String())
	var names []string
	for c := models.AttackCategoryPhishing; c < models.AttackCategoryUnknown; c++ {
		if _, ok := categories[c]; ok {
			names = append(names, c.String())
		}
	}
	if len(names) > 0 {
		desc += "; categories: " + strings.Join(names, ", ")
	}

	return &models.RiskFactor{
		Type:        models.FactorOnChainRegistry,
		Severity:    models.SeverityHigh,
		Confidence:  registryBand(best.ReportCount),
		Evidence:    evidence.list(),
		Description: desc,
	}, nil
}

func registryBand(count uint32) float64 {
	switch {
	case count >= 11:
		return 1.0
	case count >= 3:
		return 0.9
	default:
		return 0.7
	}
}
