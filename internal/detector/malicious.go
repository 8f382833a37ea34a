package detector

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"drainscan/internal/errors"
	"drainscan/internal/retry"
	"drainscan/internal/store"
	"drainscan/pkg/models"

	"github.com/sirupsen/logrus"
)

// LookupConfig 外部查询类检测器的通用参数
type LookupConfig struct {
	Timeout time.Duration
	Retry   *retry.RetryConfig
}

func (c LookupConfig) withDefaults() LookupConfig {
	if c.Timeout <= 0 {
		c.Timeout = 3 * time.Second
	}
	if c.Retry == nil {
		c.Retry = retry.LookupRetryConfig
	}
	return c
}

// callWithTimeout 单次调用超时；父 context 仍有效时超时可重试
func callWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	out, err := fn(callCtx)
	if err != nil && ctx.Err() == nil && stderrors.Is(err, context.DeadlineExceeded) {
		return out, retry.NewRetryableError(err, true)
	}
	return out, err
}

const recencyBoost = 1.5

// KnownMaliciousLookupDetector 对手方与已知恶意地址库比对
type KnownMaliciousLookupDetector struct {
	store   store.MaliciousStore
	lookup  LookupConfig
	recency time.Duration
	retrier *retry.Retrier
	logger  *logrus.Logger
	now     func() time.Time
}

// NewKnownMaliciousLookupDetector 创建恶意地址检测器，recency 内出现过的记录置信度乘 1.5
func NewKnownMaliciousLookupDetector(s store.MaliciousStore, lookup LookupConfig, recency time.Duration, logger *logrus.Logger) *KnownMaliciousLookupDetector {
	lookup = lookup.withDefaults()
	if recency <= 0 {
		recency = 30 * 24 * time.Hour
	}
	return &KnownMaliciousLookupDetector{
		store:   s,
		lookup:  lookup,
		recency: recency,
		retrier: retry.NewRetrier(lookup.Retry, logger),
		logger:  logger,
		now:     time.Now,
	}
}

func (d *KnownMaliciousLookupDetector) Name() models.FactorType {
	return models.FactorKnownMalicious
}

func (d *KnownMaliciousLookupDetector) Detect(ctx context.Context, events []models.TransactionEvent) (*models.RiskFactor, error) {
	addrs, sigs := candidates(events)
	if len(addrs) == 0 {
		return nil, nil
	}

	records, err := retry.Do(ctx, d.retrier, "malicious_lookup", func() ([]models.KnownMaliciousRecord, error) {
		return callWithTimeout(ctx, d.lookup.Timeout, func(callCtx context.Context) ([]models.KnownMaliciousRecord, error) {
			return d.store.LookupBatch(callCtx, addrs)
		})
	})
	if err != nil {
		return nil, errors.NewDependencyUnavailableError(err, "malicious_store")
	}
	if len(records) == 0 {
		return nil, nil
	}

	now := d.now()
	best := 0.0
	maxReports := 0
	evidence := newEvidenceSet()
	for _, r := range records {
		c := reportBand(r.ReportCount)
		if !r.LastSeen.IsZero() && now.Sub(r.LastSeen) <= d.recency {
			c *= recencyBoost
		}
		c = capConfidence(c)
		if c > best {
			best = c
		}
		if r.ReportCount > maxReports {
			maxReports = r.ReportCount
		}
		evidence.add(models.EvidenceAddress, r.Address)
		for _, sig := range sigs[r.Address] {
			evidence.add(models.EvidenceSignature, sig)
		}
	}
	if best == 0 {
		return nil, nil
	}

	d.logger.WithFields(logrus.Fields{
		"matches":    len(records),
		"confidence": best,
	}).Debug("命中已知恶意地址")

	return &models.RiskFactor{
		Type:        models.FactorKnownMalicious,
		Severity:    models.SeverityCritical,
		Confidence:  best,
		Evidence:    evidence.list(),
		Description: fmt.Sprintf("%d counterparties match known malicious addresses (up to %d reports)", len(records), maxReports),
	}, nil
}

func reportBand(count int) float64 {
	switch {
	case count >= 21:
		return 1.0
	case count >= 6:
		return 0.8
	case count >= 1:
		return 0.6
	default:
		return 0
	}
}
