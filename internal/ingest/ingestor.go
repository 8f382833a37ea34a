package ingest

import (
	"context"
	"sort"
	"sync"

	"drainscan/internal/errors"
	"drainscan/internal/ledger"
	"drainscan/internal/retry"
	"drainscan/pkg/models"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	// HardCeiling 单个地址允许的交易数上限，超过即放弃分析，配置值会被截断到该值
	HardCeiling = 10000

	DefaultMaxRecords       = 1000
	DefaultPageSize         = 1000
	DefaultBatchSize        = 100
	DefaultFetchConcurrency = 4
)

// Config 拉取参数
// MaxRecords 限制实际分析的最近交易数；Ceiling 限制地址的总交易数，超过时放弃分析
type Config struct {
	MaxRecords       int
	Ceiling          int
	PageSize         int
	BatchSize        int
	FetchConcurrency int
}

func (c Config) withDefaults() Config {
	if c.MaxRecords <= 0 {
		c.MaxRecords = DefaultMaxRecords
	}
	if c.MaxRecords > HardCeiling {
		c.MaxRecords = HardCeiling
	}
	if c.Ceiling <= 0 || c.Ceiling > HardCeiling {
		c.Ceiling = HardCeiling
	}
	if c.Ceiling < c.MaxRecords {
		c.Ceiling = c.MaxRecords
	}
	if c.PageSize <= 0 || c.PageSize > DefaultPageSize {
		c.PageSize = DefaultPageSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FetchConcurrency <= 0 {
		c.FetchConcurrency = DefaultFetchConcurrency
	}
	return c
}

// Result 拉取结果
type Result struct {
	Records        []models.RawRecord
	Partial        bool
	Truncated      bool
	SignatureCount int
	SkippedFailed  int
	Unconfirmed    int
}

// Ingestor 交易拉取器
type Ingestor struct {
	provider ledger.Provider
	retrier  *retry.Retrier
	config   Config
	logger   *logrus.Logger
}

// NewIngestor 创建拉取器
func NewIngestor(provider ledger.Provider, config Config, retryConfig *retry.RetryConfig, logger *logrus.Logger) *Ingestor {
	if retryConfig == nil {
		retryConfig = retry.LedgerRetryConfig
	}
	return &Ingestor{
		provider: provider,
		retrier:  retry.NewRetrier(retryConfig, logger),
		config:   config.withDefaults(),
		logger:   logger,
	}
}

// MaxRecords 生效的单次分析条数
func (i *Ingestor) MaxRecords() int {
	return i.config.MaxRecords
}

// Ceiling 生效的地址交易数上限
func (i *Ingestor) Ceiling() int {
	return i.config.Ceiling
}

// Ingest 拉取地址最近的交易记录，按时间升序返回
// 总交易数超过 Ceiling 时返回 ExceededScope 错误；超过 MaxRecords 时只保留最近的
// MaxRecords 条并标记 Truncated 与 Partial；重试耗尽后返回已拉取的部分数据并标记 Partial
func (i *Ingestor) Ingest(ctx context.Context, address, cursor string) (*Result, error) {
	log := i.logger.WithField("address", address)

	sigs, partial, err := i.listSignatures(ctx, address, cursor)
	if err != nil {
		return nil, err
	}

	result := &Result{SignatureCount: len(sigs), Partial: partial}
	if len(sigs) > i.config.MaxRecords {
		// 签名按时间倒序返回，前 MaxRecords 条即最近的交易
		sigs = sigs[:i.config.MaxRecords]
		result.Truncated = true
		result.Partial = true
		log.Warnf("地址共有 %d 条交易，仅分析最近的 %d 条", result.SignatureCount, len(sigs))
	}

	pending := make([]string, 0, len(sigs))
	for _, s := range sigs {
		if s.Failed {
			result.SkippedFailed++
			continue
		}
		pending = append(pending, s.Signature)
	}

	records, fetchPartial := i.fetchAll(ctx, pending)
	result.Partial = result.Partial || fetchPartial

	for _, r := range records {
		if !r.Confirmed() {
			result.Unconfirmed++
			continue
		}
		result.Records = append(result.Records, r)
	}

	sort.SliceStable(result.Records, func(a, b int) bool {
		ra, rb := result.Records[a], result.Records[b]
		if *ra.BlockTime != *rb.BlockTime {
			return *ra.BlockTime < *rb.BlockTime
		}
		if ra.Slot != rb.Slot {
			return ra.Slot < rb.Slot
		}
		return ra.Signature < rb.Signature
	})

	log.WithFields(logrus.Fields{
		"signatures":     result.SignatureCount,
		"records":        len(result.Records),
		"skipped_failed": result.SkippedFailed,
		"unconfirmed":    result.Unconfirmed,
		"partial":        result.Partial,
		"truncated":      result.Truncated,
	}).Debug("交易拉取完成")

	return result, nil
}

// listSignatures 分页列出签名，多取一条用于判断是否超出 Ceiling
func (i *Ingestor) listSignatures(ctx context.Context, address, cursor string) ([]models.SignatureInfo, bool, error) {
	limit := i.config.Ceiling
	before := cursor
	var all []models.SignatureInfo

	for len(all) <= limit {
		want := limit + 1 - len(all)
		if want > i.config.PageSize {
			want = i.config.PageSize
		}

		page, err := retry.Do(ctx, i.retrier, "list_signatures", func() ([]models.SignatureInfo, error) {
			return i.provider.ListSignatures(ctx, address, want, before)
		})
		if err != nil {
			if len(all) == 0 {
				return nil, false, errors.NewTransientFetchError(err, "getSignaturesForAddress").WithAddress(address)
			}
			i.logger.WithField("address", address).Warnf("签名分页中断，使用已获取的 %d 条: %v", len(all), err)
			return all, true, nil
		}

		all = append(all, page...)
		if len(page) < want || len(page) == 0 {
			break
		}
		before = page[len(page)-1].Signature
	}

	if len(all) > limit {
		return nil, false, errors.NewExceededScopeError(address, limit)
	}
	return all, false, nil
}

// fetchAll 分批并发获取交易详情
func (i *Ingestor) fetchAll(ctx context.Context, signatures []string) ([]models.RawRecord, bool) {
	if len(signatures) == 0 {
		return nil, false
	}

	var batches [][]string
	for start := 0; start < len(signatures); start += i.config.BatchSize {
		end := start + i.config.BatchSize
		if end > len(signatures) {
			end = len(signatures)
		}
		batches = append(batches, signatures[start:end])
	}

	results := make([][]models.RawRecord, len(batches))
	var mu sync.Mutex
	partial := false

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.config.FetchConcurrency)

	for idx, batch := range batches {
		idx, batch := idx, batch
		g.Go(func() error {
			records, err := retry.Do(gctx, i.retrier, "fetch_transactions", func() ([]models.RawRecord, error) {
				return i.provider.FetchTransactions(gctx, batch)
			})
			if err != nil {
				i.logger.Warnf("交易批次 %d 获取失败，结果将标记为部分: %v", idx, err)
				mu.Lock()
				partial = true
				mu.Unlock()
				return nil
			}
			results[idx] = records
			return nil
		})
	}
	_ = g.Wait()

	var out []models.RawRecord
	for _, r := range results {
		out = append(out, r...)
	}
	return out, partial
}
