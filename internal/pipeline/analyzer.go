package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"drainscan/internal/advisor"
	"drainscan/internal/aggregator"
	"drainscan/internal/cache"
	"drainscan/internal/classifier"
	"drainscan/internal/detector"
	"drainscan/internal/errors"
	"drainscan/internal/ingest"
	"drainscan/internal/logging"
	"drainscan/internal/normalizer"
	"drainscan/internal/output"
	"drainscan/internal/validation"
	"drainscan/pkg/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	DefaultDeadline = 15 * time.Second

	// 降级来源名称，检测器使用自身的因子类型
	SourceIngest = "ingest"

	publishTimeout = 5 * time.Second
)

// Deps 分析器依赖
type Deps struct {
	Validator  *validation.Validator
	Cache      *cache.AnalysisCache
	Ingestor   *ingest.Ingestor
	Normalizer *normalizer.Normalizer
	Detectors  []detector.Detector
	Aggregator *aggregator.Aggregator
	Classifier *classifier.Classifier
	Prices     PriceSource
	Publisher  output.Publisher
	ErrHandler *errors.ErrorHandler
	// 审计日志，为空时不记录
	Audit *logging.StructuredLogger
}

// Stats 运行统计
type Stats struct {
	Cache  cache.Stats       `json:"cache"`
	Errors errors.ErrorStats `json:"errors"`
}

// Analyzer 钱包盗取检测流水线
type Analyzer struct {
	validator  *validation.Validator
	cache      *cache.AnalysisCache
	ingestor   *ingest.Ingestor
	normalizer *normalizer.Normalizer
	detectors  []detector.Detector
	aggregator *aggregator.Aggregator
	classifier *classifier.Classifier
	prices     PriceSource
	publisher  output.Publisher
	errHandler *errors.ErrorHandler
	audit      *logging.StructuredLogger
	logger     *logrus.Logger
	deadline   time.Duration
	now        func() time.Time
}

// NewAnalyzer 创建分析器
func NewAnalyzer(deps Deps, deadline time.Duration, logger *logrus.Logger) *Analyzer {
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	a := &Analyzer{
		validator:  deps.Validator,
		cache:      deps.Cache,
		ingestor:   deps.Ingestor,
		normalizer: deps.Normalizer,
		detectors:  deps.Detectors,
		aggregator: deps.Aggregator,
		classifier: deps.Classifier,
		prices:     deps.Prices,
		publisher:  deps.Publisher,
		errHandler: deps.ErrHandler,
		audit:      deps.Audit,
		logger:     logger,
		deadline:   deadline,
		now:        time.Now,
	}
	if a.aggregator == nil {
		a.aggregator = aggregator.NewAggregator()
	}
	if a.classifier == nil {
		a.classifier = classifier.NewClassifier()
	}
	if a.prices == nil {
		a.prices = StaticPrices{}
	}
	if a.publisher == nil {
		a.publisher = output.NoopPublisher{}
	}
	if a.errHandler == nil {
		a.errHandler = errors.NewErrorHandler(logger)
	}
	return a
}

// Analyze 分析地址是否被盗。只有输入错误与超出分析范围会以错误返回，
// 其余失败体现为部分结果或 INCONCLUSIVE
func (a *Analyzer) Analyze(ctx context.Context, address string) (*models.DrainAnalysis, error) {
	if err := a.validator.ValidateAddress(address); err != nil {
		return nil, err
	}
	return a.cache.GetOrCompute(ctx, address, func(ctx context.Context) (*models.DrainAnalysis, error) {
		return a.run(ctx, address)
	})
}

// Invalidate 使该地址及证据中引用该地址的缓存结果失效
func (a *Analyzer) Invalidate(ctx context.Context, address string) ([]string, error) {
	if err := a.validator.ValidateAddress(address); err != nil {
		return nil, err
	}
	return a.cache.Invalidate(ctx, address)
}

// GetStats 获取运行统计
func (a *Analyzer) GetStats() Stats {
	return Stats{
		Cache:  a.cache.GetStats(),
		Errors: a.errHandler.GetStats(),
	}
}

// run 执行一次完整分析，整体受软截止时间约束
func (a *Analyzer) run(ctx context.Context, address string) (*models.DrainAnalysis, error) {
	start := a.now()
	analysis := &models.DrainAnalysis{
		ID:      uuid.NewString(),
		Address: address,
		Factors: []models.RiskFactor{},
	}
	log := a.logger.WithFields(logrus.Fields{"address": address, "run_id": analysis.ID})

	runCtx, cancel := context.WithTimeout(ctx, a.deadline)
	defer cancel()

	res, err := a.ingestor.Ingest(runCtx, address, "")
	if err != nil {
		if errors.IsExceededScope(err) || errors.IsInvalidInput(err) {
			return nil, err
		}
		a.errHandler.HandleError(ctx, err)
		log.Warnf("交易拉取失败，结果不确定: %v", err)
		analysis.Partial = true
		analysis.DegradedSources = []string{SourceIngest}
		a.conclude(analysis, aggregator.Result{OverallRisk: models.RiskInconclusive, Factors: []models.RiskFactor{}}, nil)
		a.finish(ctx, analysis, start)
		return analysis, nil
	}
	if res.Partial {
		analysis.Partial = true
		analysis.DegradedSources = append(analysis.DegradedSources, SourceIngest)
	}

	events, stats := a.normalizer.Normalize(runCtx, address, res.Records)
	events = models.DetectorInput(events)
	analysis.EventCount = len(events)
	log.WithFields(logrus.Fields{
		"records":     stats.Records,
		"events":      len(events),
		"unparseable": stats.Unparseable,
	}).Debug("交易标准化完成")

	factors, completed, degraded, timedOut := a.detect(runCtx, analysis.ID, events, log)
	analysis.DegradedSources = append(analysis.DegradedSources, degraded...)
	// 任一检测器降级或超时，结果都按部分结果处理
	if timedOut || len(degraded) > 0 || runCtx.Err() != nil {
		analysis.Partial = true
	}

	if completed == 0 && len(a.detectors) > 0 {
		log.Warn("所有检测器均未完成，结果不确定")
		analysis.Partial = true
		a.conclude(analysis, aggregator.Result{OverallRisk: models.RiskInconclusive, Factors: []models.RiskFactor{}}, events)
	} else {
		a.conclude(analysis, a.aggregator.Aggregate(factors), events)
	}

	a.finish(ctx, analysis, start)
	return analysis, nil
}

type detectorResult struct {
	name   models.FactorType
	factor *models.RiskFactor
	err    error
}

// detect 并行运行所有检测器，截止时间到达后放弃未返回的检测器
func (a *Analyzer) detect(ctx context.Context, runID string, events []models.TransactionEvent, log *logrus.Entry) ([]models.RiskFactor, int, []string, bool) {
	detectCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan detectorResult, len(a.detectors))
	for _, d := range a.detectors {
		d := d
		go func() {
			defer func() {
				if r := recover(); r != nil {
					results <- detectorResult{name: d.Name(), err: fmt.Errorf("检测器异常: %v", r)}
				}
			}()
			factor, err := d.Detect(detectCtx, events)
			results <- detectorResult{name: d.Name(), factor: factor, err: err}
		}()
	}

	var factors []models.RiskFactor
	var degraded []string
	completed := 0
	reported := make(map[models.FactorType]bool, len(a.detectors))

	collect := func(r detectorResult) {
		reported[r.name] = true
		if r.err != nil {
			degraded = append(degraded, string(r.name))
			a.errHandler.HandleError(ctx, r.err)
			log.WithField("detector", r.name).Warnf("检测器降级: %v", r.err)
			a.auditDetector(runID, r.name, "检测器降级", r.err)
			return
		}
		completed++
		if r.factor != nil {
			factors = append(factors, *r.factor)
		}
		if a.audit != nil {
			logging.NewDetectorLogger(a.audit, runID, string(r.name)).Debug("检测器完成", "fired", r.factor != nil)
		}
	}

	timedOut := false
wait:
	for len(reported) < len(a.detectors) {
		select {
		case r := <-results:
			collect(r)
		case <-ctx.Done():
			timedOut = true
			break wait
		}
	}

	if timedOut {
		// 截止时刻已返回的结果仍然采用
		for drained := false; !drained; {
			select {
			case r := <-results:
				collect(r)
			default:
				drained = true
			}
		}
		for _, d := range a.detectors {
			if !reported[d.Name()] {
				degraded = append(degraded, string(d.Name()))
				log.WithField("detector", d.Name()).Warn("检测器超时")
				a.auditDetector(runID, d.Name(), "检测器超时", ctx.Err())
			}
		}
		timedOut = len(reported) < len(a.detectors)
	}

	sort.Strings(degraded)
	return factors, completed, degraded, timedOut
}

func (a *Analyzer) auditDetector(runID string, name models.FactorType, msg string, err error) {
	if a.audit == nil {
		return
	}
	logging.NewDetectorLogger(a.audit, runID, string(name)).Warn(msg, "error", fmt.Sprint(err))
}

// conclude 填充风险等级、攻击类型、被盗资产与建议
func (a *Analyzer) conclude(analysis *models.DrainAnalysis, result aggregator.Result, events []models.TransactionEvent) {
	analysis.OverallRisk = result.OverallRisk
	analysis.Confidence = result.Confidence
	analysis.Factors = result.Factors

	if result.OverallRisk != models.RiskInconclusive {
		c := a.classifier.Classify(result.Factors, events)
		analysis.AttackType = c.Type
		analysis.AttackConfidence = c.Confidence
		analysis.DrainedAssets = a.drainedAssets(result.Factors, events)
	}
	analysis.Recommendations = advisor.Advise(analysis.AttackType, analysis.OverallRisk, analysis.Partial)
}

// drainedAssets 证据涉及的流出转账按资产汇总
func (a *Analyzer) drainedAssets(factors []models.RiskFactor, events []models.TransactionEvent) []models.DrainedAsset {
	if len(factors) == 0 {
		return nil
	}
	sigs := make(map[string]struct{})
	addrs := make(map[string]struct{})
	for i := range factors {
		for _, s := range factors[i].Signatures() {
			sigs[s] = struct{}{}
		}
		for _, addr := range factors[i].Addresses() {
			addrs[addr] = struct{}{}
		}
	}

	totals := make(map[string]decimal.Decimal)
	for _, ev := range events {
		if !ev.IsOutflow() {
			continue
		}
		_, bySig := sigs[ev.Signature]
		_, byAddr := addrs[ev.Counterparty]
		if !bySig && !byAddr {
			continue
		}
		totals[ev.Asset] = totals[ev.Asset].Add(ev.Amount)
	}

	assets := make([]string, 0, len(totals))
	for asset := range totals {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	out := make([]models.DrainedAsset, 0, len(assets))
	for _, asset := range assets {
		da := models.DrainedAsset{Asset: asset, Amount: totals[asset]}
		if price, ok := a.prices.USD(asset); ok {
			v := totals[asset].Mul(price).Round(2)
			da.ApproxValue = &v
		}
		out = append(out, da)
	}
	return out
}

// finish 记录审计日志并发布结果
func (a *Analyzer) finish(ctx context.Context, analysis *models.DrainAnalysis, start time.Time) {
	analysis.CheckedAt = a.now().UTC()
	duration := a.now().Sub(start)

	a.logger.WithFields(logrus.Fields{
		"address":  analysis.Address,
		"run_id":   analysis.ID,
		"risk":     analysis.OverallRisk,
		"factors":  len(analysis.Factors),
		"partial":  analysis.Partial,
		"duration": duration.String(),
	}).Info("分析完成")

	if a.audit != nil {
		logging.NewAnalysisLogger(a.audit, analysis.ID, analysis.Address).Info("分析完成",
			"risk", string(analysis.OverallRisk),
			"confidence", analysis.Confidence,
			"partial", analysis.Partial,
			"degraded", analysis.DegradedSources,
			"duration_ms", duration.Milliseconds(),
		)
		if analysis.Partial {
			a.audit.WarnWithFields("分析结果不完整", map[string]any{
				"run_id":   analysis.ID,
				"address":  analysis.Address,
				"risk":     string(analysis.OverallRisk),
				"degraded": analysis.DegradedSources,
			})
		}
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := a.publisher.Publish(pubCtx, analysis); err != nil {
		a.logger.WithField("address", analysis.Address).Warnf("发布分析结果失败: %v", err)
	}
}
