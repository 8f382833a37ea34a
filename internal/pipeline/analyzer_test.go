package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"drainscan/internal/cache"
	"drainscan/internal/config"
	"drainscan/internal/detector"
	scanerrors "drainscan/internal/errors"
	"drainscan/internal/ingest"
	"drainscan/internal/logging"
	"drainscan/internal/normalizer"
	"drainscan/internal/registry"
	"drainscan/internal/retry"
	"drainscan/internal/store"
	"drainscan/internal/validation"
	"drainscan/pkg/models"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newAddr() string {
	return solana.NewWallet().PublicKey().String()
}

// fakeLedger 保存升序交易记录，按时间倒序分页返回签名
type fakeLedger struct {
	records    []models.RawRecord
	listErr    error
	block      chan struct{}
	listCalls  atomic.Int32
	fetchCalls atomic.Int32
}

func (f *fakeLedger) ListSignatures(ctx context.Context, address string, limit int, before string) ([]models.SignatureInfo, error) {
	f.listCalls.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.listErr != nil {
		return nil, f.listErr
	}

	desc := make([]models.SignatureInfo, 0, len(f.records))
	for i := len(f.records) - 1; i >= 0; i-- {
		r := f.records[i]
		desc = append(desc, models.SignatureInfo{Signature: r.Signature, Slot: r.Slot, BlockTime: r.BlockTime})
	}
	start := 0
	if before != "" {
		for i, s := range desc {
			if s.Signature == before {
				start = i + 1
				break
			}
		}
	}
	end := start + limit
	if end > len(desc) {
		end = len(desc)
	}
	return desc[start:end], nil
}

func (f *fakeLedger) FetchTransactions(ctx context.Context, signatures []string) ([]models.RawRecord, error) {
	f.fetchCalls.Add(1)
	want := make(map[string]struct{}, len(signatures))
	for _, s := range signatures {
		want[s] = struct{}{}
	}
	var out []models.RawRecord
	for _, r := range f.records {
		if _, ok := want[r.Signature]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func rawRecord(sig string, ts int64, keys []string, pre, post []int64, preTok, postTok []map[string]interface{}) models.RawRecord {
	if preTok == nil {
		preTok = []map[string]interface{}{}
	}
	if postTok == nil {
		postTok = []map[string]interface{}{}
	}
	accountKeys := make([]map[string]interface{}, len(keys))
	for i, k := range keys {
		accountKeys[i] = map[string]interface{}{"pubkey": k, "signer": i == 0, "writable": true}
	}
	body := map[string]interface{}{
		"slot":      uint64(ts),
		"blockTime": ts,
		"version":   0,
		"meta": map[string]interface{}{
			"err":               nil,
			"fee":               0,
			"preBalances":       pre,
			"postBalances":      post,
			"preTokenBalances":  preTok,
			"postTokenBalances": postTok,
			"innerInstructions": []interface{}{},
		},
		"transaction": map[string]interface{}{
			"signatures": []string{solana.Signature{}.String()},
			"message": map[string]interface{}{
				"accountKeys":  accountKeys,
				"instructions": []interface{}{},
			},
		},
	}
	data, _ := json.Marshal(body)
	blockTime := ts
	return models.RawRecord{Signature: sig, Slot: uint64(ts), BlockTime: &blockTime, Data: data}
}

// solTransfer from 是付款方，手续费为 0
func solTransfer(sig string, ts int64, from, to string, lamports int64) models.RawRecord {
	return rawRecord(sig, ts,
		[]string{from, to},
		[]int64{100_000_000_000, 5_000_000_000},
		[]int64{100_000_000_000 - lamports, 5_000_000_000 + lamports},
		nil, nil)
}

func tokenBalance(idx int, mint, owner, amount string) map[string]interface{} {
	return map[string]interface{}{
		"accountIndex": idx,
		"mint":         mint,
		"owner":        owner,
		"uiTokenAmount": map[string]interface{}{
			"amount":   amount,
			"decimals": 6,
		},
	}
}

func tokenTransfer(sig string, ts int64, mint, from, to, amount string) models.RawRecord {
	return rawRecord(sig, ts,
		[]string{from, newAddr(), newAddr()},
		[]int64{1_000_000_000, 2_039_280, 2_039_280},
		[]int64{1_000_000_000, 2_039_280, 2_039_280},
		[]map[string]interface{}{tokenBalance(1, mint, from, amount), tokenBalance(2, mint, to, "0")},
		[]map[string]interface{}{tokenBalance(1, mint, from, "0"), tokenBalance(2, mint, to, amount)},
	)
}

type recordingPublisher struct {
	mu        sync.Mutex
	published []*models.DrainAnalysis
	err       error
}

func (p *recordingPublisher) Publish(ctx context.Context, a *models.DrainAnalysis) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, a)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

// stubDetector 可控的检测器
type stubDetector struct {
	name   models.FactorType
	factor *models.RiskFactor
	err    error
	block  bool
	panics bool
}

func (s *stubDetector) Name() models.FactorType { return s.name }

func (s *stubDetector) Detect(ctx context.Context, events []models.TransactionEvent) (*models.RiskFactor, error) {
	if s.panics {
		panic("boom")
	}
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.factor, s.err
}

type harness struct {
	analyzer  *Analyzer
	ledger    *fakeLedger
	malicious *store.MemoryStore
	registry  *registry.MemoryClient
	publisher *recordingPublisher
	audit     *bytes.Buffer
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	deadline   time.Duration
	maxRecords int
	ceiling    int
	auditLevel string
	detectors  func(h *harness, logger *logrus.Logger) []detector.Detector
}

func withDeadline(d time.Duration) harnessOption {
	return func(c *harnessConfig) { c.deadline = d }
}

func withMaxRecords(n int) harnessOption {
	return func(c *harnessConfig) { c.maxRecords = n }
}

func withAuditLevel(level string) harnessOption {
	return func(c *harnessConfig) { c.auditLevel = level }
}

func withCeiling(n int) harnessOption {
	return func(c *harnessConfig) { c.ceiling = n }
}

func withDetectors(fn func(h *harness, logger *logrus.Logger) []detector.Detector) harnessOption {
	return func(c *harnessConfig) { c.detectors = fn }
}

func registryKey(address string) (string, error) {
	return "pda:" + address, nil
}

func defaultDetectors(h *harness, logger *logrus.Logger) []detector.Detector {
	lookup := detector.LookupConfig{Timeout: time.Second, Retry: &retry.RetryConfig{MaxAttempts: 1}}
	return []detector.Detector{
		detector.NewTemporalClusterDetector(detector.TemporalConfig{}, logger),
		detector.NewSweeperBotDetector(detector.SweeperConfig{}, logger),
		detector.NewKnownMaliciousLookupDetector(h.malicious, lookup, 30*24*time.Hour, logger),
		detector.NewOnChainRegistryDetector(registryKey, h.registry, lookup, logger),
	}
}

func newHarness(t *testing.T, records []models.RawRecord, opts ...harnessOption) *harness {
	t.Helper()
	cfg := harnessConfig{deadline: 5 * time.Second, maxRecords: 100, auditLevel: "info", detectors: defaultDetectors}
	for _, o := range opts {
		o(&cfg)
	}

	logger := quietLogger()
	h := &harness{
		ledger:    &fakeLedger{records: records},
		malicious: store.NewMemoryStore(),
		registry:  registry.NewMemoryClient(),
		publisher: &recordingPublisher{},
		audit:     &bytes.Buffer{},
	}

	audit, err := logging.NewStructuredLoggerWithWriter(&logging.LogConfig{Level: cfg.auditLevel, Format: "json"}, h.audit)
	require.NoError(t, err)

	validator := validation.NewValidator(logger)
	errHandler := scanerrors.NewErrorHandler(logger)
	prices, err := NewStaticPrices(nil)
	require.NoError(t, err)
	prices[models.NativeAsset] = decimal.NewFromInt(150)

	h.analyzer = NewAnalyzer(Deps{
		Validator:  validator,
		Cache:      cache.NewAnalysisCache(cache.NewMemoryStore(), time.Hour, 5*time.Minute, logger),
		Ingestor:   ingest.NewIngestor(h.ledger, ingest.Config{MaxRecords: cfg.maxRecords, Ceiling: cfg.ceiling}, &retry.RetryConfig{MaxAttempts: 1}, logger),
		Normalizer: normalizer.NewNormalizer(validator, errHandler, logger),
		Detectors:  cfg.detectors(h, logger),
		Prices:     prices,
		Publisher:  h.publisher,
		ErrHandler: errHandler,
		Audit:      audit,
	}, cfg.deadline, logger)
	return h
}

func TestAnalyze_QuietWalletIsSafe(t *testing.T) {
	victim, friend := newAddr(), newAddr()
	h := newHarness(t, []models.RawRecord{
		solTransfer("in-1", 1_700_000_000, friend, victim, 1_000_000_000),
	})

	a, err := h.analyzer.Analyze(context.Background(), victim)
	require.NoError(t, err)

	assert.Equal(t, models.RiskSafe, a.OverallRisk)
	assert.NotNil(t, a.Factors)
	assert.Empty(t, a.Factors)
	assert.Nil(t, a.AttackType)
	assert.Empty(t, a.DrainedAssets)
	assert.False(t, a.Partial)
	assert.Equal(t, 1, a.EventCount)
	assert.NotEmpty(t, a.ID)
	assert.False(t, a.CheckedAt.IsZero())
}

func TestAnalyze_SweeperBotIsSeedCompromise(t *testing.T) {
	victim, funder, drainer := newAddr(), newAddr(), newAddr()
	h := newHarness(t, []models.RawRecord{
		solTransfer("in-1", 1_700_000_000, funder, victim, 1_000_000_000),
		solTransfer("out-1", 1_700_000_005, victim, drainer, 990_000_000),
		solTransfer("in-2", 1_700_001_000, funder, victim, 2_000_000_000),
		solTransfer("out-2", 1_700_001_004, victim, drainer, 1_980_000_000),
	})

	a, err := h.analyzer.Analyze(context.Background(), victim)
	require.NoError(t, err)

	assert.Equal(t, models.RiskDrained, a.OverallRisk)
	require.Len(t, a.Factors, 1)
	assert.Equal(t, models.FactorSweeperBot, a.Factors[0].Type)
	assert.InDelta(t, 0.9, a.Confidence, 1e-9)
	require.NotNil(t, a.AttackType)
	assert.Equal(t, models.AttackSeedCompromise, *a.AttackType)

	require.Len(t, a.DrainedAssets, 1)
	assert.Equal(t, models.NativeAsset, a.DrainedAssets[0].Asset)
	assert.True(t, decimal.RequireFromString("2.97").Equal(a.DrainedAssets[0].Amount))
	require.NotNil(t, a.DrainedAssets[0].ApproxValue)
	assert.True(t, decimal.RequireFromString("445.5").Equal(*a.DrainedAssets[0].ApproxValue))

	require.NotEmpty(t, a.Recommendations)
	assert.Equal(t, models.UrgencyCritical, a.Recommendations[0].Urgency)
	assert.Equal(t, 1, h.publisher.count())
	assert.Contains(t, h.audit.String(), a.ID)
}

func TestAnalyze_TemporalClusterOfFourAssets(t *testing.T) {
	victim, drainerA, drainerB := newAddr(), newAddr(), newAddr()
	mintA, mintB, mintC := newAddr(), newAddr(), newAddr()
	h := newHarness(t, []models.RawRecord{
		solTransfer("out-sol", 1_700_000_000, victim, drainerA, 3_000_000_000),
		tokenTransfer("out-a", 1_700_000_010, mintA, victim, drainerA, "100000000"),
		tokenTransfer("out-b", 1_700_000_020, mintB, victim, drainerB, "5000000"),
		tokenTransfer("out-c", 1_700_000_030, mintC, victim, drainerB, "7000000"),
	})

	a, err := h.analyzer.Analyze(context.Background(), victim)
	require.NoError(t, err)

	assert.Equal(t, models.RiskAtRisk, a.OverallRisk)
	require.Len(t, a.Factors, 1)
	assert.Equal(t, models.FactorTemporalClustering, a.Factors[0].Type)
	assert.InDelta(t, 0.7, a.Factors[0].Confidence, 1e-9)
	require.NotNil(t, a.AttackType)
	assert.Equal(t, models.AttackUnknownDrain, *a.AttackType)
	assert.Len(t, a.DrainedAssets, 4)
}

func TestAnalyze_KnownMaliciousWithManyReports(t *testing.T) {
	victim, drainer := newAddr(), newAddr()
	h := newHarness(t, []models.RawRecord{
		solTransfer("out-1", 1_700_000_000, victim, drainer, 5_000_000_000),
	})
	h.malicious.Put(models.KnownMaliciousRecord{Address: drainer, ReportCount: 25, Source: "community"})

	a, err := h.analyzer.Analyze(context.Background(), victim)
	require.NoError(t, err)

	assert.Equal(t, models.RiskDrained, a.OverallRisk)
	require.Len(t, a.Factors, 1)
	assert.Equal(t, models.FactorKnownMalicious, a.Factors[0].Type)
	assert.InDelta(t, 1.0, a.Factors[0].Confidence, 1e-9)
	require.NotNil(t, a.AttackType)
	assert.Equal(t, models.AttackSingleTransactionDrain, *a.AttackType)
	require.Len(t, a.DrainedAssets, 1)
	assert.True(t, decimal.NewFromInt(5).Equal(a.DrainedAssets[0].Amount))
}

func TestAnalyze_RegistryReportIsAtRisk(t *testing.T) {
	victim, drainer := newAddr(), newAddr()
	h := newHarness(t, []models.RawRecord{
		solTransfer("out-1", 1_700_000_000, victim, drainer, 1_000_000_000),
	})
	h.registry.Put(&models.RegistryRecord{
		Key:                   "pda:" + drainer,
		DrainerAddress:        drainer,
		ReportCount:           3,
		TotalLamportsReported: 42_000_000_000,
		AttackCategory:        models.AttackCategoryPhishing,
	})

	a, err := h.analyzer.Analyze(context.Background(), victim)
	require.NoError(t, err)

	assert.Equal(t, models.RiskAtRisk, a.OverallRisk)
	require.Len(t, a.Factors, 1)
	assert.Equal(t, models.FactorOnChainRegistry, a.Factors[0].Type)
	assert.InDelta(t, 0.9, a.Factors[0].Confidence, 1e-9)
	require.NotNil(t, a.AttackType)
	assert.Equal(t, models.AttackSingleTransactionDrain, *a.AttackType)
}

func TestAnalyze_InvalidAddressMakesNoLedgerCalls(t *testing.T) {
	h := newHarness(t, nil)

	for _, addr := range []string{"", "not-an-address", " " + newAddr(), "0OIl0OIl0OIl0OIl0OIl0OIl0OIl0OIl"} {
		_, err := h.analyzer.Analyze(context.Background(), addr)
		require.Error(t, err, addr)
		assert.True(t, scanerrors.IsInvalidInput(err), addr)
	}
	assert.EqualValues(t, 0, h.ledger.listCalls.Load())
	assert.EqualValues(t, 0, h.ledger.fetchCalls.Load())
}

func TestAnalyze_ExceededScopeSurfacesAndIsNotCached(t *testing.T) {
	victim, friend := newAddr(), newAddr()
	var records []models.RawRecord
	for i := 0; i < 6; i++ {
		records = append(records, solTransfer("in-"+string(rune('a'+i)), int64(1_700_000_000+i), friend, victim, 1_000_000))
	}
	h := newHarness(t, records, withMaxRecords(5), withCeiling(5))

	_, err := h.analyzer.Analyze(context.Background(), victim)
	require.Error(t, err)
	assert.True(t, scanerrors.IsExceededScope(err))

	_, err = h.analyzer.Analyze(context.Background(), victim)
	assert.True(t, scanerrors.IsExceededScope(err))
	assert.EqualValues(t, 2, h.ledger.listCalls.Load())
	assert.Zero(t, h.publisher.count())
}

func TestAnalyze_TruncatedHistoryBelowCeilingIsPartial(t *testing.T) {
	victim, friend := newAddr(), newAddr()
	var records []models.RawRecord
	for i := 0; i < 6; i++ {
		records = append(records, solTransfer("in-"+string(rune('a'+i)), int64(1_700_000_000+i), friend, victim, 1_000_000))
	}
	h := newHarness(t, records, withMaxRecords(5), withCeiling(10))

	a, err := h.analyzer.Analyze(context.Background(), victim)
	require.NoError(t, err)
	assert.Equal(t, models.RiskSafe, a.OverallRisk)
	assert.True(t, a.Partial)
	assert.Contains(t, a.DegradedSources, SourceIngest)
	assert.Equal(t, 1, h.publisher.count())
}

func TestAnalyze_ConcurrentRequestsShareOneRun(t *testing.T) {
	victim, friend := newAddr(), newAddr()
	h := newHarness(t, []models.RawRecord{
		solTransfer("in-1", 1_700_000_000, friend, victim, 1_000_000_000),
	})
	h.ledger.block = make(chan struct{})

	const n = 10
	results := make([]*models.DrainAnalysis, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := h.analyzer.Analyze(context.Background(), victim)
			assert.NoError(t, err)
			results[i] = a
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(h.ledger.block)
	wg.Wait()

	assert.EqualValues(t, 1, h.ledger.listCalls.Load())
	for _, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, results[0].ID, r.ID)
	}
	assert.Equal(t, 1, h.publisher.count())
}

func TestAnalyze_RepeatWithinTTLIsIdentical(t *testing.T) {
	victim, friend := newAddr(), newAddr()
	h := newHarness(t, []models.RawRecord{
		solTransfer("in-1", 1_700_000_000, friend, victim, 1_000_000_000),
	})

	first, err := h.analyzer.Analyze(context.Background(), victim)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	second, err := h.analyzer.Analyze(context.Background(), victim)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.True(t, first.CheckedAt.Equal(second.CheckedAt))
	assert.EqualValues(t, 1, h.ledger.listCalls.Load())
	assert.EqualValues(t, 1, h.analyzer.GetStats().Cache.Hits)
}

func TestAnalyze_DeadlineYieldsPartialResult(t *testing.T) {
	victim, funder, drainer := newAddr(), newAddr(), newAddr()
	h := newHarness(t, []models.RawRecord{
		solTransfer("in-1", 1_700_000_000, funder, victim, 1_000_000_000),
		solTransfer("out-1", 1_700_000_005, victim, drainer, 990_000_000),
		solTransfer("in-2", 1_700_001_000, funder, victim, 2_000_000_000),
		solTransfer("out-2", 1_700_001_004, victim, drainer, 1_980_000_000),
	},
		withDeadline(150*time.Millisecond),
		withDetectors(func(h *harness, logger *logrus.Logger) []detector.Detector {
			return []detector.Detector{
				detector.NewSweeperBotDetector(detector.SweeperConfig{}, logger),
				&stubDetector{name: models.FactorOnChainRegistry, block: true},
			}
		}),
	)

	start := time.Now()
	a, err := h.analyzer.Analyze(context.Background(), victim)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.True(t, a.Partial)
	assert.Equal(t, models.RiskDrained, a.OverallRisk)
	assert.Equal(t, []string{string(models.FactorOnChainRegistry)}, a.DegradedSources)
	require.NotNil(t, a.AttackType)
	assert.Equal(t, models.AttackSeedCompromise, *a.AttackType)
}

func TestAnalyze_AllDetectorsFailingIsInconclusive(t *testing.T) {
	victim, drainer := newAddr(), newAddr()
	h := newHarness(t, []models.RawRecord{
		solTransfer("out-1", 1_700_000_000, victim, drainer, 1_000_000_000),
	}, withDetectors(func(h *harness, logger *logrus.Logger) []detector.Detector {
		down := scanerrors.NewDependencyUnavailableError(errors.New("down"), "test")
		return []detector.Detector{
			&stubDetector{name: models.FactorKnownMalicious, err: down},
			&stubDetector{name: models.FactorOnChainRegistry, err: down},
			&stubDetector{name: models.FactorSweeperBot, panics: true},
		}
	}))

	a, err := h.analyzer.Analyze(context.Background(), victim)
	require.NoError(t, err)

	assert.Equal(t, models.RiskInconclusive, a.OverallRisk)
	assert.True(t, a.Partial)
	assert.Empty(t, a.Factors)
	assert.Nil(t, a.AttackType)
	assert.ElementsMatch(t, []string{"known_malicious_lookup", "onchain_registry", "sweeper_bot"}, a.DegradedSources)
	assert.NotEmpty(t, a.Recommendations)

	// 不确定结果不缓存
	_, err = h.analyzer.Analyze(context.Background(), victim)
	require.NoError(t, err)
	assert.EqualValues(t, 2, h.ledger.listCalls.Load())
}

func TestAnalyze_DegradedDetectorIsOmitted(t *testing.T) {
	victim, drainer := newAddr(), newAddr()
	h := newHarness(t, []models.RawRecord{
		solTransfer("out-1", 1_700_000_000, victim, drainer, 1_000_000_000),
	}, withDetectors(func(h *harness, logger *logrus.Logger) []detector.Detector {
		lookup := detector.LookupConfig{Timeout: time.Second, Retry: &retry.RetryConfig{MaxAttempts: 1}}
		return []detector.Detector{
			detector.NewKnownMaliciousLookupDetector(h.malicious, lookup, 30*24*time.Hour, logger),
			detector.NewOnChainRegistryDetector(registryKey, h.registry, lookup, logger),
		}
	}))
	h.malicious.Put(models.KnownMaliciousRecord{Address: drainer, ReportCount: 7})
	h.registry.FailWith(errors.New("rpc unavailable"))

	a, err := h.analyzer.Analyze(context.Background(), victim)
	require.NoError(t, err)

	assert.Equal(t, models.RiskDrained, a.OverallRisk)
	require.Len(t, a.Factors, 1)
	assert.Equal(t, models.FactorKnownMalicious, a.Factors[0].Type)
	assert.Equal(t, []string{"onchain_registry"}, a.DegradedSources)
	assert.True(t, a.Partial)
	assert.Equal(t, 1, h.analyzer.GetStats().Errors.ErrorsByType["DependencyUnavailable"])
	assert.Contains(t, h.audit.String(), `"detector":"onchain_registry"`)
}

func TestAnalyze_SafeWithRegistryDownIsPartial(t *testing.T) {
	victim, friend := newAddr(), newAddr()
	h := newHarness(t, []models.RawRecord{
		solTransfer("out-1", 1_700_000_000, victim, friend, 1_000_000_000),
	})
	h.registry.FailWith(errors.New("rpc unavailable"))

	a, err := h.analyzer.Analyze(context.Background(), victim)
	require.NoError(t, err)

	assert.Equal(t, models.RiskSafe, a.OverallRisk)
	assert.True(t, a.Partial)
	assert.Equal(t, []string{"onchain_registry"}, a.DegradedSources)
	assert.Contains(t, h.audit.String(), "分析结果不完整")
	// 审计日志为 info 级别时不记录检测器完成
	assert.NotContains(t, h.audit.String(), "检测器完成")
}

func TestAnalyze_DebugAuditRecordsDetectorCompletion(t *testing.T) {
	victim, friend := newAddr(), newAddr()
	h := newHarness(t, []models.RawRecord{
		solTransfer("in-1", 1_700_000_000, friend, victim, 1_000_000_000),
	}, withAuditLevel("debug"))

	a, err := h.analyzer.Analyze(context.Background(), victim)
	require.NoError(t, err)
	assert.False(t, a.Partial)

	audit := h.audit.String()
	assert.Equal(t, 4, strings.Count(audit, "检测器完成"))
	assert.Contains(t, audit, `"detector":"sweeper_bot"`)
	assert.Contains(t, audit, `"fired":false`)
	assert.NotContains(t, audit, "分析结果不完整")
}

func TestAnalyze_LedgerFailureIsInconclusive(t *testing.T) {
	victim := newAddr()
	h := newHarness(t, nil)
	h.ledger.listErr = errors.New("node unreachable")

	a, err := h.analyzer.Analyze(context.Background(), victim)
	require.NoError(t, err)

	assert.Equal(t, models.RiskInconclusive, a.OverallRisk)
	assert.True(t, a.Partial)
	assert.Equal(t, []string{SourceIngest}, a.DegradedSources)
	assert.NotEmpty(t, a.Recommendations)
}

func TestAnalyze_PublishFailureDoesNotFailAnalysis(t *testing.T) {
	victim := newAddr()
	h := newHarness(t, nil)
	h.publisher.err = errors.New("kafka down")

	a, err := h.analyzer.Analyze(context.Background(), victim)
	require.NoError(t, err)
	assert.Equal(t, models.RiskSafe, a.OverallRisk)
	assert.Equal(t, 1, h.publisher.count())
}

func TestInvalidate_RecomputesReferencingAnalyses(t *testing.T) {
	victim, drainer := newAddr(), newAddr()
	h := newHarness(t, []models.RawRecord{
		solTransfer("out-1", 1_700_000_000, victim, drainer, 1_000_000_000),
	})
	h.malicious.Put(models.KnownMaliciousRecord{Address: drainer, ReportCount: 2})

	first, err := h.analyzer.Analyze(context.Background(), victim)
	require.NoError(t, err)
	assert.Equal(t, models.RiskDrained, first.OverallRisk)

	keys, err := h.analyzer.Invalidate(context.Background(), drainer)
	require.NoError(t, err)
	assert.Contains(t, keys, victim)

	second, err := h.analyzer.Analyze(context.Background(), victim)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.EqualValues(t, 2, h.ledger.listCalls.Load())

	_, err = h.analyzer.Invalidate(context.Background(), "bogus")
	assert.True(t, scanerrors.IsInvalidInput(err))
}

func TestNewStaticPrices(t *testing.T) {
	prices, err := NewStaticPrices(&config.PricingConfig{Prices: []*config.PriceConfig{
		{Asset: models.NativeAsset, USD: "151.25"},
	}})
	require.NoError(t, err)
	v, ok := prices.USD(models.NativeAsset)
	require.True(t, ok)
	assert.True(t, decimal.RequireFromString("151.25").Equal(v))
	_, ok = prices.USD("unknown-mint")
	assert.False(t, ok)

	_, err = NewStaticPrices(&config.PricingConfig{Prices: []*config.PriceConfig{{Asset: "x", USD: "cheap"}}})
	assert.Error(t, err)
}
