package app

import (
	"context"
	"fmt"
	"io"
	"sort"

	"drainscan/internal/api"
	"drainscan/internal/cache"
	"drainscan/internal/config"
	"drainscan/internal/connection"
	"drainscan/internal/detector"
	"drainscan/internal/errors"
	"drainscan/internal/ingest"
	"drainscan/internal/ledger"
	"drainscan/internal/logging"
	"drainscan/internal/normalizer"
	"drainscan/internal/output"
	"drainscan/internal/pipeline"
	"drainscan/internal/registry"
	"drainscan/internal/shutdown"
	"drainscan/internal/store"
	"drainscan/internal/validation"

	"github.com/sirupsen/logrus"
)

// App 按配置组装的完整检测服务
type App struct {
	cfg      *config.Config
	logger   *logrus.Logger
	pool     *connection.Pool
	analyzer *pipeline.Analyzer
	shutdown *shutdown.Manager
}

// New 按配置创建各组件。失败时已创建的组件会被关闭
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (_ *App, err error) {
	a := &App{
		cfg:      cfg,
		logger:   logger,
		shutdown: shutdown.NewManager(shutdown.DefaultTimeout, logger),
	}
	defer func() {
		if err != nil {
			a.shutdown.Trigger()
			_ = a.shutdown.Run(context.Background())
		}
	}()

	validator := validation.NewValidator(logger)
	errHandler := errors.NewErrorHandler(logger)

	a.pool = connection.NewPoolFromConfig(cfg.Ledger, logger)
	ingestor := ingest.NewIngestor(a.pool, ingest.Config{
		MaxRecords:       cfg.Ingest.MaxRecords,
		Ceiling:          cfg.Ingest.Ceiling,
		PageSize:         cfg.Ingest.PageSize,
		BatchSize:        cfg.Ingest.BatchSize,
		FetchConcurrency: cfg.Ingest.FetchConcurrency,
	}, cfg.Ledger.Retry, logger)

	malicious, err := newMaliciousStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	if c, ok := malicious.(io.Closer); ok {
		a.shutdown.Register("malicious_store", shutdown.OrderStore, func(context.Context) error { return c.Close() })
	}

	detectors, err := newDetectors(cfg, malicious, logger)
	if err != nil {
		return nil, err
	}

	cacheStore, err := newCacheStore(cfg.Cache, logger)
	if err != nil {
		return nil, err
	}
	analysisCache := cache.NewAnalysisCache(cacheStore, cfg.Cache.TTL, cfg.Cache.PartialTTL, logger)
	a.shutdown.Register("analysis_cache", shutdown.OrderCache, func(context.Context) error { return analysisCache.Close() })

	publisher, err := output.NewPublisher(cfg.Output, logger)
	if err != nil {
		return nil, fmt.Errorf("创建结果发布器失败: %w", err)
	}
	a.shutdown.Register("publisher", shutdown.OrderPublisher, func(context.Context) error { return publisher.Close() })

	prices, err := pipeline.NewStaticPrices(cfg.Pricing)
	if err != nil {
		return nil, err
	}

	audit, err := logging.NewStructuredLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("创建审计日志失败: %w", err)
	}

	a.analyzer = pipeline.NewAnalyzer(pipeline.Deps{
		Validator:  validator,
		Cache:      analysisCache,
		Ingestor:   ingestor,
		Normalizer: normalizer.NewNormalizer(validator, errHandler, logger),
		Detectors:  detectors,
		Prices:     prices,
		Publisher:  publisher,
		ErrHandler: errHandler,
		Audit:      audit,
	}, cfg.Pipeline.Deadline, logger)

	names := make([]string, len(detectors))
	for i, d := range detectors {
		names[i] = string(d.Name())
	}
	logger.WithFields(logrus.Fields{
		"detectors": names,
		"cache":     cfg.Cache.Backend,
		"store":     cfg.Store.Backend,
		"output":    cfg.Output.Type,
	}).Info("检测服务初始化完成")
	return a, nil
}

// Analyzer 分析流水线
func (a *App) Analyzer() *pipeline.Analyzer {
	return a.analyzer
}

// Pool 账本节点池
func (a *App) Pool() *connection.Pool {
	return a.pool
}

// Serve 启动HTTP服务，直到收到停机信号或 ctx 取消
func (a *App) Serve(ctx context.Context) error {
	apiCfg := a.cfg.API
	if apiCfg == nil {
		apiCfg = config.GetDefaultConfig().API
	}
	server := api.NewServer(a.analyzer, a.pool, api.ListenAddr(apiCfg.Host, apiCfg.Port), a.logger)
	a.shutdown.Register("http_server", shutdown.OrderHTTPServer, server.Stop)

	go func() {
		if err := server.Start(); err != nil {
			a.logger.Errorf("启动服务器失败: %v", err)
			a.shutdown.Trigger()
		}
	}()

	return a.shutdown.Run(ctx)
}

// Close 按顺序关闭所有组件，可重复调用
func (a *App) Close() error {
	a.shutdown.Trigger()
	return a.shutdown.Run(context.Background())
}

func newMaliciousStore(ctx context.Context, cfg *config.StoreConfig, logger *logrus.Logger) (store.MaliciousStore, error) {
	switch cfg.Backend {
	case "postgres":
		s, err := store.NewPostgresStore(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "", "memory":
		if cfg.SeedFile == "" {
			logger.Warn("恶意地址库为空，已知恶意地址检测不会命中")
			return store.NewMemoryStore(), nil
		}
		s, err := store.LoadMemoryStore(cfg.SeedFile)
		if err != nil {
			return nil, err
		}
		logger.Infof("已加载 %d 条恶意地址记录", s.Count())
		return s, nil
	default:
		return nil, fmt.Errorf("不支持的恶意地址库类型: %s", cfg.Backend)
	}
}

func newCacheStore(cfg *config.CacheConfig, logger *logrus.Logger) (cache.Store, error) {
	switch cfg.Backend {
	case "bolt":
		s, err := cache.NewBoltStore(cfg.BoltPath, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "redis":
		s, err := cache.NewRedisStore(cfg, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "", "memory":
		return cache.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("不支持的缓存类型: %s", cfg.Backend)
	}
}

// newDetectors 按配置创建检测器，注册表关闭时不创建对应检测器
func newDetectors(cfg *config.Config, malicious store.MaliciousStore, logger *logrus.Logger) ([]detector.Detector, error) {
	dc := cfg.Detector
	lookup := detector.LookupConfig{Timeout: dc.LookupTimeout, Retry: dc.LookupRetry}

	detectors := []detector.Detector{
		detector.NewTemporalClusterDetector(detector.TemporalConfig{
			Window:        dc.TemporalWindow,
			MinAssets:     dc.TemporalMinAssets,
			MinRecipients: dc.TemporalMinRecipients,
			DexPrograms:   dc.ExtraDexPrograms,
		}, logger),
		detector.NewSweeperBotDetector(detector.SweeperConfig{
			FastWindow: dc.SweeperFastWindow,
			SlowWindow: dc.SweeperSlowWindow,
			MinRatio:   dc.SweeperMinRatio,
			MinPairs:   dc.SweeperMinPairs,
		}, logger),
		detector.NewKnownMaliciousLookupDetector(malicious, lookup, dc.MaliciousRecency, logger),
	}

	if !cfg.Registry.Enabled {
		logger.Info("链上举报注册表已关闭")
		return detectors, nil
	}

	derive, err := registry.PDADeriver(cfg.Registry.ProgramID)
	if err != nil {
		return nil, err
	}
	node := primaryNode(cfg.Ledger.Nodes)
	rpcClient := ledger.NewRPCProvider(node, cfg.Ledger.Commitment, cfg.Ledger.RequestTimeout, logger).Client()
	client, err := registry.NewRPCClient(rpcClient, cfg.Registry.ProgramID, cfg.Ledger.Commitment, logger)
	if err != nil {
		return nil, err
	}
	return append(detectors, detector.NewOnChainRegistryDetector(derive, client, lookup, logger)), nil
}

// primaryNode 优先级最高（数值最小）的节点
func primaryNode(nodes []*config.NodeConfig) *config.NodeConfig {
	sorted := append([]*config.NodeConfig(nil), nodes...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })
	return sorted[0]
}
