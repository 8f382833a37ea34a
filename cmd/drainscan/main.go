package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"drainscan/internal/app"
	"drainscan/internal/config"
	"drainscan/internal/logging"
	"drainscan/pkg/models"
)

var (
	configFile string
	verbose    bool

	// check 参数
	maxRecords int
	noRegistry bool
	failOnRisk bool

	// serve 参数
	port int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "drainscan",
		Short: "Solana钱包盗取检测工具",
		Long:  `分析钱包近期交易，判断是否已被盗取或存在风险，并给出处置建议`,
	}
	rootCmd.SilenceUsage = true
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "配置文件路径")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "详细输出")

	checkCmd := &cobra.Command{
		Use:   "check <address>",
		Short: "分析单个钱包地址",
		Args:  cobra.ExactArgs(1),
		RunE:  runCheck,
	}
	checkCmd.Flags().IntVar(&maxRecords, "max-records", 0, "最多分析的交易数（0 使用配置值）")
	checkCmd.Flags().BoolVar(&noRegistry, "no-registry", false, "不查询链上举报注册表")
	checkCmd.Flags().BoolVar(&failOnRisk, "fail-on-risk", false, "结果为 AT_RISK 或 DRAINED 时以非零状态退出")

	invalidateCmd := &cobra.Command{
		Use:   "invalidate <address>",
		Short: "清除地址相关的缓存结果",
		Args:  cobra.ExactArgs(1),
		RunE:  runInvalidate,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "启动HTTP API服务",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&port, "port", 0, "API 服务端口（0 使用配置值）")

	rootCmd.AddCommand(checkCmd, invalidateCmd, serveCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup 加载配置并创建日志器
func setup() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, nil, err
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	logger, err := logging.NewLogrusLogger(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	if maxRecords > 0 {
		cfg.Ingest.MaxRecords = maxRecords
	}
	if noRegistry {
		cfg.Registry.Enabled = false
	}
	// 单次命令行分析不需要结果缓存落盘
	cfg.Cache.Backend = "memory"

	ctx, cancel := signalContext()
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("初始化失败: %w", err)
	}
	defer a.Close()

	analysis, err := a.Analyzer().Analyze(ctx, args[0])
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(analysis); err != nil {
		return fmt.Errorf("输出结果失败: %w", err)
	}

	if failOnRisk && (analysis.OverallRisk == models.RiskAtRisk || analysis.OverallRisk == models.RiskDrained) {
		return fmt.Errorf("地址风险等级: %s", analysis.OverallRisk)
	}
	return nil
}

func runInvalidate(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("初始化失败: %w", err)
	}
	defer a.Close()

	keys, err := a.Analyzer().Invalidate(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "已清除 %d 条缓存结果\n", len(keys))
	for _, k := range keys {
		fmt.Fprintln(cmd.OutOrStdout(), k)
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.API.Port = port
	}

	a, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		return fmt.Errorf("初始化失败: %w", err)
	}
	return a.Serve(context.Background())
}
