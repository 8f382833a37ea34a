package main

import (
	"context"
	"flag"

	"drainscan/internal/app"
	"drainscan/internal/config"
	"drainscan/internal/logging"

	"github.com/sirupsen/logrus"
)

var (
	configPath = flag.String("config", "configs/config.yaml", "配置文件路径")
	port       = flag.Int("port", 0, "API 服务端口（0 使用配置值）")
	verbose    = flag.Bool("verbose", false, "详细输出")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logrus.Fatalf("加载配置失败: %v", err)
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}
	if *port > 0 {
		cfg.API.Port = *port
	}

	logger, err := logging.NewLogrusLogger(cfg.Logging)
	if err != nil {
		logrus.Fatalf("创建日志器失败: %v", err)
	}

	a, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatalf("初始化失败: %v", err)
	}

	// 阻塞直到收到中断信号，然后按顺序关闭各组件
	if err := a.Serve(context.Background()); err != nil {
		logger.Errorf("关闭服务器失败: %v", err)
	}
	logger.Info("服务器已关闭")
}
