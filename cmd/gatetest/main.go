package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"gate-tester/internal/app"
	"gate-tester/internal/config"
	"gate-tester/internal/log"
	"gate-tester/internal/store"
	"gate-tester/internal/strategy"
)

func main() {
	var (
		configPath   string
		strategyName string
	)
	flag.StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.toml")
	flag.StringVar(&strategyName, "strategy", "", "测试策略，可选: "+strings.Join(strategy.Names(), ", "))
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	if strategyName != "" {
		cfg.Strategy.Name = strategyName
	}

	logger, err := log.NewLogger(cfg.Logging, cfg.Gate)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer func(logger *zap.Logger) {
		_ = logger.Sync()
	}(logger)

	if code := run(cfg, logger); code != 0 {
		_ = logger.Sync()
		os.Exit(code)
	}
}

func run(cfg *config.Config, logger *zap.Logger) int {
	sqliteStore, err := store.NewSQLite(cfg.Database)
	if err != nil {
		logger.Error("初始化数据库失败", zap.Error(err))
		return 1
	}
	defer func() {
		if closeErr := sqliteStore.Close(); closeErr != nil {
			logger.Warn("关闭数据库失败", zap.Error(closeErr))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.New(cfg, logger, sqliteStore).Run(ctx); err != nil {
		logger.Error("测试未通过", zap.Error(err))
		return 1
	}

	logger.Info("测试已完成")
	return 0
}
