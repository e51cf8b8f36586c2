package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gate-tester/internal/communicator"
	"gate-tester/internal/config"
	"gate-tester/internal/exchange"
	"gate-tester/internal/formatter"
	"gate-tester/internal/market"
	"gate-tester/internal/metrics"
	"gate-tester/internal/monitor"
	"gate-tester/internal/order"
	"gate-tester/internal/store"
	"gate-tester/internal/strategy"
	"gate-tester/internal/trader"
	"gate-tester/internal/transport"
)

// App 聚合核心依赖并驱动一次策略测试。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store

	// 测试替换点
	newTransport func(ctx context.Context) (transport.Transport, error)
	loadCatalog  func(ctx context.Context) (*market.Catalog, error)
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
	a.newTransport = a.dialTransport
	a.loadCatalog = a.buildCatalog
	return a
}

// Run 构建 Trader 并与选定策略并发运行，策略返回后停止轮询。返回策略结论。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("测试客户端已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("strategy", a.cfg.Strategy.Name),
		zap.String("transport", a.cfg.Transport.Kind),
		zap.Strings("assets", a.cfg.Assets),
	)

	strat, err := strategy.New(a.cfg.Strategy.Name)
	if err != nil {
		return err
	}

	reg := metrics.New()

	var journal *monitor.Service
	if a.store != nil {
		journal, err = monitor.NewService(ctx, a.store, a.logger)
		if err != nil {
			return err
		}
	}
	if a.cfg.Monitor.Enabled && journal != nil {
		startMonitorServer(ctx, journal, reg, a.cfg.Monitor.Port, a.logger)
	}

	catalog, err := a.loadCatalog(ctx)
	if err != nil {
		return err
	}

	tr, err := a.newTransport(ctx)
	if err != nil {
		return err
	}

	fmtr := formatter.New(a.cfg.Gate, a.logger)

	var comm *communicator.Communicator
	dial := func(h communicator.Handlers) (trader.Link, error) {
		opts := communicator.Options{
			Logger:         a.logger,
			Metrics:        reg,
			Formatter:      fmtr,
			PublishTimeout: a.cfg.Transport.PublishTimeout,
		}
		if journal != nil {
			opts.Observer = journal
		}
		c, dialErr := communicator.New(a.cfg.Channels, a.cfg.Communicator, tr, h, opts)
		if dialErr != nil {
			return nil, dialErr
		}
		comm = c
		return c, nil
	}

	t, err := trader.New(catalog, dial, trader.Options{
		Logger:       a.logger,
		Metrics:      reg,
		Formatter:    fmtr,
		PollInterval: a.cfg.Communicator.PollInterval,
		OnOrderError: func(d order.Data) {
			a.logger.Warn("订单进入 ERROR 状态", zap.String("core_order_id", d.CoreOrderID), zap.String("symbol", d.Symbol))
		},
	})
	if err != nil {
		return multierr.Append(err, tr.Close())
	}
	defer func() {
		if closeErr := multierr.Append(comm.Close(), tr.Close()); closeErr != nil {
			a.logger.Warn("关闭传输失败", zap.Error(closeErr))
		}
	}()

	verdict := a.execute(ctx, t, strat, journal)
	if verdict != nil {
		a.logger.Error("测试失败", zap.String("strategy", strat.Name()), zap.Error(verdict))
		return verdict
	}
	a.logger.Info("SUCCESS", zap.String("strategy", strat.Name()))
	return nil
}

// execute 在 errgroup 中并发运行轮询循环与策略。
func (a *App) execute(ctx context.Context, t *trader.Trader, strat strategy.Strategy, journal *monitor.Service) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return t.Run(gctx)
	})

	var verdict error
	g.Go(func() error {
		defer t.Stop()

		env := strategy.NewEnv(t, a.cfg.Assets, a.logger)
		runCtx, cancel := context.WithTimeout(gctx, a.cfg.Strategy.Timeout)
		defer cancel()

		a.logger.Info("开始执行策略", zap.String("strategy", strat.Name()), zap.String("description", strat.Description()))
		start := time.Now()
		verdict = strat.Execute(runCtx, env)
		if errors.Is(verdict, context.DeadlineExceeded) && ctx.Err() == nil {
			verdict = fmt.Errorf("%w: 策略未在 %s 内完成", strategy.ErrTestFailed, a.cfg.Strategy.Timeout)
		}
		if journal != nil {
			journal.RecordVerdict(strat.Name(), time.Since(start), verdict)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	if verdict == nil && ctx.Err() != nil {
		return fmt.Errorf("测试被中断: %w", ctx.Err())
	}
	return verdict
}

func (a *App) dialTransport(ctx context.Context) (transport.Transport, error) {
	switch a.cfg.Transport.Kind {
	case config.TransportRedis:
		return transport.DialRedis(ctx, a.cfg.Transport, a.logger)
	case config.TransportMemory, "":
		a.logger.Warn("使用进程内传输，仅适用于本地联调")
		return transport.NewMemory(), nil
	default:
		return nil, fmt.Errorf("不支持的传输类型 %q", a.cfg.Transport.Kind)
	}
}

func (a *App) buildCatalog(ctx context.Context) (*market.Catalog, error) {
	if a.cfg.Markets.Source != config.MarketsFromCCXT {
		return exchange.BuildCatalog(a.cfg.Markets.Items)
	}
	client, err := exchange.NewClient(a.cfg.Exchange, a.logger)
	if err != nil {
		return nil, err
	}
	return client.LoadCatalog(ctx, a.cfg.Markets.Items)
}
