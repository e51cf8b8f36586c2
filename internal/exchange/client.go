package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"gate-tester/internal/config"
	"gate-tester/internal/market"
)

// Client 通过 ccxt 加载交易对元数据，并实现重试机制。
type Client struct {
	cfg    config.ExchangeConfig
	logger *zap.Logger

	loadMarkets func() error
	market      func(symbol string) interface{}

	marketsMu     sync.Mutex
	marketsLoaded bool
}

// NewClient 按 cfg.Name 构造 ccxt 客户端，支持 binanceusdm 与 hyperliquid。
func NewClient(cfg config.ExchangeConfig, logger *zap.Logger) (*Client, error) {
	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
		},
	}
	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}

	switch strings.ToLower(cfg.Name) {
	case "binanceusdm":
		userConfig["options"].(map[string]interface{})["defaultType"] = "future"
		ex := ccxt.NewBinanceusdm(userConfig)
		if cfg.UseSandbox {
			ex.SetSandboxMode(true)
		}
		return newClient(cfg, logger,
			func() error { _, err := ex.LoadMarkets(); return err },
			func(symbol string) interface{} { return ex.Market(symbol) },
		), nil
	case "hyperliquid":
		ex := ccxt.NewHyperliquid(userConfig)
		if cfg.UseSandbox {
			ex.SetSandboxMode(true)
		}
		return newClient(cfg, logger,
			func() error { _, err := ex.LoadMarkets(); return err },
			func(symbol string) interface{} { return ex.Market(symbol) },
		), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedExchange, cfg.Name)
	}
}

func newClient(cfg config.ExchangeConfig, logger *zap.Logger, load func() error, lookup func(string) interface{}) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:         cfg,
		logger:      logger.Named("exchange"),
		loadMarkets: load,
		market:      lookup,
	}
}

// LoadCatalog 加载交易所元数据并与配置合并，配置中显式给出的步长与限制优先。
func (c *Client) LoadCatalog(ctx context.Context, items []config.MarketConfig) (*market.Catalog, error) {
	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return nil, err
	}

	merged := make([]config.MarketConfig, 0, len(items))
	for _, item := range items {
		symbol := item.ExchangeSymbol
		if symbol == "" {
			symbol = item.CommonSymbol
		}

		var raw interface{}
		err := c.lookup(symbol, &raw)
		if err != nil {
			return nil, err
		}
		meta, ok := raw.(map[string]interface{})
		if !ok || meta == nil {
			return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, symbol)
		}

		m := mergeMetadata(item, meta)
		if m.ExchangeSymbol == "" {
			m.ExchangeSymbol = symbol
		}
		merged = append(merged, m)
		c.logger.Debug("已加载交易对元数据",
			zap.String("symbol", m.CommonSymbol),
			zap.String("exchange_symbol", m.ExchangeSymbol),
			zap.Float64("price_increment", m.PriceIncrement),
			zap.Float64("amount_increment", m.AmountIncrement),
		)
	}

	return BuildCatalog(merged)
}

// lookup 调用 ccxt 的 Market，未知交易对在 ccxt 中以 panic 形式报告。
func (c *Client) lookup(symbol string, out *interface{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", ErrMarketNotFound, symbol, r)
		}
	}()
	*out = c.market(symbol)
	return nil
}

func (c *Client) ensureMarketsLoaded(ctx context.Context) error {
	if c.marketsLoaded {
		return nil
	}

	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.marketsLoaded {
		return nil
	}

	loadErr := c.callWithRetry(ctx, "load_markets", c.loadMarkets)
	if loadErr != nil {
		return loadErr
	}

	c.marketsLoaded = true
	c.logger.Info("已完成市场元数据加载", zap.String("exchange", c.cfg.Name))
	return nil
}

func (c *Client) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := c.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	maxAttempts := c.cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := fn()
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("交易所调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		normalizedErr, retry := classifyError(err)

		if errors.Is(normalizedErr, ErrMaintenance) {
			c.logger.Warn("交易所维护中",
				zap.String("operation", operation),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		if !retry || attempt >= maxAttempts {
			c.logger.Error("交易所调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		c.logger.Warn("交易所调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(normalizedErr),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func classifyError(err error) (error, bool) {
	if err == nil {
		return nil, false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err, false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		if ccxtErr.Type == ccxt.OnMaintenanceErrType {
			message := strings.TrimSpace(ccxtErr.Message)
			if message == "" {
				message = "exchange under maintenance"
			}
			return fmt.Errorf("%w: %s", ErrMaintenance, message), false
		}
		return err, IsRetryable(err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return err, true
	}

	return err, false
}
