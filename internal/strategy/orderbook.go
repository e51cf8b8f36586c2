package strategy

import (
	"context"
	"time"

	"go.uber.org/zap"

	"gate-tester/internal/state"
)

const (
	sampleStep      = 10 * time.Millisecond
	minBookUpdates  = 5
	orderingSamples = 100
)

// orderbookTesting 检查盘口是否持续更新、延迟是否可接受以及交易所时间戳是否单调递增。
type orderbookTesting struct{}

func (orderbookTesting) Name() string { return "orderbook-testing" }

func (orderbookTesting) Description() string {
	return "检查盘口的到达、更新频率与时间戳顺序"
}

func (s orderbookTesting) Execute(ctx context.Context, env *Env) error {
	log := env.Logger.Named(s.Name())

	if err := env.prepare(ctx); err != nil {
		return err
	}

	log.Info("1. 检查盘口是否更新")
	initial := env.Orderbooks.Snapshot()
	changed := env.wait(ctx, env.Timeouts.Placing, func() bool {
		for symbol, book := range env.Orderbooks.Snapshot() {
			prev, ok := initial[symbol]
			if !ok || !book.ReceivedAt.Equal(prev.ReceivedAt) {
				return true
			}
		}
		return false
	})
	if !changed {
		return failf("盘口在 %s 内未更新", env.Timeouts.Placing)
	}

	symbols := env.Orderbooks.Symbols()
	symbol := symbols[0]

	log.Info("2. 检查盘口的更新频率", zap.String("symbol", symbol), zap.Duration("window", env.Timeouts.Sample))
	updates, err := countUpdates(ctx, env.Orderbooks, symbol, env.Timeouts.Sample)
	if err != nil {
		return err
	}
	if updates < minBookUpdates {
		return failf("%s 内 %s 的盘口只更新了 %d 次，可能是低波动交易对、网络延迟或网关缺陷",
			env.Timeouts.Sample, symbol, updates)
	}

	log.Info("3. 检查盘口时间戳是否单调递增", zap.String("symbol", symbol))
	if err := checkOrdering(ctx, env.Orderbooks, symbol); err != nil {
		return err
	}

	log.Info("盘口检查通过", zap.Int("updates", updates), zap.String("result", "success"))
	return nil
}

func countUpdates(ctx context.Context, books *state.OrderbookState, symbol string, window time.Duration) (int, error) {
	last, _ := books.Get(symbol)
	updates := 0
	ticker := time.NewTicker(sampleStep)
	defer ticker.Stop()
	deadline := time.After(window)

	for {
		select {
		case <-ctx.Done():
			return updates, ctx.Err()
		case <-deadline:
			return updates, nil
		case <-ticker.C:
			book, _ := books.Get(symbol)
			if !book.ReceivedAt.Equal(last.ReceivedAt) {
				updates++
				last = book
			}
		}
	}
}

// checkOrdering 要求后到达的盘口的交易所时间戳严格大于先到达的。
func checkOrdering(ctx context.Context, books *state.OrderbookState, symbol string) error {
	last, _ := books.Get(symbol)
	ticker := time.NewTicker(sampleStep)
	defer ticker.Stop()

	for i := 0; i < orderingSamples; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		book, _ := books.Get(symbol)
		if book.ReceivedAt.Equal(last.ReceivedAt) {
			continue
		}
		if !book.Timestamp.After(last.Timestamp) {
			return failf("%s 的盘口时间戳未递增：%s 之后收到 %s",
				symbol, last.Timestamp.Format(time.RFC3339Nano), book.Timestamp.Format(time.RFC3339Nano))
		}
		last = book
	}
	return nil
}
