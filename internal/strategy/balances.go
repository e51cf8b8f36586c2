package strategy

import (
	"context"
	"time"

	"go.uber.org/zap"

	"gate-tester/internal/order"
	"gate-tester/internal/protocol"
)

// balancesTesting 检查网关推送的余额是否随挂单、撤单与成交变化。
type balancesTesting struct{}

func (balancesTesting) Name() string { return "balances-testing" }

func (balancesTesting) Description() string {
	return "挂单后 used 非零，撤单后 used 归零，成交后余额更新"
}

func (s balancesTesting) Execute(ctx context.Context, env *Env) error {
	log := env.Logger.Named(s.Name())

	if err := env.prepare(ctx); err != nil {
		return err
	}

	log.Info("1. 挂出不会立即成交的限价单")
	resting, err := env.newOrder(orderPlan{typ: protocol.OrderTypeLimit, reference: bestBid, sellFactor: 1.3, buyFactor: 0.7})
	if err != nil {
		return err
	}
	resting.Place()
	if !env.waitState(ctx, resting, env.Timeouts.Placing, order.StateOpen) {
		return failf("订单 %s 在 %s 内未挂出，当前状态 %s", resting.ID(), env.Timeouts.Placing, resting.State())
	}

	log.Info("2. 挂单后 used 应非零")
	_ = env.Trader.RequestUpdateBalances(env.Assets...)
	if !env.wait(ctx, env.Timeouts.Placing, func() bool { return !env.balancesFree() }) {
		return failf("挂单 %s 后余额中没有占用部分", resting.ID())
	}

	log.Info("3. 撤单后 used 应归零")
	resting.Cancel()
	if !env.waitState(ctx, resting, env.Timeouts.Placing, order.StateCanceled) {
		return failf("订单 %s 未被撤销，当前状态 %s", resting.ID(), resting.State())
	}
	_ = env.Trader.RequestUpdateBalances(env.Assets...)
	if !env.wait(ctx, 2*env.Timeouts.Settle, env.balancesFree) {
		return failf("撤销订单 %s 后仍有占用余额", resting.ID())
	}

	log.Info("4. 市价单成交后余额应更新")
	before := env.Balances.Snapshot()
	updatedAt := env.Balances.UpdatedAt()
	mkt, err := env.newOrder(orderPlan{typ: protocol.OrderTypeMarket})
	if err != nil {
		return err
	}
	mkt.Place()
	if !env.waitState(ctx, mkt, env.Timeouts.Executing, order.StateClosed) {
		return failf("市价单 %s 在 %s 内未成交，当前状态 %s", mkt.ID(), env.Timeouts.Executing, mkt.State())
	}
	_ = env.Trader.RequestUpdateBalances(env.Assets...)
	if !env.wait(ctx, env.Timeouts.Placing, func() bool { return env.Balances.UpdatedAt().After(updatedAt) }) {
		return failf("市价单 %s 成交后未收到新的余额", mkt.ID())
	}

	d := mkt.Data()
	m, err := env.Markets.Lookup(d.Symbol)
	if err != nil {
		return err
	}
	after := env.Balances.Snapshot()
	if before[m.BaseAsset].Total.Equal(after[m.BaseAsset].Total) && before[m.QuoteAsset].Total.Equal(after[m.QuoteAsset].Total) {
		return failf("市价单 %s 成交后 %s 与 %s 的余额均未变化", mkt.ID(), m.BaseAsset, m.QuoteAsset)
	}

	log.Info("余额检查通过",
		zap.String("result", "success"),
		zap.Duration("last_update_age", time.Since(env.Balances.UpdatedAt())),
	)
	return nil
}
