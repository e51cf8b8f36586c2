package strategy

import (
	"context"

	"go.uber.org/zap"

	"gate-tester/internal/order"
	"gate-tester/internal/protocol"
)

const batchSize = 5

// cancellingTesting 检查按订单号撤单与全部撤单，以及撤单后占用余额的释放。
type cancellingTesting struct{}

func (cancellingTesting) Name() string { return "cancelling-testing" }

func (cancellingTesting) Description() string {
	return "挂出远离市价的限价单，检查占用余额，再按订单号与全部撤单两种方式撤销"
}

func (s cancellingTesting) Execute(ctx context.Context, env *Env) error {
	log := env.Logger.Named(s.Name())

	log.Info("1. 撤销全部挂单并接收确认")
	if err := env.prepare(ctx); err != nil {
		return err
	}

	log.Info("2. 检查全部资产的 used 为零")
	if !env.balancesFree() {
		_ = env.Trader.CancelAllOrders()
		_ = env.Trader.RequestUpdateBalances(env.Assets...)
		if !env.wait(ctx, 2*env.Timeouts.Settle, env.balancesFree) {
			return failf("无法撤销全部挂单，仍有占用余额")
		}
	}

	plan := orderPlan{typ: protocol.OrderTypeLimit, reference: bestBid, sellFactor: 1.3, buyFactor: 0.7}

	log.Info("3. 在随机交易对上挂出一笔限价单")
	o, err := env.newOrder(plan)
	if err != nil {
		return err
	}
	env.Trader.PlaceOrders(o)
	if !env.waitLeave(ctx, o, env.Timeouts.Placing, order.StatePlacing) {
		return failf("订单 %s 在 %s 内未收到网关确认", o.ID(), env.Timeouts.Placing)
	}

	log.Info("4. 挂单后应出现占用余额")
	if !env.wait(ctx, env.Timeouts.Placing, func() bool { return !env.balancesFree() }) {
		return failf("挂单 %s 后没有出现占用余额", o.ID())
	}

	log.Info("5. 按订单号撤单")
	o.Cancel()

	log.Info("6. 撤单后占用余额应释放")
	_ = env.Trader.RequestUpdateBalances(env.Assets...)
	if !env.wait(ctx, 2*env.Timeouts.Settle, env.balancesFree) {
		return failf("撤销订单 %s 后仍有占用余额", o.ID())
	}

	log.Info("7. 订单应处于已撤销状态")
	if !env.waitState(ctx, o, env.Timeouts.Settle, order.StateCanceled) {
		return failf("订单 %s 未被撤销或未收到撤单确认，当前状态 %s", o.ID(), o.State())
	}

	log.Info("8. 一条命令挂出多笔限价单，再全部撤单", zap.Int("orders", batchSize))
	batch := make([]*order.Order, 0, batchSize)
	for i := 0; i < batchSize; i++ {
		o, err := env.newOrder(plan)
		if err != nil {
			return err
		}
		batch = append(batch, o)
	}
	env.Trader.PlaceOrders(batch...)
	if !env.wait(ctx, env.Timeouts.Placing, func() bool { return noneIn(batch, order.StatePlacing) }) {
		return failf("批量订单在 %s 内未全部收到确认", env.Timeouts.Placing)
	}
	if !env.wait(ctx, env.Timeouts.Placing, func() bool { return !env.balancesFree() }) {
		return failf("批量挂单后没有出现占用余额")
	}

	if err := env.Trader.CancelAllOrders(); err != nil {
		return failf("全部撤单命令未送达: %v", err)
	}
	_ = env.Trader.RequestUpdateBalances(env.Assets...)
	if !env.wait(ctx, 5*env.Timeouts.Settle, env.balancesFree) {
		return failf("全部撤单后仍有占用余额")
	}
	for _, o := range batch {
		if !env.waitState(ctx, o, env.Timeouts.Settle, order.StateCanceled) {
			return failf("订单 %s 未被撤销或未收到撤单确认，当前状态 %s", o.ID(), o.State())
		}
	}

	log.Info("撤单检查通过", zap.String("result", "success"))
	return nil
}

func noneIn(orders []*order.Order, st order.State) bool {
	for _, o := range orders {
		if o.State() == st {
			return false
		}
	}
	return true
}
