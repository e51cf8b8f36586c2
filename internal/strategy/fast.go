package strategy

import (
	"context"

	"go.uber.org/zap"

	"gate-tester/internal/order"
	"gate-tester/internal/protocol"
)

// fastTesting 快速检查网关的基本功能：行情、限价单的创建、查询与撤销、市价单。
type fastTesting struct{}

func (fastTesting) Name() string { return "fast-testing" }

func (fastTesting) Description() string {
	return "撤单并请求余额，等待行情，限价单下单、查询、撤单，最后下一笔市价单"
}

func (s fastTesting) Execute(ctx context.Context, env *Env) error {
	log := env.Logger.Named(s.Name())

	log.Info("1. 撤销全部挂单并请求余额")
	log.Info("2. 等待余额与盘口")
	if err := env.prepare(ctx); err != nil {
		return err
	}

	log.Info("3. 创建限价单")
	limit, err := env.newOrder(orderPlan{typ: protocol.OrderTypeLimit, sellFactor: 1.1, buyFactor: 0.9})
	if err != nil {
		return err
	}
	limit.Place()
	if !env.waitLeave(ctx, limit, env.Timeouts.Placing, order.StatePlacing) {
		return failf("限价单 %s 在 %s 内未收到网关确认", limit.ID(), env.Timeouts.Placing)
	}
	log.Info("限价单已确认", describe(limit))
	if limit.State() == order.StateError {
		return failf("限价单 %s 被网关拒绝", limit.ID())
	}

	log.Info("4. 查询限价单状态")
	env.Trader.RequestUpdateOrders(limit)
	if err := env.pause(ctx, env.Timeouts.Settle); err != nil {
		return err
	}

	log.Info("5. 撤销限价单")
	limit.Cancel()
	if !env.waitState(ctx, limit, env.Timeouts.Placing, order.StateCanceled) {
		return failf("限价单 %s 在 %s 内未被撤销，当前状态 %s", limit.ID(), env.Timeouts.Placing, limit.State())
	}
	log.Info("限价单已撤销", describe(limit))

	log.Info("6. 创建市价单")
	mkt, err := env.newOrder(orderPlan{typ: protocol.OrderTypeMarket, sellFactor: 1.1, buyFactor: 0.9})
	if err != nil {
		return err
	}
	mkt.Place()
	if !env.waitLeave(ctx, mkt, env.Timeouts.Placing, order.StatePlacing) {
		return failf("市价单 %s 在 %s 内未收到网关确认", mkt.ID(), env.Timeouts.Placing)
	}
	if mkt.State() == order.StateError {
		return failf("市价单 %s 被网关拒绝", mkt.ID())
	}
	log.Info("市价单已确认", describe(mkt), zap.String("result", "success"))
	return nil
}
