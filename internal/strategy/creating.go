package strategy

import (
	"context"

	"go.uber.org/zap"

	"gate-tester/internal/order"
	"gate-tester/internal/protocol"
)

// orderCreatingTesting 检查网关能否连续创建并成交限价单与市价单，以及单条命令中的混合订单。
type orderCreatingTesting struct{}

func (orderCreatingTesting) Name() string { return "order-creating-testing" }

func (orderCreatingTesting) Description() string {
	return "逐笔创建可快速成交的限价单与市价单，再在一条命令中同时提交两种订单"
}

func (s orderCreatingTesting) Execute(ctx context.Context, env *Env) error {
	log := env.Logger.Named(s.Name())

	if err := env.prepare(ctx); err != nil {
		return err
	}
	if err := env.pause(ctx, env.Timeouts.Settle/2); err != nil {
		return err
	}

	log.Info("2. 逐笔创建按中间价成交的限价单", zap.Int("repeats", env.Repeats))
	if err := executeSequentially(ctx, env, log, protocol.OrderTypeLimit); err != nil {
		return err
	}

	log.Info("3. 逐笔创建市价单", zap.Int("repeats", env.Repeats))
	if err := executeSequentially(ctx, env, log, protocol.OrderTypeMarket); err != nil {
		return err
	}

	log.Info("4. 一条命令中同时提交限价单与市价单")
	if err := executeMixed(ctx, env); err != nil {
		return err
	}

	log.Info("建单检查通过", zap.String("result", "success"))
	return nil
}

// executeSequentially 依次提交 env.Repeats 笔订单，每笔都须先被确认再成交。
func executeSequentially(ctx context.Context, env *Env, log *zap.Logger, typ protocol.OrderType) error {
	orders := make([]*order.Order, 0, env.Repeats)
	for i := 0; i < env.Repeats; i++ {
		o, err := env.newOrder(orderPlan{typ: typ})
		if err != nil {
			return err
		}
		orders = append(orders, o)
	}

	for i, o := range orders {
		log.Info("提交订单", zap.Int("index", i), describe(o))
		o.Place()
		if !env.waitLeave(ctx, o, env.Timeouts.Placing, order.StatePlacing) {
			return failf("订单 %s 在 %s 内未收到网关确认", o.ID(), env.Timeouts.Placing)
		}
		if !env.wait(ctx, env.Timeouts.Executing, func() bool {
			st := o.State()
			return st != order.StateOpen && st != order.StateFilled
		}) {
			return failf("订单 %s 在 %s 内未成交，%s 可能波动过大或流动性不足",
				o.ID(), env.Timeouts.Executing, o.Data().Symbol)
		}
		if st := o.State(); st != order.StateClosed {
			return failf("订单 %s 未完全成交，最终状态 %s", o.ID(), st)
		}
		log.Info("订单已成交", zap.Int("index", i))
	}
	return nil
}

func executeMixed(ctx context.Context, env *Env) error {
	limit, err := env.newOrder(orderPlan{typ: protocol.OrderTypeLimit})
	if err != nil {
		return err
	}
	mkt, err := env.newOrder(orderPlan{typ: protocol.OrderTypeMarket})
	if err != nil {
		return err
	}
	env.Trader.PlaceOrders(limit, mkt)

	if !env.wait(ctx, env.Timeouts.Executing, func() bool {
		return limit.State() == order.StateClosed && mkt.State() == order.StateClosed
	}) {
		return failf("混合命令中的订单未在 %s 内成交：limit=%s market=%s",
			env.Timeouts.Executing, limit.State(), mkt.State())
	}
	return nil
}
