package strategy

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gate-tester/internal/order"
	"gate-tester/internal/protocol"
)

const (
	invalidSymbol = "INVALID/SYMBOL"
	mixedBatch    = 10
)

var hugeAmount = decimal.NewFromInt(10_000_000)

// breakingTesting 发送非法订单与不存在的订单号，检查网关是否逐一返回错误。
type breakingTesting struct{}

func (breakingTesting) Name() string { return "breaking-testing" }

func (breakingTesting) Description() string {
	return "零价格、零数量、非法交易对、空订单号、超大数量以及不存在的订单号都应收到网关错误"
}

func (s breakingTesting) Execute(ctx context.Context, env *Env) error {
	log := env.Logger.Named(s.Name())

	if err := env.prepare(ctx); err != nil {
		return err
	}

	zero := decimal.Zero

	log.Info("1. 零价格限价单应被拒绝")
	if err := expectRejected(ctx, env, unsafePlan(protocol.OrderTypeLimit, &zero, nil)); err != nil {
		return err
	}

	log.Info("2. 零数量的限价单与市价单应被拒绝")
	if err := expectRejected(ctx, env, unsafePlan(protocol.OrderTypeLimit, nil, &zero)); err != nil {
		return err
	}
	if err := expectRejected(ctx, env, unsafePlan(protocol.OrderTypeMarket, nil, &zero)); err != nil {
		return err
	}

	log.Info("3. 非法交易对应被拒绝")
	bad, err := env.newOrder(unsafePlan(protocol.OrderTypeLimit, nil, nil))
	if err != nil {
		return err
	}
	env.Trader.RemoveOrder(bad.ID())
	d := bad.Data()
	d.Symbol = invalidSymbol
	invalid := env.Trader.CreateUnsafeOrder(d)
	invalid.Place()
	if !env.waitState(ctx, invalid, env.Timeouts.Placing, order.StateError) {
		return failf("非法交易对的订单 %s 在 %s 内未收到错误，当前状态 %s", invalid.ID(), env.Timeouts.Placing, invalid.State())
	}

	log.Info("4. 空订单号应被拒绝")
	d.Symbol = bad.Data().Symbol
	d.CoreOrderID = ""
	before := env.Trader.LastError()
	anonymous := env.Trader.CreateUnsafeOrder(d)
	anonymous.Place()
	if !env.wait(ctx, env.Timeouts.Placing, func() bool {
		last := env.Trader.LastError()
		return last != nil && last != before && last.Action == protocol.ActionCreateOrders
	}) {
		return failf("空订单号的订单在 %s 内未收到错误", env.Timeouts.Placing)
	}
	env.Trader.RemoveOrder("")

	log.Info("5. 交替提交非法与合法订单", zap.Int("orders", mixedBatch))
	for i := 0; i < mixedBatch; i++ {
		if i%2 == 0 {
			if err := expectRejected(ctx, env, unsafePlan(protocol.OrderTypeLimit, nil, &hugeAmount)); err != nil {
				return err
			}
			continue
		}
		o, err := env.newOrder(unsafePlan(protocol.OrderTypeLimit, nil, nil))
		if err != nil {
			return err
		}
		o.Place()
		if !env.waitState(ctx, o, env.Timeouts.Placing, order.StateOpen) {
			return failf("订单 %s 在 %s 内未挂出，当前状态 %s", o.ID(), env.Timeouts.Placing, o.State())
		}
		o.Cancel()
		if err := env.pause(ctx, env.Timeouts.Settle*3/10); err != nil {
			return err
		}
	}

	log.Info("6. 一条命令中九笔合法订单与一笔非法订单")
	batch := make([]*order.Order, 0, mixedBatch)
	for i := 0; i < mixedBatch-1; i++ {
		o, err := env.newOrder(unsafePlan(protocol.OrderTypeLimit, nil, nil))
		if err != nil {
			return err
		}
		batch = append(batch, o)
	}
	oversized, err := env.newOrder(unsafePlan(protocol.OrderTypeLimit, nil, &hugeAmount))
	if err != nil {
		return err
	}
	batch = append(batch, oversized)
	env.Trader.PlaceOrders(batch...)

	valid := batch[:mixedBatch-1]
	if !env.wait(ctx, env.Timeouts.Placing, func() bool {
		return oversized.State() == order.StateError && noneIn(valid, order.StatePlacing)
	}) {
		return failf("批量命令在 %s 内未全部收到结果，非法订单状态 %s", env.Timeouts.Placing, oversized.State())
	}
	for _, o := range valid {
		if st := o.State(); st == order.StateError {
			return failf("合法订单 %s 被拒绝", o.ID())
		}
	}

	log.Info("7. 撤销上一步除最后一笔以外的订单")
	env.Trader.CancelOrders(valid[:len(valid)-1]...)
	if err := env.pause(ctx, env.Timeouts.Settle); err != nil {
		return err
	}

	log.Info("8. 撤单命令中附带一个不存在的订单号")
	ghost := env.Trader.CreateUnsafeOrder(order.Data{
		CoreOrderID: order.NewID("ghost-", ""),
		Symbol:      d.Symbol,
		Type:        protocol.OrderTypeLimit,
		Side:        d.Side,
		Price:       d.Price,
		Amount:      d.Amount,
	})
	defer env.Trader.RemoveOrder(ghost.ID())
	ghost.SetState(order.StateOpen)

	last := valid[len(valid)-1]
	env.Trader.CancelOrders(last, ghost)
	if !env.wait(ctx, 3*env.Timeouts.Settle, func() bool { return lastErrorFor(env, protocol.ActionCancelOrders, ghost.ID()) }) {
		return failf("撤销不存在的订单 %s 未收到网关错误，最近的错误: %s", ghost.ID(), lastErrorText(env))
	}
	if !env.waitState(ctx, last, 3*env.Timeouts.Settle, order.StateCanceled) {
		return failf("订单 %s 未被撤销，当前状态 %s", last.ID(), last.State())
	}

	log.Info("9. 查询不存在的订单")
	env.Trader.RequestUpdateOrders(ghost)
	if !env.wait(ctx, 3*env.Timeouts.Settle, func() bool { return lastErrorFor(env, protocol.ActionGetOrders, ghost.ID()) }) {
		return failf("查询不存在的订单 %s 未收到网关错误，最近的错误: %s", ghost.ID(), lastErrorText(env))
	}

	log.Info("破坏性检查通过", zap.String("result", "success"))
	return nil
}

func unsafePlan(typ protocol.OrderType, price, amount *decimal.Decimal) orderPlan {
	return orderPlan{
		typ:            typ,
		sellFactor:     1.1,
		buyFactor:      0.9,
		price:          price,
		amount:         amount,
		bySize:         true,
		skipValidation: true,
	}
}

func expectRejected(ctx context.Context, env *Env, plan orderPlan) error {
	o, err := env.newOrder(plan)
	if err != nil {
		return err
	}
	o.Place()
	if !env.waitState(ctx, o, env.Timeouts.Placing, order.StateError) {
		return failf("订单 %s 在 %s 内未收到错误，当前状态 %s", o.ID(), env.Timeouts.Placing, o.State())
	}
	return nil
}

func lastErrorFor(env *Env, action protocol.Action, id string) bool {
	last := env.Trader.LastError()
	if last == nil || last.Action != action {
		return false
	}
	details, _ := last.Payload.(protocol.ErrorDetails)
	for _, ref := range details.Orders {
		if ref.ClientOrderID == id {
			return true
		}
	}
	return false
}

func lastErrorText(env *Env) string {
	last := env.Trader.LastError()
	if last == nil {
		return "<none>"
	}
	return string(last.Action) + ": " + last.Text()
}
