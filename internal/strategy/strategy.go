package strategy

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gate-tester/internal/market"
	"gate-tester/internal/order"
	"gate-tester/internal/protocol"
	"gate-tester/internal/state"
	"gate-tester/internal/trader"
)

var (
	// ErrTestFailed 表示网关未通过测试。
	ErrTestFailed = errors.New("strategy: test failed")
	// ErrInsufficientBalance 表示没有任何交易对的余额足以下单。
	ErrInsufficientBalance = errors.New("strategy: insufficient balance")
	// ErrUnknownStrategy 表示注册表中没有该名称。
	ErrUnknownStrategy = errors.New("strategy: unknown strategy")
)

// Strategy 为一个网关一致性测试场景。返回 nil 表示通过。
type Strategy interface {
	Name() string
	Description() string
	Execute(ctx context.Context, env *Env) error
}

// Timeouts 为各场景的等待上限。
type Timeouts struct {
	MarketData time.Duration
	Placing    time.Duration
	Executing  time.Duration
	Settle     time.Duration
	Sample     time.Duration
	Poll       time.Duration
}

// DefaultTimeouts 返回面向真实网关的等待上限。
func DefaultTimeouts() Timeouts {
	return Timeouts{
		MarketData: 30 * time.Second,
		Placing:    5 * time.Second,
		Executing:  30 * time.Second,
		Settle:     time.Second,
		Sample:     2500 * time.Millisecond,
		Poll:       100 * time.Millisecond,
	}
}

// Env 为策略可见的环境。策略只能通过 Trader 与网关交互。
type Env struct {
	Trader     *trader.Trader
	Orderbooks *state.OrderbookState
	Balances   *state.BalancesState
	Markets    *market.Catalog
	Assets     []string
	Logger     *zap.Logger
	Timeouts   Timeouts
	Repeats    int
}

// NewEnv 以 Trader 的状态构造环境。
func NewEnv(t *trader.Trader, assets []string, logger *zap.Logger) *Env {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Env{
		Trader:     t,
		Orderbooks: t.Orderbooks(),
		Balances:   t.Balances(),
		Markets:    t.Markets(),
		Assets:     assets,
		Logger:     logger,
		Timeouts:   DefaultTimeouts(),
		Repeats:    10,
	}
}

var registry = map[string]func() Strategy{
	"fast-testing":           func() Strategy { return fastTesting{} },
	"orderbook-testing":      func() Strategy { return orderbookTesting{} },
	"balances-testing":       func() Strategy { return balancesTesting{} },
	"cancelling-testing":     func() Strategy { return cancellingTesting{} },
	"order-creating-testing": func() Strategy { return orderCreatingTesting{} },
	"breaking-testing":       func() Strategy { return breakingTesting{} },
}

// New 按名称创建策略。
func New(name string) (Strategy, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	return ctor(), nil
}

// Names 返回全部已注册的策略名称。
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WaitFor 每隔 interval 检查 pred，直到成立、超时或 ctx 取消。
func WaitFor(ctx context.Context, timeout, interval time.Duration, pred func() bool) bool {
	if pred() {
		return true
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return pred()
		case <-ticker.C:
			if pred() {
				return true
			}
		}
	}
}

func failf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTestFailed, fmt.Sprintf(format, args...))
}

func (e *Env) wait(ctx context.Context, timeout time.Duration, pred func() bool) bool {
	return WaitFor(ctx, timeout, e.Timeouts.Poll, pred)
}

func (e *Env) pause(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (e *Env) waitState(ctx context.Context, o *order.Order, timeout time.Duration, want order.State) bool {
	return e.wait(ctx, timeout, func() bool { return o.State() == want })
}

func (e *Env) waitLeave(ctx context.Context, o *order.Order, timeout time.Duration, from order.State) bool {
	return e.wait(ctx, timeout, func() bool { return o.State() != from })
}

// prepare 撤销全部挂单、请求余额，并等待余额与每个交易对的盘口到达。
func (e *Env) prepare(ctx context.Context) error {
	e.Logger.Info("撤销全部挂单并请求余额")
	if err := e.Trader.CancelAllOrders(); err != nil {
		e.Logger.Warn("撤销全部挂单的命令未送达", zap.Error(err))
	}
	if err := e.Trader.RequestUpdateBalances(e.Assets...); err != nil {
		e.Logger.Warn("余额请求未送达", zap.Error(err))
	}

	e.Logger.Info("等待余额与盘口")
	symbols := e.Markets.Symbols()
	ready := e.wait(ctx, e.Timeouts.MarketData, func() bool {
		if e.Balances.IsEmpty() {
			return false
		}
		for _, symbol := range symbols {
			if _, ok := e.Orderbooks.Get(symbol); !ok {
				return false
			}
		}
		return true
	})
	if !ready {
		if err := ctx.Err(); err != nil {
			return err
		}
		return failf("%s 内未收到余额与全部盘口 (balances=%d orderbooks=%d/%d)",
			e.Timeouts.MarketData, e.Balances.Len(), e.Orderbooks.Len(), len(symbols))
	}
	e.Logger.Info("余额与盘口已就绪",
		zap.Int("balances", e.Balances.Len()),
		zap.Strings("orderbooks", e.Orderbooks.Symbols()),
	)
	return nil
}

// balancesFree 报告全部资产的 used 是否为零。
func (e *Env) balancesFree() bool {
	for _, b := range e.Balances.Snapshot() {
		if !b.Used.IsZero() {
			return false
		}
	}
	return true
}

type referencePrice int

const (
	midPrice referencePrice = iota
	bestBid
)

// orderPlan 描述如何为随机交易对构造订单。
type orderPlan struct {
	typ        protocol.OrderType
	reference  referencePrice
	sellFactor float64
	buyFactor  float64
	price      *decimal.Decimal
	amount     *decimal.Decimal
	// bySize 为 true 时按余额较多的一侧下单，不检查余额是否足够。
	bySize         bool
	skipValidation bool
}

// newOrder 在随机交易对上按计划构造 UNPLACED 订单。
func (e *Env) newOrder(plan orderPlan) (*order.Order, error) {
	symbols := e.Markets.Symbols()
	rand.Shuffle(len(symbols), func(i, j int) { symbols[i], symbols[j] = symbols[j], symbols[i] })

	for _, symbol := range symbols {
		m, err := e.Markets.Lookup(symbol)
		if err != nil {
			continue
		}
		book, ok := e.Orderbooks.Get(symbol)
		if !ok {
			continue
		}
		ref, ok := plan.reference.of(book)
		if !ok {
			continue
		}

		amount := minimalAmount(m, ref)
		if plan.amount != nil {
			amount = *plan.amount
		}
		price := ref
		if plan.price != nil {
			price = *plan.price
		}

		base, _ := e.Balances.Get(m.BaseAsset)
		quote, _ := e.Balances.Get(m.QuoteAsset)

		var side protocol.OrderSide
		switch {
		case plan.bySize && base.Free.GreaterThan(quote.Free):
			side = protocol.OrderSideSell
		case plan.bySize:
			side = protocol.OrderSideBuy
		case base.Free.GreaterThan(amount):
			side = protocol.OrderSideSell
		case quote.Free.GreaterThan(amount.Mul(ref)):
			side = protocol.OrderSideBuy
		default:
			continue
		}

		factor := plan.buyFactor
		if side == protocol.OrderSideSell {
			factor = plan.sellFactor
		}
		if factor != 0 {
			price = price.Mul(decimal.NewFromFloat(factor))
		}

		return e.Trader.CreateUnplacedOrder(trader.OrderRequest{
			Symbol:         symbol,
			Type:           plan.typ,
			Side:           side,
			Price:          price.InexactFloat64(),
			Amount:         amount.InexactFloat64(),
			IDPrefix:       "gatetest-",
			SkipValidation: plan.skipValidation,
		})
	}
	return nil, ErrInsufficientBalance
}

func (r referencePrice) of(book state.Orderbook) (decimal.Decimal, bool) {
	bid, okBid := book.BestBid()
	if r == bestBid {
		return bid.Price, okBid
	}
	ask, okAsk := book.BestAsk()
	if !okBid || !okAsk {
		return decimal.Zero, false
	}
	return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2)), true
}

var minimumMargin = decimal.RequireFromString("1.1")

// minimalAmount 返回略高于成交额与数量下限的下单量。
func minimalAmount(m market.Market, price decimal.Decimal) decimal.Decimal {
	amount := decimal.Zero
	if m.Limits.Cost.Min.Valid && price.IsPositive() {
		amount = m.Limits.Cost.Min.Decimal.Div(price).Mul(minimumMargin)
	}
	if m.Limits.Amount.Min.Valid && (!m.Limits.Cost.Min.Valid || amount.LessThan(m.Limits.Amount.Min.Decimal)) {
		amount = m.Limits.Amount.Min.Decimal.Mul(minimumMargin)
	}
	if amount.IsZero() {
		amount = m.AmountIncrement
	}
	return amount
}

func describe(o *order.Order) zap.Field {
	d := o.Data()
	return zap.String("order", fmt.Sprintf("%s %s %s %s price=%s amount=%s filled=%s state=%s",
		d.CoreOrderID, d.Symbol, d.Type, d.Side, d.Price, d.Amount, d.Filled, d.State))
}
