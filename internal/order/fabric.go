package order

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"gate-tester/internal/market"
	"gate-tester/internal/protocol"
)

// ErrUnknownSymbol 表示建单时交易对不在目录中。
var ErrUnknownSymbol = market.ErrUnknownSymbol

// LimitViolationError 表示数量、价格或成交额越界。
type LimitViolationError struct {
	Symbol string
	Field  string
	Value  decimal.Decimal
	Range  market.Range
}

func (e *LimitViolationError) Error() string {
	return fmt.Sprintf("order: %s 的 %s=%s 超出限制 %s", e.Symbol, e.Field, e.Value, e.Range)
}

// NewID 生成订单号：prefix + uuid + postfix，不插入分隔符。
func NewID(prefix, postfix string) string {
	return prefix + uuid.NewString() + postfix
}

// Fabric 负责按交易对规则量化并校验新订单。
type Fabric struct {
	catalog *market.Catalog
	sink    Sink
}

// NewFabric 创建订单工厂。
func NewFabric(catalog *market.Catalog, sink Sink) *Fabric {
	return &Fabric{catalog: catalog, sink: sink}
}

// CreateOrder 构造 UNPLACED 订单。validate 为 false 时跳过限制校验。
func (f *Fabric) CreateOrder(
	id, symbol string,
	typ protocol.OrderType,
	side protocol.OrderSide,
	price, amount decimal.Decimal,
	validate bool,
) (*Order, error) {
	m, err := f.catalog.Lookup(symbol)
	if err != nil {
		return nil, err
	}

	price = m.TruncatePrice(price)
	amount = m.TruncateAmount(amount)

	if validate {
		if err := checkLimits(m, price, amount); err != nil {
			return nil, err
		}
	}

	return New(Data{
		CoreOrderID: id,
		Symbol:      symbol,
		Type:        typ,
		Side:        side,
		Price:       price,
		Amount:      amount,
		Filled:      decimal.Zero,
	}, f.sink), nil
}

func checkLimits(m market.Market, price, amount decimal.Decimal) error {
	checks := []struct {
		field string
		value decimal.Decimal
		rng   market.Range
	}{
		{"amount", amount, m.Limits.Amount},
		{"price", price, m.Limits.Price},
		{"cost", price.Mul(amount), m.Limits.Cost},
	}
	for _, c := range checks {
		if !c.rng.Contains(c.value) {
			return &LimitViolationError{Symbol: m.CommonSymbol, Field: c.field, Value: c.value, Range: c.rng}
		}
	}
	return nil
}
