package market

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// ErrUnknownSymbol 表示目录中不存在该交易对。
var ErrUnknownSymbol = errors.New("market: unknown symbol")

// Range 表示开区间限制，缺失的边界视为无界。
type Range struct {
	Min decimal.NullDecimal
	Max decimal.NullDecimal
}

// NewRange 根据可选的上下界构造 Range。
func NewRange(min, max *float64) Range {
	var r Range
	if min != nil {
		r.Min = decimal.NewNullDecimal(decimal.NewFromFloat(*min))
	}
	if max != nil {
		r.Max = decimal.NewNullDecimal(decimal.NewFromFloat(*max))
	}
	return r
}

// Contains 判断 x 是否严格位于上下界之间。
func (r Range) Contains(x decimal.Decimal) bool {
	if r.Min.Valid && !x.GreaterThan(r.Min.Decimal) {
		return false
	}
	if r.Max.Valid && !x.LessThan(r.Max.Decimal) {
		return false
	}
	return true
}

func (r Range) String() string {
	lo, hi := "-inf", "+inf"
	if r.Min.Valid {
		lo = r.Min.Decimal.String()
	}
	if r.Max.Valid {
		hi = r.Max.Decimal.String()
	}
	return fmt.Sprintf("(%s, %s)", lo, hi)
}

// Limits 聚合交易对的数量、价格、成交额与杠杆限制。
type Limits struct {
	Amount   Range
	Price    Range
	Cost     Range
	Leverage Range
}

// Market 描述单个交易对的静态属性。
type Market struct {
	ExchangeSymbol  string
	CommonSymbol    string
	PriceIncrement  decimal.Decimal
	AmountIncrement decimal.Decimal
	Limits          Limits
	BaseAsset       string
	QuoteAsset      string
}

// TruncatePrice 将价格截断到价格步长。
func (m Market) TruncatePrice(price decimal.Decimal) decimal.Decimal {
	return Truncate(price, m.PriceIncrement)
}

// TruncateAmount 将数量截断到数量步长。
func (m Market) TruncateAmount(amount decimal.Decimal) decimal.Decimal {
	return Truncate(amount, m.AmountIncrement)
}

// Truncate 向零截断到 inc 的整数倍。inc 为零时原样返回。
func Truncate(x, inc decimal.Decimal) decimal.Decimal {
	if inc.IsZero() {
		return x
	}
	return x.Sub(x.Mod(inc))
}

// Catalog 为只读的交易对目录，键为通用符号。
type Catalog struct {
	markets map[string]Market
}

// NewCatalog 构造目录。重复的通用符号返回错误。
func NewCatalog(markets ...Market) (*Catalog, error) {
	c := &Catalog{markets: make(map[string]Market, len(markets))}
	for _, m := range markets {
		if m.CommonSymbol == "" {
			return nil, errors.New("market: common symbol 不能为空")
		}
		if _, dup := c.markets[m.CommonSymbol]; dup {
			return nil, fmt.Errorf("market: 重复的交易对 %q", m.CommonSymbol)
		}
		if m.PriceIncrement.IsNegative() || m.AmountIncrement.IsNegative() {
			return nil, fmt.Errorf("market: %s 的步长不能为负", m.CommonSymbol)
		}
		c.markets[m.CommonSymbol] = m
	}
	return c, nil
}

// Lookup 按通用符号查找交易对。
func (c *Catalog) Lookup(symbol string) (Market, error) {
	m, ok := c.markets[symbol]
	if !ok {
		return Market{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return m, nil
}

// Symbols 返回排序后的通用符号列表。
func (c *Catalog) Symbols() []string {
	out := make([]string, 0, len(c.markets))
	for s := range c.markets {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Markets 返回目录的副本。
func (c *Catalog) Markets() map[string]Market {
	out := make(map[string]Market, len(c.markets))
	for k, v := range c.markets {
		out[k] = v
	}
	return out
}

func (c *Catalog) Len() int {
	return len(c.markets)
}
