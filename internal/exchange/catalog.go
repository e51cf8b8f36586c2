package exchange

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"gate-tester/internal/config"
	"gate-tester/internal/market"
)

// BuildCatalog 由静态配置构造交易对目录。
func BuildCatalog(items []config.MarketConfig) (*market.Catalog, error) {
	markets := make([]market.Market, 0, len(items))
	for _, item := range items {
		markets = append(markets, market.Market{
			ExchangeSymbol:  item.ExchangeSymbol,
			CommonSymbol:    item.CommonSymbol,
			PriceIncrement:  decimal.NewFromFloat(item.PriceIncrement),
			AmountIncrement: decimal.NewFromFloat(item.AmountIncrement),
			BaseAsset:       item.BaseAsset,
			QuoteAsset:      item.QuoteAsset,
			Limits: market.Limits{
				Amount:   market.NewRange(item.Limits.Amount.Min, item.Limits.Amount.Max),
				Price:    market.NewRange(item.Limits.Price.Min, item.Limits.Price.Max),
				Cost:     market.NewRange(item.Limits.Cost.Min, item.Limits.Cost.Max),
				Leverage: market.NewRange(item.Limits.Leverage.Min, item.Limits.Leverage.Max),
			},
		})
	}
	catalog, err := market.NewCatalog(markets...)
	if err != nil {
		return nil, fmt.Errorf("构建交易对目录失败: %w", err)
	}
	return catalog, nil
}

// mergeMetadata 用 ccxt 的交易对元数据补全配置项中缺省的字段。
// ccxt 的 precision 按 TICK_SIZE 模式解释为步长。
func mergeMetadata(item config.MarketConfig, meta map[string]interface{}) config.MarketConfig {
	if item.ExchangeSymbol == "" {
		if id, ok := meta["id"].(string); ok {
			item.ExchangeSymbol = id
		}
	}
	if item.BaseAsset == "" {
		item.BaseAsset, _ = meta["base"].(string)
	}
	if item.QuoteAsset == "" {
		item.QuoteAsset, _ = meta["quote"].(string)
	}

	precision, _ := meta["precision"].(map[string]interface{})
	if item.PriceIncrement == 0 {
		if v, ok := toFloat(precision["price"]); ok {
			item.PriceIncrement = v
		}
	}
	if item.AmountIncrement == 0 {
		if v, ok := toFloat(precision["amount"]); ok {
			item.AmountIncrement = v
		}
	}

	limits, _ := meta["limits"].(map[string]interface{})
	item.Limits.Amount = mergeRange(item.Limits.Amount, limits["amount"])
	item.Limits.Price = mergeRange(item.Limits.Price, limits["price"])
	item.Limits.Cost = mergeRange(item.Limits.Cost, limits["cost"])
	item.Limits.Leverage = mergeRange(item.Limits.Leverage, limits["leverage"])
	return item
}

func mergeRange(r config.RangeConfig, raw interface{}) config.RangeConfig {
	bounds, ok := raw.(map[string]interface{})
	if !ok {
		return r
	}
	if r.Min == nil {
		if v, ok := toFloat(bounds["min"]); ok {
			r.Min = &v
		}
	}
	if r.Max == nil {
		if v, ok := toFloat(bounds["max"]); ok {
			r.Max = &v
		}
	}
	return r
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
