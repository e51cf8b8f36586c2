package formatter

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gate-tester/internal/config"
	"gate-tester/internal/order"
	"gate-tester/internal/protocol"
	"gate-tester/internal/state"
)

// HandleFailureMessage 为接收侧处理失败时合成的错误信封文本。
const HandleFailureMessage = "Failed to handle command"

// Formatter 负责在领域对象与协议信封之间相互转换。
type Formatter struct {
	identity config.GateConfig
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string
}

// New 创建 Formatter，identity 提供信封中的 exchange/instance/algo/node。
func New(identity config.GateConfig, logger *zap.Logger) *Formatter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Formatter{
		identity: identity,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// WithClock 替换时钟与事件号生成器，nil 表示保持不变。
func (f *Formatter) WithClock(now func() time.Time, newID func() string) *Formatter {
	cp := *f
	if now != nil {
		cp.now = now
	}
	if newID != nil {
		cp.newID = newID
	}
	return &cp
}

// FormatCreateOrders 构造建单命令。
func (f *Formatter) FormatCreateOrders(orders []order.Data) *protocol.Message {
	items := make([]protocol.OrderToCreate, 0, len(orders))
	for _, o := range orders {
		items = append(items, protocol.OrderToCreate{
			ClientOrderID: o.CoreOrderID,
			Symbol:        o.Symbol,
			Type:          o.Type,
			Side:          o.Side,
			Amount:        o.Amount.InexactFloat64(),
			Price:         o.Price.InexactFloat64(),
		})
	}
	return f.command(protocol.ActionCreateOrders, items)
}

// FormatCancelOrders 构造撤单命令。
func (f *Formatter) FormatCancelOrders(orders []order.Data) *protocol.Message {
	return f.command(protocol.ActionCancelOrders, orderIDs(orders))
}

// FormatGetOrders 构造查单命令。
func (f *Formatter) FormatGetOrders(orders []order.Data) *protocol.Message {
	return f.command(protocol.ActionGetOrders, orderIDs(orders))
}

// FormatCancelAllOrders 构造全部撤单命令。
func (f *Formatter) FormatCancelAllOrders() *protocol.Message {
	return f.command(protocol.ActionCancelAllOrders, nil)
}

// FormatGetBalance 构造查询余额命令，assets 为空时查询全部资产。
func (f *Formatter) FormatGetBalance(assets []string) *protocol.Message {
	if len(assets) == 0 {
		return f.command(protocol.ActionGetBalance, nil)
	}
	return f.command(protocol.ActionGetBalance, assets)
}

// FormatError 构造错误信封。
func (f *Formatter) FormatError(message string, action protocol.Action, data any) *protocol.Message {
	msg := f.envelope(protocol.EventError, action, data)
	msg.Message = &message
	return msg
}

// FormatHandleFailure 将无法处理的入站原文包装为错误信封。
func (f *Formatter) FormatHandleFailure(raw []byte) *protocol.Message {
	return f.FormatError(HandleFailureMessage, protocol.ActionNone, string(raw))
}

func (f *Formatter) command(action protocol.Action, data any) *protocol.Message {
	return f.envelope(protocol.EventCommand, action, data)
}

func (f *Formatter) envelope(event protocol.Event, action protocol.Action, data any) *protocol.Message {
	raw := json.RawMessage("null")
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			f.logger.Error("序列化消息数据失败", zap.String("action", string(action)), zap.Error(err))
		} else {
			raw = b
		}
	}
	return &protocol.Message{
		EventID:   f.newID(),
		Exchange:  f.identity.Exchange,
		Instance:  f.identity.Instance,
		Algo:      f.identity.Algo,
		Node:      protocol.Node(f.identity.Node),
		Event:     event,
		Action:    action,
		Timestamp: f.now().UnixMicro(),
		Data:      raw,
	}
}

func orderIDs(orders []order.Data) []protocol.OrderID {
	out := make([]protocol.OrderID, 0, len(orders))
	for _, o := range orders {
		out = append(out, protocol.OrderID{ClientOrderID: o.CoreOrderID, Symbol: o.Symbol})
	}
	return out
}

type statusKey struct {
	status protocol.GateOrderStatus
	filled bool
}

// orderStates 为网关状态到核心状态的唯一映射，未列出的组合一律视为 ERROR。
var orderStates = map[statusKey]order.State{
	{protocol.GateStatusOpen, false}:     order.StateOpen,
	{protocol.GateStatusOpen, true}:      order.StateFilled,
	{protocol.GateStatusCanceled, false}: order.StateCanceled,
	{protocol.GateStatusCanceled, true}:  order.StateCanceled,
	{protocol.GateStatusClosed, false}:   order.StateClosed,
	{protocol.GateStatusClosed, true}:    order.StateClosed,
}

// FormatOrderState 将网关状态与成交量映射为核心订单状态。
func FormatOrderState(status protocol.GateOrderStatus, filled decimal.Decimal) order.State {
	if s, ok := orderStates[statusKey{status: status, filled: filled.IsPositive()}]; ok {
		return s
	}
	return order.StateError
}

// FormatOrderData 将网关订单信息转换为领域数据，缺少状态或字段非法的条目记录告警后丢弃。
func (f *Formatter) FormatOrderData(infos []protocol.OrderInfo) []order.Data {
	out := make([]order.Data, 0, len(infos))
	for _, info := range infos {
		if info.ClientOrderID == "" {
			f.logger.Warn("订单信息缺少 client_order_id，已丢弃", zap.String("id", info.ID))
			continue
		}
		if info.Status == nil {
			f.logger.Warn("订单信息缺少状态，已丢弃", zap.String("core_order_id", info.ClientOrderID))
			continue
		}
		filled := decimal.Zero
		if info.Filled != nil {
			filled = decimal.NewFromFloat(*info.Filled)
		}
		price := decimal.Zero
		if info.Price != nil {
			price = decimal.NewFromFloat(*info.Price)
		}
		out = append(out, order.Data{
			CoreOrderID: info.ClientOrderID,
			Symbol:      info.Symbol,
			Type:        info.Type,
			Side:        info.Side,
			Price:       price,
			HasPrice:    info.Price != nil,
			Amount:      decimal.NewFromFloat(info.Amount),
			Filled:      filled,
			State:       FormatOrderState(*info.Status, filled),
		})
	}
	return out
}

// FormatOrderIDs 提取订单号。
func FormatOrderIDs(ids []protocol.OrderID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id.ClientOrderID != "" {
			out = append(out, id.ClientOrderID)
		}
	}
	return out
}

// FormatOrderbook 将网关盘口转换为领域盘口，少于两个元素的档位被丢弃。
func (f *Formatter) FormatOrderbook(book protocol.OrderBook) state.Orderbook {
	out := state.Orderbook{
		Symbol: book.Symbol,
		Bids:   f.levels(book.Symbol, book.Bids),
		Asks:   f.levels(book.Symbol, book.Asks),
	}
	if book.Timestamp != nil {
		out.Timestamp = time.UnixMicro(*book.Timestamp)
	}
	return out
}

func (f *Formatter) levels(symbol string, raw [][]float64) []state.Level {
	out := make([]state.Level, 0, len(raw))
	for _, lvl := range raw {
		if len(lvl) < 2 {
			f.logger.Warn("盘口档位格式错误，已丢弃", zap.String("symbol", symbol), zap.Float64s("level", lvl))
			continue
		}
		out = append(out, state.Level{
			Price: decimal.NewFromFloat(lvl[0]),
			Size:  decimal.NewFromFloat(lvl[1]),
		})
	}
	return out
}

// FormatBalances 将网关余额转换为领域余额。
func FormatBalances(b protocol.Balances) map[string]state.Balance {
	out := make(map[string]state.Balance, len(b.Assets))
	for asset, bal := range b.Assets {
		out[asset] = state.Balance{
			Free:  decimal.NewFromFloat(bal.Free),
			Used:  decimal.NewFromFloat(bal.Used),
			Total: decimal.NewFromFloat(bal.Total),
		}
	}
	return out
}
