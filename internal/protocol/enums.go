package protocol

import (
	"encoding/json"
	"fmt"
)

// Event 表示消息事件类型。
type Event string

const (
	EventCommand Event = "command"
	EventData    Event = "data"
	EventError   Event = "error"
)

// Node 表示消息来源节点。
type Node string

const (
	NodeCore Node = "core"
	NodeGate Node = "gate"
)

// Action 表示消息所代表的具体操作，空值对应 JSON null。
type Action string

const (
	ActionNone            Action = ""
	ActionCreateOrders    Action = "create_orders"
	ActionCancelOrders    Action = "cancel_orders"
	ActionCancelAllOrders Action = "cancel_all_orders"
	ActionGetOrders       Action = "get_orders"
	ActionOrdersUpdate    Action = "orders_update"
	ActionGetBalance      Action = "get_balance"
	ActionBalanceUpdate   Action = "balance_update"
	ActionOrderBookUpdate Action = "order_book_update"
	ActionPing            Action = "ping"
)

// OrderType 订单类型。
type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeFOK       OrderType = "fok"
	OrderTypeStopLimit OrderType = "stop_limit"
)

// OrderSide 订单方向。
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// GateOrderStatus 为网关上报的订单状态。未知状态同样允许解码，由格式化层统一映射为错误。
type GateOrderStatus string

const (
	GateStatusOpen     GateOrderStatus = "open"
	GateStatusClosed   GateOrderStatus = "closed"
	GateStatusCanceled GateOrderStatus = "canceled"
	GateStatusExpired  GateOrderStatus = "expired"
	GateStatusRejected GateOrderStatus = "rejected"
)

var (
	knownEvents = map[Event]struct{}{EventCommand: {}, EventData: {}, EventError: {}}
	knownNodes  = map[Node]struct{}{NodeCore: {}, NodeGate: {}}
	knownTypes  = map[OrderType]struct{}{
		OrderTypeMarket: {}, OrderTypeLimit: {}, OrderTypeStop: {}, OrderTypeFOK: {}, OrderTypeStopLimit: {},
	}
	knownSides   = map[OrderSide]struct{}{OrderSideBuy: {}, OrderSideSell: {}}
	knownActions = map[Action]struct{}{
		ActionCreateOrders:    {},
		ActionCancelOrders:    {},
		ActionCancelAllOrders: {},
		ActionGetOrders:       {},
		ActionOrdersUpdate:    {},
		ActionGetBalance:      {},
		ActionBalanceUpdate:   {},
		ActionOrderBookUpdate: {},
		ActionPing:            {},
	}
)

// ParseOrderType 将字符串转换为订单类型。
func ParseOrderType(s string) (OrderType, error) {
	t := OrderType(s)
	if _, ok := knownTypes[t]; !ok {
		return "", fmt.Errorf("protocol: 未知订单类型 %q", s)
	}
	return t, nil
}

// ParseOrderSide 将字符串转换为订单方向。
func ParseOrderSide(s string) (OrderSide, error) {
	side := OrderSide(s)
	if _, ok := knownSides[side]; !ok {
		return "", fmt.Errorf("protocol: 未知订单方向 %q", s)
	}
	return side, nil
}

func (e *Event) UnmarshalJSON(b []byte) error {
	return unmarshalEnum(b, "event", knownEvents, e)
}

func (n *Node) UnmarshalJSON(b []byte) error {
	return unmarshalEnum(b, "node", knownNodes, n)
}

func (t *OrderType) UnmarshalJSON(b []byte) error {
	return unmarshalEnum(b, "order type", knownTypes, t)
}

func (s *OrderSide) UnmarshalJSON(b []byte) error {
	return unmarshalEnum(b, "order side", knownSides, s)
}

// MarshalJSON 将空 Action 编码为 null。
func (a Action) MarshalJSON() ([]byte, error) {
	if a == ActionNone {
		return []byte("null"), nil
	}
	return json.Marshal(string(a))
}

func (a *Action) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*a = ActionNone
		return nil
	}
	return unmarshalEnum(b, "action", knownActions, a)
}

func unmarshalEnum[T ~string](b []byte, kind string, known map[T]struct{}, dst *T) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("%s 必须是字符串: %w", kind, err)
	}
	v := T(s)
	if _, ok := known[v]; !ok {
		return fmt.Errorf("未知 %s %q", kind, s)
	}
	*dst = v
	return nil
}
