package protocol

import (
	"encoding/json"
	"errors"
)

var (
	// ErrMalformed 表示消息不是合法的 JSON。
	ErrMalformed = errors.New("protocol: malformed message")
	// ErrSchemaMismatch 表示消息结构与协议不符，包括未知字段、缺失字段与 data 结构错误。
	ErrSchemaMismatch = errors.New("protocol: schema mismatch")
)

// Message 是系统各节点之间交换的统一信封。
type Message struct {
	EventID   string          `json:"event_id"`
	Exchange  string          `json:"exchange"`
	Instance  string          `json:"instance"`
	Algo      string          `json:"algo"`
	Node      Node            `json:"node"`
	Event     Event           `json:"event"`
	Action    Action          `json:"action"`
	Message   *string         `json:"message"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`

	// Payload 为按 event/action 解码后的 data，不参与序列化。
	Payload any `json:"-"`
}

var requiredEnvelopeKeys = []string{"event_id", "exchange", "instance", "algo", "node", "event", "timestamp"}

// Text 返回 message 字段，缺失时为空串。
func (m *Message) Text() string {
	if m.Message == nil {
		return ""
	}
	return *m.Message
}

// Encode 序列化信封；data 为空时写入 null。
func (m *Message) Encode() ([]byte, error) {
	out := *m
	if len(out.Data) == 0 {
		out.Data = json.RawMessage("null")
	}
	return json.Marshal(&out)
}

// OrderToCreate 为核心发给网关的建单结构。
type OrderToCreate struct {
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Type          OrderType `json:"type"`
	Side          OrderSide `json:"side"`
	Amount        float64   `json:"amount"`
	Price         float64   `json:"price"`
}

// OrderID 用于在撤单、查单命令中标识订单。id 仅由网关填写。
type OrderID struct {
	ClientOrderID string  `json:"client_order_id"`
	Symbol        string  `json:"symbol"`
	ID            *string `json:"id"`
}

// OrderInfo 为网关上报的订单信息。
type OrderInfo struct {
	ID            string           `json:"id"`
	ClientOrderID string           `json:"client_order_id"`
	Symbol        string           `json:"symbol"`
	Type          OrderType        `json:"type"`
	Side          OrderSide        `json:"side"`
	Amount        float64          `json:"amount"`
	Price         *float64         `json:"price"`
	Timestamp     int64            `json:"timestamp"`
	Status        *GateOrderStatus `json:"status"`
	Filled        *float64         `json:"filled"`
	Info          json.RawMessage  `json:"info"`
}

// OrderBook 为网关推送的盘口快照，bids/asks 为 [price, size] 对。
type OrderBook struct {
	Symbol    string      `json:"symbol"`
	Timestamp *int64      `json:"timestamp"`
	Bids      [][]float64 `json:"bids"`
	Asks      [][]float64 `json:"asks"`
}

// Balance 为单个资产余额。
type Balance struct {
	Free  float64 `json:"free"`
	Used  float64 `json:"used"`
	Total float64 `json:"total"`
}

// Balances 为网关推送的余额集合。
type Balances struct {
	Timestamp *int64             `json:"timestamp"`
	Assets    map[string]Balance `json:"assets"`
}

// ErrorDetails 为 error 事件解码后的内容。Orders 为能从 data 中识别出的订单引用。
type ErrorDetails struct {
	Orders []OrderID
	Raw    json.RawMessage
}

var (
	requiredOrderToCreate = []string{"client_order_id", "symbol", "type", "side", "amount", "price"}
	requiredOrderID       = []string{"client_order_id", "symbol"}
	requiredOrderInfo     = []string{"id", "client_order_id", "symbol", "type", "side", "amount", "timestamp"}
	requiredOrderBook     = []string{"symbol", "bids", "asks"}
	requiredBalance       = []string{"free", "used", "total"}
	requiredBalances      = []string{"assets"}
)
