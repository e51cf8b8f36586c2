package order

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gate-tester/internal/protocol"
)

// State 为核心侧维护的订单状态。
type State string

const (
	StateUnplaced State = "unplaced"
	StatePlacing  State = "placing"
	StateOpen     State = "open"
	StateFilled   State = "filled"
	StateClosed   State = "closed"
	StateCanceled State = "canceled"
	StateError    State = "error"
)

// Data 为订单的值快照。
type Data struct {
	CoreOrderID string
	Symbol      string
	Type        protocol.OrderType
	Side        protocol.OrderSide
	Price       decimal.Decimal
	Amount      decimal.Decimal
	Filled      decimal.Decimal
	State       State
	HasPrice    bool // 网关未上报价格时为 false，Update 保留原价格
}

// Sink 为订单发起网关操作所需的能力，返回实际发出的订单数量。
type Sink interface {
	PlaceOrders(orders ...*Order) int
	CancelOrders(orders ...*Order) int
	RequestUpdateOrders(orders ...*Order) int
}

// Order 为订单生命周期实体，可被多个 goroutine 并发访问。
type Order struct {
	mu                  sync.Mutex
	data                Data
	sink                Sink
	placeTimestamp      time.Time
	lastUpdateTimestamp time.Time
}

// New 以 UNPLACED 状态创建订单。
func New(data Data, sink Sink) *Order {
	data.State = StateUnplaced
	return &Order{data: data, sink: sink}
}

// ID 返回核心订单号。
func (o *Order) ID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.data.CoreOrderID
}

// Data 返回订单快照。
func (o *Order) Data() Data {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.data
}

// State 返回当前状态。
func (o *Order) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.data.State
}

// PlaceTimestamp 返回最近一次进入 PLACING 的时间。
func (o *Order) PlaceTimestamp() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.placeTimestamp
}

// LastUpdateTimestamp 返回最近一次收到网关更新的时间。
func (o *Order) LastUpdateTimestamp() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastUpdateTimestamp
}

// Place 提交建单请求，仅 UNPLACED 与 ERROR 状态合法。
func (o *Order) Place() bool {
	if o.sink == nil {
		return false
	}
	return o.sink.PlaceOrders(o) == 1
}

// Cancel 提交撤单请求，仅 OPEN 与 FILLED 状态合法，状态等待网关确认。
func (o *Order) Cancel() bool {
	if o.sink == nil {
		return false
	}
	return o.sink.CancelOrders(o) == 1
}

// RequestUpdate 请求网关上报订单状态，UNPLACED 与 ERROR 状态不合法。
func (o *Order) RequestUpdate() bool {
	if o.sink == nil {
		return false
	}
	return o.sink.RequestUpdateOrders(o) == 1
}

// BeginPlacing 在状态合法时切换到 PLACING 并记录时间。
func (o *Order) BeginPlacing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.data.State != StateUnplaced && o.data.State != StateError {
		return false
	}
	o.data.State = StatePlacing
	o.placeTimestamp = time.Now()
	return true
}

// Cancelable 报告当前状态是否允许撤单。
func (o *Order) Cancelable() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.data.State == StateOpen || o.data.State == StateFilled
}

// Updatable 报告当前状态是否允许查单。
func (o *Order) Updatable() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.data.State != StateUnplaced && o.data.State != StateError
}

// SetState 直接设置状态。
func (o *Order) SetState(state State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.data.State = state
}

// Update 用网关上报的数据覆盖状态、成交量与数量；价格仅在上报时覆盖。
func (o *Order) Update(data Data, receivedAt time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.data.State = data.State
	o.data.Filled = data.Filled
	o.data.Amount = data.Amount
	if data.HasPrice {
		o.data.Price = data.Price
	}
	o.lastUpdateTimestamp = receivedAt
}
