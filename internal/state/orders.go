package state

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"gate-tester/internal/order"
)

// OrdersState 按核心订单号登记订单，是订单实体的唯一持有者。
type OrdersState struct {
	mu     sync.RWMutex
	orders map[string]*order.Order
	logger *zap.Logger
}

// NewOrdersState 创建订单存储。
func NewOrdersState(logger *zap.Logger) *OrdersState {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrdersState{orders: make(map[string]*order.Order), logger: logger}
}

// Add 登记订单，同号订单会被替换。
func (s *OrdersState) Add(orders ...*order.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range orders {
		s.orders[o.ID()] = o
	}
}

// Remove 移除订单，返回是否存在。
func (s *OrdersState) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.orders[id]
	delete(s.orders, id)
	return ok
}

// Get 按订单号查找。
func (s *OrdersState) Get(id string) (*order.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	return o, ok
}

// Lookup 返回 ids 中已登记的订单，未知订单号被忽略。
func (s *OrdersState) Lookup(ids ...string) []*order.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*order.Order, 0, len(ids))
	for _, id := range ids {
		if o, ok := s.orders[id]; ok {
			out = append(out, o)
		}
	}
	return out
}

// Update 合并网关上报的订单数据，未登记的订单号记录告警后丢弃。返回实际更新的数量。
func (s *OrdersState) Update(updates []order.Data, receivedAt time.Time) int {
	n := 0
	for _, upd := range updates {
		o, ok := s.Get(upd.CoreOrderID)
		if !ok {
			s.logger.Warn("收到未知订单的更新，已忽略", zap.String("core_order_id", upd.CoreOrderID))
			continue
		}
		o.Update(upd, receivedAt)
		n++
	}
	return n
}

// SetState 将指定订单设置为 state，返回实际更新的数量。
func (s *OrdersState) SetState(state order.State, ids ...string) int {
	orders := s.Lookup(ids...)
	for _, o := range orders {
		o.SetState(state)
	}
	if len(orders) != len(ids) {
		s.logger.Warn("部分订单未登记，状态未更新",
			zap.Int("requested", len(ids)),
			zap.Int("updated", len(orders)),
			zap.String("state", string(state)),
		)
	}
	return len(orders)
}

// All 返回全部订单，按订单号排序。
func (s *OrdersState) All() []*order.Order {
	s.mu.RLock()
	out := make([]*order.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Snapshot 返回全部订单的值快照。
func (s *OrdersState) Snapshot() map[string]order.Data {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]order.Data, len(s.orders))
	for id, o := range s.orders {
		out[id] = o.Data()
	}
	return out
}

func (s *OrdersState) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.orders)
}

func (s *OrdersState) IsEmpty() bool {
	return s.Len() == 0
}

// Reset 清空存储。
func (s *OrdersState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = make(map[string]*order.Order)
}
