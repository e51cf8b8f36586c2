package state

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Balance 为单个资产的余额。不强制 free+used == total。
type Balance struct {
	Free  decimal.Decimal
	Used  decimal.Decimal
	Total decimal.Decimal
}

// BalancesState 保存每个资产最近一次上报的余额。
type BalancesState struct {
	mu       sync.RWMutex
	balances map[string]Balance
	updated  time.Time
}

func NewBalancesState() *BalancesState {
	return &BalancesState{balances: make(map[string]Balance)}
}

// Update 逐资产覆盖余额，未出现的资产保持不变。
func (s *BalancesState) Update(balances map[string]Balance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for asset, b := range balances {
		s.balances[asset] = b
	}
	s.updated = time.Now()
}

// Get 返回单个资产余额。
func (s *BalancesState) Get(asset string) (Balance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.balances[asset]
	return b, ok
}

// Snapshot 返回余额副本。
func (s *BalancesState) Snapshot() map[string]Balance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Balance, len(s.balances))
	for k, v := range s.balances {
		out[k] = v
	}
	return out
}

// UpdatedAt 返回最近一次更新的本地时间。
func (s *BalancesState) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updated
}

func (s *BalancesState) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.balances)
}

func (s *BalancesState) IsEmpty() bool {
	return s.Len() == 0
}

func (s *BalancesState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances = make(map[string]Balance)
	s.updated = time.Time{}
}

// Level 为盘口档位。
type Level struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Orderbook 为单个交易对的盘口快照。
type Orderbook struct {
	Symbol     string
	Timestamp  time.Time
	Bids       []Level
	Asks       []Level
	ReceivedAt time.Time
}

// BestBid 返回最优买价档位。
func (o Orderbook) BestBid() (Level, bool) {
	if len(o.Bids) == 0 {
		return Level{}, false
	}
	return o.Bids[0], true
}

// BestAsk 返回最优卖价档位。
func (o Orderbook) BestAsk() (Level, bool) {
	if len(o.Asks) == 0 {
		return Level{}, false
	}
	return o.Asks[0], true
}

func (o Orderbook) clone() Orderbook {
	o.Bids = append([]Level(nil), o.Bids...)
	o.Asks = append([]Level(nil), o.Asks...)
	return o
}

// OrderbookState 保存每个交易对最新的盘口。
type OrderbookState struct {
	mu    sync.RWMutex
	books map[string]Orderbook
	now   func() time.Time
}

func NewOrderbookState() *OrderbookState {
	return &OrderbookState{books: make(map[string]Orderbook), now: time.Now}
}

// Update 替换交易对的盘口，并记录本地接收时间。
func (s *OrderbookState) Update(book Orderbook) {
	book = book.clone()
	book.ReceivedAt = s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books[book.Symbol] = book
}

// Get 返回交易对盘口副本。
func (s *OrderbookState) Get(symbol string) (Orderbook, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.books[symbol]
	if !ok {
		return Orderbook{}, false
	}
	return b.clone(), true
}

// Symbols 返回已有盘口的交易对，按字母排序。
func (s *OrderbookState) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.books))
	for k := range s.books {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Snapshot 返回全部盘口副本。
func (s *OrderbookState) Snapshot() map[string]Orderbook {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Orderbook, len(s.books))
	for k, v := range s.books {
		out[k] = v.clone()
	}
	return out
}

func (s *OrderbookState) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.books)
}

func (s *OrderbookState) IsEmpty() bool {
	return s.Len() == 0
}

func (s *OrderbookState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books = make(map[string]Orderbook)
}
