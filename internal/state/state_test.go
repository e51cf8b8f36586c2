package state

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"gate-tester/internal/order"
)

func TestOrdersStateUpdate_IgnoresUnknownIDs(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	s := NewOrdersState(zap.New(core))

	o := order.New(order.Data{CoreOrderID: "known", Amount: decimal.NewFromInt(1)}, nil)
	s.Add(o)

	now := time.Now()
	n := s.Update([]order.Data{
		{CoreOrderID: "known", State: order.StateOpen, Amount: decimal.NewFromInt(2), Filled: decimal.Zero},
		{CoreOrderID: "ghost", State: order.StateClosed},
	}, now)

	if n != 1 {
		t.Fatalf("expected 1 update, got %d", n)
	}
	if got := o.Data(); got.State != order.StateOpen || !got.Amount.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("unexpected order data: %+v", got)
	}
	if s.Len() != 1 {
		t.Fatalf("unknown id must not be registered, len=%d", s.Len())
	}
	if logs.FilterMessage("收到未知订单的更新，已忽略").Len() != 1 {
		t.Fatalf("expected one warning for unknown id, got %v", logs.All())
	}
}

func TestOrdersStateSetStateAndReset(t *testing.T) {
	s := NewOrdersState(nil)
	s.Add(order.New(order.Data{CoreOrderID: "a"}, nil), order.New(order.Data{CoreOrderID: "b"}, nil))

	if n := s.SetState(order.StateError, "a", "missing"); n != 1 {
		t.Fatalf("expected 1 state change, got %d", n)
	}
	if o, _ := s.Get("a"); o.State() != order.StateError {
		t.Fatalf("expected ERROR, got %s", o.State())
	}
	if !s.Remove("b") || s.Remove("b") {
		t.Fatalf("unexpected remove result")
	}
	s.Reset()
	if !s.IsEmpty() {
		t.Fatalf("expected empty store after reset")
	}
}

func TestBalancesStateMergesPerAsset(t *testing.T) {
	s := NewBalancesState()
	if !s.IsEmpty() {
		t.Fatalf("new store must be empty")
	}
	s.Update(map[string]Balance{
		"BTC":  {Free: decimal.NewFromInt(1), Total: decimal.NewFromInt(1)},
		"USDT": {Free: decimal.NewFromInt(100), Total: decimal.NewFromInt(100)},
	})
	s.Update(map[string]Balance{"BTC": {Free: decimal.NewFromInt(2), Total: decimal.NewFromInt(3)}})

	snap := s.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 assets, got %d", len(snap))
	}
	if !snap["BTC"].Total.Equal(decimal.NewFromInt(3)) {
		t.Errorf("BTC must be overwritten, got %s", snap["BTC"].Total)
	}
	if !snap["USDT"].Free.Equal(decimal.NewFromInt(100)) {
		t.Errorf("USDT must be preserved, got %s", snap["USDT"].Free)
	}

	snap["BTC"] = Balance{}
	if b, _ := s.Get("BTC"); b.Total.IsZero() {
		t.Errorf("snapshot must be a copy")
	}
}

func TestOrderbookStateReplacesAndStamps(t *testing.T) {
	s := NewOrderbookState()
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	s.Update(Orderbook{Symbol: "BTC/USDT", Bids: []Level{{Price: decimal.NewFromInt(10), Size: decimal.NewFromInt(1)}}})
	s.Update(Orderbook{Symbol: "BTC/USDT", Asks: []Level{{Price: decimal.NewFromInt(11), Size: decimal.NewFromInt(2)}}})

	book, ok := s.Get("BTC/USDT")
	if !ok {
		t.Fatalf("expected orderbook")
	}
	if len(book.Bids) != 0 || len(book.Asks) != 1 {
		t.Fatalf("latest snapshot must replace the previous one: %+v", book)
	}
	if !book.ReceivedAt.Equal(fixed) {
		t.Errorf("expected receipt time %v, got %v", fixed, book.ReceivedAt)
	}
	if ask, ok := book.BestAsk(); !ok || !ask.Price.Equal(decimal.NewFromInt(11)) {
		t.Errorf("unexpected best ask %+v", ask)
	}
	if got := s.Symbols(); len(got) != 1 || got[0] != "BTC/USDT" {
		t.Errorf("unexpected symbols %v", got)
	}
}
