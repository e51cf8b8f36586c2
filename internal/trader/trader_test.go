package trader

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gate-tester/internal/communicator"
	"gate-tester/internal/config"
	"gate-tester/internal/formatter"
	"gate-tester/internal/market"
	"gate-tester/internal/order"
	"gate-tester/internal/protocol"
	"gate-tester/internal/transport"
)

type fakeLink struct {
	mu       sync.Mutex
	handlers communicator.Handlers
	sent     []*protocol.Message
	err      error
	polls    atomic.Int64
}

func (l *fakeLink) Publish(msg *protocol.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, msg)
	return l.err
}

func (l *fakeLink) HandleNewMessages() int {
	l.polls.Add(1)
	return 0
}

func (l *fakeLink) messages() []*protocol.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*protocol.Message(nil), l.sent...)
}

func testCatalog(t *testing.T) *market.Catalog {
	t.Helper()
	minAmount := 0.001
	c, err := market.NewCatalog(market.Market{
		ExchangeSymbol:  "BTCUSDT",
		CommonSymbol:    "BTC/USDT",
		PriceIncrement:  decimal.RequireFromString("0.001"),
		AmountIncrement: decimal.RequireFromString("0.00000001"),
		Limits:          market.Limits{Amount: market.NewRange(&minAmount, nil)},
		BaseAsset:       "BTC",
		QuoteAsset:      "USDT",
	})
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	return c
}

func newTestTrader(t *testing.T, opts Options) (*Trader, *fakeLink) {
	t.Helper()
	link := &fakeLink{}
	if opts.Formatter == nil {
		opts.Formatter = formatter.New(config.GateConfig{Exchange: "binance", Instance: "i", Algo: "a", Node: "core"}, zap.NewNop())
	}
	tr, err := New(testCatalog(t), func(h communicator.Handlers) (Link, error) {
		link.handlers = h
		return link, nil
	}, opts)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return tr, link
}

func deliver(t *testing.T, handler communicator.Handler, event, action, message, data string) {
	t.Helper()
	raw := `{"event_id":"e","exchange":"binance","instance":"i","algo":"a","node":"gate","timestamp":1,` +
		`"event":"` + event + `","action":"` + action + `","message":` + message + `,"data":` + data + `}`
	msg, err := protocol.Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Decode(%s): %v", raw, err)
	}
	handler(msg)
}

func orderInfo(id, status string, filled float64) string {
	b, _ := json.Marshal([]map[string]any{{
		"id": "g-" + id, "client_order_id": id, "symbol": "BTC/USDT", "type": "limit", "side": "buy",
		"amount": 20.1, "price": 1000.132, "timestamp": 2, "status": status, "filled": filled, "info": nil,
	}})
	return string(b)
}

func TestOrderLifecycle(t *testing.T) {
	var closed []order.Data
	tr, link := newTestTrader(t, Options{OnOrderClosed: func(d order.Data) { closed = append(closed, d) }})

	o, err := tr.CreateOrder(OrderRequest{
		Symbol: "BTC/USDT", Type: protocol.OrderTypeLimit, Side: protocol.OrderSideBuy,
		Price: 1000.132, Amount: 20.1, IDPrefix: "lifecycle-",
	})
	if err != nil {
		t.Fatalf("CreateOrder returned error: %v", err)
	}
	if o.State() != order.StatePlacing {
		t.Fatalf("state mismatch: got %s want %s", o.State(), order.StatePlacing)
	}

	sent := link.messages()
	if len(sent) != 1 || sent[0].Action != protocol.ActionCreateOrders {
		t.Fatalf("expected one create_orders command, got %+v", sent)
	}
	var created []protocol.OrderToCreate
	if err := json.Unmarshal(sent[0].Data, &created); err != nil {
		t.Fatalf("unmarshal command data: %v", err)
	}
	if len(created) != 1 || created[0].ClientOrderID != o.ID() || created[0].Price != 1000.132 || created[0].Amount != 20.1 {
		t.Fatalf("unexpected command data %+v", created)
	}

	deliver(t, link.handlers.CoreInput, "data", "create_orders", "null", orderInfo(o.ID(), "open", 0))
	if o.State() != order.StateOpen {
		t.Fatalf("state mismatch: got %s want %s", o.State(), order.StateOpen)
	}

	deliver(t, link.handlers.CoreInput, "data", "orders_update", "null", orderInfo(o.ID(), "closed", 20.1))
	if o.State() != order.StateClosed {
		t.Fatalf("state mismatch: got %s want %s", o.State(), order.StateClosed)
	}
	if !o.Data().Filled.Equal(decimal.RequireFromString("20.1")) {
		t.Fatalf("filled mismatch: got %s", o.Data().Filled)
	}
	if len(closed) != 1 || closed[0].CoreOrderID != o.ID() {
		t.Fatalf("expected closed callback for %s, got %+v", o.ID(), closed)
	}
	if o.LastUpdateTimestamp().IsZero() {
		t.Fatalf("last update timestamp not recorded")
	}
}

func TestCreateOrderRejectsLimitViolation(t *testing.T) {
	tr, link := newTestTrader(t, Options{})

	_, err := tr.CreateOrder(OrderRequest{
		Symbol: "BTC/USDT", Type: protocol.OrderTypeLimit, Side: protocol.OrderSideBuy, Price: 1, Amount: 0.0001,
	})
	var violation *order.LimitViolationError
	if !errors.As(err, &violation) || violation.Field != "amount" {
		t.Fatalf("expected amount violation, got %v", err)
	}
	if len(link.messages()) != 0 || tr.Orders().Len() != 0 {
		t.Fatalf("rejected order must not be sent or registered")
	}

	o, err := tr.CreateOrder(OrderRequest{
		Symbol: "BTC/USDT", Type: protocol.OrderTypeLimit, Side: protocol.OrderSideBuy, Price: 1, Amount: 0.0001,
		SkipValidation: true,
	})
	if err != nil {
		t.Fatalf("unvalidated order returned error: %v", err)
	}
	if o.State() != order.StatePlacing || len(link.messages()) != 1 {
		t.Fatalf("unvalidated order must be placed")
	}

	if _, err := tr.CreateOrder(OrderRequest{Symbol: "DOGE/USDT", Price: 1, Amount: 1}); !errors.Is(err, market.ErrUnknownSymbol) {
		t.Fatalf("expected ErrUnknownSymbol, got %v", err)
	}
}

func TestCreateOrdersErrorMarksOrders(t *testing.T) {
	var failed []string
	tr, link := newTestTrader(t, Options{OnOrderError: func(d order.Data) { failed = append(failed, d.CoreOrderID) }})

	o, err := tr.CreateOrder(OrderRequest{
		Symbol: "BTC/USDT", Type: protocol.OrderTypeLimit, Side: protocol.OrderSideSell, Price: 1000, Amount: 1,
	})
	if err != nil {
		t.Fatalf("CreateOrder returned error: %v", err)
	}

	data := `[{"client_order_id":"` + o.ID() + `","symbol":"BTC/USDT","type":"limit","side":"sell","amount":1,"price":1000}]`
	deliver(t, link.handlers.CoreInput, "error", "create_orders", `"insufficient balance"`, data)

	if o.State() != order.StateError {
		t.Fatalf("state mismatch: got %s want %s", o.State(), order.StateError)
	}
	if len(failed) != 1 || failed[0] != o.ID() {
		t.Fatalf("expected error callback, got %v", failed)
	}
	if last := tr.LastError(); last == nil || last.Text() != "insufficient balance" {
		t.Fatalf("last error not recorded: %+v", last)
	}

	// ERROR 状态的订单允许重新提交。
	if !o.Place() || o.State() != order.StatePlacing {
		t.Fatalf("order in error state must be placeable again, got %s", o.State())
	}
}

func TestCancelFlow(t *testing.T) {
	tr, link := newTestTrader(t, Options{})

	o, err := tr.CreateOrder(OrderRequest{
		Symbol: "BTC/USDT", Type: protocol.OrderTypeLimit, Side: protocol.OrderSideBuy, Price: 10, Amount: 1,
	})
	if err != nil {
		t.Fatalf("CreateOrder returned error: %v", err)
	}
	if o.Cancel() {
		t.Fatalf("placing order must not be cancelable")
	}

	deliver(t, link.handlers.CoreInput, "data", "create_orders", "null", orderInfo(o.ID(), "open", 0))
	if !o.Cancel() {
		t.Fatalf("open order must be cancelable")
	}
	if o.State() != order.StateOpen {
		t.Fatalf("cancel must wait for the gate acknowledgement, got %s", o.State())
	}
	sent := link.messages()
	if sent[len(sent)-1].Action != protocol.ActionCancelOrders {
		t.Fatalf("expected cancel_orders command, got %s", sent[len(sent)-1].Action)
	}

	deliver(t, link.handlers.CoreInput, "data", "cancel_orders", "null",
		`[{"client_order_id":"`+o.ID()+`","symbol":"BTC/USDT","id":"g-1"}]`)
	if o.State() != order.StateCanceled {
		t.Fatalf("state mismatch: got %s want %s", o.State(), order.StateCanceled)
	}
	if o.Cancel() {
		t.Fatalf("canceled order must not be cancelable again")
	}
}

func TestUnknownOrderUpdateIgnored(t *testing.T) {
	tr, link := newTestTrader(t, Options{})
	deliver(t, link.handlers.CoreInput, "data", "orders_update", "null", orderInfo("ghost", "open", 0))
	if tr.Orders().Len() != 0 {
		t.Fatalf("unknown order must not be registered")
	}
}

func TestMarketDataHandlers(t *testing.T) {
	tr, link := newTestTrader(t, Options{})

	deliver(t, link.handlers.OrderBook, "data", "order_book_update", "null",
		`{"symbol":"BTC/USDT","timestamp":1700000000000000,"bids":[[100,1],[99,2]],"asks":[[101,3]]}`)
	book, ok := tr.Orderbooks().Get("BTC/USDT")
	if !ok {
		t.Fatalf("orderbook not stored")
	}
	if bid, _ := book.BestBid(); !bid.Price.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("best bid mismatch: got %s want 100", bid.Price)
	}

	deliver(t, link.handlers.Balance, "data", "balance_update", "null",
		`{"timestamp":1,"assets":{"USDT":{"free":10,"used":5,"total":15}}}`)
	bal, ok := tr.Balances().Get("USDT")
	if !ok || !bal.Total.Equal(decimal.NewFromInt(15)) {
		t.Fatalf("balance mismatch: %+v", bal)
	}

	deliver(t, link.handlers.Balance, "error", "get_balance", `"rate limited"`, "null")
	if tr.LastError() != nil {
		t.Fatalf("errors on the balance channel must not set last error")
	}

	tr.Reset()
	if !tr.Orderbooks().IsEmpty() || !tr.Balances().IsEmpty() {
		t.Fatalf("Reset must clear market data")
	}
}

func TestBulkCommands(t *testing.T) {
	tr, link := newTestTrader(t, Options{})

	if err := tr.CancelAllOrders(); err != nil {
		t.Fatalf("CancelAllOrders: %v", err)
	}
	if err := tr.RequestUpdateBalances("BTC", "USDT"); err != nil {
		t.Fatalf("RequestUpdateBalances: %v", err)
	}
	sent := link.messages()
	if len(sent) != 2 || sent[0].Action != protocol.ActionCancelAllOrders || sent[1].Action != protocol.ActionGetBalance {
		t.Fatalf("unexpected commands %+v", sent)
	}
	if string(sent[0].Data) != "null" {
		t.Fatalf("cancel_all_orders data mismatch: got %s want null", sent[0].Data)
	}

	link.err = transport.ErrNotConnected
	if err := tr.CancelAllOrders(); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("expected publish error to propagate, got %v", err)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	tr, link := newTestTrader(t, Options{PollInterval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for link.polls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Run did not stop after cancel")
	}
	if link.polls.Load() < 3 {
		t.Fatalf("expected repeated polling, got %d", link.polls.Load())
	}
}

func TestEndToEndOverMemoryTransport(t *testing.T) {
	bus := transport.NewMemory()
	channels := config.ChannelsConfig{
		GateInput: "gate.input", CoreInput: "core.input", Orderbooks: "gate.orderbooks",
		Balances: "gate.balances", Logs: "gate.logs",
	}
	f := formatter.New(config.GateConfig{Exchange: "binance", Instance: "i", Algo: "a", Node: "core"}, zap.NewNop())

	var commands []*protocol.Message
	gateSub, err := bus.Subscribe(channels.GateInput, func(p []byte) {
		msg, err := protocol.Decode(p)
		if err != nil {
			t.Errorf("gate received invalid command: %v", err)
			return
		}
		commands = append(commands, msg)
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	tr, err := New(testCatalog(t), func(h communicator.Handlers) (Link, error) {
		return communicator.New(channels, config.CommunicatorConfig{MaxPublishAttempts: 5}, bus, h, communicator.Options{Formatter: f})
	}, Options{Formatter: f})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	o, err := tr.CreateOrder(OrderRequest{
		Symbol: "BTC/USDT", Type: protocol.OrderTypeLimit, Side: protocol.OrderSideBuy, Price: 1000.132, Amount: 20.1,
	})
	if err != nil {
		t.Fatalf("CreateOrder returned error: %v", err)
	}
	gateSub.Poll()
	if len(commands) != 1 || commands[0].Action != protocol.ActionCreateOrders {
		t.Fatalf("gate did not receive create_orders, got %d commands", len(commands))
	}

	reply := `{"event_id":"r1","exchange":"binance","instance":"i","algo":"a","node":"gate","timestamp":1,` +
		`"event":"data","action":"create_orders","message":null,"data":` + orderInfo(o.ID(), "open", 0) + `}`
	if err := bus.Publish(context.Background(), channels.CoreInput, []byte(reply)); err != nil {
		t.Fatalf("gate reply: %v", err)
	}
	if n := tr.link.HandleNewMessages(); n != 1 {
		t.Fatalf("expected one inbound message, got %d", n)
	}
	if o.State() != order.StateOpen {
		t.Fatalf("state mismatch: got %s want %s", o.State(), order.StateOpen)
	}
}
