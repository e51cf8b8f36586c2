package communicator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"gate-tester/internal/config"
	"gate-tester/internal/formatter"
	"gate-tester/internal/protocol"
	"gate-tester/internal/transport"
)

var testChannels = config.ChannelsConfig{
	GateInput:  "gate.input",
	CoreInput:  "core.input",
	Orderbooks: "gate.orderbooks",
	Balances:   "gate.balances",
	Logs:       "gate.logs",
}

type countingTransport struct {
	*transport.Memory
	publishes map[string]int
}

func (t *countingTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	t.publishes[channel]++
	return t.Memory.Publish(ctx, channel, payload)
}

type recorder struct {
	orderbooks []*protocol.Message
	balances   []*protocol.Message
	core       []*protocol.Message
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OrderBook: func(m *protocol.Message) { r.orderbooks = append(r.orderbooks, m) },
		Balance:   func(m *protocol.Message) { r.balances = append(r.balances, m) },
		CoreInput: func(m *protocol.Message) { r.core = append(r.core, m) },
	}
}

type fixture struct {
	bus   *countingTransport
	comm  *Communicator
	rec   *recorder
	logs  *observer.ObservedLogs
	clock *time.Time
	fmt   *formatter.Formatter
}

func newFixture(t *testing.T, handlers func(*recorder) Handlers) *fixture {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)
	bus := &countingTransport{Memory: transport.NewMemory(), publishes: make(map[string]int)}
	rec := &recorder{}
	now := time.Unix(1_700_000_000, 0)
	f := formatter.New(config.GateConfig{Exchange: "binance", Instance: "i", Algo: "a", Node: "core"}, logger)

	h := rec.handlers()
	if handlers != nil {
		h = handlers(rec)
	}
	comm, err := New(testChannels, config.CommunicatorConfig{
		NoSubscriberLogDelay: 10 * time.Second,
		MaxPublishAttempts:   5,
	}, bus, h, Options{
		Logger:    logger,
		Formatter: f,
		Now:       func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return &fixture{bus: bus, comm: comm, rec: rec, logs: logs, clock: &now, fmt: f}
}

func inbound(action, data string) []byte {
	return []byte(`{"event_id":"e","exchange":"binance","instance":"i","algo":"a","node":"gate",` +
		`"event":"data","action":"` + action + `","message":null,"timestamp":1,"data":` + data + `}`)
}

func (f *fixture) inject(t *testing.T, channel string, raw []byte) {
	t.Helper()
	if err := f.bus.Memory.Publish(context.Background(), channel, raw); err != nil {
		t.Fatalf("inject: %v", err)
	}
}

func TestRoutesByAction(t *testing.T) {
	f := newFixture(t, nil)

	f.inject(t, testChannels.Orderbooks, inbound("order_book_update", `{"symbol":"BTC/USDT","bids":[[1,2]],"asks":[]}`))
	f.inject(t, testChannels.Balances, inbound("balance_update", `{"assets":{"BTC":{"free":1,"used":0,"total":1}}}`))
	f.inject(t, testChannels.CoreInput, inbound("orders_update", `[]`))

	if n := f.comm.HandleNewMessages(); n != 3 {
		t.Fatalf("expected 3 messages handled, got %d", n)
	}
	if len(f.rec.orderbooks) != 1 || len(f.rec.balances) != 1 || len(f.rec.core) != 1 {
		t.Fatalf("unexpected routing: %+v", f.rec)
	}
	if _, ok := f.rec.orderbooks[0].Payload.(protocol.OrderBook); !ok {
		t.Fatalf("expected decoded orderbook payload, got %T", f.rec.orderbooks[0].Payload)
	}
}

func TestMalformedMessagePublishesOneErrorEnvelope(t *testing.T) {
	f := newFixture(t, nil)

	var envelopes [][]byte
	sub, err := f.bus.Memory.Subscribe(testChannels.Logs, func(p []byte) { envelopes = append(envelopes, p) })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	f.inject(t, testChannels.CoreInput, []byte(`{"event_id":`))
	f.inject(t, testChannels.CoreInput, inbound("orders_update", `[]`))
	f.comm.HandleNewMessages()
	sub.Poll()

	if len(envelopes) != 1 {
		t.Fatalf("expected exactly one error envelope, got %d", len(envelopes))
	}
	if len(f.rec.core) != 1 {
		t.Fatalf("next message must still be processed, got %d", len(f.rec.core))
	}

	var env map[string]json.RawMessage
	if err := json.Unmarshal(envelopes[0], &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if string(env["event"]) != `"error"` || string(env["action"]) != "null" {
		t.Fatalf("unexpected envelope %s", envelopes[0])
	}
	if string(env["message"]) != `"`+formatter.HandleFailureMessage+`"` {
		t.Fatalf("unexpected message %s", env["message"])
	}
	var raw string
	if err := json.Unmarshal(env["data"], &raw); err != nil || raw != `{"event_id":` {
		t.Fatalf("raw text not preserved: %q %v", raw, err)
	}
}

func TestMismatchedDataShapePublishesOneErrorEnvelope(t *testing.T) {
	f := newFixture(t, nil)

	var envelopes [][]byte
	sub, err := f.bus.Memory.Subscribe(testChannels.Logs, func(p []byte) { envelopes = append(envelopes, p) })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	mismatched := inbound("orders_update", `{"symbol":"BTC/USDT","bids":[],"asks":[]}`)
	f.inject(t, testChannels.CoreInput, mismatched)
	f.inject(t, testChannels.CoreInput, inbound("orders_update", `[]`))
	f.comm.HandleNewMessages()
	sub.Poll()

	if len(envelopes) != 1 {
		t.Fatalf("expected exactly one error envelope, got %d", len(envelopes))
	}
	if len(f.rec.core) != 1 {
		t.Fatalf("next message must still be processed, got %d", len(f.rec.core))
	}

	var env map[string]json.RawMessage
	if err := json.Unmarshal(envelopes[0], &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	var raw string
	if err := json.Unmarshal(env["data"], &raw); err != nil || raw != string(mismatched) {
		t.Fatalf("raw text not preserved: %q %v", raw, err)
	}
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	f := newFixture(t, func(r *recorder) Handlers {
		h := r.handlers()
		h.CoreInput = func(*protocol.Message) { panic("boom") }
		return h
	})
	var envelopes int
	if _, err := f.bus.Memory.Subscribe(testChannels.Logs, func([]byte) { envelopes++ }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	f.inject(t, testChannels.CoreInput, inbound("orders_update", `[]`))
	f.comm.HandleNewMessages()

	if f.bus.publishes[testChannels.Logs] != 1 {
		t.Fatalf("expected one error envelope publish, got %d", f.bus.publishes[testChannels.Logs])
	}
}

func TestUnroutedActionIsDropped(t *testing.T) {
	f := newFixture(t, nil)
	f.inject(t, testChannels.CoreInput, inbound("ping", `1`))
	f.comm.HandleNewMessages()

	if len(f.rec.core) != 0 {
		t.Fatalf("ping must not reach a handler")
	}
	if f.bus.publishes[testChannels.Logs] != 0 {
		t.Fatalf("unrouted action must not produce an error envelope")
	}
	if f.logs.FilterMessage("收到无法路由的消息").Len() != 1 {
		t.Fatalf("expected unexpected-action warning")
	}
}

func TestNoSubscriberWarningIsThrottled(t *testing.T) {
	f := newFixture(t, nil)
	msg := f.fmt.FormatCancelAllOrders()

	for i := 0; i < 10; i++ {
		if err := f.comm.Publish(msg); !errors.Is(err, transport.ErrNotConnected) {
			t.Fatalf("expected ErrNotConnected, got %v", err)
		}
	}
	if f.bus.publishes[testChannels.GateInput] != 10 {
		t.Fatalf("not-connected must not retry, got %d publishes", f.bus.publishes[testChannels.GateInput])
	}
	if got := f.logs.FilterMessage("没有订阅者，消息未送达").Len(); got != 1 {
		t.Fatalf("expected 1 warning inside the window, got %d", got)
	}

	for _, other := range []*protocol.Message{f.fmt.FormatGetBalance(nil), f.fmt.FormatGetOrders(nil)} {
		if err := f.comm.Publish(other); !errors.Is(err, transport.ErrNotConnected) {
			t.Fatalf("expected ErrNotConnected, got %v", err)
		}
	}
	if got := f.logs.FilterMessage("没有订阅者，消息未送达").Len(); got != 1 {
		t.Fatalf("other commands share the command window, got %d warnings", got)
	}

	if err := f.comm.Publish(f.fmt.FormatError("boom", protocol.ActionNone, nil)); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if got := f.logs.FilterMessage("没有订阅者，消息未送达").Len(); got != 2 {
		t.Fatalf("a different event kind must warn once, got %d", got)
	}

	*f.clock = f.clock.Add(11 * time.Second)
	_ = f.comm.Publish(msg)
	if got := f.logs.FilterMessage("没有订阅者，消息未送达").Len(); got != 3 {
		t.Fatalf("expected a new warning after the window, got %d", got)
	}
}

func TestAdminBusyIsBounded(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.bus.Memory.Subscribe(testChannels.GateInput, func([]byte) {}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	busy := make([]error, 8)
	for i := range busy {
		busy[i] = transport.ErrAdminBusy
	}
	f.bus.FailNext(testChannels.GateInput, busy...)

	err := f.comm.Publish(f.fmt.FormatCancelAllOrders())
	if !errors.Is(err, ErrPublishExhausted) {
		t.Fatalf("expected ErrPublishExhausted, got %v", err)
	}
	if got := f.bus.publishes[testChannels.GateInput]; got != 5 {
		t.Fatalf("expected exactly 5 attempts, got %d", got)
	}

	if err := f.comm.Publish(f.fmt.FormatCancelAllOrders()); err != nil {
		t.Fatalf("expected success after 3 more busy replies, got %v", err)
	}
	if got := f.bus.publishes[testChannels.GateInput]; got != 9 {
		t.Fatalf("expected 9 attempts in total, got %d", got)
	}
}

func TestOtherErrorIsNotRetried(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.bus.Memory.Subscribe(testChannels.GateInput, func([]byte) {}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	f.bus.FailNext(testChannels.GateInput, errors.New("socket closed"))

	if err := f.comm.Publish(f.fmt.FormatCancelAllOrders()); err == nil {
		t.Fatalf("expected error")
	}
	if got := f.bus.publishes[testChannels.GateInput]; got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
}

func TestPublishRoutesByEvent(t *testing.T) {
	f := newFixture(t, nil)
	for _, ch := range []string{testChannels.GateInput, testChannels.Logs} {
		if _, err := f.bus.Memory.Subscribe(ch, func([]byte) {}); err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	}

	if err := f.comm.Publish(f.fmt.FormatGetBalance([]string{"BTC"})); err != nil {
		t.Fatalf("command publish: %v", err)
	}
	if err := f.comm.Publish(f.fmt.FormatError("oops", protocol.ActionNone, nil)); err != nil {
		t.Fatalf("error publish: %v", err)
	}
	if f.bus.publishes[testChannels.GateInput] != 1 || f.bus.publishes[testChannels.Logs] != 1 {
		t.Fatalf("unexpected routing %v", f.bus.publishes)
	}

	data := f.fmt.FormatCancelAllOrders()
	data.Event = protocol.EventData
	if err := f.comm.Publish(data); !errors.Is(err, ErrUnexpectedEvent) {
		t.Fatalf("expected ErrUnexpectedEvent, got %v", err)
	}
}
