package trader

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gate-tester/internal/communicator"
	"gate-tester/internal/formatter"
	"gate-tester/internal/market"
	"gate-tester/internal/metrics"
	"gate-tester/internal/order"
	"gate-tester/internal/protocol"
	"gate-tester/internal/state"
)

// Link 为 Trader 与网关之间的通信能力，通常由 Communicator 实现。
type Link interface {
	Publish(msg *protocol.Message) error
	HandleNewMessages() int
}

// Dialer 以 Trader 的入站处理函数构造 Link。
type Dialer func(handlers communicator.Handlers) (Link, error)

// Options 为 Trader 的可选依赖。Formatter 必填。
type Options struct {
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
	Formatter     *formatter.Formatter
	PollInterval  time.Duration
	OnOrderError  func(order.Data)
	OnOrderClosed func(order.Data)
}

// OrderRequest 描述一次建单请求。
type OrderRequest struct {
	Symbol         string
	Type           protocol.OrderType
	Side           protocol.OrderSide
	Price          float64
	Amount         float64
	IDPrefix       string
	IDPostfix      string
	SkipValidation bool
}

type messageHandler func(msg *protocol.Message)

// Trader 管理订单生命周期并维护余额与盘口，是策略驱动协议的唯一入口。
type Trader struct {
	catalog    *market.Catalog
	fabric     *order.Fabric
	orders     *state.OrdersState
	balances   *state.BalancesState
	orderbooks *state.OrderbookState

	link      Link
	formatter *formatter.Formatter
	logger    *zap.Logger
	metrics   *metrics.Metrics
	interval  time.Duration

	onOrderError  func(order.Data)
	onOrderClosed func(order.Data)

	coreData map[protocol.Action]messageHandler

	lastError atomic.Pointer[protocol.Message]
	stopped   atomic.Bool
}

var _ order.Sink = (*Trader)(nil)

// New 创建 Trader，并通过 dial 建立与网关的连接。
func New(catalog *market.Catalog, dial Dialer, opts Options) (*Trader, error) {
	if catalog == nil {
		return nil, errors.New("trader: market catalog 不能为空")
	}
	if dial == nil {
		return nil, errors.New("trader: dialer 不能为空")
	}
	if opts.Formatter == nil {
		return nil, errors.New("trader: formatter 不能为空")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Millisecond
	}

	logger := opts.Logger.Named("trader")
	t := &Trader{
		catalog:       catalog,
		orders:        state.NewOrdersState(logger),
		balances:      state.NewBalancesState(),
		orderbooks:    state.NewOrderbookState(),
		formatter:     opts.Formatter,
		logger:        logger,
		metrics:       opts.Metrics,
		interval:      opts.PollInterval,
		onOrderError:  opts.OnOrderError,
		onOrderClosed: opts.OnOrderClosed,
	}
	t.fabric = order.NewFabric(catalog, t)
	t.coreData = map[protocol.Action]messageHandler{
		protocol.ActionCreateOrders:    t.handleOrderInfos,
		protocol.ActionGetOrders:       t.handleOrderInfos,
		protocol.ActionOrdersUpdate:    t.handleOrderInfos,
		protocol.ActionCancelOrders:    t.handleCanceled,
		protocol.ActionCancelAllOrders: t.handleCanceled,
	}

	link, err := dial(communicator.Handlers{
		OrderBook: t.handleOrderbook,
		Balance:   t.handleBalances,
		CoreInput: t.handleCoreInput,
	})
	if err != nil {
		return nil, fmt.Errorf("trader: 建立网关连接失败: %w", err)
	}
	t.link = link
	return t, nil
}

// CreateOrder 创建、登记并立即提交订单。
func (t *Trader) CreateOrder(req OrderRequest) (*order.Order, error) {
	o, err := t.CreateUnplacedOrder(req)
	if err != nil {
		return nil, err
	}
	if !o.Place() {
		return o, fmt.Errorf("trader: 订单 %s 提交失败，当前状态 %s", o.ID(), o.State())
	}
	return o, nil
}

// CreateUnplacedOrder 创建并登记订单，但不提交。
func (t *Trader) CreateUnplacedOrder(req OrderRequest) (*order.Order, error) {
	id := order.NewID(req.IDPrefix, req.IDPostfix)
	o, err := t.fabric.CreateOrder(id, req.Symbol, req.Type, req.Side,
		decimal.NewFromFloat(req.Price), decimal.NewFromFloat(req.Amount), !req.SkipValidation)
	if err != nil {
		return nil, err
	}
	t.orders.Add(o)
	return o, nil
}

// CreateUnsafeOrder 不经量化与校验直接构造并登记订单，交易对可不在目录中。用于错误注入。
func (t *Trader) CreateUnsafeOrder(d order.Data) *order.Order {
	o := order.New(d, t)
	t.orders.Add(o)
	return o
}

// AddOrders 登记外部构造的订单。
func (t *Trader) AddOrders(orders ...*order.Order) {
	t.orders.Add(orders...)
}

// RemoveOrder 注销订单，之后的网关更新将被忽略。
func (t *Trader) RemoveOrder(id string) bool {
	return t.orders.Remove(id)
}

// PlaceOrders 将合法订单批量切换到 PLACING 并发送一条建单命令，返回实际提交的数量。
func (t *Trader) PlaceOrders(orders ...*order.Order) int {
	accepted := make([]*order.Order, 0, len(orders))
	for _, o := range orders {
		if o.BeginPlacing() {
			accepted = append(accepted, o)
		} else {
			t.logger.Debug("订单状态不允许提交", zap.String("core_order_id", o.ID()), zap.String("state", string(o.State())))
		}
	}
	if len(accepted) == 0 {
		return 0
	}
	t.orders.Add(accepted...)
	t.publish(t.formatter.FormatCreateOrders(snapshot(accepted)))
	return len(accepted)
}

// CancelOrders 对 OPEN 与 FILLED 订单发送撤单命令，状态等待网关确认。
func (t *Trader) CancelOrders(orders ...*order.Order) int {
	accepted := filter(orders, (*order.Order).Cancelable)
	if len(accepted) == 0 {
		return 0
	}
	t.publish(t.formatter.FormatCancelOrders(snapshot(accepted)))
	return len(accepted)
}

// RequestUpdateOrders 请求网关上报订单状态。
func (t *Trader) RequestUpdateOrders(orders ...*order.Order) int {
	accepted := filter(orders, (*order.Order).Updatable)
	if len(accepted) == 0 {
		return 0
	}
	t.publish(t.formatter.FormatGetOrders(snapshot(accepted)))
	return len(accepted)
}

// CancelAllOrders 请求网关撤销全部挂单。
func (t *Trader) CancelAllOrders() error {
	return t.publish(t.formatter.FormatCancelAllOrders())
}

// RequestUpdateBalances 请求网关上报余额，assets 为空时请求全部资产。
func (t *Trader) RequestUpdateBalances(assets ...string) error {
	return t.publish(t.formatter.FormatGetBalance(assets))
}

func (t *Trader) Balances() *state.BalancesState {
	return t.balances
}

func (t *Trader) Orderbooks() *state.OrderbookState {
	return t.orderbooks
}

func (t *Trader) Orders() *state.OrdersState {
	return t.orders
}

// Order 按订单号查找已登记的订单。
func (t *Trader) Order(id string) (*order.Order, bool) {
	return t.orders.Get(id)
}

func (t *Trader) Markets() *market.Catalog {
	return t.catalog
}

// LastError 返回最近一次从 core_input 收到的错误信封。
func (t *Trader) LastError() *protocol.Message {
	return t.lastError.Load()
}

// Reset 清空全部状态，用于测试阶段之间。
func (t *Trader) Reset() {
	t.orders.Reset()
	t.balances.Reset()
	t.orderbooks.Reset()
	t.lastError.Store(nil)
}

// Run 持续轮询入站消息，无消息时休眠 poll interval。ctx 取消或调用 Stop 后返回。
func (t *Trader) Run(ctx context.Context) error {
	t.logger.Info("开始轮询网关消息", zap.Duration("poll_interval", t.interval))
	timer := time.NewTimer(t.interval)
	defer timer.Stop()

	for !t.stopped.Load() {
		if ctx.Err() != nil {
			break
		}

		start := time.Now()
		if n := t.link.HandleNewMessages(); n > 0 {
			t.metrics.ObservePoll(time.Since(start))
			runtime.Gosched()
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(t.interval)
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}

	t.logger.Info("轮询已停止")
	return nil
}

// Stop 通知 Run 在当前迭代结束后退出。
func (t *Trader) Stop() {
	t.stopped.Store(true)
}

func (t *Trader) publish(msg *protocol.Message) error {
	if err := t.link.Publish(msg); err != nil {
		t.logger.Debug("命令未送达",
			zap.String("action", string(msg.Action)),
			zap.String("event_id", msg.EventID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (t *Trader) handleCoreInput(msg *protocol.Message) {
	switch msg.Event {
	case protocol.EventError:
		t.handleCoreError(msg)
	case protocol.EventData:
		handler, ok := t.coreData[msg.Action]
		if !ok {
			t.logger.Error("core_input 收到未预期的 action", zap.String("action", string(msg.Action)))
			return
		}
		handler(msg)
	default:
		t.logger.Warn("core_input 收到未预期的事件", zap.String("event", string(msg.Event)), zap.String("action", string(msg.Action)))
	}
}

// handleCoreError 记录错误；建单错误中能识别出的订单被置为 ERROR。
func (t *Trader) handleCoreError(msg *protocol.Message) {
	t.lastError.Store(msg)

	details, _ := msg.Payload.(protocol.ErrorDetails)
	if msg.Action != protocol.ActionCreateOrders || len(details.Orders) == 0 {
		t.logger.Error("网关返回错误",
			zap.String("action", string(msg.Action)),
			zap.String("message", msg.Text()),
			zap.ByteString("data", msg.Data),
		)
		return
	}

	ids := formatter.FormatOrderIDs(details.Orders)
	t.logger.Info("建单失败", zap.Strings("core_order_ids", ids), zap.String("message", msg.Text()))
	n := t.orders.SetState(order.StateError, ids...)
	t.metrics.AddOrderStates(string(order.StateError), n)
	for _, o := range t.orders.Lookup(ids...) {
		t.notify(o.Data())
	}
}

func (t *Trader) handleOrderInfos(msg *protocol.Message) {
	infos, ok := msg.Payload.([]protocol.OrderInfo)
	if !ok {
		t.logger.Error("订单数据格式不符", zap.String("action", string(msg.Action)), zap.ByteString("data", msg.Data))
		return
	}
	if len(infos) == 0 {
		t.logger.Debug("收到空订单列表", zap.String("action", string(msg.Action)))
		return
	}

	updates := t.formatter.FormatOrderData(infos)
	t.orders.Update(updates, time.Now())
	for _, upd := range updates {
		t.metrics.AddOrderStates(string(upd.State), 1)
		if o, ok := t.orders.Get(upd.CoreOrderID); ok {
			t.notify(o.Data())
		}
	}
}

func (t *Trader) handleCanceled(msg *protocol.Message) {
	var ids []string
	switch payload := msg.Payload.(type) {
	case []protocol.OrderInfo:
		for _, info := range payload {
			ids = append(ids, info.ClientOrderID)
		}
	case []protocol.OrderID:
		ids = formatter.FormatOrderIDs(payload)
	default:
		t.logger.Error("撤单确认格式不符", zap.String("action", string(msg.Action)), zap.ByteString("data", msg.Data))
		return
	}
	if len(ids) == 0 {
		t.logger.Debug("收到空撤单确认", zap.String("action", string(msg.Action)))
		return
	}
	n := t.orders.SetState(order.StateCanceled, ids...)
	t.metrics.AddOrderStates(string(order.StateCanceled), n)
}

func (t *Trader) handleOrderbook(msg *protocol.Message) {
	switch msg.Event {
	case protocol.EventError:
		t.logger.Warn("orderbooks 通道收到错误", zap.String("message", msg.Text()), zap.ByteString("data", msg.Data))
	case protocol.EventData:
		book, ok := msg.Payload.(protocol.OrderBook)
		if !ok {
			t.logger.Error("盘口数据格式不符", zap.String("action", string(msg.Action)), zap.ByteString("data", msg.Data))
			return
		}
		t.orderbooks.Update(t.formatter.FormatOrderbook(book))
	default:
		t.logger.Warn("orderbooks 通道收到未预期的事件", zap.String("event", string(msg.Event)))
	}
}

func (t *Trader) handleBalances(msg *protocol.Message) {
	switch msg.Event {
	case protocol.EventError:
		t.logger.Warn("balances 通道收到错误", zap.String("message", msg.Text()), zap.ByteString("data", msg.Data))
	case protocol.EventData:
		balances, ok := msg.Payload.(protocol.Balances)
		if !ok {
			t.logger.Error("余额数据格式不符", zap.String("action", string(msg.Action)), zap.ByteString("data", msg.Data))
			return
		}
		t.balances.Update(formatter.FormatBalances(balances))
	default:
		t.logger.Warn("balances 通道收到未预期的事件", zap.String("event", string(msg.Event)))
	}
}

func (t *Trader) notify(d order.Data) {
	switch d.State {
	case order.StateError:
		if t.onOrderError != nil {
			t.onOrderError(d)
		}
	case order.StateClosed:
		if t.onOrderClosed != nil {
			t.onOrderClosed(d)
		}
	}
}

func filter(orders []*order.Order, keep func(*order.Order) bool) []*order.Order {
	out := make([]*order.Order, 0, len(orders))
	for _, o := range orders {
		if keep(o) {
			out = append(out, o)
		}
	}
	return out
}

func snapshot(orders []*order.Order) []order.Data {
	out := make([]order.Data, 0, len(orders))
	for _, o := range orders {
		out = append(out, o.Data())
	}
	return out
}
