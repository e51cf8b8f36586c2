package communicator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"gate-tester/internal/config"
	"gate-tester/internal/formatter"
	"gate-tester/internal/metrics"
	"gate-tester/internal/protocol"
	"gate-tester/internal/transport"
)

var (
	// ErrUnexpectedAction 表示 action 不在路由表中。
	ErrUnexpectedAction = errors.New("communicator: unexpected action")
	// ErrUnexpectedEvent 表示出站消息的事件类型不可发布。
	ErrUnexpectedEvent = errors.New("communicator: unexpected event")
	// ErrPublishExhausted 表示发布重试次数已用尽。
	ErrPublishExhausted = errors.New("communicator: publish attempts exhausted")
)

const (
	defaultMaxAttempts    = 5
	defaultPublishTimeout = time.Second
)

// Handler 处理一条已解码的入站消息。
type Handler func(msg *protocol.Message)

// Handlers 为三个逻辑入站通道的处理函数。
type Handlers struct {
	OrderBook Handler
	Balance   Handler
	CoreInput Handler
}

// Observer 接收全部入站、出站与解码失败事件。
type Observer interface {
	OnReceived(channel string, msg *protocol.Message)
	OnPublished(channel string, msg *protocol.Message, err error)
	OnDecodeFailure(channel string, raw []byte, err error)
}

// Options 为 Communicator 的可选依赖。Formatter 必填。
type Options struct {
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
	Observer       Observer
	Formatter      *formatter.Formatter
	PublishTimeout time.Duration
	Now            func() time.Time
}

// Communicator 独占传输层的订阅与发布，负责路由、重试与解码失败兜底。
type Communicator struct {
	channels       config.ChannelsConfig
	maxAttempts    int
	logDelay       time.Duration
	publishTimeout time.Duration

	transport transport.Transport
	handlers  map[protocol.Channel]Handler
	subs      []transport.Subscription

	logger    *zap.Logger
	metrics   *metrics.Metrics
	observer  Observer
	formatter *formatter.Formatter
	now       func() time.Time

	throttleMu      sync.Mutex
	lastThrottleAt  time.Time
	throttledEvents map[string]struct{}
}

// New 订阅 orderbooks、balances 与 core_input 三个通道。
func New(
	channels config.ChannelsConfig,
	cfg config.CommunicatorConfig,
	tr transport.Transport,
	handlers Handlers,
	opts Options,
) (*Communicator, error) {
	if tr == nil {
		return nil, errors.New("communicator: transport 不能为空")
	}
	if opts.Formatter == nil {
		return nil, errors.New("communicator: formatter 不能为空")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = defaultPublishTimeout
	}
	maxAttempts := cfg.MaxPublishAttempts
	if maxAttempts <= 0 || maxAttempts > config.MaxPublishAttemptsLimit {
		maxAttempts = defaultMaxAttempts
	}

	c := &Communicator{
		channels:       channels,
		maxAttempts:    maxAttempts,
		logDelay:       cfg.NoSubscriberLogDelay,
		publishTimeout: opts.PublishTimeout,
		transport:      tr,
		handlers: map[protocol.Channel]Handler{
			protocol.ChannelOrderBook: handlers.OrderBook,
			protocol.ChannelBalance:   handlers.Balance,
			protocol.ChannelCoreInput: handlers.CoreInput,
		},
		logger:          opts.Logger.Named("communicator"),
		metrics:         opts.Metrics,
		observer:        opts.Observer,
		formatter:       opts.Formatter,
		now:             opts.Now,
		throttledEvents: make(map[string]struct{}),
	}

	for _, ch := range []string{channels.Orderbooks, channels.Balances, channels.CoreInput} {
		channel := ch
		sub, err := tr.Subscribe(channel, func(payload []byte) { c.onFragment(channel, payload) })
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("communicator: 订阅 %s 失败: %w", channel, err)
		}
		c.subs = append(c.subs, sub)
	}

	return c, nil
}

// HandleNewMessages 非阻塞地轮询全部订阅，返回处理的消息数量。
func (c *Communicator) HandleNewMessages() int {
	n := 0
	for _, sub := range c.subs {
		n += sub.Poll()
	}
	return n
}

// Publish 发送消息：command 发往 gate_input，error 发往 logs。
func (c *Communicator) Publish(msg *protocol.Message) error {
	channel, err := c.outboundChannel(msg)
	if err != nil {
		c.logger.Error("内部错误：消息不可发布",
			zap.String("event", string(msg.Event)),
			zap.String("action", string(msg.Action)),
			zap.Error(err),
		)
		return err
	}

	payload, err := msg.Encode()
	if err != nil {
		c.logger.Error("序列化出站消息失败", zap.String("action", string(msg.Action)), zap.Error(err))
		return fmt.Errorf("communicator: 序列化消息失败: %w", err)
	}

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		err = c.publishOnce(channel, payload)
		switch {
		case err == nil:
			c.metrics.IncPublished(channel, "ok")
			c.notifyPublished(channel, msg, nil)
			return nil
		case errors.Is(err, transport.ErrNotConnected):
			c.metrics.IncPublished(channel, "not_connected")
			c.warnNoSubscriber(msg, channel)
			c.notifyPublished(channel, msg, err)
			return err
		case errors.Is(err, transport.ErrAdminBusy):
			c.metrics.IncPublished(channel, "admin_busy")
			c.logger.Debug("传输层忙碌，立即重试",
				zap.String("channel", channel),
				zap.String("action", string(msg.Action)),
				zap.Int("attempt", attempt),
			)
		default:
			c.metrics.IncPublished(channel, "error")
			c.logger.Warn("发布消息失败",
				zap.String("channel", channel),
				zap.String("action", string(msg.Action)),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			c.notifyPublished(channel, msg, err)
			return err
		}
	}

	err = fmt.Errorf("%w: %d 次尝试后放弃: %v", ErrPublishExhausted, c.maxAttempts, err)
	c.logger.Warn("发布重试次数已用尽",
		zap.String("channel", channel),
		zap.String("action", string(msg.Action)),
		zap.Int("attempts", c.maxAttempts),
	)
	c.notifyPublished(channel, msg, err)
	return err
}

// Close 关闭全部订阅，不关闭传输层。
func (c *Communicator) Close() error {
	var errs []error
	for _, sub := range c.subs {
		if err := sub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.subs = nil
	return errors.Join(errs...)
}

func (c *Communicator) publishOnce(channel string, payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.publishTimeout)
	defer cancel()
	return c.transport.Publish(ctx, channel, payload)
}

func (c *Communicator) outboundChannel(msg *protocol.Message) (string, error) {
	switch msg.Event {
	case protocol.EventCommand:
		if !protocol.Known(msg.Action) {
			return "", fmt.Errorf("%w: %q", ErrUnexpectedAction, msg.Action)
		}
		return c.channels.GateInput, nil
	case protocol.EventError:
		return c.channels.Logs, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnexpectedEvent, msg.Event)
	}
}

// warnNoSubscriber 在一个窗口内对同一 event 类型只告警一次。
func (c *Communicator) warnNoSubscriber(msg *protocol.Message, channel string) {
	kind := string(msg.Event)

	c.throttleMu.Lock()
	now := c.now()
	if now.Sub(c.lastThrottleAt) > c.logDelay {
		c.lastThrottleAt = now
		c.throttledEvents = make(map[string]struct{})
	}
	_, seen := c.throttledEvents[kind]
	c.throttledEvents[kind] = struct{}{}
	c.throttleMu.Unlock()

	if !seen {
		c.logger.Warn("没有订阅者，消息未送达",
			zap.String("channel", channel),
			zap.String("event", string(msg.Event)),
			zap.String("action", string(msg.Action)),
			zap.Duration("suppress_for", c.logDelay),
		)
	}
}

func (c *Communicator) onFragment(channel string, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.handleFailure(channel, raw, fmt.Errorf("处理消息时发生 panic: %v", r))
		}
	}()

	c.metrics.IncReceived(channel)

	msg, err := protocol.Decode(raw)
	if err != nil {
		c.handleFailure(channel, raw, err)
		return
	}
	if c.observer != nil {
		c.observer.OnReceived(channel, msg)
	}

	if msg.Event == protocol.EventError && msg.Action == protocol.ActionNone {
		c.logger.Error("网关上报错误",
			zap.String("channel", channel),
			zap.String("message", msg.Text()),
			zap.ByteString("data", msg.Data),
		)
		return
	}

	route, ok := protocol.Route(msg.Action)
	if !ok {
		c.logger.Warn("收到无法路由的消息",
			zap.String("channel", channel),
			zap.String("event", string(msg.Event)),
			zap.String("action", string(msg.Action)),
			zap.Error(ErrUnexpectedAction),
		)
		return
	}
	handler := c.handlers[route]
	if handler == nil {
		c.logger.Warn("逻辑通道未注册处理函数", zap.String("route", string(route)), zap.String("action", string(msg.Action)))
		return
	}
	handler(msg)
}

// handleFailure 记录失败并在 logs 通道发布错误信封，轮询继续。
func (c *Communicator) handleFailure(channel string, raw []byte, err error) {
	c.metrics.IncDecodeFailure(channel)
	if c.observer != nil {
		c.observer.OnDecodeFailure(channel, raw, err)
	}
	c.logger.Error("处理入站消息失败",
		zap.String("channel", channel),
		zap.ByteString("raw", raw),
		zap.Error(err),
	)
	if pubErr := c.Publish(c.formatter.FormatHandleFailure(raw)); pubErr != nil {
		c.logger.Debug("错误信封未送达", zap.Error(pubErr))
	}
}

func (c *Communicator) notifyPublished(channel string, msg *protocol.Message, err error) {
	if c.observer != nil {
		c.observer.OnPublished(channel, msg, err)
	}
}
