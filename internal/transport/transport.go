package transport

import (
	"context"
	"errors"
)

var (
	// ErrNotConnected 表示发布时没有任何订阅者。
	ErrNotConnected = errors.New("transport: no subscriber connected")
	// ErrAdminBusy 表示传输层暂时忙碌，可立即重试。
	ErrAdminBusy = errors.New("transport: admin action in progress")
	// ErrClosed 表示传输已关闭。
	ErrClosed = errors.New("transport: closed")
)

// FragmentHandler 处理一条收到的消息。
type FragmentHandler func(payload []byte)

// Subscription 为单个通道的订阅。
type Subscription interface {
	// Poll 非阻塞地处理已到达的消息，返回处理数量。
	Poll() int
	Close() error
}

// Transport 为消息总线的最小能力集合。
type Transport interface {
	Subscribe(channel string, handler FragmentHandler) (Subscription, error)
	Publish(ctx context.Context, channel string, payload []byte) error
	Close() error
}
