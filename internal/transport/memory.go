package transport

import (
	"context"
	"sync"
)

// Memory 为进程内消息总线，用于本地联调与测试。
type Memory struct {
	mu     sync.Mutex
	subs   map[string][]*memorySubscription
	faults map[string][]error
	closed bool
}

// NewMemory 创建进程内总线。
func NewMemory() *Memory {
	return &Memory{
		subs:   make(map[string][]*memorySubscription),
		faults: make(map[string][]error),
	}
}

// FailNext 使 channel 上接下来的发布依次返回 errs。
func (m *Memory) FailNext(channel string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[channel] = append(m.faults[channel], errs...)
}

func (m *Memory) Subscribe(channel string, handler FragmentHandler) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	sub := &memorySubscription{broker: m, channel: channel, handler: handler}
	m.subs[channel] = append(m.subs[channel], sub)
	return sub, nil
}

func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if queue := m.faults[channel]; len(queue) > 0 {
		err := queue[0]
		m.faults[channel] = queue[1:]
		m.mu.Unlock()
		return err
	}
	subs := append([]*memorySubscription(nil), m.subs[channel]...)
	m.mu.Unlock()

	if len(subs) == 0 {
		return ErrNotConnected
	}
	for _, sub := range subs {
		sub.push(append([]byte(nil), payload...))
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.subs = make(map[string][]*memorySubscription)
	return nil
}

func (m *Memory) remove(sub *memorySubscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subs[sub.channel]
	for i, s := range subs {
		if s == sub {
			m.subs[sub.channel] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

type memorySubscription struct {
	broker  *Memory
	channel string
	handler FragmentHandler

	mu     sync.Mutex
	queue  [][]byte
	closed bool
}

func (s *memorySubscription) push(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.queue = append(s.queue, payload)
	}
}

func (s *memorySubscription) Poll() int {
	s.mu.Lock()
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, payload := range pending {
		s.handler(payload)
	}
	return len(pending)
}

func (s *memorySubscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	s.broker.remove(s)
	return nil
}
