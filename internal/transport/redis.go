package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"gate-tester/internal/config"
)

// busyReplies 为 Redis 暂时不可用时的错误前缀。
var busyReplies = []string{"BUSY", "LOADING", "TRYAGAIN", "MASTERDOWN"}

const (
	defaultPollBatch   = 64
	subscribeTimeout   = 5 * time.Second
	subscriptionBuffer = 1024
)

// Redis 基于 Redis Pub/Sub 实现传输。
type Redis struct {
	client    *redis.Client
	logger    *zap.Logger
	pollBatch int
	owned     bool
}

// DialRedis 根据配置建立连接并检查可用性。
func DialRedis(ctx context.Context, cfg config.TransportConfig, logger *zap.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("transport: 连接 Redis %s 失败: %w", cfg.Redis.Addr, err)
	}
	r := NewRedis(client, cfg.PollBatch, logger)
	r.owned = true
	return r, nil
}

// NewRedis 使用已有客户端创建传输，调用方负责关闭 client。
func NewRedis(client *redis.Client, pollBatch int, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pollBatch <= 0 {
		pollBatch = defaultPollBatch
	}
	return &Redis{client: client, logger: logger, pollBatch: pollBatch}
}

func (r *Redis) Subscribe(channel string, handler FragmentHandler) (Subscription, error) {
	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
	defer cancel()

	ps := r.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("transport: 订阅 %s 失败: %w", channel, err)
	}
	r.logger.Debug("已订阅通道", zap.String("channel", channel))

	return &redisSubscription{
		ps:       ps,
		messages: ps.Channel(redis.WithChannelSize(subscriptionBuffer)),
		handler:  handler,
		batch:    r.pollBatch,
	}, nil
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	receivers, err := r.client.Publish(ctx, channel, payload).Result()
	if err != nil {
		return classifyRedisError(err)
	}
	if receivers == 0 {
		return ErrNotConnected
	}
	return nil
}

func (r *Redis) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}

func classifyRedisError(err error) error {
	if errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	var replyErr redis.Error
	if errors.As(err, &replyErr) {
		msg := replyErr.Error()
		for _, prefix := range busyReplies {
			if strings.HasPrefix(msg, prefix) {
				return fmt.Errorf("%w: %v", ErrAdminBusy, err)
			}
		}
	}
	return err
}

type redisSubscription struct {
	ps       *redis.PubSub
	messages <-chan *redis.Message
	handler  FragmentHandler
	batch    int
}

func (s *redisSubscription) Poll() int {
	n := 0
	for n < s.batch {
		select {
		case msg, ok := <-s.messages:
			if !ok {
				return n
			}
			s.handler([]byte(msg.Payload))
			n++
		default:
			return n
		}
	}
	return n
}

func (s *redisSubscription) Close() error {
	return s.ps.Close()
}
