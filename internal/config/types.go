package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了测试客户端运行所需的全部配置项。
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Source       SourceConfig       `mapstructure:"source"`
	Gate         GateConfig         `mapstructure:"gate"`
	Channels     ChannelsConfig     `mapstructure:"channels"`
	Transport    TransportConfig    `mapstructure:"transport"`
	Communicator CommunicatorConfig `mapstructure:"communicator"`
	Markets      MarketsConfig      `mapstructure:"markets"`
	Assets       []string           `mapstructure:"assets"`
	Exchange     ExchangeConfig     `mapstructure:"exchange"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Monitor      MonitorConfig      `mapstructure:"monitor"`
	Strategy     StrategyConfig     `mapstructure:"strategy"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// SourceConfig 描述配置来源，api 模式下从 url 拉取 JSON 并覆盖文件配置。
type SourceConfig struct {
	Type    string        `mapstructure:"type"`
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// GateConfig 为信封中携带的身份信息。
type GateConfig struct {
	Exchange string `mapstructure:"exchange"`
	Instance string `mapstructure:"instance"`
	Algo     string `mapstructure:"algo"`
	Node     string `mapstructure:"node"`
}

// ChannelsConfig 为五个逻辑通道的地址。
type ChannelsConfig struct {
	GateInput  string `mapstructure:"gate_input"`
	CoreInput  string `mapstructure:"core_input"`
	Orderbooks string `mapstructure:"orderbooks"`
	Balances   string `mapstructure:"balances"`
	Logs       string `mapstructure:"logs"`
}

// TransportConfig 选择消息传输实现。
type TransportConfig struct {
	Kind           string        `mapstructure:"kind"`
	Redis          RedisConfig   `mapstructure:"redis"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	PollBatch      int           `mapstructure:"poll_batch"`
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// MaxPublishAttemptsLimit 为单条消息发布尝试次数上限。
const MaxPublishAttemptsLimit = 5

// CommunicatorConfig 控制发布重试与轮询节奏。
type CommunicatorConfig struct {
	NoSubscriberLogDelay time.Duration `mapstructure:"no_subscriber_log_delay"`
	MaxPublishAttempts   int           `mapstructure:"max_publish_attempts"`
	PollInterval         time.Duration `mapstructure:"poll_interval"`
}

// MarketsConfig 描述交易对目录来源。
type MarketsConfig struct {
	Source string         `mapstructure:"source"`
	Items  []MarketConfig `mapstructure:"items"`
}

// MarketConfig 为单个交易对的静态配置。
type MarketConfig struct {
	ExchangeSymbol  string       `mapstructure:"exchange_symbol"`
	CommonSymbol    string       `mapstructure:"common_symbol"`
	PriceIncrement  float64      `mapstructure:"price_increment"`
	AmountIncrement float64      `mapstructure:"amount_increment"`
	BaseAsset       string       `mapstructure:"base_asset"`
	QuoteAsset      string       `mapstructure:"quote_asset"`
	Limits          LimitsConfig `mapstructure:"limits"`
}

// LimitsConfig 为交易对的各项上下界，缺省表示无界。
type LimitsConfig struct {
	Amount   RangeConfig `mapstructure:"amount"`
	Price    RangeConfig `mapstructure:"price"`
	Cost     RangeConfig `mapstructure:"cost"`
	Leverage RangeConfig `mapstructure:"leverage"`
}

// RangeConfig 为可选上下界。
type RangeConfig struct {
	Min *float64 `mapstructure:"min"`
	Max *float64 `mapstructure:"max"`
}

// ExchangeConfig 描述通过 ccxt 加载交易对元数据所用的交易所。
type ExchangeConfig struct {
	Name       string      `mapstructure:"name"`
	APIKey     string      `mapstructure:"api_key"`
	APISecret  string      `mapstructure:"api_secret"`
	UseSandbox bool        `mapstructure:"use_sandbox"`
	Retry      RetryConfig `mapstructure:"retry"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// DatabaseConfig 管理监控日志数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// MonitorConfig 控制监控接口。
type MonitorConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// StrategyConfig 控制待执行的测试策略。
type StrategyConfig struct {
	Name    string        `mapstructure:"name"`
	Timeout time.Duration `mapstructure:"timeout"`
}

const (
	SourceFile = "file"
	SourceAPI  = "api"

	TransportMemory = "memory"
	TransportRedis  = "redis"

	MarketsFromConfig = "config"
	MarketsFromCCXT   = "ccxt"
)

// Validate 对配置进行基本校验，返回全部问题。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	switch c.Source.Type {
	case SourceFile:
	case SourceAPI:
		if c.Source.URL == "" {
			err = multierr.Append(err, errors.New("source.url 在 api 模式下不能为空"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("source.type 不支持 %q", c.Source.Type))
	}
	if c.Gate.Exchange == "" {
		err = multierr.Append(err, errors.New("gate.exchange 不能为空"))
	}
	if c.Gate.Instance == "" {
		err = multierr.Append(err, errors.New("gate.instance 不能为空"))
	}
	if c.Gate.Algo == "" {
		err = multierr.Append(err, errors.New("gate.algo 不能为空"))
	}
	if c.Gate.Node != "core" && c.Gate.Node != "gate" {
		err = multierr.Append(err, fmt.Errorf("gate.node 必须为 core 或 gate，当前 %q", c.Gate.Node))
	}
	for name, ch := range map[string]string{
		"gate_input": c.Channels.GateInput,
		"core_input": c.Channels.CoreInput,
		"orderbooks": c.Channels.Orderbooks,
		"balances":   c.Channels.Balances,
		"logs":       c.Channels.Logs,
	} {
		if strings.TrimSpace(ch) == "" {
			err = multierr.Append(err, fmt.Errorf("channels.%s 不能为空", name))
		}
	}
	switch c.Transport.Kind {
	case TransportMemory:
	case TransportRedis:
		if c.Transport.Redis.Addr == "" {
			err = multierr.Append(err, errors.New("transport.redis.addr 不能为空"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("transport.kind 不支持 %q", c.Transport.Kind))
	}
	if c.Transport.PublishTimeout <= 0 {
		err = multierr.Append(err, errors.New("transport.publish_timeout 必须大于0"))
	}
	if c.Transport.PollBatch <= 0 {
		err = multierr.Append(err, errors.New("transport.poll_batch 必须大于0"))
	}
	if c.Communicator.NoSubscriberLogDelay < 0 {
		err = multierr.Append(err, errors.New("communicator.no_subscriber_log_delay 不能为负"))
	}
	if c.Communicator.MaxPublishAttempts <= 0 || c.Communicator.MaxPublishAttempts > MaxPublishAttemptsLimit {
		err = multierr.Append(err, fmt.Errorf("communicator.max_publish_attempts 必须位于 [1, %d]", MaxPublishAttemptsLimit))
	}
	if c.Communicator.PollInterval < 0 {
		err = multierr.Append(err, errors.New("communicator.poll_interval 不能为负"))
	}
	err = multierr.Append(err, c.validateMarkets())
	if c.Exchange.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.max_attempts 必须大于0"))
	}
	if c.Exchange.Retry.MinDelay > c.Exchange.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("exchange.retry.min_delay 不能大于 max_delay"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if c.Monitor.Enabled && (c.Monitor.Port <= 0 || c.Monitor.Port > 65535) {
		err = multierr.Append(err, errors.New("monitor.port 必须位于[1,65535]"))
	}
	if c.Strategy.Timeout <= 0 {
		err = multierr.Append(err, errors.New("strategy.timeout 必须大于0"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}

func (c *Config) validateMarkets() error {
	var err error

	switch c.Markets.Source {
	case MarketsFromConfig:
		if len(c.Markets.Items) == 0 {
			err = multierr.Append(err, errors.New("markets.items 至少包含一个交易对"))
		}
	case MarketsFromCCXT:
		if c.Exchange.Name == "" {
			err = multierr.Append(err, errors.New("exchange.name 在 ccxt 模式下不能为空"))
		}
		if len(c.Markets.Items) == 0 {
			err = multierr.Append(err, errors.New("markets.items 需列出待加载的交易对"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("markets.source 不支持 %q", c.Markets.Source))
	}

	seen := make(map[string]struct{}, len(c.Markets.Items))
	for i, m := range c.Markets.Items {
		if m.CommonSymbol == "" {
			err = multierr.Append(err, fmt.Errorf("markets.items[%d].common_symbol 不能为空", i))
			continue
		}
		if _, dup := seen[m.CommonSymbol]; dup {
			err = multierr.Append(err, fmt.Errorf("markets.items[%d] 重复的交易对 %s", i, m.CommonSymbol))
		}
		seen[m.CommonSymbol] = struct{}{}
		if m.PriceIncrement < 0 || m.AmountIncrement < 0 {
			err = multierr.Append(err, fmt.Errorf("markets.items[%d] 步长不能为负", i))
		}
		if c.Markets.Source == MarketsFromConfig && m.ExchangeSymbol == "" {
			err = multierr.Append(err, fmt.Errorf("markets.items[%d].exchange_symbol 不能为空", i))
		}
	}
	return err
}
