package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.toml"
	envPrefix         = "gatetest"

	defaultSourceTimeout = 10 * time.Second
)

// Load 读取配置文件并结合环境变量返回 Config。source.type 为 api 时再拉取远端配置覆盖。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("toml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	if v.GetString("source.type") == SourceAPI {
		url := v.GetString("source.url")
		if url == "" {
			return nil, errors.New("配置校验失败: source.url 在 api 模式下不能为空")
		}
		timeout := v.GetDuration("source.timeout")
		if timeout <= 0 {
			timeout = defaultSourceTimeout
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := mergeRemote(ctx, v, url); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// mergeRemote 拉取 url 上的 JSON 配置并合并到 v。
func mergeRemote(ctx context.Context, v *viper.Viper, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("构造远端配置请求失败: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("拉取远端配置失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("拉取远端配置失败: HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("读取远端配置失败: %w", err)
	}

	remote := viper.New()
	remote.SetConfigType("json")
	if err := remote.ReadConfig(bytes.NewReader(body)); err != nil {
		return fmt.Errorf("解析远端配置失败: %w", err)
	}
	if err := v.MergeConfigMap(remote.AllSettings()); err != nil {
		return fmt.Errorf("合并远端配置失败: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("source.type", SourceFile)
	v.SetDefault("source.timeout", "10s")

	v.SetDefault("gate.node", "core")

	v.SetDefault("transport.kind", TransportMemory)
	v.SetDefault("transport.redis.addr", "127.0.0.1:6379")
	v.SetDefault("transport.redis.db", 0)
	v.SetDefault("transport.publish_timeout", "1s")
	v.SetDefault("transport.poll_batch", 64)

	v.SetDefault("communicator.no_subscriber_log_delay", "10s")
	v.SetDefault("communicator.max_publish_attempts", 5)
	v.SetDefault("communicator.poll_interval", "1ms")

	v.SetDefault("markets.source", MarketsFromConfig)

	v.SetDefault("exchange.name", "binanceusdm")
	v.SetDefault("exchange.use_sandbox", false)
	v.SetDefault("exchange.retry.max_attempts", 5)
	v.SetDefault("exchange.retry.min_delay", "500ms")
	v.SetDefault("exchange.retry.max_delay", "5s")

	v.SetDefault("database.path", "data/gate_tester.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("monitor.enabled", false)
	v.SetDefault("monitor.port", 9090)

	v.SetDefault("strategy.name", "fast-testing")
	v.SetDefault("strategy.timeout", "10m")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
