package config

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleTOML = `
assets = ["BTC", "USDT"]

[gate]
exchange = "binance"
instance = "test-1"
algo = "spot"
node = "core"

[channels]
gate_input = "gate.input"
core_input = "core.input"
orderbooks = "gate.orderbooks"
balances = "gate.balances"
logs = "gate.logs"

[database]
in_memory = true

[[markets.items]]
exchange_symbol = "BTCUSDT"
common_symbol = "BTC/USDT"
price_increment = 0.001
amount_increment = 0.00000001
base_asset = "BTC"
quote_asset = "USDT"

[markets.items.limits.amount]
min = 0.0001
max = 10000000000.0

[markets.items.limits.cost]
min = 0.01
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_FileSource(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Gate.Exchange != "binance" || cfg.Channels.Logs != "gate.logs" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Communicator.MaxPublishAttempts != 5 {
		t.Errorf("expected default max attempts 5, got %d", cfg.Communicator.MaxPublishAttempts)
	}
	if cfg.Communicator.NoSubscriberLogDelay != 10*time.Second {
		t.Errorf("unexpected throttle delay %v", cfg.Communicator.NoSubscriberLogDelay)
	}
	if len(cfg.Markets.Items) != 1 {
		t.Fatalf("expected 1 market, got %d", len(cfg.Markets.Items))
	}
	m := cfg.Markets.Items[0]
	if m.Limits.Amount.Min == nil || *m.Limits.Amount.Min != 0.0001 {
		t.Errorf("unexpected amount min %v", m.Limits.Amount.Min)
	}
	if m.Limits.Price.Min != nil || m.Limits.Price.Max != nil {
		t.Errorf("absent price limits must stay nil")
	}
}

func TestLoad_APISourceOverridesFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"gate": {"instance": "remote-7"}, "communicator": {"max_publish_attempts": 3}}`))
	}))
	defer srv.Close()

	body := sampleTOML + "\n[source]\ntype = \"api\"\nurl = \"" + srv.URL + "\"\n"
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Gate.Instance != "remote-7" {
		t.Errorf("remote value not merged, instance=%s", cfg.Gate.Instance)
	}
	if cfg.Gate.Exchange != "binance" {
		t.Errorf("file value lost, exchange=%s", cfg.Gate.Exchange)
	}
	if cfg.Communicator.MaxPublishAttempts != 3 {
		t.Errorf("expected 3 attempts, got %d", cfg.Communicator.MaxPublishAttempts)
	}
}

func TestLoad_APISourceFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	body := sampleTOML + "\n[source]\ntype = \"api\"\nurl = \"" + srv.URL + "\"\n"
	if _, err := Load(writeConfig(t, body)); err == nil || !strings.Contains(err.Error(), "HTTP 500") {
		t.Fatalf("expected HTTP error, got %v", err)
	}
}

func TestValidate_AggregatesErrors(t *testing.T) {
	cfg := &Config{
		Source:    SourceConfig{Type: SourceFile},
		Transport: TransportConfig{Kind: "carrier-pigeon"},
		Markets:   MarketsConfig{Source: MarketsFromConfig},
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"gate.exchange", "channels.logs", "transport.kind", "markets.items", "strategy.timeout"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in error: %v", want, err)
		}
	}
}

func TestLoad_RejectsTooManyPublishAttempts(t *testing.T) {
	body := sampleTOML + "\n[communicator]\nmax_publish_attempts = 6\n"
	_, err := Load(writeConfig(t, body))
	if err == nil || !strings.Contains(err.Error(), "communicator.max_publish_attempts") {
		t.Fatalf("expected max_publish_attempts error, got %v", err)
	}
}

func TestLoad_SampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "config.toml"))
	if err != nil {
		t.Fatalf("sample config must load: %v", err)
	}
	if cfg.Transport.Kind != TransportRedis || len(cfg.Markets.Items) != 2 {
		t.Fatalf("unexpected sample config: %+v", cfg.Transport)
	}
}
