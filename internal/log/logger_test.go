package log

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gate-tester/internal/config"
)

func TestNewLogger_WritesIdentityFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	logger, err := NewLogger(config.LoggingConfig{
		Level:       "debug",
		Encoding:    "json",
		OutputPaths: []string{path},
	}, config.GateConfig{Exchange: "binance", Instance: "i-1"})
	if err != nil {
		t.Fatalf("NewLogger returned error: %v", err)
	}
	logger.Debug("hello")
	_ = logger.Sync()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(raw)
	for _, want := range []string{`"service":"gate-tester"`, `"exchange":"binance"`, `"instance":"i-1"`, `"msg":"hello"`} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %s in %s", want, out)
		}
	}
	if strings.Contains(out, `"algo"`) {
		t.Errorf("empty identity fields must be omitted: %s", out)
	}
}

func TestNewLogger_InvalidLevel(t *testing.T) {
	if _, err := NewLogger(config.LoggingConfig{Level: "loud"}, config.GateConfig{}); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}
