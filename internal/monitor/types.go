package monitor

import (
	"encoding/json"
	"time"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventInbound       EventType = "inbound"
	EventOutbound      EventType = "outbound"
	EventDecodeFailure EventType = "decode_failure"
	EventVerdict       EventType = "verdict"
	EventError         EventType = "error"
)

// Event 封装通用监控事件。
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// FramePayload 记录一条入站或出站信封。
type FramePayload struct {
	Channel string          `json:"channel"`
	EventID string          `json:"event_id"`
	Event   string          `json:"event"`
	Action  string          `json:"action"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// DecodeFailurePayload 记录无法处理的原始文本。
type DecodeFailurePayload struct {
	Channel string `json:"channel"`
	Raw     string `json:"raw"`
	Error   string `json:"error"`
}

// VerdictPayload 记录一次策略执行的结论。
type VerdictPayload struct {
	Strategy string        `json:"strategy"`
	Passed   bool          `json:"passed"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
