package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"gate-tester/internal/communicator"
	"gate-tester/internal/protocol"
	"gate-tester/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS monitor_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_monitor_events_type ON monitor_events(event_type);
`

const recordTimeout = 2 * time.Second

// Service 负责持久化监控事件，同时作为 Communicator 的观察者记录每一条信封。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ communicator.Observer = (*Service)(nil)

// NewService 初始化监控服务，创建所需表结构。
func NewService(ctx context.Context, st *store.Store, logger *zap.Logger) (*Service, error) {
	if st == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := st.Migrate(ctx, schema); err != nil {
		return nil, fmt.Errorf("monitor: 初始化表失败: %w", err)
	}

	return &Service{
		db:     st.DB(),
		logger: logger.Named("monitor"),
	}, nil
}

// Record 写入单个事件。
func (s *Service) Record(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO monitor_events (event_type, payload, created_at) VALUES (?, ?, ?)`,
		string(event.Type), string(payload), event.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入事件失败: %w", err)
	}

	return nil
}

func (s *Service) record(typ EventType, payload interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := s.Record(ctx, Event{Type: typ, Timestamp: time.Now().UTC(), Payload: payload}); err != nil {
		s.logger.Warn("记录监控事件失败", zap.String("type", string(typ)), zap.Error(err))
	}
}

// OnReceived 记录入站信封。
func (s *Service) OnReceived(channel string, msg *protocol.Message) {
	s.record(EventInbound, frame(channel, msg, nil))
}

// OnPublished 记录出站信封及发布结果。
func (s *Service) OnPublished(channel string, msg *protocol.Message, err error) {
	s.record(EventOutbound, frame(channel, msg, err))
}

// OnDecodeFailure 记录无法处理的入站文本。
func (s *Service) OnDecodeFailure(channel string, raw []byte, err error) {
	s.record(EventDecodeFailure, DecodeFailurePayload{Channel: channel, Raw: string(raw), Error: errString(err)})
}

// RecordVerdict 记录策略结论。
func (s *Service) RecordVerdict(strategy string, duration time.Duration, err error) {
	s.record(EventVerdict, VerdictPayload{
		Strategy: strategy,
		Passed:   err == nil,
		Error:    errString(err),
		Duration: duration,
	})
}

// RecordError 记录异常。
func (s *Service) RecordError(msg string, err error, ctxMap map[string]interface{}) {
	s.record(EventError, ErrorPayload{Message: msg, Error: errString(err), Context: ctxMap})
}

// ListEvents 按类型检索最近事件。
func (s *Service) ListEvents(ctx context.Context, eventType EventType, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT event_type, payload, created_at FROM monitor_events`
	args := make([]interface{}, 0, 2)
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, string(eventType))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			typ     string
			payload string
			created string
		)
		if scanErr := rows.Scan(&typ, &payload, &created); scanErr != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", scanErr)
		}

		ts, parseErr := time.Parse(time.RFC3339Nano, created)
		if parseErr != nil {
			ts = time.Now().UTC()
		}

		events = append(events, Event{
			Type:      EventType(typ),
			Timestamp: ts,
			Payload:   json.RawMessage(payload),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取事件失败: %w", err)
	}

	return events, nil
}

func frame(channel string, msg *protocol.Message, err error) FramePayload {
	p := FramePayload{
		Channel: channel,
		EventID: msg.EventID,
		Event:   string(msg.Event),
		Action:  string(msg.Action),
		Message: msg.Text(),
		Error:   errString(err),
	}
	if json.Valid(msg.Data) {
		p.Data = msg.Data
	}
	return p
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
