package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"monad-trench-bot/internal/execution"
	"monad-trench-bot/internal/store"
	"monad-trench-bot/internal/trigger"
)

// Service 负责持久化监控事件。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewService 初始化监控服务，创建所需表结构。
func NewService(store *store.Store, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		db:     store.DB(),
		logger: logger,
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Service) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS monitor_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	owner TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_monitor_events_type ON monitor_events(event_type);
CREATE INDEX IF NOT EXISTS idx_monitor_events_owner ON monitor_events(owner, id);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("monitor: 初始化表失败: %w", err)
	}
	return nil
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
		`INSERT INTO monitor_events (event_type, owner, payload, created_at) VALUES (?, ?, ?, ?)`,
		string(event.Type), event.Owner, string(payload), event.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入事件失败: %w", err)
	}

	return nil
}

// RecordTrigger 记录触发器状态变化。
func (s *Service) RecordTrigger(ctx context.Context, eventType EventType, t trigger.Trigger, price string) {
	if err := s.Record(ctx, Event{
		Type:      eventType,
		Owner:     t.Owner,
		Timestamp: time.Now().UTC(),
		Payload:   TriggerPayload{Trigger: t, Price: price},
	}); err != nil {
		s.logger.Warn("记录触发器事件失败", zap.String("trigger_id", t.ID), zap.Error(err))
	}
}

// RecordExecution 记录订单成交。
func (s *Service) RecordExecution(ctx context.Context, triggerID string, receipt execution.Receipt) {
	if err := s.Record(ctx, Event{
		Type:      EventExecution,
		Owner:     receipt.Owner,
		Timestamp: time.Now().UTC(),
		Payload:   ExecutionPayload{TriggerID: triggerID, Receipt: receipt},
	}); err != nil {
		s.logger.Warn("记录执行事件失败", zap.Error(err))
	}
}

// RecordExecutionFailure 记录执行失败。
func (s *Service) RecordExecutionFailure(ctx context.Context, t trigger.Trigger, attempts int, fatal bool, cause error) {
	payload := ExecutionFailedPayload{
		TriggerID: t.ID,
		Owner:     t.Owner,
		Attempts:  attempts,
		Fatal:     fatal,
	}
	if cause != nil {
		payload.Error = cause.Error()
	}
	if err := s.Record(ctx, Event{
		Type:      EventExecutionFailed,
		Owner:     t.Owner,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}); err != nil {
		s.logger.Warn("记录执行失败事件失败", zap.Error(err))
	}
}

// RecordCycle 记录轮询汇总。
func (s *Service) RecordCycle(ctx context.Context, payload CyclePayload) {
	if err := s.Record(ctx, Event{
		Type:      EventCycle,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}); err != nil {
		s.logger.Warn("记录轮询事件失败", zap.Error(err))
	}
}

// RecordError 记录异常。
func (s *Service) RecordError(ctx context.Context, msg string, err error, ctxMap map[string]interface{}) {
	payload := ErrorPayload{
		Message: msg,
		Context: ctxMap,
	}
	if err != nil {
		payload.Error = err.Error()
	}
	if recErr := s.Record(ctx, Event{
		Type:      EventError,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}); recErr != nil {
		s.logger.Warn("记录异常事件失败", zap.Error(recErr))
	}
}

// ListEvents 按类型与用户检索最近事件，新事件在前。
func (s *Service) ListEvents(ctx context.Context, q Query) ([]Event, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT event_type, owner, payload, created_at FROM monitor_events`
	conds := make([]string, 0, 2)
	args := make([]interface{}, 0, 3)
	if q.Type != "" {
		conds = append(conds, `event_type = ?`)
		args = append(args, string(q.Type))
	}
	if owner := strings.TrimSpace(q.Owner); owner != "" {
		conds = append(conds, `owner = ?`)
		args = append(args, owner)
	}
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, ` AND `)
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
		var typ, owner, payload, created string
		if scanErr := rows.Scan(&typ, &owner, &payload, &created); scanErr != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", scanErr)
		}

		ts, parseErr := time.Parse(time.RFC3339Nano, created)
		if parseErr != nil {
			ts = time.Now().UTC()
		}

		events = append(events, Event{
			Type:      EventType(typ),
			Owner:     owner,
			Timestamp: ts,
			Payload:   json.RawMessage(payload),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取事件失败: %w", err)
	}

	return events, nil
}
