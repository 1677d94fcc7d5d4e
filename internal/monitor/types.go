package monitor

import (
	"time"

	"monad-trench-bot/internal/execution"
	"monad-trench-bot/internal/trigger"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventTriggerAdded     EventType = "trigger_added"
	EventTriggerFired     EventType = "trigger_fired"
	EventTriggerCancelled EventType = "trigger_cancelled"
	EventTriggerExpired   EventType = "trigger_expired"
	EventExecution        EventType = "execution"
	EventExecutionFailed  EventType = "execution_failed"
	EventCycle            EventType = "cycle"
	EventError            EventType = "error"
)

// Event 封装通用监控事件。
type Event struct {
	Type      EventType   `json:"type"`
	Owner     string      `json:"owner,omitempty"` // 系统级事件为空
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// Query 为事件检索条件，零值字段不参与过滤。
type Query struct {
	Type  EventType
	Owner string
	Limit int
}

// TriggerPayload 记录触发器状态变化。
type TriggerPayload struct {
	Trigger trigger.Trigger `json:"trigger"`
	Price   string          `json:"price,omitempty"`
}

// ExecutionPayload 记录成交回执。
type ExecutionPayload struct {
	TriggerID string            `json:"trigger_id,omitempty"`
	Receipt   execution.Receipt `json:"receipt"`
}

// ExecutionFailedPayload 记录执行失败。
type ExecutionFailedPayload struct {
	TriggerID string `json:"trigger_id"`
	Owner     string `json:"owner"`
	Attempts  int    `json:"attempts"`
	Fatal     bool   `json:"fatal"`
	Error     string `json:"error"`
}

// CyclePayload 记录一次轮询的汇总。
type CyclePayload struct {
	Active    int   `json:"active"`
	Tokens    int   `json:"tokens"`
	Fired     int   `json:"fired"`
	Failed    int   `json:"failed"`
	Skipped   int   `json:"skipped"`
	Expired   int   `json:"expired"`
	ElapsedMS int64 `json:"elapsed_ms"`
}

// ErrorPayload 记录错误详情。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
