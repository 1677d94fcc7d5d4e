package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Kind 表示通知类别。
type Kind string

const (
	KindFired     Kind = "fired"     // 狙击单成交
	KindAlert     Kind = "alert"     // 价格提醒
	KindCancelled Kind = "cancelled" // 系统取消
	KindExpired   Kind = "expired"
)

// Notification 为发送给用户的一条消息。
type Notification struct {
	Owner     string    `json:"owner"`
	TriggerID string    `json:"trigger_id"`
	Kind      Kind      `json:"kind"`
	Message   string    `json:"message"`
	TxHash    string    `json:"tx_hash,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Notifier 负责把通知投递给用户。
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier 仅写日志。
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(_ context.Context, n Notification) error {
	l.logger.Info("用户通知",
		zap.String("owner", n.Owner),
		zap.String("trigger_id", n.TriggerID),
		zap.String("kind", string(n.Kind)),
		zap.String("message", n.Message),
		zap.String("tx", n.TxHash),
	)
	return nil
}

// Outbox 按用户缓存待发送通知，由消息通道适配层拉取。
type Outbox struct {
	mu       sync.Mutex
	capacity int
	queues   map[string][]Notification
	dropped  int
}

// NewOutbox capacity<=0 时不限制队列长度。
func NewOutbox(capacity int) *Outbox {
	return &Outbox{
		capacity: capacity,
		queues:   make(map[string][]Notification),
	}
}

// Notify 入队；队列满时丢弃最旧的一条。
func (o *Outbox) Notify(_ context.Context, n Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	q := append(o.queues[n.Owner], n)
	if o.capacity > 0 && len(q) > o.capacity {
		o.dropped += len(q) - o.capacity
		q = q[len(q)-o.capacity:]
	}
	o.queues[n.Owner] = q
	return nil
}

// Drain 取出并清空某用户的全部通知。
func (o *Outbox) Drain(owner string) []Notification {
	o.mu.Lock()
	defer o.mu.Unlock()

	q := o.queues[owner]
	delete(o.queues, owner)
	return q
}

// Pending 返回某用户的待发送数量。
func (o *Outbox) Pending(owner string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queues[owner])
}

// Dropped 返回因队列溢出而丢弃的数量。
func (o *Outbox) Dropped() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}

// Multi 将通知广播给多个下游，任一失败都会返回聚合错误。
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var err error
	for _, target := range m {
		if target == nil {
			continue
		}
		err = multierr.Append(err, target.Notify(ctx, n))
	}
	return err
}

var (
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = (*Outbox)(nil)
	_ Notifier = Multi(nil)
)
