package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"monad-trench-bot/internal/execution"
	"monad-trench-bot/internal/market"
	"monad-trench-bot/internal/monitor"
	"monad-trench-bot/internal/notify"
	"monad-trench-bot/internal/trigger"
)

const reasonRetriesExhausted = "retries exhausted"

// Recorder 持久化轮询过程中的关键事件，monitor.Service 实现了该接口。
type Recorder interface {
	RecordTrigger(ctx context.Context, eventType monitor.EventType, t trigger.Trigger, price string)
	RecordExecution(ctx context.Context, triggerID string, receipt execution.Receipt)
	RecordExecutionFailure(ctx context.Context, t trigger.Trigger, attempts int, fatal bool, cause error)
	RecordCycle(ctx context.Context, payload monitor.CyclePayload)
}

// Options 控制单次轮询的并发与超时。
type Options struct {
	FetchConcurrency int
	FetchTimeout     time.Duration
	TriggerTTL       time.Duration // 0 表示永不过期
	MaxRetries       int           // 0 表示不限次数
}

// Watcher 对所有活跃触发器执行一轮价格检查并派发成交或提醒。
type Watcher struct {
	registry *trigger.Registry
	source   market.Source
	trader   execution.Trader
	notifier notify.Notifier
	recorder Recorder
	opts     Options
	logger   *zap.Logger
	now      func() time.Time
}

// New 创建 Watcher，recorder 可为空。
func New(registry *trigger.Registry, source market.Source, trader execution.Trader, notifier notify.Notifier,
	recorder Recorder, opts Options, logger *zap.Logger) (*Watcher, error) {
	if registry == nil || source == nil || trader == nil || notifier == nil {
		return nil, errors.New("watcher: registry、source、trader、notifier 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if opts.FetchConcurrency <= 0 {
		opts.FetchConcurrency = 4
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	return &Watcher{
		registry: registry,
		source:   source,
		trader:   trader,
		notifier: notifier,
		recorder: recorder,
		opts:     opts,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// CycleReport 汇总一轮轮询的结果。
type CycleReport struct {
	Active    int
	Tokens    int
	Fired     []string
	Cancelled []string
	Expired   []string
	Failed    []string
	Skipped   int // 因行情不可用而跳过的触发器数
	Receipts  []execution.Receipt
	Elapsed   time.Duration
}

type tokenGroup struct {
	address  string
	triggers []trigger.Trigger
	snapshot market.Snapshot
	err      error
}

type dueTrigger struct {
	trigger  trigger.Trigger
	snapshot market.Snapshot
}

// Cycle 执行一轮轮询。单个代币或触发器的失败不会影响其他触发器。
func (w *Watcher) Cycle(ctx context.Context) (CycleReport, error) {
	started := w.now()
	report := CycleReport{}

	if w.opts.TriggerTTL > 0 {
		w.expire(ctx, started, &report)
	}

	active, err := w.registry.ListActive(ctx)
	if err != nil {
		return report, fmt.Errorf("watcher: 读取活跃触发器失败: %w", err)
	}
	report.Active = len(active)
	if len(active) == 0 {
		report.Elapsed = w.now().Sub(started)
		return report, nil
	}

	groups := groupByToken(active)
	report.Tokens = len(groups)
	w.fetchAll(ctx, groups)

	due := make(map[string][]dueTrigger)
	owners := make([]string, 0)
	for _, g := range groups {
		switch {
		case g.err == nil:
		case errors.Is(g.err, market.ErrInvalidAddress):
			for _, t := range g.triggers {
				if w.cancel(ctx, t, fmt.Sprintf("invalid token address: %v", g.err)) {
					report.Cancelled = append(report.Cancelled, t.ID)
				}
			}
			continue
		default:
			w.logger.Warn("行情不可用，本轮跳过",
				zap.String("token", g.address),
				zap.Int("triggers", len(g.triggers)),
				zap.Bool("not_found", errors.Is(g.err, market.ErrNotFound)),
				zap.Error(g.err),
			)
			report.Skipped += len(g.triggers)
			continue
		}

		for _, t := range g.triggers {
			if !t.Satisfied(g.snapshot.Price) {
				continue
			}
			if _, seen := due[t.Owner]; !seen {
				owners = append(owners, t.Owner)
			}
			due[t.Owner] = append(due[t.Owner], dueTrigger{trigger: t, snapshot: g.snapshot})
		}
	}

	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	for _, owner := range owners {
		items := due[owner]
		group.Go(func() error {
			// 同一用户串行；导入同一私钥的不同用户由执行器按地址加锁串行
			for _, item := range items {
				if groupCtx.Err() != nil {
					return nil
				}
				outcome := w.fire(groupCtx, item)
				mu.Lock()
				outcome.apply(item.trigger.ID, &report)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()

	report.Elapsed = w.now().Sub(started)
	w.recorder.RecordCycle(ctx, monitor.CyclePayload{
		Active:    report.Active,
		Tokens:    report.Tokens,
		Fired:     len(report.Fired),
		Failed:    len(report.Failed),
		Skipped:   report.Skipped,
		Expired:   len(report.Expired),
		ElapsedMS: report.Elapsed.Milliseconds(),
	})
	w.logger.Debug("轮询完成",
		zap.Int("active", report.Active),
		zap.Int("tokens", report.Tokens),
		zap.Int("fired", len(report.Fired)),
		zap.Int("failed", len(report.Failed)),
		zap.Int("skipped", report.Skipped),
		zap.Duration("elapsed", report.Elapsed),
	)
	return report, nil
}

// groupByToken 按代币聚合，保持首次出现的顺序。
func groupByToken(active []trigger.Trigger) []*tokenGroup {
	index := make(map[string]*tokenGroup)
	groups := make([]*tokenGroup, 0)
	for _, t := range active {
		key := trigger.GroupKey(t.TokenAddress)
		g, ok := index[key]
		if !ok {
			g = &tokenGroup{address: t.TokenAddress}
			index[key] = g
			groups = append(groups, g)
		}
		g.triggers = append(g.triggers, t)
	}
	return groups
}

func (w *Watcher) fetchAll(ctx context.Context, groups []*tokenGroup) {
	var group errgroup.Group
	group.SetLimit(w.opts.FetchConcurrency)
	for _, g := range groups {
		group.Go(func() error {
			fetchCtx, cancel := context.WithTimeout(ctx, w.opts.FetchTimeout)
			defer cancel()
			g.snapshot, g.err = w.source.Fetch(fetchCtx, g.address)
			return nil
		})
	}
	_ = group.Wait()
}

func (w *Watcher) expire(ctx context.Context, now time.Time, report *CycleReport) {
	expired, err := w.registry.ExpireOlderThan(ctx, w.opts.TriggerTTL, now)
	if err != nil {
		w.logger.Error("过期触发器处理失败", zap.Error(err))
	}
	for _, t := range expired {
		report.Expired = append(report.Expired, t.ID)
		w.recorder.RecordTrigger(ctx, monitor.EventTriggerExpired, t, "")
		w.notifyBestEffort(ctx, notify.Notification{
			Owner:     t.Owner,
			TriggerID: t.ID,
			Kind:      notify.KindExpired,
			Message:   fmt.Sprintf("⌛ Trigger %s on %s expired without firing.", shortID(t.ID), t.TokenAddress),
		})
	}
}

// cancel 将触发器转为 CANCELLED 并通知用户一次，返回是否由本次调用完成转换。
func (w *Watcher) cancel(ctx context.Context, t trigger.Trigger, reason string) bool {
	ok, err := w.registry.MarkCancelled(ctx, t.ID, reason)
	if err != nil {
		w.logger.Error("取消触发器失败", zap.String("trigger_id", t.ID), zap.Error(err))
		return false
	}
	if !ok {
		return false
	}

	t.Status = trigger.StatusCancelled
	t.Reason = reason
	w.recorder.RecordTrigger(ctx, monitor.EventTriggerCancelled, t, "")
	w.notifyBestEffort(ctx, notify.Notification{
		Owner:     t.Owner,
		TriggerID: t.ID,
		Kind:      notify.KindCancelled,
		Message:   fmt.Sprintf("❌ Trigger %s on %s cancelled: %s", shortID(t.ID), t.TokenAddress, reason),
	})
	return true
}

func (w *Watcher) notifyBestEffort(ctx context.Context, n notify.Notification) {
	if err := w.notifier.Notify(ctx, n); err != nil {
		w.logger.Warn("发送通知失败",
			zap.String("owner", n.Owner),
			zap.String("trigger_id", n.TriggerID),
			zap.Error(err),
		)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

type nopRecorder struct{}

func (nopRecorder) RecordTrigger(context.Context, monitor.EventType, trigger.Trigger, string) {}
func (nopRecorder) RecordExecution(context.Context, string, execution.Receipt) {}
func (nopRecorder) RecordExecutionFailure(context.Context, trigger.Trigger, int, bool, error) {}
func (nopRecorder) RecordCycle(context.Context, monitor.CyclePayload) {}
