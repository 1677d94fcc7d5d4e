package watcher

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"monad-trench-bot/internal/execution"
	"monad-trench-bot/internal/monitor"
	"monad-trench-bot/internal/notify"
	"monad-trench-bot/internal/trigger"
)

type outcomeKind int

const (
	outcomeNone outcomeKind = iota
	outcomeFired
	outcomeFailed
	outcomeCancelled
)

type outcome struct {
	kind    outcomeKind
	receipt *execution.Receipt
}

func (o outcome) apply(id string, report *CycleReport) {
	switch o.kind {
	case outcomeFired:
		report.Fired = append(report.Fired, id)
	case outcomeFailed:
		report.Failed = append(report.Failed, id)
	case outcomeCancelled:
		report.Cancelled = append(report.Cancelled, id)
	}
	if o.receipt != nil {
		report.Receipts = append(report.Receipts, *o.receipt)
	}
}

func (w *Watcher) fire(ctx context.Context, item dueTrigger) outcome {
	if item.trigger.Kind == trigger.KindWatchAlert {
		return w.fireAlert(ctx, item)
	}
	return w.fireSnipe(ctx, item)
}

// fireAlert 提醒送达后才标记 FIRED，送达失败则下轮重试。
func (w *Watcher) fireAlert(ctx context.Context, item dueTrigger) outcome {
	t := item.trigger
	price := item.snapshot.Price

	err := w.notifier.Notify(ctx, notify.Notification{
		Owner:     t.Owner,
		TriggerID: t.ID,
		Kind:      notify.KindAlert,
		Message: fmt.Sprintf("📈 Price alert: %s is at %s (target %s %s).",
			t.TokenAddress, price, t.Condition.Symbol(), t.TargetPrice),
	})
	if err != nil {
		return w.failure(ctx, t, fmt.Errorf("notify: %w", err))
	}

	ok, err := w.registry.MarkFired(ctx, t.ID)
	if err != nil {
		w.logger.Error("标记触发器失败", zap.String("trigger_id", t.ID), zap.Error(err))
		return outcome{kind: outcomeFailed}
	}
	if !ok {
		return outcome{}
	}

	t.Status = trigger.StatusFired
	w.recorder.RecordTrigger(ctx, monitor.EventTriggerFired, t, price.String())
	return outcome{kind: outcomeFired}
}

// fireSnipe 成交后无论通知是否成功都标记 FIRED，避免重复买入。
func (w *Watcher) fireSnipe(ctx context.Context, item dueTrigger) outcome {
	t := item.trigger

	// 本轮列出之后可能已被用户取消
	current, err := w.registry.Get(ctx, t.ID)
	if err != nil {
		w.logger.Error("读取触发器状态失败", zap.String("trigger_id", t.ID), zap.Error(err))
		return outcome{kind: outcomeFailed}
	}
	if current.Status != trigger.StatusActive {
		w.logger.Info("触发器已不再活跃，跳过下单",
			zap.String("trigger_id", t.ID),
			zap.String("status", string(current.Status)),
		)
		return outcome{}
	}
	t = current

	receipt, err := w.trader.Execute(ctx, execution.Order{
		Key:            t.ID,
		Owner:          t.Owner,
		TokenAddress:   t.TokenAddress,
		Side:           execution.OrderSideBuy,
		Amount:         t.Amount,
		ReferencePrice: item.snapshot.Price,
	})
	if err != nil {
		if execution.IsFatal(err) {
			w.recorder.RecordExecutionFailure(ctx, t, t.Attempts+1, true, err)
			if w.cancel(ctx, t, fatalReason(err)) {
				return outcome{kind: outcomeCancelled}
			}
			return outcome{}
		}
		return w.failure(ctx, t, err)
	}

	w.recorder.RecordExecution(ctx, t.ID, receipt)
	result := outcome{kind: outcomeFired, receipt: &receipt}

	ok, err := w.registry.MarkFired(ctx, t.ID)
	switch {
	case err != nil:
		w.logger.Error("订单已成交但标记触发器失败", zap.String("trigger_id", t.ID), zap.String("tx", receipt.TxHash), zap.Error(err))
	case !ok:
		w.logger.Warn("订单已成交，但触发器已被取消", zap.String("trigger_id", t.ID), zap.String("tx", receipt.TxHash))
		result.kind = outcomeNone
	default:
		t.Status = trigger.StatusFired
		w.recorder.RecordTrigger(ctx, monitor.EventTriggerFired, t, item.snapshot.Price.String())
	}

	w.notifyBestEffort(ctx, notify.Notification{
		Owner:     t.Owner,
		TriggerID: t.ID,
		Kind:      notify.KindFired,
		TxHash:    receipt.TxHash,
		Message: fmt.Sprintf("🎯 Snipe filled: bought %s with %s at %s.\nTx: %s",
			t.TokenAddress, t.Amount, receipt.Price, receipt.TxHash),
	})
	return result
}

// failure 记录一次可重试失败；达到重试上限后取消触发器。
func (w *Watcher) failure(ctx context.Context, t trigger.Trigger, cause error) outcome {
	attempts, err := w.registry.RecordFailure(ctx, t.ID, cause)
	if err != nil {
		w.logger.Error("记录失败次数出错", zap.String("trigger_id", t.ID), zap.Error(err))
		attempts = t.Attempts + 1
	}

	w.logger.Warn("触发器执行失败，下轮重试",
		zap.String("trigger_id", t.ID),
		zap.String("owner", t.Owner),
		zap.Int("attempts", attempts),
		zap.Error(cause),
	)
	w.recorder.RecordExecutionFailure(ctx, t, attempts, false, cause)

	if w.opts.MaxRetries > 0 && attempts >= w.opts.MaxRetries {
		if w.cancel(ctx, t, fmt.Sprintf("%s after %d attempts", reasonRetriesExhausted, attempts)) {
			return outcome{kind: outcomeCancelled}
		}
		return outcome{}
	}
	return outcome{kind: outcomeFailed}
}

func fatalReason(err error) string {
	switch {
	case errors.Is(err, execution.ErrInsufficientBalance):
		return "insufficient balance"
	case errors.Is(err, execution.ErrNoWallet):
		return "no wallet, use /createwallet or /importwallet"
	default:
		return "invalid order"
	}
}
