package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// App 驱动价格监控循环与监控接口。
type App struct {
	rt     *Runtime
	logger *zap.Logger
}

// New 创建 App 实例。
func New(rt *Runtime, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		rt:     rt,
		logger: logger,
	}
}

// Run 按 poll_interval 周期执行轮询，直到 ctx 结束。
func (a *App) Run(ctx context.Context) error {
	cfg := a.rt.Config
	a.logger.Info("狙击机器人已初始化",
		zap.String("environment", cfg.App.Environment),
		zap.Bool("simulation", cfg.Execution.Simulation),
		zap.String("registry", cfg.Registry.Backend),
		zap.Bool("rpc_connected", a.rt.Chain != nil),
	)

	if cfg.Monitor.Enabled {
		if err := startMonitorServer(ctx, a.rt, cfg.Monitor.Port, a.logger); err != nil {
			return err
		}
	}

	interval := cfg.Watcher.PollInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	a.tick(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("系统异常退出: %w", err)
			}
			a.logger.Info("系统收到退出信号，正在停止")
			return nil
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

func (a *App) tick(ctx context.Context) {
	report, err := a.rt.Watcher.Cycle(ctx)
	if err != nil {
		a.logger.Error("轮询执行失败", zap.Error(err))
		a.rt.Monitor.RecordError(ctx, "轮询执行失败", err, nil)
		return
	}
	if report.Active == 0 {
		return
	}
	a.logger.Info("轮询完成",
		zap.Int("active", report.Active),
		zap.Int("tokens", report.Tokens),
		zap.Int("fired", len(report.Fired)),
		zap.Int("failed", len(report.Failed)),
		zap.Int("skipped", report.Skipped),
		zap.Duration("elapsed", report.Elapsed),
	)
	if dropped := a.rt.Outbox.Dropped(); dropped > 0 {
		a.logger.Warn("通知队列溢出，已丢弃最旧通知", zap.Int("outbox_dropped", dropped))
	}
}
