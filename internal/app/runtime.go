package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"monad-trench-bot/internal/chain"
	"monad-trench-bot/internal/command"
	"monad-trench-bot/internal/config"
	"monad-trench-bot/internal/execution"
	"monad-trench-bot/internal/market"
	"monad-trench-bot/internal/monitor"
	"monad-trench-bot/internal/notify"
	"monad-trench-bot/internal/store"
	"monad-trench-bot/internal/trigger"
	"monad-trench-bot/internal/wallet"
	"monad-trench-bot/internal/watcher"
)

const outboxCapacity = 256

// Runtime 持有进程生命周期内的全部状态，由 main 构造并在退出时关闭。
type Runtime struct {
	Config     *config.Config
	Store      *store.Store
	Registry   *trigger.Registry
	Wallets    *wallet.MemoryStore
	Market     *market.Client
	Chain      *chain.Client // 模拟模式下 RPC 不可用时为空
	Trader     execution.Trader
	Simulator  *execution.Simulator
	Outbox     *notify.Outbox
	Monitor    *monitor.Service
	Watcher    *watcher.Watcher
	Dispatcher *command.Dispatcher

	logger *zap.Logger
}

// NewRuntime 按配置装配各组件。
func NewRuntime(ctx context.Context, cfg *config.Config, logger *zap.Logger) (rt *Runtime, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rt = &Runtime{Config: cfg, logger: logger}
	defer func() {
		if err != nil {
			err = multierr.Append(err, rt.Close())
			rt = nil
		}
	}()

	if rt.Store, err = store.NewSQLite(cfg.Database); err != nil {
		return rt, fmt.Errorf("初始化数据库失败: %w", err)
	}

	repo, err := newRepository(cfg.Registry, rt.Store, logger)
	if err != nil {
		return rt, err
	}
	if rt.Registry, err = trigger.NewRegistry(repo, logger); err != nil {
		return rt, fmt.Errorf("初始化触发器注册表失败: %w", err)
	}

	if rt.Market, err = market.NewClient(cfg.Market, logger); err != nil {
		return rt, fmt.Errorf("初始化行情客户端失败: %w", err)
	}

	rt.Chain, err = chain.Dial(ctx, cfg.Chain, logger)
	if err != nil {
		if !cfg.Execution.Simulation {
			return rt, fmt.Errorf("连接链上 RPC 失败: %w", err)
		}
		logger.Warn("RPC 不可用，模拟模式下继续运行", zap.Error(err))
		rt.Chain, err = nil, nil
	}

	rt.Wallets = wallet.NewMemoryStore()

	if cfg.Execution.Simulation {
		logger.Info("执行器处于模拟模式", zap.Float64("paper_balance", cfg.Execution.PaperBalance))
		rt.Simulator = execution.NewSimulator(rt.Wallets, decimal.NewFromFloat(cfg.Execution.PaperBalance), logger)
		rt.Trader = rt.Simulator
	} else {
		opts := execution.OptionsFromConfig(cfg.Chain, cfg.Execution)
		if cfg.Execution.Requote {
			opts.Quoter = rt.Market
		}
		rt.Trader = execution.NewExecutor(rt.Chain, rt.Wallets, opts, logger)
	}

	if rt.Monitor, err = monitor.NewService(rt.Store, logger); err != nil {
		return rt, fmt.Errorf("初始化监控服务失败: %w", err)
	}

	rt.Outbox = notify.NewOutbox(outboxCapacity)
	notifier := notify.Multi{notify.NewLogNotifier(logger), rt.Outbox}

	rt.Watcher, err = watcher.New(rt.Registry, rt.Market, rt.Trader, notifier, rt.Monitor, watcher.Options{
		FetchConcurrency: cfg.Watcher.FetchConcurrency,
		FetchTimeout:     cfg.Watcher.FetchTimeout,
		TriggerTTL:       cfg.Watcher.TriggerTTL,
		MaxRetries:       cfg.Execution.MaxRetries,
	}, logger)
	if err != nil {
		return rt, fmt.Errorf("初始化价格监控失败: %w", err)
	}

	rt.Dispatcher = command.NewDispatcher(logger)
	command.RegisterDefaults(rt.Dispatcher, rt.commandDeps())
	return rt, nil
}

func (rt *Runtime) commandDeps() command.Deps {
	deps := command.Deps{
		Registry:           rt.Registry,
		Wallets:            rt.Wallets,
		Trader:             rt.Trader,
		Market:             rt.Market,
		Recorder:           rt.Monitor,
		NativeSymbol:       rt.Config.Chain.NativeSymbol,
		DefaultSnipeAmount: decimal.NewFromFloat(rt.Config.Execution.DefaultSnipeAmount),
	}
	// 接口字段只在指针非空时赋值
	if rt.Chain != nil {
		deps.Chain = rt.Chain
	}
	if rt.Simulator != nil {
		deps.Paper = rt.Simulator
	}
	return deps
}

func newRepository(cfg config.RegistryConfig, st *store.Store, logger *zap.Logger) (trigger.Repository, error) {
	switch strings.ToLower(cfg.Backend) {
	case config.RegistryBackendSQLite:
		repo, err := trigger.NewSQLiteRepository(st.DB(), logger)
		if err != nil {
			return nil, fmt.Errorf("初始化触发器仓库失败: %w", err)
		}
		return repo, nil
	case config.RegistryBackendMemory, "":
		return trigger.NewMemoryRepository(), nil
	default:
		return nil, fmt.Errorf("不支持的触发器存储后端 %q", cfg.Backend)
	}
}

// Close 释放 RPC 与数据库连接。
func (rt *Runtime) Close() error {
	var err error
	if rt.Chain != nil {
		rt.Chain.Close()
	}
	if rt.Store != nil {
		err = multierr.Append(err, rt.Store.Close())
	}
	return err
}
