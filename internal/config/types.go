package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Market    MarketConfig    `mapstructure:"market"`
	Chain     ChainConfig     `mapstructure:"chain"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Watcher   WatcherConfig   `mapstructure:"watcher"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// MarketConfig 描述行情 API（Kuru）的访问参数。
type MarketConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	MarketsPath string        `mapstructure:"markets_path"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Retry       RetryConfig   `mapstructure:"retry"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// ChainConfig 描述链上 RPC 与 DEX 合约。
type ChainConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	ChainID        int64         `mapstructure:"chain_id"`
	NativeSymbol   string        `mapstructure:"native_symbol"`
	RouterAddress  string        `mapstructure:"router_address"`
	WrappedNative  string        `mapstructure:"wrapped_native"`
	TokenDecimals  int32         `mapstructure:"token_decimals"`
	GasLimit       uint64        `mapstructure:"gas_limit"`
	CallTimeout    time.Duration `mapstructure:"call_timeout"`
	ReceiptTimeout time.Duration `mapstructure:"receipt_timeout"`
	TxDeadline     time.Duration `mapstructure:"tx_deadline"`
}

// ExecutionConfig 控制下单行为。
type ExecutionConfig struct {
	Simulation         bool    `mapstructure:"simulation"`
	PaperBalance       float64 `mapstructure:"paper_balance"` // 模拟模式下每个钱包的初始余额，0 表示不限
	Slippage           float64 `mapstructure:"slippage"`
	MaxRetries         int     `mapstructure:"max_retries"`
	Requote            bool    `mapstructure:"requote"`
	DefaultSnipeAmount float64 `mapstructure:"default_snipe_amount"` // /snipe 未指定数量时花费的原生币
}

// WatcherConfig 控制价格监控循环节奏。
type WatcherConfig struct {
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	FetchConcurrency int           `mapstructure:"fetch_concurrency"`
	FetchTimeout     time.Duration `mapstructure:"fetch_timeout"`
	TriggerTTL       time.Duration `mapstructure:"trigger_ttl"`
}

// RegistryConfig 选择触发器的存储后端。
type RegistryConfig struct {
	Backend string `mapstructure:"backend"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// MonitorConfig 控制监控 HTTP 接口。
type MonitorConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

const (
	RegistryBackendMemory = "memory"
	RegistryBackendSQLite = "sqlite"
)

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Market.BaseURL == "" {
		err = multierr.Append(err, errors.New("market.base_url 不能为空"))
	}
	if c.Market.Timeout <= 0 {
		err = multierr.Append(err, errors.New("market.timeout 必须大于0"))
	}
	if c.Market.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("market.retry.max_attempts 必须大于0"))
	}
	if c.Market.Retry.MinDelay <= 0 || c.Market.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("market.retry.delay 必须为正"))
	}
	if c.Market.Retry.MinDelay > c.Market.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("market.retry.min_delay 不能大于 max_delay"))
	}
	if c.Chain.RPCURL == "" {
		err = multierr.Append(err, errors.New("chain.rpc_url 不能为空"))
	}
	if c.Chain.ChainID <= 0 {
		err = multierr.Append(err, errors.New("chain.chain_id 必须大于0"))
	}
	if c.Chain.CallTimeout <= 0 {
		err = multierr.Append(err, errors.New("chain.call_timeout 必须大于0"))
	}
	if c.Chain.ReceiptTimeout <= 0 {
		err = multierr.Append(err, errors.New("chain.receipt_timeout 必须大于0"))
	}
	if c.Chain.TokenDecimals < 0 || c.Chain.TokenDecimals > 36 {
		err = multierr.Append(err, errors.New("chain.token_decimals 必须位于[0,36]"))
	}
	if !c.Execution.Simulation {
		if !common.IsHexAddress(c.Chain.RouterAddress) {
			err = multierr.Append(err, errors.New("实盘模式需要合法的 chain.router_address"))
		}
		if !common.IsHexAddress(c.Chain.WrappedNative) {
			err = multierr.Append(err, errors.New("实盘模式需要合法的 chain.wrapped_native"))
		}
		if c.Chain.GasLimit == 0 {
			err = multierr.Append(err, errors.New("chain.gas_limit 必须大于0"))
		}
	}
	if c.Execution.Slippage < 0 || c.Execution.Slippage > 0.5 {
		err = multierr.Append(err, errors.New("execution.slippage 应位于[0,0.5]"))
	}
	if c.Execution.PaperBalance < 0 {
		err = multierr.Append(err, errors.New("execution.paper_balance 不能为负"))
	}
	if c.Execution.DefaultSnipeAmount <= 0 {
		err = multierr.Append(err, errors.New("execution.default_snipe_amount 必须大于0"))
	}
	if c.Execution.MaxRetries < 0 {
		err = multierr.Append(err, errors.New("execution.max_retries 不能为负，0 表示不限次数"))
	}
	if c.Watcher.PollInterval <= 0 {
		err = multierr.Append(err, errors.New("watcher.poll_interval 必须大于0"))
	}
	if c.Watcher.FetchConcurrency <= 0 {
		err = multierr.Append(err, errors.New("watcher.fetch_concurrency 必须大于0"))
	}
	if c.Watcher.FetchTimeout <= 0 {
		err = multierr.Append(err, errors.New("watcher.fetch_timeout 必须大于0"))
	}
	if c.Watcher.TriggerTTL < 0 {
		err = multierr.Append(err, errors.New("watcher.trigger_ttl 不能为负"))
	}
	switch strings.ToLower(c.Registry.Backend) {
	case RegistryBackendMemory, RegistryBackendSQLite:
	default:
		err = multierr.Append(err, fmt.Errorf("registry.backend 不支持 %q", c.Registry.Backend))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}
	if c.Monitor.Enabled && (c.Monitor.Port <= 0 || c.Monitor.Port > 65535) {
		err = multierr.Append(err, errors.New("monitor.port 必须位于(0,65535]"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
