package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "trench"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("market.base_url", "https://api.testnet.kuru.io")
	v.SetDefault("market.markets_path", "/markets")
	v.SetDefault("market.timeout", "5s")
	v.SetDefault("market.retry.max_attempts", 3)
	v.SetDefault("market.retry.min_delay", "200ms")
	v.SetDefault("market.retry.max_delay", "2s")

	v.SetDefault("chain.rpc_url", "https://rpc.testnet.monad.xyz")
	v.SetDefault("chain.chain_id", 10143)
	v.SetDefault("chain.native_symbol", "tMON")
	v.SetDefault("chain.router_address", "")
	v.SetDefault("chain.wrapped_native", "")
	v.SetDefault("chain.token_decimals", 18)
	v.SetDefault("chain.gas_limit", 300000)
	v.SetDefault("chain.call_timeout", "10s")
	v.SetDefault("chain.receipt_timeout", "60s")
	v.SetDefault("chain.tx_deadline", "5m")

	v.SetDefault("execution.simulation", true)
	v.SetDefault("execution.paper_balance", 0)
	v.SetDefault("execution.slippage", 0.01)
	v.SetDefault("execution.max_retries", 0)
	v.SetDefault("execution.requote", false)
	v.SetDefault("execution.default_snipe_amount", 0.1)

	v.SetDefault("watcher.poll_interval", "15s")
	v.SetDefault("watcher.fetch_concurrency", 8)
	v.SetDefault("watcher.fetch_timeout", "10s")
	v.SetDefault("watcher.trigger_ttl", "0s")

	v.SetDefault("registry.backend", RegistryBackendMemory)

	v.SetDefault("database.path", "data/trench_bot.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("monitor.enabled", false)
	v.SetDefault("monitor.port", 8089)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
