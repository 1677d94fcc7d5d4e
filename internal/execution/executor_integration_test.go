//go:build integration
// +build integration

package execution

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"monad-trench-bot/internal/chain"
	"monad-trench-bot/internal/config"
	"monad-trench-bot/internal/market"
	"monad-trench-bot/internal/wallet"
)

func TestExecutorIntegration_MonadTestnetBuy(t *testing.T) {
	configPath := os.Getenv("TRENCH_CONFIG")
	if configPath == "" {
		configPath = "../../configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	privateKey := os.Getenv("TRENCH_TEST_PRIVATE_KEY")
	token := os.Getenv("TRENCH_TEST_TOKEN")
	if privateKey == "" || token == "" {
		t.Skip("缺少 TRENCH_TEST_PRIVATE_KEY 或 TRENCH_TEST_TOKEN，跳过真实下单测试")
	}
	if cfg.Chain.RouterAddress == "" || cfg.Chain.WrappedNative == "" {
		t.Skip("未配置路由合约，跳过测试")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	// 行情客户端用于获取最新价格
	quotes, err := market.NewClient(cfg.Market, zap.NewNop())
	if err != nil {
		t.Fatalf("初始化行情客户端失败: %v", err)
	}
	snapshot, err := quotes.Fetch(ctx, token)
	if err != nil {
		t.Fatalf("获取行情失败: %v", err)
	}

	rpc, err := chain.Dial(ctx, cfg.Chain, zap.NewNop())
	if err != nil {
		t.Fatalf("连接 RPC 失败: %v", err)
	}
	defer rpc.Close()

	store := wallet.NewMemoryStore()
	acct, err := wallet.Import("integration", privateKey)
	if err != nil {
		t.Fatalf("导入钱包失败: %v", err)
	}
	if err := store.Put(ctx, acct); err != nil {
		t.Fatalf("保存钱包失败: %v", err)
	}

	executor := NewExecutor(rpc, store, OptionsFromConfig(cfg.Chain, cfg.Execution), zap.NewNop())
	receipt, err := executor.Execute(ctx, Order{
		Key:            "integration-" + time.Now().UTC().Format(time.RFC3339Nano),
		Owner:          acct.Owner,
		TokenAddress:   token,
		Side:           OrderSideBuy,
		Amount:         decimal.RequireFromString("0.001"),
		ReferencePrice: snapshot.Price,
	})
	if err != nil {
		t.Fatalf("Execute 下单失败: %v", err)
	}

	t.Logf("成交 tx=%s block=%d price=%s", receipt.TxHash, receipt.BlockNumber, receipt.Price)
}
