package execution

import "context"

// Trader 抽象执行器接口，方便切换真实或模拟下单。
// 同一幂等键重复调用最多成交一次。
type Trader interface {
	Execute(ctx context.Context, order Order) (Receipt, error)
}

var (
	_ Trader = (*Executor)(nil)
	_ Trader = (*Simulator)(nil)
)
