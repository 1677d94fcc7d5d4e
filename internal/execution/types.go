package execution

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide 表示下单方向。
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Order 描述一次兑换请求。
// 买单 Amount 为花费的原生币数量，卖单 Amount 为卖出的代币数量。
type Order struct {
	Key            string // 幂等键，触发器下单时即触发器 ID
	Owner          string
	TokenAddress   string
	Side           OrderSide
	Amount         decimal.Decimal
	ReferencePrice decimal.Decimal // 触发时观测到的价格，用于计算最小成交量
}

// Validate 校验订单参数。
func (o Order) Validate() error {
	if o.Key == "" {
		return fmt.Errorf("%w: 缺少幂等键", ErrInvalidOrder)
	}
	if o.Owner == "" {
		return fmt.Errorf("%w: 缺少 owner", ErrInvalidOrder)
	}
	if o.Side != OrderSideBuy && o.Side != OrderSideSell {
		return fmt.Errorf("%w: 未知方向 %q", ErrInvalidOrder, o.Side)
	}
	if !o.Amount.IsPositive() {
		return fmt.Errorf("%w: amount 必须大于0", ErrInvalidOrder)
	}
	if !o.ReferencePrice.IsPositive() {
		return fmt.Errorf("%w: 参考价格必须大于0", ErrInvalidOrder)
	}
	return nil
}

// Receipt 为执行成功的回执。
type Receipt struct {
	Key          string          `json:"key"`
	Owner        string          `json:"owner"`
	TokenAddress string          `json:"token_address"`
	Side         OrderSide       `json:"side"`
	Amount       decimal.Decimal `json:"amount"`
	Price        decimal.Decimal `json:"price"`
	TxHash       string          `json:"tx_hash"`
	BlockNumber  uint64          `json:"block_number,omitempty"`
	GasUsed      uint64          `json:"gas_used,omitempty"`
	Simulated    bool            `json:"simulated"`
	ExecutedAt   time.Time       `json:"executed_at"`
}

var (
	// ErrInsufficientBalance 余额不足，重试无意义。
	ErrInsufficientBalance = errors.New("execution: insufficient balance")
	// ErrNetwork 网络或 RPC 故障，可在下个周期重试。
	ErrNetwork = errors.New("execution: network error")
	// ErrSlippageExceeded 成交价偏离超过允许滑点或交易回滚。
	ErrSlippageExceeded = errors.New("execution: slippage exceeded")
	// ErrNoWallet 用户没有可用钱包。
	ErrNoWallet = errors.New("execution: no wallet")
	// ErrInvalidOrder 订单参数非法。
	ErrInvalidOrder = errors.New("execution: invalid order")
)

// IsFatal 判断失败是否应直接终止触发器。
func IsFatal(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrNoWallet) ||
		errors.Is(err, ErrInvalidOrder)
}
