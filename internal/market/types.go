package market

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Snapshot 为单个代币在某一时刻的行情读数，只在一个轮询周期内使用。
type Snapshot struct {
	TokenAddress string
	Price        decimal.Decimal
	Volume24h    decimal.NullDecimal
	Liquidity    decimal.NullDecimal
	MarketID     string
	ObservedAt   time.Time
}

// Source 抽象行情数据源。
type Source interface {
	Fetch(ctx context.Context, tokenAddress string) (Snapshot, error)
}

// marketsResponse 对应 GET /markets 的返回体，缺少 markets 字段视为数据异常。
type marketsResponse struct {
	Markets *[]marketRecord `json:"markets"`
}

type marketRecord struct {
	BaseMint       string              `json:"baseMint"`
	Price          decimal.NullDecimal `json:"price"`
	Volume24h      decimal.NullDecimal `json:"volume24h"`
	LiquidityDepth decimal.NullDecimal `json:"liquidityDepth"`
	MarketID       flexString          `json:"marketId"`
}

// flexString 兼容上游以字符串或数字返回的标识字段。
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	raw := string(data)
	if raw == "null" {
		*f = ""
		return nil
	}
	if len(raw) >= 2 && raw[0] == '"' && raw[len(raw)-1] == '"' {
		raw = raw[1 : len(raw)-1]
	}
	*f = flexString(raw)
	return nil
}
