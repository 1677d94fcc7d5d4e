package trigger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidTrigger 表示触发器不满足创建约束。
	ErrInvalidTrigger = errors.New("trigger: invalid trigger")
	// ErrNotFound 表示仓库中不存在该触发器。
	ErrNotFound = errors.New("trigger: not found")
)

// Kind 表示触发后的动作。
type Kind string

const (
	KindSnipeBuy   Kind = "SNIPE_BUY"
	KindWatchAlert Kind = "WATCH_ALERT"
)

// Condition 表示价格比较方式，边界值视为满足。
type Condition string

const (
	ConditionAtOrBelow Condition = "PRICE_AT_OR_BELOW"
	ConditionAtOrAbove Condition = "PRICE_AT_OR_ABOVE"
)

// Status 表示触发器生命周期状态。
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusFired     Status = "FIRED"
	StatusCancelled Status = "CANCELLED"
	StatusExpired   Status = "EXPIRED"
)

// Terminal 终态不再发生任何变化。
func (s Status) Terminal() bool {
	return s == StatusFired || s == StatusCancelled || s == StatusExpired
}

// Satisfied 精确比较价格与目标价。
func (c Condition) Satisfied(price, target decimal.Decimal) bool {
	switch c {
	case ConditionAtOrBelow:
		return price.Cmp(target) <= 0
	case ConditionAtOrAbove:
		return price.Cmp(target) >= 0
	default:
		return false
	}
}

// Symbol 返回用于展示的比较符号。
func (c Condition) Symbol() string {
	if c == ConditionAtOrBelow {
		return "<="
	}
	return ">="
}

// ParseCondition 解析用户输入的比较方向。
func ParseCondition(raw string) (Condition, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "below", "<=", "le", "lte", strings.ToLower(string(ConditionAtOrBelow)):
		return ConditionAtOrBelow, nil
	case "above", ">=", "ge", "gte", strings.ToLower(string(ConditionAtOrAbove)):
		return ConditionAtOrAbove, nil
	default:
		return "", fmt.Errorf("%w: 未知的价格条件 %q", ErrInvalidTrigger, raw)
	}
}

// Trigger 描述一条等待价格条件满足的规则。
type Trigger struct {
	ID           string          `json:"id"`
	Owner        string          `json:"owner"`
	TokenAddress string          `json:"token_address"`
	Kind         Kind            `json:"kind"`
	Condition    Condition       `json:"condition"`
	TargetPrice  decimal.Decimal `json:"target_price"`
	Amount       decimal.Decimal `json:"amount"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	Status       Status          `json:"status"`

	Attempts  int    `json:"attempts"`             // 执行失败次数
	LastError string `json:"last_error,omitempty"` // 最近一次失败原因
	Reason    string `json:"reason,omitempty"`     // 进入终态的原因
}

// Satisfied 判断给定价格是否满足触发条件。
func (t Trigger) Satisfied(price decimal.Decimal) bool {
	return t.Condition.Satisfied(price, t.TargetPrice)
}

// Validate 校验创建约束。
func (t Trigger) Validate() error {
	if strings.TrimSpace(t.Owner) == "" {
		return fmt.Errorf("%w: owner 不能为空", ErrInvalidTrigger)
	}
	if strings.TrimSpace(t.TokenAddress) == "" {
		return fmt.Errorf("%w: token_address 不能为空", ErrInvalidTrigger)
	}
	switch t.Kind {
	case KindSnipeBuy, KindWatchAlert:
	default:
		return fmt.Errorf("%w: 未知的触发类型 %q", ErrInvalidTrigger, t.Kind)
	}
	switch t.Condition {
	case ConditionAtOrBelow, ConditionAtOrAbove:
	default:
		return fmt.Errorf("%w: 未知的价格条件 %q", ErrInvalidTrigger, t.Condition)
	}
	if !t.TargetPrice.IsPositive() {
		return fmt.Errorf("%w: target_price 必须大于0", ErrInvalidTrigger)
	}
	if t.Kind == KindSnipeBuy && !t.Amount.IsPositive() {
		return fmt.Errorf("%w: 狙击单 amount 必须大于0", ErrInvalidTrigger)
	}
	if t.Amount.IsNegative() {
		return fmt.Errorf("%w: amount 不能为负", ErrInvalidTrigger)
	}
	return nil
}

// GroupKey 用于按代币聚合触发器，忽略大小写差异。
func GroupKey(tokenAddress string) string {
	return strings.ToLower(strings.TrimSpace(tokenAddress))
}
