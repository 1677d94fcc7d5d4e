package market

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrInvalidAddress 表示代币地址格式非法，调用方无需发起网络请求。
	ErrInvalidAddress = errors.New("market: invalid token address")
	// ErrNotFound 表示行情源未上架该代币，下个周期可再次尝试。
	ErrNotFound = errors.New("market: token not listed")
	// ErrTransient 表示上游不可达或返回异常数据，可重试。
	ErrTransient = errors.New("market: transient upstream failure")
)

// NormalizeAddress 校验 EVM 地址并返回带校验和的规范形式。
func NormalizeAddress(raw string) (string, error) {
	addr := strings.TrimSpace(raw)
	if !strings.HasPrefix(addr, "0x") && !strings.HasPrefix(addr, "0X") {
		return "", fmt.Errorf("%w: %q 缺少 0x 前缀", ErrInvalidAddress, raw)
	}
	if !common.IsHexAddress(addr) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	return common.HexToAddress(addr).Hex(), nil
}
