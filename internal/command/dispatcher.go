package command

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"monad-trench-bot/internal/execution"
	"monad-trench-bot/internal/market"
	"monad-trench-bot/internal/trigger"
	"monad-trench-bot/internal/wallet"
)

// Request 为一条来自消息前端的用户命令。
type Request struct {
	Owner   string
	Command string
	Args    []string
}

// Response 为回复给用户的文本。
type Response struct {
	Text string
}

// Handler 处理单个命令。
type Handler interface {
	Handle(ctx context.Context, req Request) (Response, error)
}

// HandlerFunc 将普通函数适配为 Handler。
type HandlerFunc func(ctx context.Context, req Request) (Response, error)

func (f HandlerFunc) Handle(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// usageError 表示参数错误，直接把提示回复给用户。
type usageError struct {
	hint string
}

func (e *usageError) Error() string { return e.hint }

func usage(format string, args ...any) error {
	return &usageError{hint: fmt.Sprintf(format, args...)}
}

// Dispatcher 按命令名分发请求。
type Dispatcher struct {
	handlers map[string]Handler
	logger   *zap.Logger
}

// NewDispatcher 创建空的分发器。
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		handlers: make(map[string]Handler),
		logger:   logger,
	}
}

// Register 注册命令，重名时覆盖。
func (d *Dispatcher) Register(name string, h Handler) {
	d.handlers[normalizeName(name)] = h
}

// Commands 返回已注册的命令名。
func (d *Dispatcher) Commands() []string {
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch 执行命令。错误会被转换成面向用户的回复，不向调用方传播。
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Response {
	name := normalizeName(req.Command)
	h, ok := d.handlers[name]
	if !ok {
		return Response{Text: "🤔 Unknown command. Use /start to see what I can do."}
	}

	resp, err := h.Handle(ctx, req)
	if err == nil {
		return resp
	}

	var ue *usageError
	if errors.As(err, &ue) {
		return Response{Text: ue.hint}
	}

	d.logger.Warn("命令执行失败",
		zap.String("command", name),
		zap.String("owner", req.Owner),
		zap.Error(err),
	)
	return Response{Text: userMessage(err)}
}

// Parse 将 "/buy@Bot 0x.. 1" 形式的文本解析为命令请求。
func Parse(owner, text string) (Request, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return Request{}, false
	}
	return Request{
		Owner:   owner,
		Command: fields[0],
		Args:    fields[1:],
	}, true
}

func normalizeName(name string) string {
	name = strings.TrimPrefix(strings.TrimSpace(name), "/")
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	return strings.ToLower(name)
}

func userMessage(err error) string {
	switch {
	case errors.Is(err, execution.ErrNoWallet), errors.Is(err, wallet.ErrNotFound):
		return noWalletText
	case errors.Is(err, execution.ErrInsufficientBalance):
		return "❌ Insufficient balance for this trade."
	case errors.Is(err, execution.ErrSlippageExceeded):
		return "⚠️ Price moved beyond your slippage tolerance. Try again."
	case errors.Is(err, execution.ErrNetwork), errors.Is(err, market.ErrTransient):
		return "⚠️ Network issue, please try again shortly."
	case errors.Is(err, market.ErrInvalidAddress):
		return "❌ That doesn't look like a valid token address."
	case errors.Is(err, market.ErrNotFound):
		return "❌ Token is not listed on Kuru."
	case errors.Is(err, trigger.ErrInvalidTrigger), errors.Is(err, execution.ErrInvalidOrder):
		return "❌ Invalid request: price and amount must be positive numbers."
	default:
		return "⚠️ Something went wrong, please try again."
	}
}

const noWalletText = "You have no wallet. Use /createwallet or /importwallet first."
