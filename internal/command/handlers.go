package command

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"monad-trench-bot/internal/chain"
	"monad-trench-bot/internal/execution"
	"monad-trench-bot/internal/market"
	"monad-trench-bot/internal/monitor"
	"monad-trench-bot/internal/trigger"
	"monad-trench-bot/internal/wallet"
)

type chainReader interface {
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
	Gas(ctx context.Context) (chain.GasInfo, error)
}

type paperLedger interface {
	Balance(owner string) decimal.Decimal
}

type eventRecorder interface {
	RecordTrigger(ctx context.Context, eventType monitor.EventType, t trigger.Trigger, price string)
	RecordExecution(ctx context.Context, triggerID string, receipt execution.Receipt)
}

// Deps 为命令处理所需的组件，Chain、Paper、Recorder 可为空。
type Deps struct {
	Registry           *trigger.Registry
	Wallets            wallet.Store
	Trader             execution.Trader
	Market             market.Source
	Chain              chainReader
	Paper              paperLedger
	Recorder           eventRecorder
	NativeSymbol       string
	DefaultSnipeAmount decimal.Decimal
}

// menuHints 对应开始菜单按钮的说明文字。
var menuHints = map[string]string{
	"chart_menu":  "📈 Use /chart <token_address> to see market data.",
	"wallet_menu": "👛 Use /createwallet or /importwallet to manage your wallet.",
	"buy_menu":    "🛒 Use /buy <token_address> <amount> to buy tokens.",
	"sell_menu":   "💸 Use /sell <token_address> <amount> to sell tokens.",
	"snipe_menu":  "🎯 Use /snipe <token_address> <target_price> [amount] to set a sniper.",
	"watch_menu":  "📊 Use /watch <token_address> <target_price> [above|below] to watch prices.",
	"recent_menu": "🧪 Use /recent to check recently launched tokens.",
	"gas_menu":    "⛽️ Use /gas to see Monad gas info.",
}

// MenuHint 返回菜单按钮对应的提示。
func MenuHint(data string) (string, bool) {
	hint, ok := menuHints[data]
	return hint, ok
}

// RegisterDefaults 在分发器上注册全部命令。
func RegisterDefaults(d *Dispatcher, deps Deps) {
	if deps.NativeSymbol == "" {
		deps.NativeSymbol = "tMON"
	}
	h := &handlers{deps: deps}

	d.Register("start", HandlerFunc(h.start))
	d.Register("createwallet", HandlerFunc(h.createWallet))
	d.Register("importwallet", HandlerFunc(h.importWallet))
	d.Register("wallet", HandlerFunc(h.wallet))
	d.Register("chart", HandlerFunc(h.chart))
	d.Register("buy", HandlerFunc(h.trade(execution.OrderSideBuy)))
	d.Register("sell", HandlerFunc(h.trade(execution.OrderSideSell)))
	d.Register("snipe", HandlerFunc(h.snipe))
	d.Register("watch", HandlerFunc(h.watch))
	d.Register("triggers", HandlerFunc(h.triggers))
	d.Register("cancel", HandlerFunc(h.cancel))
	d.Register("gas", HandlerFunc(h.gas))
	for _, name := range []string{"approve", "recent", "dexs", "send"} {
		d.Register(name, notSupported(name))
	}
}

type handlers struct {
	deps Deps
}

func (h *handlers) start(context.Context, Request) (Response, error) {
	return Response{Text: strings.Join([]string{
		"Welcome to MonadTrenchBot 👷🏽‍♂️",
		"",
		"📈 /chart <token> · 💰 /wallet",
		"🛒 /buy <token> <amount> · 💸 /sell <token> <amount>",
		"🎯 /snipe <token> <price> [amount] · 📊 /watch <token> <price> [above|below]",
		"📋 /triggers · 🗑 /cancel <id> · ⛽️ /gas",
		"👛 /createwallet · /importwallet <private_key>",
	}, "\n")}, nil
}

func (h *handlers) createWallet(ctx context.Context, req Request) (Response, error) {
	acct, err := wallet.Generate(req.Owner)
	if err != nil {
		return Response{}, err
	}
	if err := h.deps.Wallets.Put(ctx, acct); err != nil {
		return Response{}, err
	}
	return Response{Text: fmt.Sprintf("🆕 Wallet Created!\nAddress: %s\nPrivate Key (save this!): %s",
		acct.Address.Hex(), acct.PrivateKeyHex())}, nil
}

func (h *handlers) importWallet(ctx context.Context, req Request) (Response, error) {
	if len(req.Args) != 1 {
		return Response{}, usage("Send your private key like this: /importwallet <private_key>")
	}
	acct, err := wallet.Import(req.Owner, req.Args[0])
	if err != nil {
		return Response{}, usage("❌ Error importing wallet: invalid private key")
	}
	if err := h.deps.Wallets.Put(ctx, acct); err != nil {
		return Response{}, err
	}
	return Response{Text: fmt.Sprintf("🔓 Wallet Imported!\nAddress: %s", acct.Address.Hex())}, nil
}

func (h *handlers) wallet(ctx context.Context, req Request) (Response, error) {
	acct, err := h.deps.Wallets.Get(ctx, req.Owner)
	if errors.Is(err, wallet.ErrNotFound) {
		return Response{Text: noWalletText}, nil
	}
	if err != nil {
		return Response{}, err
	}

	lines := []string{fmt.Sprintf("💼 Wallet Address: %s", acct.Address.Hex())}
	if h.deps.Chain != nil {
		wei, err := h.deps.Chain.BalanceAt(ctx, acct.Address)
		if err != nil {
			return Response{}, fmt.Errorf("%w: %w", execution.ErrNetwork, err)
		}
		lines = append(lines, fmt.Sprintf("Balance: %s %s",
			chain.FromBaseUnits(wei, chain.NativeDecimals).String(), h.deps.NativeSymbol))
	}
	if h.deps.Paper != nil {
		lines = append(lines, fmt.Sprintf("Paper balance: %s %s", h.deps.Paper.Balance(req.Owner), h.deps.NativeSymbol))
	}
	return Response{Text: strings.Join(lines, "\n")}, nil
}

func (h *handlers) chart(ctx context.Context, req Request) (Response, error) {
	if len(req.Args) != 1 {
		return Response{}, usage("📈 Use /chart <token_address> to see market data.")
	}
	snap, err := h.deps.Market.Fetch(ctx, req.Args[0])
	if err != nil {
		return Response{}, err
	}

	lines := []string{
		fmt.Sprintf("📈 %s", snap.TokenAddress),
		fmt.Sprintf("Price: %s", snap.Price),
		fmt.Sprintf("24h Volume: %s", optional(snap.Volume24h)),
		fmt.Sprintf("Liquidity: %s", optional(snap.Liquidity)),
	}
	if snap.MarketID != "" {
		lines = append(lines, fmt.Sprintf("Market: %s", snap.MarketID))
	}
	return Response{Text: strings.Join(lines, "\n")}, nil
}

// trade 直接下单，不经过触发器。
func (h *handlers) trade(side execution.OrderSide) func(context.Context, Request) (Response, error) {
	return func(ctx context.Context, req Request) (Response, error) {
		if len(req.Args) != 2 {
			return Response{}, usage("Use /%s <token_address> <amount>", side)
		}
		amount, err := parsePositive(req.Args[1])
		if err != nil {
			return Response{}, usage("❌ Amount must be a positive number.")
		}
		if _, err := h.deps.Wallets.Get(ctx, req.Owner); err != nil {
			return Response{}, err
		}
		snap, err := h.deps.Market.Fetch(ctx, req.Args[0])
		if err != nil {
			return Response{}, err
		}

		receipt, err := h.deps.Trader.Execute(ctx, execution.Order{
			Key:            uuid.NewString(),
			Owner:          req.Owner,
			TokenAddress:   snap.TokenAddress,
			Side:           side,
			Amount:         amount,
			ReferencePrice: snap.Price,
		})
		if err != nil {
			return Response{}, err
		}
		if h.deps.Recorder != nil {
			h.deps.Recorder.RecordExecution(ctx, "", receipt)
		}

		verb := "🛒 Bought"
		if side == execution.OrderSideSell {
			verb = "💸 Sold"
		}
		return Response{Text: fmt.Sprintf("%s %s at %s\nTx: %s", verb, snap.TokenAddress, receipt.Price, receipt.TxHash)}, nil
	}
}

func (h *handlers) snipe(ctx context.Context, req Request) (Response, error) {
	if len(req.Args) < 2 || len(req.Args) > 3 {
		return Response{}, usage("🎯 Use /snipe <token_address> <target_price> [amount] to set a sniper.")
	}
	target, err := parsePositive(req.Args[1])
	if err != nil {
		return Response{}, usage("❌ Target price must be a positive number.")
	}
	amount := h.deps.DefaultSnipeAmount
	if len(req.Args) == 3 {
		if amount, err = parsePositive(req.Args[2]); err != nil {
			return Response{}, usage("❌ Amount must be a positive number.")
		}
	}
	if _, err := h.deps.Wallets.Get(ctx, req.Owner); err != nil {
		return Response{}, err
	}
	token, err := market.NormalizeAddress(req.Args[0])
	if err != nil {
		return Response{}, err
	}

	t := trigger.Trigger{
		Owner:        req.Owner,
		TokenAddress: token,
		Kind:         trigger.KindSnipeBuy,
		Condition:    trigger.ConditionAtOrBelow,
		TargetPrice:  target,
		Amount:       amount,
	}
	id, err := h.add(ctx, t)
	if err != nil {
		return Response{}, err
	}
	return Response{Text: fmt.Sprintf("🎯 Sniper set!\nID: %s\nBuy %s with %s %s when price <= %s",
		id, token, amount, h.deps.NativeSymbol, target)}, nil
}

func (h *handlers) watch(ctx context.Context, req Request) (Response, error) {
	if len(req.Args) < 2 || len(req.Args) > 3 {
		return Response{}, usage("📊 Use /watch <token_address> <target_price> [above|below] to watch prices.")
	}
	target, err := parsePositive(req.Args[1])
	if err != nil {
		return Response{}, usage("❌ Target price must be a positive number.")
	}
	cond := trigger.ConditionAtOrAbove
	if len(req.Args) == 3 {
		if cond, err = trigger.ParseCondition(req.Args[2]); err != nil {
			return Response{}, usage("❌ Direction must be 'above' or 'below'.")
		}
	}
	token, err := market.NormalizeAddress(req.Args[0])
	if err != nil {
		return Response{}, err
	}

	id, err := h.add(ctx, trigger.Trigger{
		Owner:        req.Owner,
		TokenAddress: token,
		Kind:         trigger.KindWatchAlert,
		Condition:    cond,
		TargetPrice:  target,
	})
	if err != nil {
		return Response{}, err
	}
	return Response{Text: fmt.Sprintf("📊 Watching %s\nID: %s\nAlert when price %s %s",
		token, id, cond.Symbol(), target)}, nil
}

func (h *handlers) add(ctx context.Context, t trigger.Trigger) (string, error) {
	id, err := h.deps.Registry.Add(ctx, t)
	if err != nil {
		return "", err
	}
	if h.deps.Recorder != nil {
		if stored, getErr := h.deps.Registry.Get(ctx, id); getErr == nil {
			h.deps.Recorder.RecordTrigger(ctx, monitor.EventTriggerAdded, stored, "")
		}
	}
	return id, nil
}

func (h *handlers) triggers(ctx context.Context, req Request) (Response, error) {
	active, err := h.deps.Registry.ListByOwner(ctx, req.Owner)
	if err != nil {
		return Response{}, err
	}
	if len(active) == 0 {
		return Response{Text: "📋 No active snipes or watches."}, nil
	}

	lines := []string{"📋 Active triggers:"}
	for _, t := range active {
		kind := "📊 watch"
		if t.Kind == trigger.KindSnipeBuy {
			kind = fmt.Sprintf("🎯 snipe %s %s", t.Amount, h.deps.NativeSymbol)
		}
		line := fmt.Sprintf("%s · %s · %s %s · %s", t.ID, kind, t.Condition.Symbol(), t.TargetPrice, t.TokenAddress)
		if t.Attempts > 0 {
			line += fmt.Sprintf(" · %d failed attempts", t.Attempts)
		}
		lines = append(lines, line)
	}
	return Response{Text: strings.Join(lines, "\n")}, nil
}

func (h *handlers) cancel(ctx context.Context, req Request) (Response, error) {
	if len(req.Args) != 1 {
		return Response{}, usage("🗑 Use /cancel <trigger_id>")
	}
	ok, err := h.deps.Registry.Remove(ctx, req.Args[0], req.Owner)
	if err != nil {
		return Response{}, err
	}
	if !ok {
		return Response{Text: "❌ No active trigger with that ID."}, nil
	}
	if h.deps.Recorder != nil {
		if t, getErr := h.deps.Registry.Get(ctx, req.Args[0]); getErr == nil {
			h.deps.Recorder.RecordTrigger(ctx, monitor.EventTriggerCancelled, t, "")
		}
	}
	return Response{Text: "🗑 Trigger cancelled."}, nil
}

func (h *handlers) gas(ctx context.Context, _ Request) (Response, error) {
	if h.deps.Chain == nil {
		return Response{Text: "⛽️ RPC is not connected."}, nil
	}
	info, err := h.deps.Chain.Gas(ctx)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %w", execution.ErrNetwork, err)
	}
	return Response{Text: fmt.Sprintf("⛽️ Monad Testnet\nBlock: %d\nGas price: %s gwei",
		info.BlockNumber, chain.FromBaseUnits(info.GasPrice, 9).StringFixed(2))}, nil
}

func notSupported(name string) Handler {
	return HandlerFunc(func(context.Context, Request) (Response, error) {
		return Response{Text: fmt.Sprintf("🚧 /%s is not supported yet.", name)}, nil
	})
}

func parsePositive(raw string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, err
	}
	if !v.IsPositive() {
		return decimal.Zero, errors.New("not positive")
	}
	return v, nil
}

func optional(v decimal.NullDecimal) string {
	if !v.Valid {
		return "n/a"
	}
	return v.Decimal.String()
}
