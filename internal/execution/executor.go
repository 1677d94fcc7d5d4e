package execution

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"monad-trench-bot/internal/chain"
	"monad-trench-bot/internal/config"
	"monad-trench-bot/internal/market"
	"monad-trench-bot/internal/wallet"
)

type chainClient interface {
	ChainID() *big.Int
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// Options 控制下单参数。
type Options struct {
	Router         common.Address
	WrappedNative  common.Address
	TokenDecimals  int32
	GasLimit       uint64
	Slippage       float64
	TxDeadline     time.Duration
	ReceiptTimeout time.Duration
	PollInterval   time.Duration
	Quoter         market.Source // 非空时下单前重新询价
}

// OptionsFromConfig 由配置生成执行参数。
func OptionsFromConfig(chainCfg config.ChainConfig, execCfg config.ExecutionConfig) Options {
	return Options{
		Router:         common.HexToAddress(chainCfg.RouterAddress),
		WrappedNative:  common.HexToAddress(chainCfg.WrappedNative),
		TokenDecimals:  chainCfg.TokenDecimals,
		GasLimit:       chainCfg.GasLimit,
		Slippage:       execCfg.Slippage,
		TxDeadline:     chainCfg.TxDeadline,
		ReceiptTimeout: chainCfg.ReceiptTimeout,
		PollInterval:   time.Second,
	}
}

// Executor 通过 DEX 路由合约在链上完成兑换。
type Executor struct {
	client  chainClient
	wallets wallet.Store
	opts    Options
	logger  *zap.Logger
	locks   *walletLocks
	now     func() time.Time

	mu      sync.Mutex
	pending map[string]inflightTx
	done    map[string]Receipt
}

// inflightTx 记录已广播但尚未确认的交易。
type inflightTx struct {
	hash  common.Hash
	from  common.Address
	nonce uint64
}

// errTxDropped 在途交易的 nonce 已被占用且没有回执。
var errTxDropped = errors.New("execution: 在途交易已被丢弃")

// NewExecutor 创建链上执行器。
func NewExecutor(client chainClient, wallets wallet.Store, opts Options, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.TxDeadline <= 0 {
		opts.TxDeadline = 5 * time.Minute
	}
	if opts.ReceiptTimeout <= 0 {
		opts.ReceiptTimeout = time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.GasLimit == 0 {
		opts.GasLimit = 300000
	}
	return &Executor{
		client:  client,
		wallets: wallets,
		opts:    opts,
		logger:  logger,
		locks:   newWalletLocks(),
		now:     func() time.Time { return time.Now().UTC() },
		pending: make(map[string]inflightTx),
		done:    make(map[string]Receipt),
	}
}

// Execute 提交兑换交易并等待回执。
// 若同一幂等键已有在途交易，先核对其结果，不会重复提交。
func (e *Executor) Execute(ctx context.Context, order Order) (Receipt, error) {
	if err := order.Validate(); err != nil {
		return Receipt{}, err
	}
	token, err := market.NormalizeAddress(order.TokenAddress)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}
	account, err := e.wallets.Get(ctx, order.Owner)
	if errors.Is(err, wallet.ErrNotFound) {
		return Receipt{}, fmt.Errorf("%w: owner=%s", ErrNoWallet, order.Owner)
	}
	if err != nil {
		return Receipt{}, fmt.Errorf("execution: 读取钱包失败: %w", err)
	}

	// 按链上地址加锁，多个用户导入同一私钥时共用一把锁
	unlock := e.locks.lock(account.Address.Hex())
	defer unlock()

	if receipt, ok := e.completed(order.Key); ok {
		e.logger.Info("订单已成交，直接返回回执", zap.String("key", order.Key), zap.String("tx", receipt.TxHash))
		return receipt, nil
	}
	if tx, ok := e.inflight(order.Key); ok {
		e.logger.Info("发现在途交易，核对结果", zap.String("key", order.Key), zap.String("tx", tx.hash.Hex()))
		receipt, err := e.reconcile(ctx, order, tx)
		if !errors.Is(err, errTxDropped) {
			return receipt, err
		}
		e.logger.Warn("在途交易已被丢弃，重新提交",
			zap.String("key", order.Key),
			zap.String("tx", tx.hash.Hex()),
			zap.Uint64("nonce", tx.nonce),
		)
	}

	if err := e.requote(ctx, order, token); err != nil {
		return Receipt{}, err
	}

	tokenAddr := common.HexToAddress(token)
	switch order.Side {
	case OrderSideBuy:
		return e.buy(ctx, order, account, tokenAddr)
	default:
		return e.sell(ctx, order, account, tokenAddr)
	}
}

func (e *Executor) buy(ctx context.Context, order Order, account wallet.Account, token common.Address) (Receipt, error) {
	value := chain.ToBaseUnits(order.Amount, chain.NativeDecimals)
	expected := order.Amount.Div(order.ReferencePrice)
	minOut := chain.ToBaseUnits(expected.Mul(e.slippageFactor()), e.opts.TokenDecimals)

	data, err := routerABI.Pack("swapExactETHForTokens",
		minOut,
		[]common.Address{e.opts.WrappedNative, token},
		account.Address,
		e.deadline(),
	)
	if err != nil {
		return Receipt{}, fmt.Errorf("execution: 编码买入调用失败: %w", err)
	}

	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: 查询 gas 价格失败: %w", ErrNetwork, err)
	}
	if err := e.ensureNative(ctx, account.Address, value, gasPrice, 1); err != nil {
		return Receipt{}, err
	}
	nonce, err := e.client.PendingNonceAt(ctx, account.Address)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: 查询 nonce 失败: %w", ErrNetwork, err)
	}

	router := e.opts.Router
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &router,
		Value:    value,
		Gas:      e.opts.GasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	return e.submit(ctx, order, account, tx)
}

func (e *Executor) sell(ctx context.Context, order Order, account wallet.Account, token common.Address) (Receipt, error) {
	amountIn := chain.ToBaseUnits(order.Amount, e.opts.TokenDecimals)
	held, err := e.tokenBalance(ctx, token, account.Address)
	if err != nil {
		return Receipt{}, err
	}
	if held.Cmp(amountIn) < 0 {
		return Receipt{}, fmt.Errorf("%w: 代币余额 %s 小于卖出数量 %s", ErrInsufficientBalance, held, amountIn)
	}

	expected := order.Amount.Mul(order.ReferencePrice)
	minOut := chain.ToBaseUnits(expected.Mul(e.slippageFactor()), chain.NativeDecimals)

	approveData, err := erc20ABI.Pack("approve", e.opts.Router, amountIn)
	if err != nil {
		return Receipt{}, fmt.Errorf("execution: 编码授权调用失败: %w", err)
	}
	swapData, err := routerABI.Pack("swapExactTokensForETH",
		amountIn,
		minOut,
		[]common.Address{token, e.opts.WrappedNative},
		account.Address,
		e.deadline(),
	)
	if err != nil {
		return Receipt{}, fmt.Errorf("execution: 编码卖出调用失败: %w", err)
	}

	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: 查询 gas 价格失败: %w", ErrNetwork, err)
	}
	if err := e.ensureNative(ctx, account.Address, new(big.Int), gasPrice, 2); err != nil {
		return Receipt{}, err
	}
	nonce, err := e.client.PendingNonceAt(ctx, account.Address)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: 查询 nonce 失败: %w", ErrNetwork, err)
	}

	approveTx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &token,
		Value:    new(big.Int),
		Gas:      e.opts.GasLimit,
		GasPrice: gasPrice,
		Data:     approveData,
	})
	signedApprove, err := account.SignTx(approveTx, e.client.ChainID())
	if err != nil {
		return Receipt{}, err
	}
	if err := e.client.SendTransaction(ctx, signedApprove); err != nil && !isAlreadyKnown(err) {
		return Receipt{}, classifySendError(err)
	}
	e.logger.Info("授权交易已提交",
		zap.String("key", order.Key),
		zap.String("token", token.Hex()),
		zap.String("tx", signedApprove.Hash().Hex()),
	)

	router := e.opts.Router
	swapTx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce + 1,
		To:       &router,
		Value:    new(big.Int),
		Gas:      e.opts.GasLimit,
		GasPrice: gasPrice,
		Data:     swapData,
	})
	return e.submit(ctx, order, account, swapTx)
}

func (e *Executor) submit(ctx context.Context, order Order, account wallet.Account, tx *types.Transaction) (Receipt, error) {
	signed, err := account.SignTx(tx, e.client.ChainID())
	if err != nil {
		return Receipt{}, err
	}
	if err := e.client.SendTransaction(ctx, signed); err != nil && !isAlreadyKnown(err) {
		e.logger.Warn("交易提交失败",
			zap.String("key", order.Key),
			zap.String("owner", order.Owner),
			zap.Error(err),
		)
		return Receipt{}, classifySendError(err)
	}

	inflight := inflightTx{hash: signed.Hash(), from: account.Address, nonce: signed.Nonce()}
	e.setInflight(order.Key, inflight)
	e.logger.Info("交易已提交，等待回执",
		zap.String("key", order.Key),
		zap.String("owner", order.Owner),
		zap.String("side", string(order.Side)),
		zap.String("tx", inflight.hash.Hex()),
	)
	receipt, err := e.reconcile(ctx, order, inflight)
	if errors.Is(err, errTxDropped) {
		return Receipt{}, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	return receipt, err
}

// reconcile 等待在途交易的回执。超时后若 nonce 已被占用则判定交易丢弃并清除在途记录，
// 否则保留在途记录，留待下次核对。
func (e *Executor) reconcile(ctx context.Context, order Order, tx inflightTx) (Receipt, error) {
	hash := tx.hash
	rcpt, err := e.waitReceipt(ctx, hash)
	if err != nil {
		late, dropped := e.checkDropped(ctx, tx)
		switch {
		case late != nil:
			rcpt = late
		case dropped:
			e.clearInflight(order.Key)
			return Receipt{}, fmt.Errorf("%w: %s", errTxDropped, hash.Hex())
		default:
			return Receipt{}, err
		}
	}

	e.clearInflight(order.Key)

	if rcpt.Status != types.ReceiptStatusSuccessful {
		e.logger.Warn("交易执行回滚", zap.String("key", order.Key), zap.String("tx", hash.Hex()))
		return Receipt{}, fmt.Errorf("%w: 交易 %s 回滚", ErrSlippageExceeded, hash.Hex())
	}

	receipt := Receipt{
		Key:          order.Key,
		Owner:        order.Owner,
		TokenAddress: order.TokenAddress,
		Side:         order.Side,
		Amount:       order.Amount,
		Price:        order.ReferencePrice,
		TxHash:       hash.Hex(),
		GasUsed:      rcpt.GasUsed,
		ExecutedAt:   e.now(),
	}
	if rcpt.BlockNumber != nil {
		receipt.BlockNumber = rcpt.BlockNumber.Uint64()
	}

	e.mu.Lock()
	e.done[order.Key] = receipt
	e.mu.Unlock()

	e.logger.Info("交易已确认",
		zap.String("key", order.Key),
		zap.String("tx", receipt.TxHash),
		zap.Uint64("block", receipt.BlockNumber),
	)
	return receipt, nil
}

// checkDropped 账户已确认的 nonce 越过该交易且仍查不到回执时，视为交易被丢弃。
// 最后一次查询若拿到回执则一并返回。
func (e *Executor) checkDropped(ctx context.Context, tx inflightTx) (*types.Receipt, bool) {
	if ctx.Err() != nil {
		return nil, false
	}
	confirmed, err := e.client.NonceAt(ctx, tx.from, nil)
	if err != nil {
		e.logger.Debug("查询已确认 nonce 失败", zap.String("tx", tx.hash.Hex()), zap.Error(err))
		return nil, false
	}
	if confirmed <= tx.nonce {
		return nil, false
	}
	rcpt, err := e.client.TransactionReceipt(ctx, tx.hash)
	if err == nil && rcpt != nil {
		return rcpt, false
	}
	if err != nil && !chain.IsNotFound(err) {
		return nil, false
	}
	return nil, true
}

func (e *Executor) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, e.opts.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	for {
		rcpt, err := e.client.TransactionReceipt(waitCtx, hash)
		if err == nil && rcpt != nil {
			return rcpt, nil
		}
		if err != nil && !chain.IsNotFound(err) {
			e.logger.Debug("查询回执失败", zap.String("tx", hash.Hex()), zap.Error(err))
		}

		select {
		case <-waitCtx.Done():
			return nil, fmt.Errorf("%w: 等待交易 %s 回执超时: %w", ErrNetwork, hash.Hex(), waitCtx.Err())
		case <-ticker.C:
		}
	}
}

func (e *Executor) requote(ctx context.Context, order Order, token string) error {
	if e.opts.Quoter == nil {
		return nil
	}
	snap, err := e.opts.Quoter.Fetch(ctx, token)
	if err != nil {
		if errors.Is(err, market.ErrInvalidAddress) {
			return fmt.Errorf("%w: %v", ErrInvalidOrder, err)
		}
		return fmt.Errorf("%w: 重新询价失败: %w", ErrNetwork, err)
	}

	tolerance := decimal.NewFromFloat(e.opts.Slippage)
	one := decimal.NewFromInt(1)
	switch order.Side {
	case OrderSideBuy:
		limit := order.ReferencePrice.Mul(one.Add(tolerance))
		if snap.Price.Cmp(limit) > 0 {
			return fmt.Errorf("%w: 最新价 %s 高于上限 %s", ErrSlippageExceeded, snap.Price, limit)
		}
	case OrderSideSell:
		limit := order.ReferencePrice.Mul(one.Sub(tolerance))
		if snap.Price.Cmp(limit) < 0 {
			return fmt.Errorf("%w: 最新价 %s 低于下限 %s", ErrSlippageExceeded, snap.Price, limit)
		}
	}
	return nil
}

func (e *Executor) ensureNative(ctx context.Context, account common.Address, value, gasPrice *big.Int, txCount int64) error {
	balance, err := e.client.BalanceAt(ctx, account)
	if err != nil {
		return fmt.Errorf("%w: 查询余额失败: %w", ErrNetwork, err)
	}
	gasCost := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(e.opts.GasLimit))
	gasCost.Mul(gasCost, big.NewInt(txCount))
	need := new(big.Int).Add(value, gasCost)
	if balance.Cmp(need) < 0 {
		return fmt.Errorf("%w: 余额 %s 不足以支付 %s", ErrInsufficientBalance,
			chain.FromBaseUnits(balance, chain.NativeDecimals), chain.FromBaseUnits(need, chain.NativeDecimals))
	}
	return nil
}

func (e *Executor) tokenBalance(ctx context.Context, token, account common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("balanceOf", account)
	if err != nil {
		return nil, fmt.Errorf("execution: 编码 balanceOf 失败: %w", err)
	}
	ret, err := e.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data})
	if err != nil {
		return nil, fmt.Errorf("%w: 查询代币余额失败: %w", ErrNetwork, err)
	}
	out, err := erc20ABI.Unpack("balanceOf", ret)
	if err != nil || len(out) != 1 {
		return nil, fmt.Errorf("%w: 代币余额返回值异常", ErrNetwork)
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: 代币余额类型异常", ErrNetwork)
	}
	return balance, nil
}

func (e *Executor) completed(key string) (Receipt, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.done[key]
	return r, ok
}

func (e *Executor) inflight(key string) (inflightTx, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tx, ok := e.pending[key]
	return tx, ok
}

func (e *Executor) setInflight(key string, tx inflightTx) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending[key] = tx
}

func (e *Executor) clearInflight(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, key)
}

func (e *Executor) slippageFactor() decimal.Decimal {
	return decimal.NewFromInt(1).Sub(decimal.NewFromFloat(e.opts.Slippage))
}

func (e *Executor) deadline() *big.Int {
	return big.NewInt(e.now().Add(e.opts.TxDeadline).Unix())
}

// classifySendError 将 RPC 提交错误映射到执行错误类别。
func classifySendError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return fmt.Errorf("%w: %w", ErrInsufficientBalance, err)
	case strings.Contains(msg, "execution reverted"):
		return fmt.Errorf("%w: %w", ErrSlippageExceeded, err)
	default:
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	}
}

func isAlreadyKnown(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "already known")
}
