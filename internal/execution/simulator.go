package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"monad-trench-bot/internal/market"
	"monad-trench-bot/internal/wallet"
)

// Simulator 模拟成交，不发送任何链上交易。
// startBalance 为零时不校验余额。
type Simulator struct {
	wallets      wallet.Store
	startBalance decimal.Decimal
	logger       *zap.Logger
	locks        *walletLocks
	now          func() time.Time

	mu       sync.Mutex
	native   map[string]decimal.Decimal
	holdings map[string]map[string]decimal.Decimal
	done     map[string]Receipt
}

// NewSimulator 创建模拟执行器。
func NewSimulator(wallets wallet.Store, startBalance decimal.Decimal, logger *zap.Logger) *Simulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Simulator{
		wallets:      wallets,
		startBalance: startBalance,
		logger:       logger,
		locks:        newWalletLocks(),
		now:          func() time.Time { return time.Now().UTC() },
		native:       make(map[string]decimal.Decimal),
		holdings:     make(map[string]map[string]decimal.Decimal),
		done:         make(map[string]Receipt),
	}
}

// Execute 按参考价格立即成交。
func (s *Simulator) Execute(ctx context.Context, order Order) (Receipt, error) {
	if err := order.Validate(); err != nil {
		return Receipt{}, err
	}
	token, err := market.NormalizeAddress(order.TokenAddress)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}
	account, err := s.wallets.Get(ctx, order.Owner)
	if errors.Is(err, wallet.ErrNotFound) {
		return Receipt{}, fmt.Errorf("%w: owner=%s", ErrNoWallet, order.Owner)
	}
	if err != nil {
		return Receipt{}, fmt.Errorf("execution: 读取钱包失败: %w", err)
	}

	unlock := s.locks.lock(account.Address.Hex())
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if receipt, ok := s.done[order.Key]; ok {
		return receipt, nil
	}

	limited := s.startBalance.IsPositive()
	balance := s.nativeLocked(order.Owner)
	held := s.holdingLocked(order.Owner, token)

	switch order.Side {
	case OrderSideBuy:
		if limited && balance.Cmp(order.Amount) < 0 {
			return Receipt{}, fmt.Errorf("%w: 模拟余额 %s 小于 %s", ErrInsufficientBalance, balance, order.Amount)
		}
		s.native[order.Owner] = balance.Sub(order.Amount)
		s.holdings[order.Owner][token] = held.Add(order.Amount.Div(order.ReferencePrice))
	case OrderSideSell:
		if limited && held.Cmp(order.Amount) < 0 {
			return Receipt{}, fmt.Errorf("%w: 模拟持仓 %s 小于 %s", ErrInsufficientBalance, held, order.Amount)
		}
		s.native[order.Owner] = balance.Add(order.Amount.Mul(order.ReferencePrice))
		s.holdings[order.Owner][token] = held.Sub(order.Amount)
	}

	receipt := Receipt{
		Key:          order.Key,
		Owner:        order.Owner,
		TokenAddress: order.TokenAddress,
		Side:         order.Side,
		Amount:       order.Amount,
		Price:        order.ReferencePrice,
		TxHash:       crypto.Keccak256Hash([]byte("sim:" + order.Key)).Hex(),
		Simulated:    true,
		ExecutedAt:   s.now(),
	}
	s.done[order.Key] = receipt

	s.logger.Info("模拟成交",
		zap.String("key", order.Key),
		zap.String("owner", order.Owner),
		zap.String("side", string(order.Side)),
		zap.String("amount", order.Amount.String()),
		zap.String("price", order.ReferencePrice.String()),
	)
	return receipt, nil
}

// Balance 返回模拟账户的原生币余额。
func (s *Simulator) Balance(owner string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nativeLocked(owner)
}

func (s *Simulator) nativeLocked(owner string) decimal.Decimal {
	if bal, ok := s.native[owner]; ok {
		return bal
	}
	s.native[owner] = s.startBalance
	return s.startBalance
}

func (s *Simulator) holdingLocked(owner, token string) decimal.Decimal {
	if _, ok := s.holdings[owner]; !ok {
		s.holdings[owner] = make(map[string]decimal.Decimal)
	}
	return s.holdings[owner][token]
}
