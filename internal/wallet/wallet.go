package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrNotFound 表示用户尚未创建或导入钱包。
	ErrNotFound = errors.New("wallet: not found")
	// ErrInvalidKey 表示私钥格式非法。
	ErrInvalidKey = errors.New("wallet: invalid private key")
)

// Account 为用户托管的签名账户。
type Account struct {
	Owner   string
	Address common.Address
	key     *ecdsa.PrivateKey
}

// Generate 为用户生成新的私钥。
func Generate(owner string) (Account, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return Account{}, fmt.Errorf("wallet: 生成私钥失败: %w", err)
	}
	return newAccount(owner, key), nil
}

// Import 从十六进制私钥恢复账户，允许带 0x 前缀。
func Import(owner, hexKey string) (Account, error) {
	raw := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"), "0X")
	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		return Account{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return newAccount(owner, key), nil
}

func newAccount(owner string, key *ecdsa.PrivateKey) Account {
	return Account{
		Owner:   strings.TrimSpace(owner),
		Address: crypto.PubkeyToAddress(key.PublicKey),
		key:     key,
	}
}

// PrivateKeyHex 仅在创建钱包时回显给用户。
func (a Account) PrivateKeyHex() string {
	if a.key == nil {
		return ""
	}
	return hexutil.Encode(crypto.FromECDSA(a.key))
}

// SignTx 使用账户私钥签名交易。
func (a Account) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if a.key == nil {
		return nil, fmt.Errorf("wallet: 账户 %s 缺少私钥", a.Address.Hex())
	}
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), a.key)
	if err != nil {
		return nil, fmt.Errorf("wallet: 签名交易失败: %w", err)
	}
	return signed, nil
}

// Store 按用户保存钱包。
type Store interface {
	Get(ctx context.Context, owner string) (Account, error)
	Put(ctx context.Context, account Account) error
}

// MemoryStore 私钥只保存在进程内存中。
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]Account
}

// NewMemoryStore 创建内存钱包存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]Account)}
}

func (s *MemoryStore) Get(_ context.Context, owner string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[strings.TrimSpace(owner)]
	if !ok {
		return Account{}, ErrNotFound
	}
	return acct, nil
}

// Put 覆盖用户已有钱包。
func (s *MemoryStore) Put(_ context.Context, account Account) error {
	if account.Owner == "" {
		return errors.New("wallet: owner 不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[account.Owner] = account
	return nil
}

var _ Store = (*MemoryStore)(nil)
