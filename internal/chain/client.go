package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"monad-trench-bot/internal/config"
)

// Client 封装 Monad RPC，所有调用都带超时。
type Client struct {
	eth     *ethclient.Client
	cfg     config.ChainConfig
	chainID *big.Int
	logger  *zap.Logger
}

// Dial 连接 RPC 并核对链 ID。
func Dial(ctx context.Context, cfg config.ChainConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
	defer cancel()

	eth, err := ethclient.DialContext(dialCtx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("chain: 连接 RPC 失败: %w", err)
	}

	c := &Client{
		eth:     eth,
		cfg:     cfg,
		chainID: big.NewInt(cfg.ChainID),
		logger:  logger,
	}

	remote, err := c.eth.ChainID(dialCtx)
	if err != nil {
		logger.Warn("读取链 ID 失败，使用配置值", zap.Int64("chain_id", cfg.ChainID), zap.Error(err))
		return c, nil
	}
	if cfg.ChainID != 0 && remote.Int64() != cfg.ChainID {
		eth.Close()
		return nil, fmt.Errorf("chain: 链 ID 不匹配，配置 %d，RPC 返回 %s", cfg.ChainID, remote)
	}
	c.chainID = remote

	logger.Info("RPC 连接成功", zap.String("rpc", cfg.RPCURL), zap.String("chain_id", remote.String()))
	return c, nil
}

// ChainID 返回签名使用的链 ID。
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

func (c *Client) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.eth.BalanceAt(ctx, account, nil)
}

func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.eth.PendingNonceAt(ctx, account)
}

// NonceAt blockNumber 为空时返回最新区块上已确认的 nonce。
func (c *Client) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.eth.NonceAt(ctx, account, blockNumber)
}

func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.eth.SuggestGasPrice(ctx)
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.eth.BlockNumber(ctx)
}

func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.eth.CallContract(ctx, msg, nil)
}

func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.eth.SendTransaction(ctx, tx)
}

// TransactionReceipt 交易尚未上链时返回 ethereum.NotFound。
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.eth.TransactionReceipt(ctx, hash)
}

// GasInfo 汇总当前区块高度与建议 gas 价格。
type GasInfo struct {
	BlockNumber uint64
	GasPrice    *big.Int
}

// Gas 查询 /gas 命令需要的数据。
func (c *Client) Gas(ctx context.Context) (GasInfo, error) {
	price, err := c.SuggestGasPrice(ctx)
	if err != nil {
		return GasInfo{}, fmt.Errorf("chain: 查询 gas 价格失败: %w", err)
	}
	block, err := c.BlockNumber(ctx)
	if err != nil {
		return GasInfo{}, fmt.Errorf("chain: 查询区块高度失败: %w", err)
	}
	return GasInfo{BlockNumber: block, GasPrice: price}, nil
}

// Close 关闭底层连接。
func (c *Client) Close() {
	if c.eth != nil {
		c.eth.Close()
	}
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.cfg.CallTimeout)
}

// IsNotFound 判断回执是否尚未产生。
func IsNotFound(err error) bool {
	return errors.Is(err, ethereum.NotFound)
}
