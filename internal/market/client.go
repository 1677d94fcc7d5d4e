package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"monad-trench-bot/internal/config"
)

const maxResponseBytes = 8 << 20

// Client 负责调用 Kuru 行情接口并实现重试机制。
type Client struct {
	cfg      config.MarketConfig
	endpoint string
	http     *http.Client
	logger   *zap.Logger
	now      func() time.Time
}

// NewClient 构造行情客户端。
func NewClient(cfg config.MarketConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 1
	}

	endpoint, err := url.JoinPath(cfg.BaseURL, cfg.MarketsPath)
	if err != nil {
		return nil, fmt.Errorf("market: 解析行情地址失败: %w", err)
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("market: 行情地址非法 %q: %w", endpoint, err)
	}

	return &Client{
		cfg:      cfg,
		endpoint: endpoint,
		http:     &http.Client{Timeout: cfg.Timeout},
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Fetch 返回指定代币的最新行情快照。
func (c *Client) Fetch(ctx context.Context, tokenAddress string) (Snapshot, error) {
	addr, err := NormalizeAddress(tokenAddress)
	if err != nil {
		return Snapshot{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.fetchMarkets(callCtx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %w", ErrTransient, err)
	}

	for _, record := range *resp.Markets {
		if !strings.EqualFold(strings.TrimSpace(record.BaseMint), addr) {
			continue
		}
		if !record.Price.Valid || !record.Price.Decimal.IsPositive() {
			return Snapshot{}, fmt.Errorf("%w: 代币 %s 的价格字段缺失或非法", ErrTransient, addr)
		}

		snapshot := Snapshot{
			TokenAddress: addr,
			Price:        record.Price.Decimal,
			Volume24h:    record.Volume24h,
			Liquidity:    record.LiquidityDepth,
			MarketID:     string(record.MarketID),
			ObservedAt:   c.now(),
		}

		c.logger.Debug("行情快照获取完成",
			zap.String("token", addr),
			zap.String("price", snapshot.Price.String()),
			zap.String("market_id", snapshot.MarketID),
		)
		return snapshot, nil
	}

	return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, addr)
}

func (c *Client) fetchMarkets(ctx context.Context) (marketsResponse, error) {
	policy := backoff.NewExponentialBackOff()
	if c.cfg.Retry.MinDelay > 0 {
		policy.InitialInterval = c.cfg.Retry.MinDelay
	}
	if c.cfg.Retry.MaxDelay > 0 {
		policy.MaxInterval = c.cfg.Retry.MaxDelay
	}

	attempt := 0
	operation := func() (marketsResponse, error) {
		attempt++
		resp, err := c.doRequest(ctx)
		if err == nil {
			return resp, nil
		}
		if retry := classifyError(err); !retry {
			return marketsResponse{}, backoff.Permanent(err)
		}
		return marketsResponse{}, err
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Warn("行情接口调用失败，等待重试",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(c.cfg.Retry.MaxAttempts)),
		backoff.WithNotify(notify),
	)
	if err != nil {
		c.logger.Debug("行情接口调用失败",
			zap.Int("attempts", attempt),
			zap.Error(err),
		)
		return marketsResponse{}, err
	}

	if attempt > 1 {
		c.logger.Info("行情接口重试后成功", zap.Int("attempts", attempt))
	}
	return resp, nil
}

func (c *Client) doRequest(ctx context.Context) (marketsResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return marketsResponse{}, fmt.Errorf("构造请求失败: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return marketsResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return marketsResponse{}, &statusError{code: resp.StatusCode}
	}

	var payload marketsResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&payload); err != nil {
		return marketsResponse{}, &decodeError{err: err}
	}
	if payload.Markets == nil {
		return marketsResponse{}, &decodeError{err: errMissingMarkets}
	}
	return payload, nil
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("行情接口返回状态码 %d", e.code)
}

var errMissingMarkets = errors.New("响应缺少 markets 字段")

type decodeError struct {
	err error
}

func (e *decodeError) Error() string {
	return fmt.Sprintf("行情数据解析失败: %v", e.err)
}

func (e *decodeError) Unwrap() error {
	return e.err
}

// classifyError 判断单次请求失败是否值得在本次调用内重试。
func classifyError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var statusErr *statusError
	if errors.As(err, &statusErr) {
		return statusErr.code >= http.StatusInternalServerError || statusErr.code == http.StatusTooManyRequests
	}

	var decodeErr *decodeError
	if errors.As(err, &decodeErr) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return false
}
