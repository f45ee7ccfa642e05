package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"

	"github.com/atlasvault/gotrader/pkg/config"
	"github.com/atlasvault/gotrader/pkg/ratelimit"
)

var chainLog = logrus.WithField("component", "chain")

// ErrConfirmationTimeout 在超时窗口内未取得交易回执。
// 注意：超时不代表交易失败，交易可能仍在 mempool 中等待打包。
var ErrConfirmationTimeout = errors.New("chain: confirmation timeout, transaction still pending")

// ErrAllEndpointsFailed 所有 RPC 节点均不可用
var ErrAllEndpointsFailed = errors.New("chain: all rpc endpoints failed")

// balanceOf(address) 的函数选择器
var selectorBalanceOf = []byte{0x70, 0xa0, 0x82, 0x31}

// Client 多节点故障转移的链客户端
type Client struct {
	endpoints []string
	chainID   *big.Int
	limiter   *ratelimit.TokenBucket

	receiptTimeout time.Duration
	receiptPoll    time.Duration

	mu      sync.Mutex
	clients map[string]*ethclient.Client // 按 endpoint 缓存的连接
	primary int                          // 当前首选节点下标
}

// NewClient 创建链客户端（连接按需建立，不在启动时全部拨号）
func NewClient(cfg config.ChainConfig) (*Client, error) {
	if len(cfg.RPCEndpoints) == 0 {
		return nil, errors.New("chain: no rpc endpoints configured")
	}
	return &Client{
		endpoints:      cfg.RPCEndpoints,
		chainID:        big.NewInt(cfg.ChainID),
		limiter:        ratelimit.NewTokenBucket(cfg.RPCRatePerSecond, cfg.RPCRatePerSecond, time.Second),
		receiptTimeout: time.Duration(cfg.ReceiptTimeoutSeconds) * time.Second,
		receiptPoll:    time.Duration(cfg.ReceiptPollSeconds) * time.Second,
		clients:        make(map[string]*ethclient.Client),
	}, nil
}

// ChainID 配置的链 ID
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

func (c *Client) dial(ctx context.Context, endpoint string) (*ethclient.Client, error) {
	c.mu.Lock()
	if ec, ok := c.clients[endpoint]; ok {
		c.mu.Unlock()
		return ec, nil
	}
	c.mu.Unlock()

	ec, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.clients[endpoint] = ec
	c.mu.Unlock()
	return ec, nil
}

// withFailover 依次尝试各节点执行 fn，首选节点失败后轮换
func (c *Client) withFailover(ctx context.Context, fn func(*ethclient.Client) error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	start := c.primary
	c.mu.Unlock()

	var lastErr error
	for i := 0; i < len(c.endpoints); i++ {
		idx := (start + i) % len(c.endpoints)
		endpoint := c.endpoints[idx]
		ec, err := c.dial(ctx, endpoint)
		if err != nil {
			chainLog.Warnf("⚠️ RPC 节点拨号失败 %s: %v", endpoint, err)
			lastErr = err
			continue
		}
		if err := fn(ec); err != nil {
			if ctx.Err() != nil {
				return err
			}
			chainLog.Warnf("⚠️ RPC 调用失败 %s: %v，切换下一节点", endpoint, err)
			lastErr = err
			// 连接可能已坏，丢弃缓存
			c.mu.Lock()
			delete(c.clients, endpoint)
			c.mu.Unlock()
			continue
		}
		if idx != start {
			c.mu.Lock()
			c.primary = idx
			c.mu.Unlock()
			chainLog.Infof("✅ 已切换首选 RPC 节点: %s", endpoint)
		}
		return nil
	}
	if lastErr == nil {
		lastErr = ErrAllEndpointsFailed
	}
	return fmt.Errorf("%w: %v", ErrAllEndpointsFailed, lastErr)
}

// GasPrice 当前建议 gas price（wei）
func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	var out *big.Int
	err := c.withFailover(ctx, func(ec *ethclient.Client) error {
		p, err := ec.SuggestGasPrice(ctx)
		if err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

// EthBalance 地址的原生币余额（wei）
func (c *Client) EthBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	var out *big.Int
	err := c.withFailover(ctx, func(ec *ethclient.Client) error {
		b, err := ec.BalanceAt(ctx, addr, nil)
		if err != nil {
			return err
		}
		out = b
		return nil
	})
	return out, err
}

// TokenBalance ERC20 余额查询（balanceOf）
func (c *Client) TokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	data := make([]byte, 0, 36)
	data = append(data, selectorBalanceOf...)
	data = append(data, common.LeftPadBytes(holder.Bytes(), 32)...)
	out, err := c.CallContract(ctx, token, data)
	if err != nil {
		return nil, fmt.Errorf("chain: balanceOf %s: %w", token.Hex(), err)
	}
	if len(out) < 32 {
		return nil, fmt.Errorf("chain: balanceOf returned %d bytes", len(out))
	}
	return new(big.Int).SetBytes(out[:32]), nil
}

// CallContract 只读合约调用
func (c *Client) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	var out []byte
	err := c.withFailover(ctx, func(ec *ethclient.Client) error {
		res, err := ec.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

// PendingNonce 账户的 pending nonce
func (c *Client) PendingNonce(ctx context.Context, addr common.Address) (uint64, error) {
	var out uint64
	err := c.withFailover(ctx, func(ec *ethclient.Client) error {
		n, err := ec.PendingNonceAt(ctx, addr)
		if err != nil {
			return err
		}
		out = n
		return nil
	})
	return out, err
}

// EstimateGas 估算交易 gas
func (c *Client) EstimateGas(ctx context.Context, from, to common.Address, data []byte) (uint64, error) {
	var out uint64
	err := c.withFailover(ctx, func(ec *ethclient.Client) error {
		g, err := ec.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
		if err != nil {
			return err
		}
		out = g
		return nil
	})
	return out, err
}

// SendTransaction 广播已签名交易
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return c.withFailover(ctx, func(ec *ethclient.Client) error {
		return ec.SendTransaction(ctx, tx)
	})
}

// TransactionReceipt 单次查询回执；尚未打包返回 (nil, nil)。
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := c.withFailover(ctx, func(ec *ethclient.Client) error {
		r, err := ec.TransactionReceipt(ctx, hash)
		if err != nil {
			if errors.Is(err, ethereum.NotFound) {
				return nil
			}
			return err
		}
		receipt = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// WaitForReceipt 轮询等待交易回执。
// 返回值三态：回执（status 由调用方判断成功/回滚）、ErrConfirmationTimeout（仍未确认）、其他错误。
func (c *Client) WaitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	deadline := time.Now().Add(c.receiptTimeout)
	ticker := time.NewTicker(c.receiptPoll)
	defer ticker.Stop()

	for {
		var receipt *types.Receipt
		err := c.withFailover(ctx, func(ec *ethclient.Client) error {
			r, err := ec.TransactionReceipt(ctx, hash)
			if err != nil {
				if errors.Is(err, ethereum.NotFound) {
					return nil // 尚未打包，继续等待
				}
				return err
			}
			receipt = r
			return nil
		})
		if err != nil {
			return nil, err
		}
		if receipt != nil {
			return receipt, nil
		}
		if time.Now().After(deadline) {
			chainLog.Warnf("⚠️ 交易 %s 在 %s 内未确认，保持 PENDING", hash.Hex(), c.receiptTimeout)
			return nil, ErrConfirmationTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close 关闭全部连接
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ec := range c.clients {
		ec.Close()
	}
	c.clients = make(map[string]*ethclient.Client)
}
