package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"
)

// weiPerEther 为 10^18。
var weiPerEther = decimal.New(1, 18)

// Config 描述如何构建兼容 EVM 的客户端。
type Config struct {
	Name   string
	RPCURL string
	Notes  string
}

// Snapshot 是用于健康检查的轻量级网络元数据。
type Snapshot struct {
	Name        string `json:"name"`
	ChainID     string `json:"chainId"`
	BlockNumber string `json:"blockNumber"`
	Notes       string `json:"notes,omitempty"`
}

// backend 是流水线读取所需的 ethclient.Client 方法子集。
type backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	Close()
}

// Client 负责从兼容 EVM 的链上读取托管余额。
type Client struct {
	name  string
	notes string

	mu  sync.Mutex
	eth backend
}

// NewClient 连接配置的 RPC 节点并返回可用的客户端。
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}

	return &Client{
		name:  cfg.Name,
		notes: cfg.Notes,
		eth:   ethclient.NewClient(rpcClient),
	}, nil
}

// Name 返回客户端配置的链名称。
func (c *Client) Name() string {
	return c.name
}

// Close 释放客户端持有的网络连接。
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
}

func (c *Client) backend() (backend, error) {
	if c == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth == nil {
		return nil, errors.New("以太坊客户端已关闭")
	}
	return c.eth, nil
}

// FetchSnapshot 从节点获取链 ID 与最新区块高度。
func (c *Client) FetchSnapshot(ctx context.Context) (Snapshot, error) {
	eth, err := c.backend()
	if err != nil {
		return Snapshot{}, err
	}
	chainID, err := eth.ChainID(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	blockNumber, err := eth.BlockNumber(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return Snapshot{
		Name:        c.name,
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}

// Balance 返回 vaultAddress 最新的以太余额，userID 仅用于与其他余额来源
// 保持接口一致。
func (c *Client) Balance(ctx context.Context, userID, vaultAddress string) (decimal.Decimal, error) {
	if !common.IsHexAddress(vaultAddress) {
		return decimal.Zero, fmt.Errorf("用户 %s 的金库地址无效: %q", userID, vaultAddress)
	}
	eth, err := c.backend()
	if err != nil {
		return decimal.Zero, err
	}
	wei, err := eth.BalanceAt(ctx, common.HexToAddress(vaultAddress), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("查询地址余额失败: %w", err)
	}
	return WeiToEther(wei), nil
}

// WeiToEther 将 wei 数量换算为 ether。
func WeiToEther(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, 0).Div(weiPerEther)
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return fmt.Sprintf("0x%x", n)
}
