package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"AgentVault/internal/web3"
	"AgentVault/internal/web3/ethereum"
)

// Registry 按链名称管理 RPC 客户端，没有 RPC 地址的链会被跳过。
type Registry struct {
	defaultChain string
	clients      map[string]*ethereum.Client
}

// NewRegistry 连接所有配置了 RPC 地址的链。
func NewRegistry(ctx context.Context, defs web3.ChainDefinitions, defaultChain string) (*Registry, error) {
	clients := make(map[string]*ethereum.Client)
	for name, chain := range defs.Chains {
		if strings.TrimSpace(chain.RPCURL) == "" {
			continue
		}
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		if chainType != "evm" {
			closeAll(clients)
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
		client, err := ethereum.NewClient(ctx, ethereum.Config{
			Name:   name,
			RPCURL: chain.RPCURL,
			Notes:  chain.Description,
		})
		if err != nil {
			closeAll(clients)
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		clients[name] = client
	}
	return &Registry{defaultChain: strings.ToLower(strings.TrimSpace(defaultChain)), clients: clients}, nil
}

// Client 返回指定链名称对应的客户端。
func (r *Registry) Client(name string) (*ethereum.Client, bool) {
	client, ok := r.clients[strings.ToLower(strings.TrimSpace(name))]
	return client, ok
}

// Default 返回默认链的客户端。
func (r *Registry) Default() (*ethereum.Client, error) {
	client, ok := r.clients[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未配置 RPC 地址", r.defaultChain)
	}
	return client, nil
}

// Names 返回已建立客户端的链名称，按字母排序。
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshots 获取所有链的元数据，失败信息按链记录在返回的错误映射中。
func (r *Registry) Snapshots(ctx context.Context) ([]ethereum.Snapshot, map[string]error) {
	var snaps []ethereum.Snapshot
	failures := make(map[string]error)
	for _, name := range r.Names() {
		snap, err := r.clients[name].FetchSnapshot(ctx)
		if err != nil {
			failures[name] = err
			continue
		}
		snaps = append(snaps, snap)
	}
	return snaps, failures
}

// Close 释放全部客户端。
func (r *Registry) Close() {
	closeAll(r.clients)
}

func closeAll(clients map[string]*ethereum.Client) {
	for _, client := range clients {
		client.Close()
	}
}
