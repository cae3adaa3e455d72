package web3

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Chains 负责将链名称解析为链 ID 与合约地址。
type Chains struct {
	defaultChain string
	defs         map[string]ChainDefinition
}

// NewChains 构建链注册表，默认链必须已定义。
func NewChains(defs ChainDefinitions, defaultChain string) (*Chains, error) {
	defaultChain = strings.ToLower(strings.TrimSpace(defaultChain))
	if len(defs.Chains) == 0 {
		return nil, fmt.Errorf("未配置任何链")
	}
	if defaultChain == "" {
		names := make([]string, 0, len(defs.Chains))
		for name := range defs.Chains {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultChain = names[0]
	}
	if _, ok := defs.Chains[defaultChain]; !ok {
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}
	return &Chains{defaultChain: defaultChain, defs: defs.Chains}, nil
}

// Default 返回默认链名称。
func (c *Chains) Default() string {
	return c.defaultChain
}

// Names 返回排序后的已配置链名称。
func (c *Chains) Names() []string {
	names := make([]string, 0, len(c.defs))
	for name := range c.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup 返回指定链的定义。
func (c *Chains) Lookup(name string) (ChainDefinition, bool) {
	def, ok := c.defs[strings.ToLower(strings.TrimSpace(name))]
	return def, ok
}

// ChainID 返回链的数字 ID，未知链名回退到默认链。
func (c *Chains) ChainID(name string) uint64 {
	if def, ok := c.Lookup(name); ok {
		return def.ChainID
	}
	return c.defs[c.defaultChain].ChainID
}

// Router 返回链上的兑换路由合约，未配置时返回零地址。
func (c *Chains) Router(name string) common.Address {
	def, _ := c.Lookup(name)
	return parseAddress(def.Router)
}

// Bridge 返回链上的跨链桥合约，未配置时返回零地址。
func (c *Chains) Bridge(name string) common.Address {
	def, _ := c.Lookup(name)
	return parseAddress(def.Bridge)
}

// VaultContract 返回链上的金库存款合约，未配置时返回零地址。
func (c *Chains) VaultContract(name string) common.Address {
	def, _ := c.Lookup(name)
	return parseAddress(def.Vault)
}

func parseAddress(hex string) common.Address {
	hex = strings.TrimSpace(hex)
	if !common.IsHexAddress(hex) {
		return common.Address{}
	}
	return common.HexToAddress(hex)
}

// VaultAddress 根据 keccak256("vault:" + userID) 推导用户金库的确定性托管地址。
func VaultAddress(userID string) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte("vault:" + userID))[12:])
}
