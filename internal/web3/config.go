package web3

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChainDefinitions 对应 configs/chains.yaml 的结构。
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition 描述流水线可能经过的单条链。
type ChainDefinition struct {
	Type        string `yaml:"type"`
	ChainID     uint64 `yaml:"chain_id"`
	RPCURL      string `yaml:"rpc_url"`
	Router      string `yaml:"router"`
	Bridge      string `yaml:"bridge"`
	Vault       string `yaml:"vault"`
	Description string `yaml:"description"`
}

// DefaultChainDefinitions 列出常见的 EVM 网络，不包含 RPC 地址。
func DefaultChainDefinitions() ChainDefinitions {
	return ChainDefinitions{Chains: map[string]ChainDefinition{
		"ethereum": {Type: "evm", ChainID: 1, Description: "Ethereum mainnet"},
		"arbitrum": {Type: "evm", ChainID: 42161, Description: "Arbitrum One"},
		"optimism": {Type: "evm", ChainID: 10, Description: "OP mainnet"},
		"polygon":  {Type: "evm", ChainID: 137, Description: "Polygon PoS"},
		"base":     {Type: "evm", ChainID: 8453, Description: "Base mainnet"},
	}}
}

// LoadChainDefinitions 解析包含链元数据的 YAML 文件，路径为空时返回默认定义。
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultChainDefinitions(), nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	normalized := make(map[string]ChainDefinition, len(defs.Chains))
	for name, def := range defs.Chains {
		normalized[strings.ToLower(strings.TrimSpace(name))] = def
	}
	defs.Chains = normalized
	return defs, nil
}
