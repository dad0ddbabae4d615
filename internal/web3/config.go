package web3

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chain.yaml.
type ChainDefinitions struct {
	Default string                     `yaml:"default"`
	Chains  map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single chain endpoint definition.
type ChainDefinition struct {
	Type          string `yaml:"type"`
	RPCURL        string `yaml:"rpc_url"`
	Confirmations uint64 `yaml:"confirmations"`
	Description   string `yaml:"description"`
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
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
	return defs, nil
}

// Resolve 选出用于校验交易的链。
//
// 优先使用 name，其次是文件中的 default；只有一条链时直接使用它；
// 文件中没有任何链时回退到 fallbackRPC。
func (d ChainDefinitions) Resolve(name, fallbackRPC string) (string, ChainDefinition, error) {
	if name == "" {
		name = d.Default
	}
	if name != "" {
		chain, ok := d.Chains[name]
		if !ok {
			return "", ChainDefinition{}, fmt.Errorf("未定义的链 %s", name)
		}
		return name, normalize(chain), nil
	}
	switch len(d.Chains) {
	case 0:
		if strings.TrimSpace(fallbackRPC) == "" {
			return "", ChainDefinition{}, fmt.Errorf("未配置任何链")
		}
		return "default", ChainDefinition{Type: "evm", RPCURL: fallbackRPC, Confirmations: 1}, nil
	case 1:
		for only, chain := range d.Chains {
			return only, normalize(chain), nil
		}
	}
	names := make([]string, 0, len(d.Chains))
	for key := range d.Chains {
		names = append(names, key)
	}
	sort.Strings(names)
	return "", ChainDefinition{}, fmt.Errorf("存在多条链 %v，请指定 default", names)
}

func normalize(chain ChainDefinition) ChainDefinition {
	if strings.TrimSpace(chain.Type) == "" {
		chain.Type = "evm"
	}
	chain.Type = strings.ToLower(chain.Type)
	if chain.Confirmations == 0 {
		chain.Confirmations = 1
	}
	return chain
}
