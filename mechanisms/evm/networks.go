package evm

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	x402x "github.com/x402x/facilitator"
)

// AssetInfo contains information about an ERC20 token
type AssetInfo struct {
	Address  common.Address
	Name     string
	Version  string
	Decimals int
}

// NetworkConfig contains network-specific configuration. Name is the
// canonical short name used as the key everywhere else in the engine.
type NetworkConfig struct {
	Name         x402x.Network
	CAIP2        x402x.Network
	ChainID      *big.Int
	DefaultAsset AssetInfo
	// TransferHook is the built-in split hook deployed on this network.
	TransferHook common.Address
}

// DefaultNetworkConfigs returns the networks known without configuration.
func DefaultNetworkConfigs() []NetworkConfig {
	return []NetworkConfig{
		{
			Name:    "base",
			CAIP2:   "eip155:8453",
			ChainID: ChainIDBase,
			DefaultAsset: AssetInfo{
				Address:  common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"), // USDC on Base
				Name:     "USD Coin",
				Version:  "2",
				Decimals: DefaultDecimals,
			},
		},
		{
			Name:    "base-sepolia",
			CAIP2:   "eip155:84532",
			ChainID: ChainIDBaseSepolia,
			DefaultAsset: AssetInfo{
				Address:  common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e"), // USDC on Base Sepolia
				Name:     "USDC",
				Version:  "2",
				Decimals: DefaultDecimals,
			},
		},
	}
}

// Networks resolves both short names and CAIP-2 identifiers to one config.
// It is built once and never mutated.
type Networks struct {
	byName map[string]*NetworkConfig
	all    []*NetworkConfig
}

// NewNetworks indexes the given configs. Later entries override earlier
// ones with the same name.
func NewNetworks(configs ...NetworkConfig) (*Networks, error) {
	n := &Networks{byName: make(map[string]*NetworkConfig)}
	canonical := make(map[x402x.Network]*NetworkConfig)
	for i := range configs {
		cfg := configs[i]
		if cfg.Name == "" {
			return nil, fmt.Errorf("network config %d has no name", i)
		}
		if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
			return nil, fmt.Errorf("network %s has no chain id", cfg.Name)
		}
		if cfg.CAIP2 == "" {
			cfg.CAIP2 = x402x.Network(fmt.Sprintf("eip155:%s", cfg.ChainID.String()))
		}
		if cfg.DefaultAsset.Decimals == 0 {
			cfg.DefaultAsset.Decimals = DefaultDecimals
		}
		canonical[cfg.Name] = &cfg
	}
	for _, cfg := range canonical {
		n.byName[strings.ToLower(string(cfg.Name))] = cfg
		n.byName[strings.ToLower(string(cfg.CAIP2))] = cfg
		n.all = append(n.all, cfg)
	}
	sort.Slice(n.all, func(i, j int) bool { return n.all[i].Name < n.all[j].Name })
	return n, nil
}

// Lookup returns the config for a short name or CAIP-2 identifier.
func (n *Networks) Lookup(network x402x.Network) (*NetworkConfig, bool) {
	cfg, ok := n.byName[strings.ToLower(string(network))]
	return cfg, ok
}

// All returns every configured network ordered by name.
func (n *Networks) All() []*NetworkConfig {
	return n.all
}

// Identifiers returns every name under which the network is reachable.
func (c *NetworkConfig) Identifiers() []x402x.Network {
	if c.CAIP2 == c.Name {
		return []x402x.Network{c.Name}
	}
	return []x402x.Network{c.Name, c.CAIP2}
}
