package config

import (
	"fmt"
	"math"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	x402x "github.com/x402x/facilitator"
	"github.com/x402x/facilitator/accountpool"
	"github.com/x402x/facilitator/fee"
	"github.com/x402x/facilitator/gasprice"
	"github.com/x402x/facilitator/logging"
	"github.com/x402x/facilitator/mechanisms/evm"
	"github.com/x402x/facilitator/retry"
	"github.com/x402x/facilitator/settlement"
	"github.com/x402x/facilitator/whitelist"
)

const (
	defaultStaticGasPriceWei = "100000000" // 0.1 gwei
	defaultNativeTokenID     = "ethereum"
	defaultNativePriceUSD    = "3000"
)

func builtinNetworkNames() []string {
	var names []string
	for _, n := range evm.DefaultNetworkConfigs() {
		names = append(names, string(n.Name))
	}
	return names
}

func builtinNetwork(name string) (evm.NetworkConfig, bool) {
	for _, n := range evm.DefaultNetworkConfigs() {
		if strings.EqualFold(string(n.Name), name) {
			return n, true
		}
	}
	return evm.NetworkConfig{}, false
}

// NetworkNames returns the configured network names in order.
func (c Config) NetworkNames() []string {
	names := make([]string, 0, len(c.Networks))
	for name := range c.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EVMNetworks merges the configured networks over the built-in ones of the
// same name. Only configured networks are returned.
func (c Config) EVMNetworks() (*evm.Networks, error) {
	var configs []evm.NetworkConfig
	for _, name := range c.NetworkNames() {
		n := c.Networks[name]
		base, _ := builtinNetwork(name)
		base.Name = x402x.Network(name)
		if n.ChainID > 0 {
			base.ChainID = big.NewInt(n.ChainID)
		}
		if n.CAIP2 != "" {
			base.CAIP2 = x402x.Network(n.CAIP2)
		}
		if n.Asset.Address != "" {
			base.DefaultAsset.Address = common.HexToAddress(n.Asset.Address)
		}
		if n.Asset.Name != "" {
			base.DefaultAsset.Name = n.Asset.Name
		}
		if n.Asset.Version != "" {
			base.DefaultAsset.Version = n.Asset.Version
		}
		if n.Asset.Decimals > 0 {
			base.DefaultAsset.Decimals = n.Asset.Decimals
		}
		if n.TransferHook != "" {
			base.TransferHook = common.HexToAddress(n.TransferHook)
		}
		if base.DefaultAsset.Address == (common.Address{}) {
			return nil, fmt.Errorf("network %s has no asset address", name)
		}
		configs = append(configs, base)
	}
	return evm.NewNetworks(configs...)
}

// Whitelist builds the router and hook validator, registered under every
// identifier of each network.
func (c Config) Whitelist(networks *evm.Networks) *whitelist.Validator {
	entries := make(map[x402x.Network]whitelist.NetworkEntries)
	for _, net := range networks.All() {
		n := c.Networks[string(net.Name)]
		e := whitelist.NetworkEntries{
			Routers:     addresses(n.Routers),
			Hooks:       addresses(n.Hooks),
			BuiltinHook: net.TransferHook,
		}
		for _, id := range net.Identifiers() {
			entries[id] = e
		}
	}
	return whitelist.New(entries, c.HookWhitelistEnabled)
}

func addresses(list []string) []common.Address {
	out := make([]common.Address, 0, len(list))
	for _, a := range list {
		out = append(out, common.HexToAddress(a))
	}
	return out
}

// GasPriceConfig returns the oracle configuration.
func (c Config) GasPriceConfig() (gasprice.Config, error) {
	strategy, err := gasprice.ParseStrategy(c.GasPrice.Strategy)
	if err != nil {
		return gasprice.Config{}, err
	}
	cfg := gasprice.DefaultConfig()
	cfg.Strategy = strategy
	if c.GasPrice.CacheTTL.Duration > 0 {
		cfg.CacheTTL = c.GasPrice.CacheTTL.Duration
	}
	if c.GasPrice.UpdateInterval.Duration > 0 {
		cfg.UpdateInterval = c.GasPrice.UpdateInterval.Duration
	}
	if c.GasPrice.RefreshTimeout.Duration > 0 {
		cfg.RefreshTimeout = c.GasPrice.RefreshTimeout.Duration
	}
	for _, name := range c.NetworkNames() {
		n := c.Networks[name]
		static := n.StaticGasPrice
		if static == "" {
			static = defaultStaticGasPriceWei
		}
		price, _ := new(big.Int).SetString(static, 10)
		nc := gasprice.NetworkConfig{StaticPriceWei: price}
		if n.MaxGasPrice != "" {
			nc.MaxPriceWei, _ = new(big.Int).SetString(n.MaxGasPrice, 10)
		}
		cfg.Networks[x402x.Network(name)] = nc
	}
	return cfg, cfg.Validate()
}

// FeeConfig returns the calculator configuration with ratios in bps.
func (c Config) FeeConfig() fee.Config {
	cfg := fee.DefaultConfig()
	cfg.SafetyMultiplierBps = toBps(c.Fee.SafetyMultiplier)
	cfg.ToleranceBps = toBps(c.Fee.Tolerance)
	if c.Fee.QuoteTTL.Duration > 0 {
		cfg.QuoteTTL = c.Fee.QuoteTTL.Duration
	}
	return cfg
}

// GasLimitConfig returns the gas limit policy configuration.
func (c Config) GasLimitConfig() fee.GasLimitConfig {
	return fee.GasLimitConfig{
		MinGasLimit:         c.GasLimit.Min,
		MaxGasLimit:         c.GasLimit.Max,
		ProfitMarginBps:     toBps(c.GasLimit.ProfitMargin),
		EstimationSafetyBps: toBps(c.GasLimit.EstimationSafetyMultiplier),
	}
}

func toBps(ratio float64) uint64 {
	return uint64(math.Round(ratio * float64(fee.BpsDenominator)))
}

// StaticPriceFeed returns the configured native token prices, used alone
// or as the fallback of the HTTP feed.
func (c Config) StaticPriceFeed() fee.StaticPriceFeed {
	feed := make(fee.StaticPriceFeed, len(c.Networks))
	for _, name := range c.NetworkNames() {
		raw := c.Networks[name].NativePriceUSD
		if raw == "" {
			raw = defaultNativePriceUSD
		}
		price, _ := new(big.Rat).SetString(raw)
		feed[x402x.Network(name)] = price
	}
	return feed
}

// PriceFeedConfig returns the HTTP price feed configuration.
func (c Config) PriceFeedConfig() fee.HTTPPriceFeedConfig {
	ids := make(map[x402x.Network]string, len(c.Networks))
	for _, name := range c.NetworkNames() {
		id := c.Networks[name].NativeTokenID
		if id == "" {
			id = defaultNativeTokenID
		}
		ids[x402x.Network(name)] = id
	}
	return fee.HTTPPriceFeedConfig{
		Endpoint:          c.TokenPrice.APIURL,
		APIKey:            c.TokenPrice.APIKey,
		TokenIDs:          ids,
		CacheTTL:          c.TokenPrice.CacheTTL.Duration,
		RequestsPerSecond: c.TokenPrice.RequestsPerSecond,
	}
}

// PoolConfig returns the account lane configuration.
func (c Config) PoolConfig() (accountpool.Config, error) {
	selection, err := accountpool.ParseSelection(c.Queue.Selection)
	if err != nil {
		return accountpool.Config{}, err
	}
	cfg := accountpool.Config{
		MaxQueueDepth: c.Queue.MaxDepth,
		Selection:     selection,
		RetryAfter:    c.Queue.RetryAfter.Duration,
	}
	return cfg, cfg.Validate()
}

// SettlementConfig returns the executor configuration.
func (c Config) SettlementConfig() (settlement.Config, error) {
	s := c.Settlement
	policy := retry.DefaultPolicy()
	if s.MaxAttempts > 0 {
		policy.MaxAttempts = s.MaxAttempts
	}
	if s.BaseDelay.Duration > 0 {
		policy.BaseDelay = s.BaseDelay.Duration
	}
	if s.MaxDelay.Duration > 0 {
		policy.MaxDelay = s.MaxDelay.Duration
	}
	cfg := settlement.DefaultConfig()
	cfg.Retry = policy
	if s.ReceiptAttempts > 0 {
		cfg.ReceiptAttempts = s.ReceiptAttempts
	}
	if s.ReceiptMinDelay.Duration > 0 {
		cfg.ReceiptMinDelay = s.ReceiptMinDelay.Duration
	}
	if s.ReceiptMaxDelay.Duration > 0 {
		cfg.ReceiptMaxDelay = s.ReceiptMaxDelay.Duration
	}
	if s.ConfirmTimeout.Duration > 0 {
		cfg.ConfirmTimeout = s.ConfirmTimeout.Duration
	}
	return cfg, cfg.Validate()
}

// LoggingConfig returns the logger setup.
func (c Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	if c.Log.Format != "" {
		cfg.Format = c.Log.Format
	}
	if c.Log.Level != "" {
		cfg.Level = c.Log.Level
	}
	cfg.File = c.Log.File
	if c.Log.MaxSizeMB > 0 {
		cfg.MaxSizeMB = c.Log.MaxSizeMB
	}
	return cfg
}

// RPCURLs maps network names to their RPC endpoints.
func (c Config) RPCURLs() map[string]string {
	urls := make(map[string]string, len(c.Networks))
	for name, n := range c.Networks {
		if n.RPCURL != "" {
			urls[name] = n.RPCURL
		}
	}
	return urls
}
