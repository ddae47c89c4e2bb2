package config

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402x "github.com/x402x/facilitator"
	"github.com/x402x/facilitator/accountpool"
	"github.com/x402x/facilitator/gasprice"
)

const (
	testKey    = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testRouter = "0x1111111111111111111111111111111111111111"
	testHook   = "0x2222222222222222222222222222222222222222"
)

func envMap(m map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDurationUnmarshal(t *testing.T) {
	for raw, want := range map[string]time.Duration{
		"30s":   30 * time.Second,
		"1m30s": 90 * time.Second,
		"5":     5 * time.Second,
		"0.5":   500 * time.Millisecond,
	} {
		got, err := parseDuration(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
	_, err := parseDuration("soon")
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"PORT":                           "4021",
		"EVM_PRIVATE_KEYS":               testKey + ", 0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d",
		"RPC_URL_BASE_SEPOLIA":           "https://sepolia.base.org",
		"SETTLEMENT_ROUTER_BASE_SEPOLIA": testRouter,
		"HOOK_WHITELIST_ENABLED":         "true",
		"GAS_PRICE_STRATEGY":             "static",
		"GAS_PRICE_CACHE_TTL":            "60",
		"MAX_QUEUE_DEPTH":                "3",
		"FEE_SAFETY_MULTIPLIER":          "2",
		"FEE_TOLERANCE":                  "0.05",
		"MIN_GAS_LIMIT":                  "200000",
		"PREVALIDATION_TIMEOUT":          "3s",
		"LOG_LEVEL":                      "debug",
	}))
	require.NoError(t, err)

	assert.Equal(t, 4021, cfg.Port)
	assert.Len(t, cfg.PrivateKeys, 2)
	assert.True(t, cfg.HookWhitelistEnabled)
	assert.Equal(t, "static", cfg.GasPrice.Strategy)
	assert.Equal(t, time.Minute, cfg.GasPrice.CacheTTL.Duration)
	assert.Equal(t, 3, cfg.Queue.MaxDepth)
	assert.Equal(t, 2.0, cfg.Fee.SafetyMultiplier)
	assert.Equal(t, uint64(200000), cfg.GasLimit.Min)
	assert.Equal(t, 3*time.Second, cfg.PreValidationTimeout.Duration)
	assert.Equal(t, "debug", cfg.Log.Level)

	require.Contains(t, cfg.Networks, "base-sepolia")
	assert.NotContains(t, cfg.Networks, "base")
	assert.Equal(t, "https://sepolia.base.org", cfg.Networks["base-sepolia"].RPCURL)
	assert.Equal(t, []string{testRouter}, cfg.Networks["base-sepolia"].Routers)
	require.NoError(t, cfg.Validate())
}

func TestApplyEnvSingleKeyAndBadValue(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(envMap(map[string]string{"EVM_PRIVATE_KEY": " " + testKey + " "})))
	assert.Equal(t, []string{testKey}, cfg.PrivateKeys)

	err := cfg.ApplyEnv(envMap(map[string]string{"MAX_QUEUE_DEPTH": "ten"}))
	assert.ErrorContains(t, err, "MAX_QUEUE_DEPTH")
}

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	path := writeFile(t, "facilitator.yaml", `
port: 8080
hook_whitelist_enabled: true
networks:
  base-sepolia:
    rpc_url: https://sepolia.example
    routers: ["`+testRouter+`"]
    hooks: ["`+testHook+`"]
    transfer_hook: "0x3333333333333333333333333333333333333333"
    static_gas_price_wei: "50000000"
    native_price_usd: "2500.5"
  devnet:
    chain_id: 31337
    rpc_url: http://127.0.0.1:8545
    routers: ["`+testRouter+`"]
    asset:
      address: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
      name: Mock USD
      version: "1"
gas_price:
  strategy: hybrid
  update_interval: 10s
settlement:
  receipt_attempts: 10
`)
	envFile := writeFile(t, ".env", "EVM_PRIVATE_KEY="+testKey+"\nPORT=9090\n")
	t.Setenv("PORT", "")
	t.Setenv("EVM_PRIVATE_KEY", "")
	t.Setenv("EVM_PRIVATE_KEYS", "")
	os.Unsetenv("PORT")
	os.Unsetenv("EVM_PRIVATE_KEY")
	os.Unsetenv("EVM_PRIVATE_KEYS")

	cfg, err := Load(path, envFile)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port, ".env overrides the file")
	assert.Equal(t, []string{testKey}, cfg.PrivateKeys)
	assert.Equal(t, []string{"base-sepolia", "devnet"}, cfg.NetworkNames())
	assert.Equal(t, 10*time.Second, cfg.GasPrice.UpdateInterval.Duration)
	assert.Equal(t, 10, cfg.Settlement.ReceiptAttempts)

	networks, err := cfg.EVMNetworks()
	require.NoError(t, err)
	sepolia, ok := networks.Lookup("eip155:84532")
	require.True(t, ok)
	assert.Equal(t, x402x.Network("base-sepolia"), sepolia.Name)
	assert.Equal(t, common.HexToAddress("0x3333333333333333333333333333333333333333"), sepolia.TransferHook)
	devnet, ok := networks.Lookup("eip155:31337")
	require.True(t, ok)
	assert.Equal(t, "Mock USD", devnet.DefaultAsset.Name)
	assert.Equal(t, 6, devnet.DefaultAsset.Decimals)

	wl := cfg.Whitelist(networks)
	assert.NoError(t, wl.CheckRouter("eip155:84532", common.HexToAddress(testRouter)))
	assert.NoError(t, wl.CheckHook("base-sepolia", common.HexToAddress(testHook)))
	assert.NoError(t, wl.CheckHook("base-sepolia", common.HexToAddress("0x3333333333333333333333333333333333333333")))
	assert.Error(t, wl.CheckHook("base-sepolia", common.HexToAddress("0x4444444444444444444444444444444444444444")))

	gas, err := cfg.GasPriceConfig()
	require.NoError(t, err)
	assert.Equal(t, gasprice.StrategyHybrid, gas.Strategy)
	assert.Equal(t, "50000000", gas.Networks["base-sepolia"].StaticPriceWei.String())
	assert.Equal(t, "100000000", gas.Networks["devnet"].StaticPriceWei.String())

	feed := cfg.StaticPriceFeed()
	assert.Zero(t, feed["base-sepolia"].Cmp(big.NewRat(5001, 2)))
	assert.Zero(t, feed["devnet"].Cmp(big.NewRat(3000, 1)))
	assert.Equal(t, "ethereum", cfg.PriceFeedConfig().TokenIDs["devnet"])

	assert.Equal(t, map[string]string{
		"base-sepolia": "https://sepolia.example",
		"devnet":       "http://127.0.0.1:8545",
	}, cfg.RPCURLs())
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeFile(t, "bad.yaml", "prot: 1\n")
	_, err := Load(path, "")
	assert.ErrorContains(t, err, "decode config")
}

func TestDerivedConfigs(t *testing.T) {
	cfg := Default()

	fees := cfg.FeeConfig()
	assert.Equal(t, uint64(15000), fees.SafetyMultiplierBps)
	assert.Equal(t, uint64(1000), fees.ToleranceBps)
	require.NoError(t, fees.Validate())

	limits := cfg.GasLimitConfig()
	assert.Equal(t, uint64(2000), limits.ProfitMarginBps)
	assert.Equal(t, uint64(12000), limits.EstimationSafetyBps)
	require.NoError(t, limits.Validate())

	pool, err := cfg.PoolConfig()
	require.NoError(t, err)
	assert.Equal(t, accountpool.SelectRoundRobin, pool.Selection)
	assert.Equal(t, 10, pool.MaxQueueDepth)

	exec, err := cfg.SettlementConfig()
	require.NoError(t, err)
	assert.Equal(t, 5, exec.Retry.MaxAttempts)
	assert.Equal(t, 60, exec.ReceiptAttempts)
	assert.Equal(t, 2*time.Minute, exec.ConfirmTimeout)

	logCfg := cfg.LoggingConfig()
	assert.Equal(t, "terminal", logCfg.Format)
	assert.Equal(t, "info", logCfg.Level)

	cfg.Queue.Selection = "fastest"
	_, err = cfg.PoolConfig()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := Default()
		cfg.PrivateKeys = []string{testKey}
		cfg.Networks["base-sepolia"] = NetworkConfig{Routers: []string{testRouter}}
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no keys", func(c *Config) { c.PrivateKeys = nil }, "EVM_PRIVATE_KEYS"},
		{"no networks", func(c *Config) { c.Networks = map[string]NetworkConfig{} }, "no networks"},
		{"no router", func(c *Config) { c.Networks["base-sepolia"] = NetworkConfig{} }, "settlement router"},
		{"bad router", func(c *Config) {
			c.Networks["base-sepolia"] = NetworkConfig{Routers: []string{"0x12"}}
		}, "invalid address"},
		{"bad gas price", func(c *Config) {
			c.Networks["base-sepolia"] = NetworkConfig{Routers: []string{testRouter}, StaticGasPrice: "-1"}
		}, "invalid gas price"},
		{"min above max", func(c *Config) { c.GasLimit.Min = c.GasLimit.Max + 1 }, "gas limit bounds"},
		{"safety below one", func(c *Config) { c.Fee.SafetyMultiplier = 0.9 }, "safety multiplier"},
		{"tolerance too high", func(c *Config) { c.Fee.Tolerance = 1 }, "tolerance"},
		{"zero depth", func(c *Config) { c.Queue.MaxDepth = 0 }, "queue max depth"},
		{"bad port", func(c *Config) { c.Port = 70000 }, "port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			cfg.Networks = map[string]NetworkConfig{"base-sepolia": cfg.Networks["base-sepolia"]}
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}
