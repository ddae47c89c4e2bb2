package config

import (
	"fmt"
	"strconv"
	"strings"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// EnvName turns a network name into its environment suffix, base-sepolia
// becoming BASE_SEPOLIA.
func EnvName(network string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ":", "_").Replace(network))
}

// ApplyEnv overrides fields from the environment. RPC_URL_<NETWORK> and
// SETTLEMENT_ROUTER_<NETWORK> add a network when it is not in the file.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	e := envReader{lookup: lookup}

	e.int("PORT", &c.Port)
	if keys, ok := lookup("EVM_PRIVATE_KEYS"); ok && strings.TrimSpace(keys) != "" {
		c.PrivateKeys = splitList(keys)
	} else if key, ok := lookup("EVM_PRIVATE_KEY"); ok && strings.TrimSpace(key) != "" {
		c.PrivateKeys = []string{strings.TrimSpace(key)}
	}
	e.bool("HOOK_WHITELIST_ENABLED", &c.HookWhitelistEnabled)

	e.string("GAS_PRICE_STRATEGY", &c.GasPrice.Strategy)
	e.duration("GAS_PRICE_CACHE_TTL", &c.GasPrice.CacheTTL)
	e.duration("GAS_PRICE_UPDATE_INTERVAL", &c.GasPrice.UpdateInterval)

	e.int("MAX_QUEUE_DEPTH", &c.Queue.MaxDepth)
	e.string("ACCOUNT_SELECTION_STRATEGY", &c.Queue.Selection)
	e.duration("QUEUE_RETRY_AFTER", &c.Queue.RetryAfter)

	e.float("FEE_SAFETY_MULTIPLIER", &c.Fee.SafetyMultiplier)
	e.float("FEE_TOLERANCE", &c.Fee.Tolerance)

	e.uint("MIN_GAS_LIMIT", &c.GasLimit.Min)
	e.uint("MAX_GAS_LIMIT", &c.GasLimit.Max)
	e.float("GAS_LIMIT_PROFIT_MARGIN", &c.GasLimit.ProfitMargin)
	e.float("GAS_ESTIMATION_SAFETY_MULTIPLIER", &c.GasLimit.EstimationSafetyMultiplier)

	e.duration("PREVALIDATION_TIMEOUT", &c.PreValidationTimeout)

	e.string("TOKEN_PRICE_API_URL", &c.TokenPrice.APIURL)
	e.string("TOKEN_PRICE_API_KEY", &c.TokenPrice.APIKey)
	e.duration("TOKEN_PRICE_CACHE_TTL", &c.TokenPrice.CacheTTL)

	e.string("DATABASE_URL", &c.DatabaseURL)
	e.string("LOG_LEVEL", &c.Log.Level)
	e.string("LOG_FORMAT", &c.Log.Format)
	e.string("LOG_FILE", &c.Log.File)
	e.int("LOG_MAX_SIZE_MB", &c.Log.MaxSizeMB)
	e.duration("SHUTDOWN_TIMEOUT", &c.ShutdownTimeout)

	if c.Networks == nil {
		c.Networks = map[string]NetworkConfig{}
	}
	for _, name := range knownNetworks(c) {
		n := c.Networks[name]
		suffix := EnvName(name)
		e.string("RPC_URL_"+suffix, &n.RPCURL)
		if routers, ok := lookup("SETTLEMENT_ROUTER_" + suffix); ok && strings.TrimSpace(routers) != "" {
			n.Routers = splitList(routers)
		}
		e.string("TRANSFER_HOOK_"+suffix, &n.TransferHook)
		e.string("STATIC_GAS_PRICE_"+suffix, &n.StaticGasPrice)
		if _, inFile := c.Networks[name]; inFile || n.RPCURL != "" || len(n.Routers) > 0 {
			c.Networks[name] = n
		}
	}
	return e.err
}

// knownNetworks lists configured networks plus the built-in ones that the
// environment may enable.
func knownNetworks(c *Config) []string {
	seen := map[string]bool{}
	var names []string
	for name := range c.Networks {
		seen[name] = true
		names = append(names, name)
	}
	for _, name := range builtinNetworkNames() {
		if !seen[name] {
			names = append(names, name)
		}
	}
	return names
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == '\n' }) {
		out = append(out, strings.TrimSpace(f))
	}
	return out
}

type envReader struct {
	lookup LookupFunc
	err    error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *envReader) fail(key, value string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid %s=%q: %w", key, value, err)
	}
}

func (e *envReader) string(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	if v, ok := e.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) uint(key string, dst *uint64) {
	if v, ok := e.get(key); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) float(key string, dst *float64) {
	if v, ok := e.get(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) bool(key string, dst *bool) {
	if v, ok := e.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) duration(key string, dst *Duration) {
	if v, ok := e.get(key); ok {
		d, err := parseDuration(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = Duration{d}
	}
}

