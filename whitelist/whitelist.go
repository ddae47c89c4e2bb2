// Package whitelist holds the settlement routers and hooks the facilitator
// is willing to call on each network.
package whitelist

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	x402x "github.com/x402x/facilitator"
)

// NetworkEntries lists the allowed contracts of one network.
type NetworkEntries struct {
	Routers []common.Address
	Hooks   []common.Address
	// BuiltinHook is allowed without being listed in Hooks.
	BuiltinHook common.Address
}

type networkSet struct {
	routers map[common.Address]struct{}
	hooks   map[common.Address]struct{}
}

// Validator answers router and hook membership questions. It is built once
// and never mutated, so it is safe for concurrent use.
type Validator struct {
	networks     map[string]networkSet
	hooksEnabled bool
}

// New builds a validator. Network names are matched case-insensitively;
// register every alias (short name and CAIP-2) a caller may use.
func New(entries map[x402x.Network]NetworkEntries, hookWhitelistEnabled bool) *Validator {
	v := &Validator{
		networks:     make(map[string]networkSet, len(entries)),
		hooksEnabled: hookWhitelistEnabled,
	}
	for network, e := range entries {
		set := networkSet{
			routers: make(map[common.Address]struct{}, len(e.Routers)),
			hooks:   make(map[common.Address]struct{}, len(e.Hooks)+1),
		}
		for _, r := range e.Routers {
			set.routers[r] = struct{}{}
		}
		for _, h := range e.Hooks {
			set.hooks[h] = struct{}{}
		}
		if e.BuiltinHook != (common.Address{}) {
			set.hooks[e.BuiltinHook] = struct{}{}
		}
		v.networks[strings.ToLower(string(network))] = set
	}
	return v
}

// HookWhitelistEnabled reports whether CheckHook enforces membership.
func (v *Validator) HookWhitelistEnabled() bool {
	return v.hooksEnabled
}

// lookup treats a network without routers as not configured.
func (v *Validator) lookup(network x402x.Network) (networkSet, error) {
	set, ok := v.networks[strings.ToLower(string(network))]
	if !ok || len(set.routers) == 0 {
		return networkSet{}, x402x.NewSettlementError(x402x.KindWhitelist, x402x.ReasonNetworkNotConfigured,
			fmt.Sprintf("network %s has no whitelist", network))
	}
	return set, nil
}

// CheckRouter rejects routers not listed for the network.
func (v *Validator) CheckRouter(network x402x.Network, router common.Address) error {
	set, err := v.lookup(network)
	if err != nil {
		return err
	}
	if _, ok := set.routers[router]; !ok {
		return x402x.NewSettlementError(x402x.KindWhitelist, x402x.ReasonRouterNotWhitelisted,
			fmt.Sprintf("router %s is not whitelisted on %s", router.Hex(), network))
	}
	return nil
}

// CheckHook rejects hooks not listed for the network. The zero address
// means no hook and is always allowed.
func (v *Validator) CheckHook(network x402x.Network, hook common.Address) error {
	if hook == (common.Address{}) {
		return nil
	}
	set, err := v.lookup(network)
	if err != nil {
		return err
	}
	if !v.hooksEnabled {
		return nil
	}
	if _, ok := set.hooks[hook]; !ok {
		return x402x.NewSettlementError(x402x.KindWhitelist, x402x.ReasonHookNotWhitelisted,
			fmt.Sprintf("hook %s is not whitelisted on %s", hook.Hex(), network))
	}
	return nil
}

// Routers returns the allowed routers for the network in no particular
// order.
func (v *Validator) Routers(network x402x.Network) []common.Address {
	set, err := v.lookup(network)
	if err != nil {
		return nil
	}
	out := make([]common.Address, 0, len(set.routers))
	for r := range set.routers {
		out = append(out, r)
	}
	return out
}
