package whitelist

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402x "github.com/x402x/facilitator"
)

var (
	router  = common.HexToAddress("0x817e4f0ee2fbdaac426f1178e149f7dc98873ecb")
	builtin = common.HexToAddress("0x6b486aF5A08D27153d0374BE56A1cB1676c460a8")
	listed  = common.HexToAddress("0x1000000000000000000000000000000000000001")
	other   = common.HexToAddress("0x2000000000000000000000000000000000000002")
)

func newValidator(enabled bool) *Validator {
	return New(map[x402x.Network]NetworkEntries{
		"base-sepolia": {Routers: []common.Address{router}, Hooks: []common.Address{listed}, BuiltinHook: builtin},
		"eip155:84532": {Routers: []common.Address{router}, Hooks: []common.Address{listed}, BuiltinHook: builtin},
	}, enabled)
}

func reasonOf(t *testing.T, err error) string {
	t.Helper()
	se, ok := x402x.AsSettlementError(err)
	require.True(t, ok, "expected settlement error, got %v", err)
	assert.Equal(t, x402x.KindWhitelist, se.Kind)
	return se.Reason
}

func TestCheckRouter(t *testing.T) {
	v := newValidator(true)

	assert.NoError(t, v.CheckRouter("base-sepolia", router))
	assert.NoError(t, v.CheckRouter("Base-Sepolia", router))
	assert.NoError(t, v.CheckRouter("eip155:84532", common.HexToAddress("0x817E4F0EE2FBDAAC426F1178E149F7DC98873ECB")))

	assert.Equal(t, x402x.ReasonRouterNotWhitelisted, reasonOf(t, v.CheckRouter("base-sepolia", other)))
	assert.Equal(t, x402x.ReasonNetworkNotConfigured, reasonOf(t, v.CheckRouter("base", router)))
}

func TestNetworkWithoutRoutersIsNotConfigured(t *testing.T) {
	v := New(map[x402x.Network]NetworkEntries{
		"base-sepolia": {Hooks: []common.Address{listed}, BuiltinHook: builtin},
	}, true)

	assert.Equal(t, x402x.ReasonNetworkNotConfigured, reasonOf(t, v.CheckRouter("base-sepolia", router)))
	assert.Equal(t, x402x.ReasonNetworkNotConfigured, reasonOf(t, v.CheckHook("base-sepolia", listed)))
	assert.Empty(t, v.Routers("base-sepolia"))
}

func TestCheckHook(t *testing.T) {
	v := newValidator(true)

	assert.NoError(t, v.CheckHook("base-sepolia", common.Address{}))
	assert.NoError(t, v.CheckHook("base", common.Address{}), "no hook needs no network entry")
	assert.NoError(t, v.CheckHook("base-sepolia", builtin))
	assert.NoError(t, v.CheckHook("base-sepolia", listed))
	assert.Equal(t, x402x.ReasonHookNotWhitelisted, reasonOf(t, v.CheckHook("base-sepolia", other)))
}

func TestCheckHookDisabled(t *testing.T) {
	v := newValidator(false)

	assert.False(t, v.HookWhitelistEnabled())
	assert.NoError(t, v.CheckHook("base-sepolia", other))
	assert.Equal(t, x402x.ReasonNetworkNotConfigured, reasonOf(t, v.CheckHook("base", other)))
	assert.Equal(t, x402x.ReasonRouterNotWhitelisted, reasonOf(t, v.CheckRouter("base-sepolia", other)),
		"routers are always enforced")
}

func TestRouters(t *testing.T) {
	v := newValidator(true)
	assert.Equal(t, []common.Address{router}, v.Routers("base-sepolia"))
	assert.Nil(t, v.Routers("base"))
}
