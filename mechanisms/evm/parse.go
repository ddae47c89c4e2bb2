package evm

import (
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/xeipuuv/gojsonschema"

	x402x "github.com/x402x/facilitator"
)

// settlementExtraSchema describes the requirements' extra object. Amounts
// are decimal strings; addresses and hashes are 0x-prefixed hex.
const settlementExtraSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"properties": {
		"name": {"type": "string"},
		"version": {"type": "string"},
		"settlementRouter": {"type": "string", "pattern": "^0[xX][0-9a-fA-F]{40}$"},
		"salt": {"type": "string", "pattern": "^0[xX][0-9a-fA-F]{64}$"},
		"payTo": {"type": "string", "pattern": "^0[xX][0-9a-fA-F]{40}$"},
		"facilitatorFee": {"type": "string", "pattern": "^[0-9]+$"},
		"hook": {"type": "string", "pattern": "^0[xX][0-9a-fA-F]{40}$"},
		"hookData": {"type": "string", "pattern": "^0[xX]([0-9a-fA-F]{2})*$"}
	},
	"required": ["settlementRouter", "salt", "payTo", "facilitatorFee", "hook", "hookData"]
}`

var extraSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewStringLoader(settlementExtraSchema))
})

// ValidateSettlementExtra checks the extra object against its schema and
// returns every violation.
func ValidateSettlementExtra(extra map[string]interface{}) error {
	if extra == nil {
		return fmt.Errorf("extra is required")
	}
	schema, err := extraSchema()
	if err != nil {
		return fmt.Errorf("failed to compile extra schema: %w", err)
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(extra))
	if err != nil {
		return fmt.Errorf("failed to validate extra: %w", err)
	}
	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return fmt.Errorf("invalid extra: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ParseSettlementExtra decodes the settlement parameters from extra.
func ParseSettlementExtra(extra map[string]interface{}) (SettlementExtra, error) {
	if err := ValidateSettlementExtra(extra); err != nil {
		return SettlementExtra{}, err
	}
	str := func(key string) string {
		s, _ := extra[key].(string)
		return s
	}

	fee, ok := new(big.Int).SetString(str("facilitatorFee"), 10)
	if !ok {
		return SettlementExtra{}, fmt.Errorf("invalid facilitatorFee: %s", str("facilitatorFee"))
	}
	hookData, err := HexToBytes(str("hookData"))
	if err != nil {
		return SettlementExtra{}, fmt.Errorf("invalid hookData: %w", err)
	}

	return SettlementExtra{
		Name:             str("name"),
		Version:          str("version"),
		SettlementRouter: common.HexToAddress(str("settlementRouter")),
		Salt:             common.HexToHash(str("salt")),
		PayTo:            common.HexToAddress(str("payTo")),
		FacilitatorFee:   fee,
		Hook:             common.HexToAddress(str("hook")),
		HookData:         hookData,
	}, nil
}

// ParseAuthorization converts the wire authorization into typed values.
func ParseAuthorization(a ExactEIP3009Authorization) (Authorization, error) {
	for _, addr := range []struct{ name, value string }{{"from", a.From}, {"to", a.To}} {
		if !common.IsHexAddress(addr.value) {
			return Authorization{}, fmt.Errorf("invalid authorization.%s: %q", addr.name, addr.value)
		}
	}
	parse := func(name, value string) (*big.Int, error) {
		n, ok := new(big.Int).SetString(value, 10)
		if !ok || n.Sign() < 0 || n.BitLen() > 256 {
			return nil, fmt.Errorf("invalid authorization.%s: %q", name, value)
		}
		return n, nil
	}
	value, err := parse("value", a.Value)
	if err != nil {
		return Authorization{}, err
	}
	validAfter, err := parse("validAfter", a.ValidAfter)
	if err != nil {
		return Authorization{}, err
	}
	validBefore, err := parse("validBefore", a.ValidBefore)
	if err != nil {
		return Authorization{}, err
	}
	nonce, err := HexToBytes(a.Nonce)
	if err != nil || len(nonce) != common.HashLength {
		return Authorization{}, fmt.Errorf("invalid authorization.nonce: %q", a.Nonce)
	}

	return Authorization{
		From:        common.HexToAddress(a.From),
		To:          common.HexToAddress(a.To),
		Value:       value,
		ValidAfter:  validAfter,
		ValidBefore: validBefore,
		Nonce:       common.BytesToHash(nonce),
	}, nil
}

// ParseSettlementRequest turns a verify/settle call into a SettlementRequest.
// Every failure is a *x402x.SettlementError with a client-facing reason.
func ParseSettlementRequest(
	networks *Networks,
	payload x402x.PaymentPayload,
	requirements x402x.PaymentRequirements,
	now time.Time,
) (*SettlementRequest, error) {
	invalid := func(err error) error {
		return x402x.WrapSettlementError(x402x.KindValidation, x402x.ReasonInvalidPayload, err)
	}

	if requirements.Scheme != SchemeExact || payload.SchemeName() != SchemeExact {
		return nil, x402x.NewSettlementError(x402x.KindValidation, x402x.ReasonInvalidScheme,
			fmt.Sprintf("unsupported scheme %q", requirements.Scheme))
	}

	network, ok := networks.Lookup(requirements.Network)
	if !ok {
		return nil, x402x.NewSettlementError(x402x.KindWhitelist, x402x.ReasonNetworkNotConfigured,
			fmt.Sprintf("network %s is not configured", requirements.Network))
	}
	if payloadNetwork, ok := networks.Lookup(payload.NetworkName()); !ok || payloadNetwork != network {
		return nil, x402x.NewSettlementError(x402x.KindValidation, x402x.ReasonInvalidPayload,
			fmt.Sprintf("payload network %s does not match %s", payload.NetworkName(), requirements.Network))
	}

	if !common.IsHexAddress(requirements.Asset) {
		return nil, invalid(fmt.Errorf("invalid asset %q", requirements.Asset))
	}
	required, ok := new(big.Int).SetString(requirements.RequiredAmount(), 10)
	if !ok || required.Sign() < 0 {
		return nil, invalid(fmt.Errorf("invalid required amount %q", requirements.RequiredAmount()))
	}

	evmPayload, err := PayloadFromMap(payload.Payload)
	if err != nil {
		return nil, invalid(err)
	}
	auth, err := ParseAuthorization(evmPayload.Authorization)
	if err != nil {
		return nil, invalid(err)
	}
	signature, err := HexToBytes(evmPayload.Signature)
	if err != nil || len(signature) == 0 {
		return nil, x402x.NewSettlementError(x402x.KindValidation, x402x.ReasonInvalidSignature, "missing or malformed signature")
	}

	extra, err := ParseSettlementExtra(requirements.Extra)
	if err != nil {
		return nil, invalid(err)
	}
	hook, err := ClassifyHook(extra.Hook, extra.HookData, network.TransferHook)
	if err != nil {
		return nil, x402x.WrapSettlementError(x402x.KindValidation, x402x.ReasonInvalidHookData, err)
	}

	return &SettlementRequest{
		Network:        network,
		Token:          common.HexToAddress(requirements.Asset),
		Authorization:  auth,
		Signature:      signature,
		Extra:          extra,
		Hook:           hook,
		RequiredAmount: required,
		ReceivedAt:     now,
	}, nil
}
