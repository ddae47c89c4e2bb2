package evm

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// HookCall is the closed set of hook invocations a settlement can carry.
// Pre-validation and fee estimation switch over the concrete types.
type HookCall interface {
	// Address returns the hook contract, the zero address for NoHook.
	Address() common.Address
	// Data returns the raw hook data passed to the router.
	Data() []byte

	hookCall()
}

// NoHook settles a plain transfer to payTo.
type NoHook struct{}

// BuiltinTransfer calls the transfer hook deployed by the facilitator
// operator. An empty Splits sends everything to payTo.
type BuiltinTransfer struct {
	Hook   common.Address
	Splits []Split
	Raw    []byte
}

// CustomHook is any other hook contract; its data is opaque.
type CustomHook struct {
	Hook common.Address
	Raw  []byte
}

func (NoHook) Address() common.Address { return common.Address{} }
func (NoHook) Data() []byte            { return nil }
func (NoHook) hookCall()               {}

func (h BuiltinTransfer) Address() common.Address { return h.Hook }
func (h BuiltinTransfer) Data() []byte            { return h.Raw }
func (BuiltinTransfer) hookCall()                 {}

func (h CustomHook) Address() common.Address { return h.Hook }
func (h CustomHook) Data() []byte            { return h.Raw }
func (CustomHook) hookCall()                 {}

// Split is one recipient share of a transfer hook payout.
type Split struct {
	Recipient common.Address
	Bips      uint16
}

var splitsArguments = func() abi.Arguments {
	splitsType, err := abi.NewType("tuple[]", "", []abi.ArgumentMarshaling{
		{Name: "recipient", Type: "address"},
		{Name: "bips", Type: "uint16"},
	})
	if err != nil {
		panic(err)
	}
	return abi.Arguments{{Name: "splits", Type: splitsType}}
}()

// EncodeTransferSplits produces transfer hook data for the given splits.
func EncodeTransferSplits(splits []Split) ([]byte, error) {
	if len(splits) == 0 {
		return []byte{}, nil
	}
	return splitsArguments.Pack(splits)
}

// DecodeTransferSplits parses transfer hook data.
func DecodeTransferSplits(data []byte) ([]Split, error) {
	if len(data) == 0 {
		return nil, nil
	}
	values, err := splitsArguments.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode transfer splits: %w", err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("unexpected transfer hook data shape")
	}
	splits := *abi.ConvertType(values[0], new([]Split)).(*[]Split)
	return splits, nil
}

// ClassifyHook maps a hook address and its data onto a HookCall. builtin is
// the network's transfer hook, or the zero address when none is deployed.
func ClassifyHook(hook common.Address, data []byte, builtin common.Address) (HookCall, error) {
	switch {
	case hook == (common.Address{}):
		if len(data) > 0 {
			return nil, fmt.Errorf("hook data supplied without a hook")
		}
		return NoHook{}, nil
	case builtin != (common.Address{}) && hook == builtin:
		splits, err := DecodeTransferSplits(data)
		if err != nil {
			return nil, err
		}
		return BuiltinTransfer{Hook: hook, Splits: splits, Raw: data}, nil
	default:
		return CustomHook{Hook: hook, Raw: data}, nil
	}
}
