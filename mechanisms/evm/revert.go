package evm

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// RevertError is a contract revert seen during simulation or replay.
type RevertError struct {
	Reason string
	Data   []byte
}

func (e *RevertError) Error() string {
	if e.Reason != "" {
		return "execution reverted: " + e.Reason
	}
	return "execution reverted"
}

// AsRevert recognises revert errors returned by eth_call and
// eth_estimateGas. Other errors, including transport failures, return
// false.
func AsRevert(err error) (*RevertError, bool) {
	if err == nil {
		return nil, false
	}
	var revert *RevertError
	if errors.As(err, &revert) {
		return revert, true
	}

	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if s, ok := dataErr.ErrorData().(string); ok {
			if data, decodeErr := hexutil.Decode(s); decodeErr == nil {
				return &RevertError{Reason: decodeReason(data, err.Error()), Data: data}, true
			}
		}
	}

	msg := err.Error()
	if idx := strings.Index(msg, "execution reverted"); idx >= 0 {
		reason := strings.TrimPrefix(msg[idx+len("execution reverted"):], ":")
		return &RevertError{Reason: strings.TrimSpace(reason)}, true
	}
	return nil, false
}

func decodeReason(data []byte, fallback string) string {
	if reason, err := abi.UnpackRevert(data); err == nil {
		return reason
	}
	if len(data) >= 4 {
		// custom error selector
		return hexutil.Encode(data[:4])
	}
	return strings.TrimSpace(strings.TrimPrefix(fallback, "execution reverted:"))
}
