package evm

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"

	x402x "github.com/x402x/facilitator"
)

// CommitmentParams are the settlement parameters bound into the payer's
// authorization nonce.
type CommitmentParams struct {
	ChainID          *big.Int
	SettlementRouter common.Address
	Token            common.Address
	From             common.Address
	Value            *big.Int
	ValidAfter       *big.Int
	ValidBefore      *big.Int
	Salt             common.Hash
	PayTo            common.Address
	FacilitatorFee   *big.Int
	Hook             common.Address
	HookData         []byte
}

// CalculateCommitment hashes the parameters in the order the router uses:
//
//	keccak256(abi.encodePacked(
//	    "X402/settle/v1", chainId, router, token, from, value,
//	    validAfter, validBefore, salt, payTo, facilitatorFee,
//	    hook, keccak256(hookData)))
//
// The result is the nonce the payer signs.
func CalculateCommitment(p CommitmentParams) (common.Hash, error) {
	words := []struct {
		name  string
		value *big.Int
	}{
		{"chainId", p.ChainID},
		{"value", p.Value},
		{"validAfter", p.ValidAfter},
		{"validBefore", p.ValidBefore},
		{"facilitatorFee", p.FacilitatorFee},
	}
	for _, w := range words {
		if w.value == nil || w.value.Sign() < 0 || w.value.BitLen() > 256 {
			return common.Hash{}, fmt.Errorf("commitment field %s is not a uint256", w.name)
		}
	}

	packed := make([]byte, 0, len(CommitmentTag)+32*7+20*5)
	packed = append(packed, CommitmentTag...)
	packed = append(packed, math.PaddedBigBytes(p.ChainID, 32)...)
	packed = append(packed, p.SettlementRouter.Bytes()...)
	packed = append(packed, p.Token.Bytes()...)
	packed = append(packed, p.From.Bytes()...)
	packed = append(packed, math.PaddedBigBytes(p.Value, 32)...)
	packed = append(packed, math.PaddedBigBytes(p.ValidAfter, 32)...)
	packed = append(packed, math.PaddedBigBytes(p.ValidBefore, 32)...)
	packed = append(packed, p.Salt.Bytes()...)
	packed = append(packed, p.PayTo.Bytes()...)
	packed = append(packed, math.PaddedBigBytes(p.FacilitatorFee, 32)...)
	packed = append(packed, p.Hook.Bytes()...)
	packed = append(packed, crypto.Keccak256(p.HookData)...)

	return crypto.Keccak256Hash(packed), nil
}

// ValidateCommitment recomputes the commitment and compares it with the nonce
// found in the signed authorization.
func ValidateCommitment(p CommitmentParams, claimedNonce common.Hash) error {
	expected, err := CalculateCommitment(p)
	if err != nil {
		return x402x.WrapSettlementError(x402x.KindValidation, x402x.ReasonInvalidPayload, err)
	}
	if expected != claimedNonce {
		return x402x.NewSettlementError(x402x.KindValidation, x402x.ReasonCommitmentMismatch,
			fmt.Sprintf("nonce %s does not commit to the settlement parameters", claimedNonce.Hex()))
	}
	return nil
}

// CalculateContextKey mirrors the router's calculateContextKey, the key its
// isSettled mapping is indexed by.
func CalculateContextKey(from, token common.Address, nonce common.Hash) common.Hash {
	packed := make([]byte, 0, 20+20+32)
	packed = append(packed, from.Bytes()...)
	packed = append(packed, token.Bytes()...)
	packed = append(packed, nonce.Bytes()...)
	return crypto.Keccak256Hash(packed)
}
