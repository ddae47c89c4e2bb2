// Package evm holds the facilitator's key handles and RPC connections.
package evm

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// PrivateKeySigner signs settlement transactions with an in-memory ECDSA
// key.
type PrivateKeySigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewPrivateKeySigner creates a signer from a hex-encoded private key, with
// or without "0x" prefix.
func NewPrivateKeySigner(privateKeyHex string) (*PrivateKeySigner, error) {
	privateKeyHex = strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewSignerFromKey(privateKey), nil
}

// NewSignerFromKey wraps an existing key.
func NewSignerFromKey(privateKey *ecdsa.PrivateKey) *PrivateKeySigner {
	return &PrivateKeySigner{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}
}

// Address returns the Ethereum address of the signer.
func (s *PrivateKeySigner) Address() common.Address {
	return s.address
}

// SignTx signs tx for chainID with the latest signer the chain supports.
func (s *PrivateKeySigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return signed, nil
}

// ParsePrivateKeys splits a comma or whitespace separated key list. Each
// distinct key yields one signer; duplicates are rejected.
func ParsePrivateKeys(list string) ([]*PrivateKeySigner, error) {
	fields := strings.FieldsFunc(list, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t'
	})
	seen := make(map[common.Address]bool, len(fields))
	signers := make([]*PrivateKeySigner, 0, len(fields))
	for i, field := range fields {
		signer, err := NewPrivateKeySigner(field)
		if err != nil {
			return nil, fmt.Errorf("key %d: %w", i, err)
		}
		if seen[signer.address] {
			return nil, fmt.Errorf("key %d: duplicate account %s", i, signer.address.Hex())
		}
		seen[signer.address] = true
		signers = append(signers, signer)
	}
	return signers, nil
}
