package venue

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Signer wraps one ECDSA private key and produces EIP-712 signatures for
// whatever typed-data domain a venue adapter defines. Every adapter owns one
// Signer for its relayer key (and, for the smart-wallet+gas-payer custody
// model, a second Signer for the gas payer).
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner parses a hex-encoded private key (with or without "0x" prefix).
func NewSigner(hexKey string) (*Signer, error) {
	if len(hexKey) >= 2 && hexKey[:2] == "0x" {
		hexKey = hexKey[2:]
	}
	pk, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Signer{
		privateKey: pk,
		address:    crypto.PubkeyToAddress(pk.PublicKey),
	}, nil
}

// Address returns the signer's Ethereum address.
func (s *Signer) Address() common.Address {
	return s.address
}

// PrivateKey exposes the raw key for transaction signing via go-ethereum's
// types.SignTx, used by the relay package for on-chain writes.
func (s *Signer) PrivateKey() *ecdsa.PrivateKey {
	return s.privateKey
}

// SignTypedData signs EIP-712 typed data and normalizes V to 27/28, exactly
// as every CLOB-style venue expects it.
func (s *Signer) SignTypedData(
	domain apitypes.TypedDataDomain,
	typesDef apitypes.Types,
	message apitypes.TypedDataMessage,
	primaryType string,
) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       typesDef,
		PrimaryType: primaryType,
		Domain:      domain,
		Message:     message,
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, fmt.Errorf("typed data hash: %w", err)
	}

	sig, err := crypto.Sign(hash, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign typed data: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// ChainIDDomain builds the chainId field used in every venue's EIP-712
// domain from a plain int64.
func ChainIDDomain(chainID int64) *ethmath.HexOrDecimal256 {
	return (*ethmath.HexOrDecimal256)(big.NewInt(chainID))
}
