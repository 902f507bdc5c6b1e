package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"proofpay/services/escrowd/identity"
)

// ErrNoSigner is returned when no signing capability exists for an identity.
var ErrNoSigner = errors.New("chain: no signer for identity")

// Signer signs transactions for one address. Implementations may hold a key
// in process or delegate to a custody service; the credential never leaves
// the implementation.
type Signer interface {
	Address() common.Address
	SignTx(ctx context.Context, tx *gethtypes.Transaction, chainID *big.Int) (*gethtypes.Transaction, error)
}

// SignerProvider resolves the signing capability of a party.
type SignerProvider interface {
	SignerFor(ctx context.Context, identity string) (Signer, error)
}

// KeySigner signs with an in-process secp256k1 key.
type KeySigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// NewKeySigner parses a hex encoded private key.
func NewKeySigner(hexKey string) (*KeySigner, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if trimmed == "" {
		return nil, fmt.Errorf("chain: signing key is empty")
	}
	key, err := gethcrypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("chain: parse signing key: invalid encoding")
	}
	return NewKeySignerFromECDSA(key), nil
}

func NewKeySignerFromECDSA(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{key: key, addr: gethcrypto.PubkeyToAddress(key.PublicKey)}
}

func (s *KeySigner) Address() common.Address { return s.addr }

func (s *KeySigner) SignTx(_ context.Context, tx *gethtypes.Transaction, chainID *big.Int) (*gethtypes.Transaction, error) {
	if chainID == nil {
		return nil, fmt.Errorf("chain: chain id required to sign")
	}
	return gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(chainID), s.key)
}

// String never includes key material.
func (s *KeySigner) String() string { return "KeySigner(" + s.addr.Hex() + ")" }

// StaticSigners maps identities to signers configured at startup. Keys are
// normalized the same way escrow parties are.
type StaticSigners struct {
	mu      sync.RWMutex
	signers map[string]Signer
}

func NewStaticSigners() *StaticSigners {
	return &StaticSigners{signers: make(map[string]Signer)}
}

// Add registers signer for identity, replacing any previous entry.
func (s *StaticSigners) Add(id string, signer Signer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signers[identity.Normalize(id)] = signer
}

func (s *StaticSigners) SignerFor(_ context.Context, id string) (Signer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	signer, ok := s.signers[identity.Normalize(id)]
	if !ok {
		return nil, ErrNoSigner
	}
	return signer, nil
}
