package escrow

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/syndtr/goleveldb/leveldb"
)

var (
	prefixEscrow    = []byte("esc/")
	prefixBalance   = []byte("bal/")
	prefixAllowance = []byte("alw/")
	keyNonce        = []byte("nonce")
)

// storedEscrow is the RLP layout of an escrow record. RLP has no signed
// integers so timestamps are stored as uint64.
type storedEscrow struct {
	ID            [32]byte
	Buyer         [20]byte
	Seller        [20]byte
	Amount        *big.Int
	Status        uint8
	CreatedAt     uint64
	FundedAt      uint64
	AutoReleaseAt uint64
	Disputed      bool
}

// LevelState persists engine state in LevelDB so a development chain
// survives restarts.
type LevelState struct {
	db *leveldb.DB
	mu sync.Mutex
}

// OpenLevelState opens or creates the database at path.
func OpenLevelState(path string) (*LevelState, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("escrow: open state: %w", err)
	}
	return &LevelState{db: db}, nil
}

func (s *LevelState) Close() error { return s.db.Close() }

func (s *LevelState) EscrowPut(e *Escrow) error {
	sanitized, err := sanitizeEscrow(e)
	if err != nil {
		return err
	}
	rec := storedEscrow{
		ID:            sanitized.ID,
		Buyer:         sanitized.Buyer,
		Seller:        sanitized.Seller,
		Amount:        sanitized.Amount,
		Status:        uint8(sanitized.Status),
		CreatedAt:     uint64(sanitized.CreatedAt),
		FundedAt:      uint64(sanitized.FundedAt),
		AutoReleaseAt: uint64(sanitized.AutoReleaseAt),
		Disputed:      sanitized.Disputed,
	}
	enc, err := rlp.EncodeToBytes(&rec)
	if err != nil {
		return fmt.Errorf("escrow: encode: %w", err)
	}
	return s.db.Put(key(prefixEscrow, sanitized.ID[:]), enc, nil)
}

func (s *LevelState) EscrowGet(id [32]byte) (*Escrow, bool) {
	raw, err := s.db.Get(key(prefixEscrow, id[:]), nil)
	if err != nil {
		return nil, false
	}
	var rec storedEscrow
	if err := rlp.DecodeBytes(raw, &rec); err != nil {
		return nil, false
	}
	return &Escrow{
		ID:            rec.ID,
		Buyer:         rec.Buyer,
		Seller:        rec.Seller,
		Amount:        rec.Amount,
		Status:        Status(rec.Status),
		CreatedAt:     int64(rec.CreatedAt),
		FundedAt:      int64(rec.FundedAt),
		AutoReleaseAt: int64(rec.AutoReleaseAt),
		Disputed:      rec.Disputed,
	}, true
}

func (s *LevelState) NextNonce() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next uint64 = 1
	raw, err := s.db.Get(keyNonce, nil)
	switch {
	case err == nil && len(raw) == 8:
		next = binary.BigEndian.Uint64(raw) + 1
	case err != nil && !errors.Is(err, leveldb.ErrNotFound):
		return 0, fmt.Errorf("escrow: read nonce: %w", err)
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], next)
	if err := s.db.Put(keyNonce, buf[:], nil); err != nil {
		return 0, fmt.Errorf("escrow: write nonce: %w", err)
	}
	return next, nil
}

func (s *LevelState) Balance(addr [20]byte) (*big.Int, error) {
	return s.getBig(key(prefixBalance, addr[:]))
}

func (s *LevelState) SetBalance(addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("escrow: invalid balance")
	}
	return s.db.Put(key(prefixBalance, addr[:]), amount.Bytes(), nil)
}

func (s *LevelState) Allowance(owner, spender [20]byte) (*big.Int, error) {
	return s.getBig(key(prefixAllowance, owner[:], spender[:]))
}

func (s *LevelState) SetAllowance(owner, spender [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("escrow: invalid allowance")
	}
	return s.db.Put(key(prefixAllowance, owner[:], spender[:]), amount.Bytes(), nil)
}

// Mint credits amount to addr. Intended for development networks.
func (s *LevelState) Mint(addr [20]byte, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bal, err := s.Balance(addr)
	if err != nil {
		return err
	}
	return s.SetBalance(addr, bal.Add(bal, cloneBigInt(amount)))
}

func (s *LevelState) getBig(k []byte) (*big.Int, error) {
	raw, err := s.db.Get(k, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, fmt.Errorf("escrow: read state: %w", err)
	}
	return new(big.Int).SetBytes(raw), nil
}

func key(prefix []byte, parts ...[]byte) []byte {
	out := append([]byte{}, prefix...)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
