package escrow

import (
	"fmt"
	"math/big"
	"sync"
)

// State is the storage backend the engine settles against: escrow records
// plus the balances and allowances of the settlement token.
type State interface {
	EscrowPut(*Escrow) error
	EscrowGet(id [32]byte) (*Escrow, bool)
	NextNonce() (uint64, error)
	Balance(addr [20]byte) (*big.Int, error)
	SetBalance(addr [20]byte, amount *big.Int) error
	Allowance(owner, spender [20]byte) (*big.Int, error)
	SetAllowance(owner, spender [20]byte, amount *big.Int) error
}

type allowanceKey struct {
	owner   [20]byte
	spender [20]byte
}

// MemState is an in-memory State. It is safe for concurrent use.
type MemState struct {
	mu         sync.RWMutex
	escrows    map[[32]byte]*Escrow
	balances   map[[20]byte]*big.Int
	allowances map[allowanceKey]*big.Int
	nonce      uint64
}

func NewMemState() *MemState {
	return &MemState{
		escrows:    make(map[[32]byte]*Escrow),
		balances:   make(map[[20]byte]*big.Int),
		allowances: make(map[allowanceKey]*big.Int),
	}
}

func (m *MemState) EscrowPut(e *Escrow) error {
	sanitized, err := sanitizeEscrow(e)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.escrows[sanitized.ID] = sanitized
	return nil
}

func (m *MemState) EscrowGet(id [32]byte) (*Escrow, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	esc, ok := m.escrows[id]
	if !ok {
		return nil, false
	}
	return esc.Clone(), true
}

func (m *MemState) NextNonce() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nonce++
	return m.nonce, nil
}

func (m *MemState) Balance(addr [20]byte) (*big.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneBigInt(m.balances[addr]), nil
}

func (m *MemState) SetBalance(addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("escrow: invalid balance")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[addr] = new(big.Int).Set(amount)
	return nil
}

func (m *MemState) Allowance(owner, spender [20]byte) (*big.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneBigInt(m.allowances[allowanceKey{owner, spender}]), nil
}

func (m *MemState) SetAllowance(owner, spender [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("escrow: invalid allowance")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allowances[allowanceKey{owner, spender}] = new(big.Int).Set(amount)
	return nil
}

// Mint credits amount to addr. Intended for development networks and tests.
func (m *MemState) Mint(addr [20]byte, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[addr] = new(big.Int).Add(cloneBigInt(m.balances[addr]), cloneBigInt(amount))
}
