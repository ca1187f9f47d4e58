package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"marketrails/internal/domain"
)

// Memory keeps balances in process. Mostly for tests and local runs.
type Memory struct {
	mu       sync.Mutex
	balances map[domain.Address]*big.Int
}

func NewMemory() *Memory {
	return &Memory{balances: make(map[domain.Address]*big.Int)}
}

// Seed sets the opening balance of addr unless the account already exists.
func (m *Memory) Seed(_ context.Context, addr domain.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("%w: seed amount", ErrInvalidTransfer)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.balances[addr]; ok {
		return nil
	}
	m.balances[addr] = new(big.Int).Set(amount)
	return nil
}

func (m *Memory) Balance(_ context.Context, addr domain.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.CloneAmount(m.balances[addr]), nil
}

func (m *Memory) Execute(ctx context.Context, transfers []Transfer) error {
	if err := validate(transfers); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	staged := make(map[domain.Address]*big.Int)
	get := func(addr domain.Address) *big.Int {
		if v, ok := staged[addr]; ok {
			return v
		}
		v := domain.CloneAmount(m.balances[addr])
		staged[addr] = v
		return v
	}
	for _, t := range transfers {
		if t.Amount.Sign() == 0 {
			continue
		}
		from := get(t.From)
		if from.Cmp(t.Amount) < 0 {
			return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientFunds, t.From.Hex(), from, t.Amount)
		}
		from.Sub(from, t.Amount)
		to := get(t.To)
		to.Add(to, t.Amount)
	}
	for addr, v := range staged {
		m.balances[addr] = v
	}
	return nil
}
