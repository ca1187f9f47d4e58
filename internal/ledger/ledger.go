package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"marketrails/internal/domain"
)

var (
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	ErrInvalidTransfer   = errors.New("ledger: invalid transfer")
)

// Transfer moves Amount from one account to another.
type Transfer struct {
	From   domain.Address
	To     domain.Address
	Amount *big.Int
}

// Ledger executes batches of transfers. A batch either applies in full or
// leaves every balance untouched.
type Ledger interface {
	Execute(ctx context.Context, transfers []Transfer) error
	Balance(ctx context.Context, addr domain.Address) (*big.Int, error)
}

// Reverse returns the compensating batch for transfers.
func Reverse(transfers []Transfer) []Transfer {
	out := make([]Transfer, 0, len(transfers))
	for i := len(transfers) - 1; i >= 0; i-- {
		t := transfers[i]
		out = append(out, Transfer{From: t.To, To: t.From, Amount: domain.CloneAmount(t.Amount)})
	}
	return out
}

func validate(transfers []Transfer) error {
	for i, t := range transfers {
		if t.Amount == nil || t.Amount.Sign() < 0 {
			return fmt.Errorf("%w: transfer %d has a nil or negative amount", ErrInvalidTransfer, i)
		}
		if t.From == t.To {
			return fmt.Errorf("%w: transfer %d moves funds to its source", ErrInvalidTransfer, i)
		}
	}
	return nil
}

// Executor is the write half of a Ledger.
type Executor interface {
	Execute(ctx context.Context, transfers []Transfer) error
}

const compensateTimeout = 10 * time.Second

// Compensate applies the reverse of transfers on a fresh context, so a
// cancelled request still gets its funds put back.
func Compensate(e Executor, transfers []Transfer) error {
	if len(transfers) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), compensateTimeout)
	defer cancel()
	if err := e.Execute(ctx, Reverse(transfers)); err != nil {
		return fmt.Errorf("compensate %d transfers: %w", len(transfers), err)
	}
	return nil
}
