package escrow

import (
	"fmt"
	"math/big"
	"time"

	"marketrails/internal/domain"
	"marketrails/internal/events"
	"marketrails/internal/ledger"
)

// Outcome is what a transition reports back to the registry.
type Outcome uint8

const (
	OutcomeNone Outcome = iota
	// OutcomeSold marks the listing sold.
	OutcomeSold
	// OutcomeReleased returns the listing to the catalog.
	OutcomeReleased
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSold:
		return "sold"
	case OutcomeReleased:
		return "released"
	default:
		return "none"
	}
}

// transition is a computed but uncommitted state change.
type transition struct {
	op        string
	to        State
	held      *big.Int
	transfers []ledger.Transfer
	outcome   Outcome
	event     string
	fee       *big.Int
	payout    *big.Int
	initiator string
}

// payoutPolicy is where settled funds go.
type payoutPolicy struct {
	feeBps   uint32
	platform domain.Address
}

func wrongState(op string, s State) error {
	return domain.E(op, domain.ErrInvalidState, fmt.Sprintf("not allowed in state %s", s))
}

func (e *Escrow) fund(payment *big.Int) (*transition, error) {
	const op = "escrow.fund"
	if e.State != StateCreated {
		return nil, wrongState(op, e.State)
	}
	if payment == nil || payment.Cmp(e.Amount) != 0 {
		return nil, domain.E(op, domain.ErrInvalidPrice, "payment must equal the escrow amount")
	}
	return &transition{
		op:        op,
		to:        StateFunded,
		held:      domain.CloneAmount(e.Amount),
		transfers: []ledger.Transfer{{From: e.Buyer, To: e.Ref, Amount: domain.CloneAmount(e.Amount)}},
		event:     events.TypeEscrowFunded,
		initiator: "buyer",
	}, nil
}

func (e *Escrow) confirm(caller domain.Address, p payoutPolicy) (*transition, error) {
	const op = "escrow.confirm"
	if caller != e.Buyer {
		return nil, domain.E(op, domain.ErrUnauthorized, "only the buyer may confirm")
	}
	if e.State != StateFunded {
		return nil, wrongState(op, e.State)
	}
	return e.settle(op, "buyer", p), nil
}

func (e *Escrow) claimTimeout(caller domain.Address, now time.Time, timeout time.Duration, p payoutPolicy) (*transition, error) {
	const op = "escrow.claim_timeout"
	if caller != e.Seller {
		return nil, domain.E(op, domain.ErrUnauthorized, "only the seller may claim the timeout")
	}
	if e.State != StateFunded {
		return nil, wrongState(op, e.State)
	}
	deadline := e.Deadline(timeout)
	if !now.After(deadline) {
		return nil, &domain.Error{Op: op, Kind: domain.ErrTimeoutNotReached, Detail: "claimable after " + deadline.UTC().Format(time.RFC3339)}
	}
	return e.settle(op, "seller", p), nil
}

func (e *Escrow) grantRefund(caller domain.Address) (*transition, error) {
	const op = "escrow.grant_refund"
	if caller != e.Seller {
		return nil, domain.E(op, domain.ErrUnauthorized, "only the seller may grant a refund")
	}
	if e.State != StateFunded {
		return nil, wrongState(op, e.State)
	}
	held := domain.CloneAmount(e.HeldBalance)
	return &transition{
		op:        op,
		to:        StateRefunded,
		held:      big.NewInt(0),
		transfers: []ledger.Transfer{{From: e.Ref, To: e.Buyer, Amount: held}},
		outcome:   OutcomeReleased,
		event:     events.TypeEscrowRefunded,
		payout:    held,
		initiator: "seller",
	}, nil
}

func (e *Escrow) raiseDispute(caller domain.Address) (*transition, error) {
	const op = "escrow.raise_dispute"
	if caller != e.Buyer {
		return nil, domain.E(op, domain.ErrUnauthorized, "only the buyer may raise a dispute")
	}
	if e.State != StateFunded {
		return nil, wrongState(op, e.State)
	}
	return &transition{
		op:        op,
		to:        StateDisputed,
		held:      domain.CloneAmount(e.HeldBalance),
		event:     events.TypeEscrowDisputed,
		initiator: "buyer",
	}, nil
}

// settle splits the held balance between the platform fee and the seller.
func (e *Escrow) settle(op, initiator string, p payoutPolicy) *transition {
	held := domain.CloneAmount(e.HeldBalance)
	fee := Fee(held, p.feeBps)
	payout := new(big.Int).Sub(held, fee)

	transfers := make([]ledger.Transfer, 0, 2)
	if payout.Sign() > 0 {
		transfers = append(transfers, ledger.Transfer{From: e.Ref, To: e.Seller, Amount: payout})
	}
	if fee.Sign() > 0 {
		transfers = append(transfers, ledger.Transfer{From: e.Ref, To: p.platform, Amount: fee})
	}
	return &transition{
		op:        op,
		to:        StateConfirmed,
		held:      big.NewInt(0),
		transfers: transfers,
		outcome:   OutcomeSold,
		event:     events.TypeEscrowConfirmed,
		fee:       fee,
		payout:    payout,
		initiator: initiator,
	}
}

// apply returns the escrow as it looks once t is committed.
func (e *Escrow) apply(t *transition, now time.Time) *Escrow {
	next := e.Clone()
	next.State = t.to
	next.HeldBalance = domain.CloneAmount(t.held)
	next.UpdatedAt = now
	return next
}
