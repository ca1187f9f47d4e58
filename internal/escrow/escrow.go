package escrow

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"marketrails/internal/domain"
	"marketrails/internal/store"
)

// State represents the lifecycle phase of an escrow instance.
type State uint8

const (
	StateCreated State = iota
	StateFunded
	StateConfirmed
	StateRefunded
	StateDisputed
)

var stateNames = [...]string{"Created", "Funded", "Confirmed", "Refunded", "Disputed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", s)
}

// ParseState maps a persisted state name back to a State.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown escrow state %q", name)
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Live reports whether an escrow in this state still has, or may still get,
// custody of funds.
func (s State) Live() bool {
	return s == StateCreated || s == StateFunded || s == StateDisputed
}

// Escrow holds a single purchase payment until a release condition fires.
// Ref is the escrow's own address; custody is the ledger balance of Ref.
type Escrow struct {
	Ref         domain.Address `json:"ref"`
	ListingID   uint64         `json:"listingId"`
	Buyer       domain.Address `json:"buyer"`
	Seller      domain.Address `json:"seller"`
	Amount      *big.Int       `json:"amount"`
	HeldBalance *big.Int       `json:"heldBalance"`
	State       State          `json:"state"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// Clone returns a deep copy so callers can never mutate a stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Amount = domain.CloneAmount(e.Amount)
	clone.HeldBalance = domain.CloneAmount(e.HeldBalance)
	return &clone
}

// Deadline is the moment after which the seller may claim the timeout.
func (e *Escrow) Deadline(timeout time.Duration) time.Time {
	return e.CreatedAt.Add(timeout)
}

// Record converts the escrow into its persisted form.
func (e *Escrow) Record() store.EscrowRecord {
	return store.EscrowRecord{
		Ref:         e.Ref,
		ListingID:   e.ListingID,
		Buyer:       e.Buyer,
		Seller:      e.Seller,
		Amount:      domain.CloneAmount(e.Amount),
		HeldBalance: domain.CloneAmount(e.HeldBalance),
		State:       e.State.String(),
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}
}

// FromRecord rebuilds an escrow from storage and checks the custody
// invariant: held equals amount while funds are in custody and zero otherwise.
func FromRecord(r store.EscrowRecord) (*Escrow, error) {
	state, err := ParseState(r.State)
	if err != nil {
		return nil, err
	}
	e := &Escrow{
		Ref:         r.Ref,
		ListingID:   r.ListingID,
		Buyer:       r.Buyer,
		Seller:      r.Seller,
		Amount:      domain.CloneAmount(r.Amount),
		HeldBalance: domain.CloneAmount(r.HeldBalance),
		State:       state,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if e.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("escrow %s: non-positive amount", e.Ref.Hex())
	}
	switch state {
	case StateFunded, StateDisputed:
		if e.HeldBalance.Cmp(e.Amount) != 0 {
			return nil, fmt.Errorf("escrow %s: holds %s in state %s, expected %s", e.Ref.Hex(), e.HeldBalance, state, e.Amount)
		}
	default:
		if e.HeldBalance.Sign() != 0 {
			return nil, fmt.Errorf("escrow %s: holds %s in state %s", e.Ref.Hex(), e.HeldBalance, state)
		}
	}
	return e, nil
}

// DeriveRef computes the address of the nonce-th escrow spawned by deployer,
// the same way contract addresses are derived.
func DeriveRef(deployer domain.Address, nonce uint64) domain.Address {
	return crypto.CreateAddress(deployer, nonce)
}

// MaxFeeBps is 100%.
const MaxFeeBps = 10_000

// Fee returns amount * feeBps / 10000, rounded down.
func Fee(amount *big.Int, feeBps uint32) *big.Int {
	fee := new(big.Int).Mul(domain.CloneAmount(amount), new(big.Int).SetUint64(uint64(feeBps)))
	return fee.Div(fee, big.NewInt(MaxFeeBps))
}
