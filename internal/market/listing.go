package market

import (
	"fmt"
	"math/big"
	"time"

	"marketrails/internal/domain"
	"marketrails/internal/store"
)

// Status is the lifecycle phase of a listing.
type Status uint8

const (
	StatusAvailable Status = iota
	StatusPending
	StatusSold
	StatusCancelled
)

var statusNames = [...]string{"Available", "Pending", "Sold", "Cancelled"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", s)
}

func ParseStatus(name string) (Status, error) {
	for i, n := range statusNames {
		if n == name {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("unknown listing status %q", name)
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Listing is an item offered for sale. EscrowRef is set while the listing is
// Pending and kept as history once it is Sold.
type Listing struct {
	ID          uint64          `json:"id"`
	Seller      domain.Address  `json:"seller"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Price       *big.Int        `json:"price"`
	Status      Status          `json:"status"`
	EscrowRef   *domain.Address `json:"escrowRef,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

func (l *Listing) Clone() *Listing {
	if l == nil {
		return nil
	}
	clone := *l
	clone.Price = domain.CloneAmount(l.Price)
	if l.EscrowRef != nil {
		ref := *l.EscrowRef
		clone.EscrowRef = &ref
	}
	return &clone
}

func (l *Listing) Record() store.ListingRecord {
	rec := store.ListingRecord{
		ID:          l.ID,
		Seller:      l.Seller,
		Name:        l.Name,
		Description: l.Description,
		Price:       domain.CloneAmount(l.Price),
		Status:      l.Status.String(),
		CreatedAt:   l.CreatedAt,
		UpdatedAt:   l.UpdatedAt,
	}
	if l.EscrowRef != nil {
		ref := *l.EscrowRef
		rec.EscrowRef = &ref
	}
	return rec
}

// FromRecord rebuilds a listing and checks that the escrow reference matches
// the status.
func FromRecord(r store.ListingRecord) (*Listing, error) {
	status, err := ParseStatus(r.Status)
	if err != nil {
		return nil, err
	}
	l := &Listing{
		ID:          r.ID,
		Seller:      r.Seller,
		Name:        r.Name,
		Description: r.Description,
		Price:       domain.CloneAmount(r.Price),
		Status:      status,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.EscrowRef != nil {
		ref := *r.EscrowRef
		l.EscrowRef = &ref
	}
	switch {
	case l.ID == 0:
		return nil, fmt.Errorf("listing with id 0")
	case l.Price.Sign() <= 0:
		return nil, fmt.Errorf("listing %d: non-positive price", l.ID)
	case l.Name == "":
		return nil, fmt.Errorf("listing %d: empty name", l.ID)
	case status == StatusPending && l.EscrowRef == nil:
		return nil, fmt.Errorf("listing %d: pending without escrow", l.ID)
	case (status == StatusAvailable || status == StatusCancelled) && l.EscrowRef != nil:
		return nil, fmt.Errorf("listing %d: %s with escrow %s", l.ID, status, l.EscrowRef.Hex())
	}
	return l, nil
}
