package store

import (
	"context"
	"math/big"
	"sort"
	"time"

	"marketrails/internal/domain"
	"marketrails/internal/ledger"
)

// ListingRecord is the persisted form of a listing.
type ListingRecord struct {
	ID          uint64          `json:"id"`
	Seller      domain.Address  `json:"seller"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Price       *big.Int        `json:"price"`
	Status      string          `json:"status"`
	EscrowRef   *domain.Address `json:"escrowRef,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// EscrowRecord is the persisted form of an escrow instance.
type EscrowRecord struct {
	Ref         domain.Address `json:"ref"`
	ListingID   uint64         `json:"listingId"`
	Buyer       domain.Address `json:"buyer"`
	Seller      domain.Address `json:"seller"`
	Amount      *big.Int       `json:"amount"`
	HeldBalance *big.Int       `json:"heldBalance"`
	State       string         `json:"state"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// Counters are the allocation high-water marks. Stores only ever raise them.
type Counters struct {
	NextListingID uint64 `json:"nextListingId"`
	EscrowNonce   uint64 `json:"escrowNonce"`
}

// Batch is one atomic write.
type Batch struct {
	Listings []ListingRecord
	Escrows  []EscrowRecord
	Counters *Counters
}

// Snapshot is the full persisted state, listings in ascending id order.
type Snapshot struct {
	Listings []ListingRecord
	Escrows  []EscrowRecord
	Counters Counters
}

// Store persists listing and escrow rows. Commit applies a batch atomically.
type Store interface {
	Load(ctx context.Context) (*Snapshot, error)
	Commit(ctx context.Context, batch Batch) error
	Close() error
}

// TransferCommitter is a Store that can apply ledger transfers in the same
// transaction as a batch, provided the ledger lives in the store.
type TransferCommitter interface {
	SharesLedger(l ledger.Executor) bool
	CommitTransfers(ctx context.Context, transfers []ledger.Transfer, b Batch) error
}

func (r ListingRecord) clone() ListingRecord {
	out := r
	out.Price = domain.CloneAmount(r.Price)
	if r.EscrowRef != nil {
		ref := *r.EscrowRef
		out.EscrowRef = &ref
	}
	return out
}

func (r EscrowRecord) clone() EscrowRecord {
	out := r
	out.Amount = domain.CloneAmount(r.Amount)
	out.HeldBalance = domain.CloneAmount(r.HeldBalance)
	return out
}

func (c Counters) merge(next Counters) Counters {
	if next.NextListingID > c.NextListingID {
		c.NextListingID = next.NextListingID
	}
	if next.EscrowNonce > c.EscrowNonce {
		c.EscrowNonce = next.EscrowNonce
	}
	return c
}

// tables is the in-memory image shared by MemoryStore and FileStore.
type tables struct {
	Listings map[uint64]ListingRecord         `json:"listings"`
	Escrows  map[domain.Address]EscrowRecord `json:"escrows"`
	Counters Counters                         `json:"counters"`
}

func newTables() *tables {
	return &tables{
		Listings: make(map[uint64]ListingRecord),
		Escrows:  make(map[domain.Address]EscrowRecord),
	}
}

func (t *tables) apply(batch Batch) {
	for _, l := range batch.Listings {
		t.Listings[l.ID] = l.clone()
	}
	for _, e := range batch.Escrows {
		t.Escrows[e.Ref] = e.clone()
	}
	if batch.Counters != nil {
		t.Counters = t.Counters.merge(*batch.Counters)
	}
}

func (t *tables) snapshot() *Snapshot {
	snap := &Snapshot{
		Listings: make([]ListingRecord, 0, len(t.Listings)),
		Escrows:  make([]EscrowRecord, 0, len(t.Escrows)),
		Counters: t.Counters,
	}
	for _, l := range t.Listings {
		snap.Listings = append(snap.Listings, l.clone())
	}
	for _, e := range t.Escrows {
		snap.Escrows = append(snap.Escrows, e.clone())
	}
	sortSnapshot(snap)
	return snap
}

func sortSnapshot(snap *Snapshot) {
	sort.Slice(snap.Listings, func(i, j int) bool { return snap.Listings[i].ID < snap.Listings[j].ID })
	sort.Slice(snap.Escrows, func(i, j int) bool {
		if snap.Escrows[i].CreatedAt.Equal(snap.Escrows[j].CreatedAt) {
			return snap.Escrows[i].Ref.Hex() < snap.Escrows[j].Ref.Hex()
		}
		return snap.Escrows[i].CreatedAt.Before(snap.Escrows[j].CreatedAt)
	})
}
