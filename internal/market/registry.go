package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"slices"
	"strconv"
	"sync"
	"time"

	"marketrails/internal/domain"
	"marketrails/internal/escrow"
	"marketrails/internal/events"
	"marketrails/internal/ledger"
	"marketrails/internal/store"
)

// Store persists listings and escrows and restores them at startup.
type Store interface {
	Load(ctx context.Context) (*store.Snapshot, error)
	Commit(ctx context.Context, batch store.Batch) error
}

// Registry owns the catalog. It is the only writer of listing status and
// spawns one escrow per accepted purchase.
type Registry struct {
	mu       sync.RWMutex
	entries  map[uint64]*entry
	bySeller map[domain.Address][]uint64
	byBuyer  map[domain.Address][]uint64
	nextID   uint64
	nonce    uint64

	address domain.Address
	book    *escrow.Book
	ledger  ledger.Executor
	store   Store
	emitter events.Emitter
	now     domain.Clock
	logger  *slog.Logger
}

type entry struct {
	mu      sync.Mutex
	listing *Listing
}

// Stats counts listings per status.
type Stats map[Status]int

// NewRegistry creates an empty registry deploying escrows from address and
// attaches it to book as the receiver of escrow outcomes.
func NewRegistry(address domain.Address, book *escrow.Book, l ledger.Executor, s Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		entries:  make(map[uint64]*entry),
		bySeller: make(map[domain.Address][]uint64),
		byBuyer:  make(map[domain.Address][]uint64),
		nextID:   1,
		address:  address,
		book:     book,
		ledger:   l,
		store:    s,
		emitter:  events.NoopEmitter{},
		now:      domain.SystemClock,
		logger:   logger,
	}
	book.SetReporter(r)
	return r
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (r *Registry) SetEmitter(e events.Emitter) {
	if e == nil {
		r.emitter = events.NoopEmitter{}
		return
	}
	r.emitter = e
}

// SetClock overrides the time source. Primarily intended for tests.
func (r *Registry) SetClock(c domain.Clock) {
	if c == nil {
		r.now = domain.SystemClock
		return
	}
	r.now = c
}

// Address is the deployer address escrow refs are derived from.
func (r *Registry) Address() domain.Address { return r.address }

// Load restores persisted listings and escrows. It must run before the
// registry serves requests.
func (r *Registry) Load(ctx context.Context) error {
	snap, err := r.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if err := r.book.Restore(snap.Escrows); err != nil {
		return fmt.Errorf("restore escrows: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) != 0 {
		return fmt.Errorf("load into non-empty registry")
	}
	for _, rec := range snap.Listings {
		l, err := FromRecord(rec)
		if err != nil {
			return fmt.Errorf("restore listings: %w", err)
		}
		if l.Status == StatusPending {
			e, err := r.book.Details(*l.EscrowRef)
			if err != nil || !e.State.Live() || e.ListingID != l.ID {
				return fmt.Errorf("restore listings: listing %d is pending on a missing or settled escrow %s", l.ID, l.EscrowRef.Hex())
			}
		}
		r.entries[l.ID] = &entry{listing: l}
		r.bySeller[l.Seller] = append(r.bySeller[l.Seller], l.ID)
		if l.ID >= r.nextID {
			r.nextID = l.ID + 1
		}
	}
	for _, e := range r.book.List() {
		if _, ok := r.entries[e.ListingID]; !ok {
			return fmt.Errorf("restore escrows: escrow %s references unknown listing %d", e.Ref.Hex(), e.ListingID)
		}
		r.byBuyer[e.Buyer] = append(r.byBuyer[e.Buyer], e.ListingID)
	}
	if snap.Counters.NextListingID > r.nextID {
		r.nextID = snap.Counters.NextListingID
	}
	r.nonce = max(snap.Counters.EscrowNonce, uint64(len(snap.Escrows)))
	if err := r.reconcile(ctx); err != nil {
		return err
	}
	r.logger.Info("registry restored",
		"listings", len(r.entries),
		"escrows", len(snap.Escrows),
		"next_id", r.nextID,
		"escrow_nonce", r.nonce,
	)
	return nil
}

// orphanScanWindow is how many nonces past the persisted counter are checked
// for funds that reached an escrow account without its row being persisted.
const orphanScanWindow = 64

// reconcile checks restored escrows against ledger custody. Every escrow must
// hold exactly its recorded balance, and refs past the persisted nonce that
// already hold funds are never handed out again. Callers hold r.mu.
func (r *Registry) reconcile(ctx context.Context) error {
	bal, ok := r.ledger.(ledger.Ledger)
	if !ok {
		return nil
	}
	for _, e := range r.book.List() {
		got, err := bal.Balance(ctx, e.Ref)
		if err != nil {
			return fmt.Errorf("reconcile escrow %s: %w", e.Ref.Hex(), err)
		}
		if got.Cmp(e.HeldBalance) != 0 {
			return fmt.Errorf("reconcile escrow %s: ledger holds %s, escrow records %s", e.Ref.Hex(), got, e.HeldBalance)
		}
	}
	start := r.nonce
	for n := start; n < start+orphanScanWindow; n++ {
		ref := escrow.DeriveRef(r.address, n)
		got, err := bal.Balance(ctx, ref)
		if err != nil {
			return fmt.Errorf("reconcile nonce %d: %w", n, err)
		}
		if got.Sign() != 0 {
			r.logger.Error("unrecorded escrow custody", "ref", ref.Hex(), "nonce", n, "balance", got.String())
			r.nonce = n + 1
		}
	}
	return nil
}

// List publishes a new listing owned by caller and returns its id.
func (r *Registry) List(ctx context.Context, caller domain.Address, name, description string, price *big.Int) (uint64, error) {
	const op = "market.list"
	if price == nil || price.Sign() <= 0 {
		return 0, domain.E(op, domain.ErrInvalidPrice, "price must be positive")
	}
	if name == "" {
		return 0, domain.E(op, domain.ErrEmptyName, "name is required")
	}

	now := r.now()
	id := r.allocID()
	l := &Listing{
		ID:          id,
		Seller:      caller,
		Name:        name,
		Description: description,
		Price:       domain.CloneAmount(price),
		Status:      StatusAvailable,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	batch := store.Batch{
		Listings: []store.ListingRecord{l.Record()},
		Counters: &store.Counters{NextListingID: id + 1},
	}
	if err := r.store.Commit(ctx, batch); err != nil {
		return 0, fmt.Errorf("%s: persist: %w", op, err)
	}

	r.mu.Lock()
	r.entries[id] = &entry{listing: l}
	r.bySeller[caller] = append(r.bySeller[caller], id)
	r.mu.Unlock()

	r.emit(events.TypeListingListed, now, l, nil)
	r.logger.Info("listing created", "listing_id", id, "seller", caller.Hex(), "price", l.Price.String())
	return id, nil
}

// Purchase spawns an escrow for listing id, moves the payment into it and
// marks the listing pending. Either all of it happens or none of it does.
func (r *Registry) Purchase(ctx context.Context, caller domain.Address, id uint64, payment *big.Int) (domain.Address, error) {
	const op = "market.purchase"
	ent, ok := r.lookup(id)
	if !ok {
		return domain.Address{}, notFound(op, id)
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()

	cur := r.current(ent)
	if cur.Status != StatusAvailable {
		return domain.Address{}, domain.E(op, domain.ErrProductNotAvailable, "listing is "+cur.Status.String())
	}
	if caller == cur.Seller {
		return domain.Address{}, domain.E(op, domain.ErrProductNotAvailable, "sellers cannot buy their own listing")
	}
	if payment == nil || payment.Cmp(cur.Price) != 0 {
		return domain.Address{}, domain.E(op, domain.ErrInvalidPrice, "payment must equal the listing price")
	}

	now := r.now()
	nonce := r.allocNonce()
	dep, err := r.book.Deploy(escrow.DeployParams{
		Ref:       escrow.DeriveRef(r.address, nonce),
		ListingID: id,
		Buyer:     caller,
		Seller:    cur.Seller,
		Amount:    cur.Price,
		CreatedAt: now,
	})
	if err != nil {
		return domain.Address{}, err
	}
	transfers, err := dep.Fund(payment)
	if err != nil {
		dep.Discard()
		return domain.Address{}, domain.Wrap(op, domain.ErrEscrowDeploymentFailed, err)
	}

	ref := dep.Ref()
	next := cur.Clone()
	next.Status = StatusPending
	next.EscrowRef = &ref
	next.UpdatedAt = now
	batch := store.Batch{
		Listings: []store.ListingRecord{next.Record()},
		Escrows:  []store.EscrowRecord{dep.Record()},
		Counters: &store.Counters{EscrowNonce: nonce + 1},
	}
	if err := escrow.Settle(ctx, r.ledger, r.store, op, transfers, batch, r.logger); err != nil {
		dep.Discard()
		if errors.Is(err, domain.ErrTransferFailed) {
			return domain.Address{}, err
		}
		return domain.Address{}, domain.Wrap(op, domain.ErrEscrowDeploymentFailed, err)
	}

	// The escrow becomes reachable before the listing points at it.
	dep.Publish()
	r.mu.Lock()
	ent.listing = next
	r.byBuyer[caller] = append(r.byBuyer[caller], id)
	r.mu.Unlock()
	r.emit(events.TypeListingPurchased, now, next, map[string]string{"buyer": caller.Hex()})
	dep.Announce()

	r.logger.Info("listing purchased", "listing_id", id, "buyer", caller.Hex(), "escrow", ref.Hex())
	return ref, nil
}

// Cancel withdraws an available listing. Seller only.
func (r *Registry) Cancel(ctx context.Context, caller domain.Address, id uint64) error {
	const op = "market.cancel"
	ent, ok := r.lookup(id)
	if !ok {
		return notFound(op, id)
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()

	cur := r.current(ent)
	if caller != cur.Seller {
		return domain.E(op, domain.ErrUnauthorized, "only the seller may cancel")
	}
	if cur.Status != StatusAvailable {
		return domain.E(op, domain.ErrProductNotAvailable, "listing is "+cur.Status.String())
	}

	now := r.now()
	next := cur.Clone()
	next.Status = StatusCancelled
	next.UpdatedAt = now
	if err := r.store.Commit(ctx, store.Batch{Listings: []store.ListingRecord{next.Record()}}); err != nil {
		return fmt.Errorf("%s: persist: %w", op, err)
	}
	r.publish(ent, next)
	r.emit(events.TypeListingCancelled, now, next, nil)
	r.logger.Info("listing cancelled", "listing_id", id)
	return nil
}

// Get returns a copy of listing id.
func (r *Registry) Get(id uint64) (*Listing, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ent, ok := r.entries[id]
	if !ok {
		return nil, notFound("market.get", id)
	}
	return ent.listing.Clone(), nil
}

// ListAvailable returns every available listing in ascending id order.
func (r *Registry) ListAvailable() []*Listing {
	r.mu.RLock()
	out := make([]*Listing, 0, len(r.entries))
	for _, ent := range r.entries {
		if ent.listing.Status == StatusAvailable {
			out = append(out, ent.listing.Clone())
		}
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Listing) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// ListingsBySeller returns the ids of every listing addr created.
func (r *Registry) ListingsBySeller(addr domain.Address) []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedIDs(r.bySeller[addr])
}

// PurchasesByBuyer returns the ids of every listing addr bought, once per
// purchase. A listing that was refunded and bought again appears twice.
func (r *Registry) PurchasesByBuyer(addr domain.Address) []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedIDs(r.byBuyer[addr])
}

// Stats counts the listings in each status. Statuses with no listings are
// absent.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := make(Stats, len(statusNames))
	for _, ent := range r.entries {
		stats[ent.listing.Status]++
	}
	return stats
}

// ReportSold is the settlement callback. Only the listing's current escrow
// may call it.
func (r *Registry) ReportSold(ctx context.Context, caller domain.Address, id uint64) error {
	return r.report(ctx, caller, id, escrow.OutcomeSold)
}

// ReportReleased returns the listing to the catalog. Only the listing's
// current escrow may call it.
func (r *Registry) ReportReleased(ctx context.Context, caller domain.Address, id uint64) error {
	return r.report(ctx, caller, id, escrow.OutcomeReleased)
}

func (r *Registry) report(ctx context.Context, caller domain.Address, id uint64, outcome escrow.Outcome) error {
	prepared, err := r.PrepareReport(ctx, escrow.Report{Escrow: caller, ListingID: id, Outcome: outcome, At: r.now()})
	if err != nil {
		return err
	}
	if err := r.store.Commit(ctx, store.Batch{Listings: []store.ListingRecord{prepared.Record()}}); err != nil {
		prepared.Abort()
		return fmt.Errorf("market.report_%s: persist: %w", outcome, err)
	}
	prepared.Commit()
	return nil
}

// PrepareReport validates an escrow outcome and locks the listing until the
// returned report is committed or aborted.
func (r *Registry) PrepareReport(_ context.Context, rep escrow.Report) (escrow.PreparedReport, error) {
	op := "market.report_" + rep.Outcome.String()
	ent, ok := r.lookup(rep.ListingID)
	if !ok {
		return nil, notFound(op, rep.ListingID)
	}
	ent.mu.Lock()
	cur := r.current(ent)
	if cur.Status != StatusPending || cur.EscrowRef == nil || *cur.EscrowRef != rep.Escrow {
		ent.mu.Unlock()
		return nil, domain.E(op, domain.ErrUnauthorized, "caller is not the listing's escrow")
	}

	next := cur.Clone()
	next.UpdatedAt = rep.At
	var eventType string
	switch rep.Outcome {
	case escrow.OutcomeSold:
		next.Status = StatusSold
		eventType = events.TypeListingSold
	case escrow.OutcomeReleased:
		next.Status = StatusAvailable
		next.EscrowRef = nil
		eventType = events.TypeListingReleased
	default:
		ent.mu.Unlock()
		return nil, domain.E(op, domain.ErrInvalidState, "unknown outcome")
	}
	return &preparedReport{
		registry: r,
		entry:    ent,
		next:     next,
		escrow:   rep.Escrow,
		event:    eventType,
		at:       rep.At,
	}, nil
}

type preparedReport struct {
	registry *Registry
	entry    *entry
	next     *Listing
	escrow   domain.Address
	event    string
	at       time.Time
	done     bool
}

func (p *preparedReport) Record() store.ListingRecord { return p.next.Record() }

func (p *preparedReport) Commit() {
	if p.done {
		return
	}
	p.done = true
	r := p.registry
	r.publish(p.entry, p.next)
	r.emit(p.event, p.at, p.next, map[string]string{"escrow": p.escrow.Hex()})
	p.entry.mu.Unlock()
	r.logger.Info("listing settled", "listing_id", p.next.ID, "status", p.next.Status.String())
}

func (p *preparedReport) Abort() {
	if p.done {
		return
	}
	p.done = true
	p.entry.mu.Unlock()
}

func (r *Registry) allocID() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	return id
}

func (r *Registry) allocNonce() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.nonce
	r.nonce++
	return n
}

func (r *Registry) lookup(id uint64) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ent, ok := r.entries[id]
	return ent, ok
}

func (r *Registry) current(ent *entry) *Listing {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return ent.listing
}

func (r *Registry) publish(ent *entry, next *Listing) {
	r.mu.Lock()
	ent.listing = next
	r.mu.Unlock()
}

func (r *Registry) emit(eventType string, at time.Time, l *Listing, extra map[string]string) {
	attrs := map[string]string{
		"listingId": strconv.FormatUint(l.ID, 10),
		"seller":    l.Seller.Hex(),
		"price":     l.Price.String(),
		"status":    l.Status.String(),
	}
	if l.EscrowRef != nil {
		attrs["escrow"] = l.EscrowRef.Hex()
	}
	for k, v := range extra {
		attrs[k] = v
	}
	r.emitter.Emit(events.New(eventType, at, attrs))
}

func notFound(op string, id uint64) error {
	return domain.E(op, domain.ErrProductNotFound, "no listing "+strconv.FormatUint(id, 10))
}

func sortedIDs(ids []uint64) []uint64 {
	out := slices.Clone(ids)
	slices.Sort(out)
	if out == nil {
		out = []uint64{}
	}
	return out
}
