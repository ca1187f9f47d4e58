package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"sync"
	"time"

	"marketrails/internal/domain"
	"marketrails/internal/events"
	"marketrails/internal/ledger"
	"marketrails/internal/store"
)

const (
	DefaultFeeBps  = 100
	DefaultTimeout = 7 * 24 * time.Hour
)

var errNoReporter = errors.New("escrow book: registry not attached")

// Config fixes the settlement terms shared by every escrow in a book.
type Config struct {
	FeeBps   uint32
	Timeout  time.Duration
	Platform domain.Address
	// MaxOpen caps the number of live escrows. Zero means no cap.
	MaxOpen int
}

// Ledger moves funds in all-or-nothing batches.
type Ledger = ledger.Executor

// Store persists committed rows.
type Store interface {
	Commit(ctx context.Context, batch store.Batch) error
}

// Report is the message an escrow delivers to the registry that spawned it
// once its outcome is known.
type Report struct {
	Escrow    domain.Address
	ListingID uint64
	Outcome   Outcome
	At        time.Time
}

// PreparedReport is an accepted but uncommitted report. The registry keeps
// the listing locked until Commit or Abort is called.
type PreparedReport interface {
	Record() store.ListingRecord
	Commit()
	Abort()
}

// Reporter receives escrow outcomes.
type Reporter interface {
	PrepareReport(ctx context.Context, r Report) (PreparedReport, error)
}

// Stats summarises the custody held by a book.
type Stats struct {
	Open int
	Held *big.Int
}

// Book is the arena of escrow instances, addressed by their ref. Each
// instance is serialised by its own lock; readers see committed snapshots.
type Book struct {
	mu      sync.RWMutex
	entries map[domain.Address]*entry
	order   []domain.Address
	open    int

	cfg      Config
	ledger   Ledger
	store    Store
	reporter Reporter
	emitter  events.Emitter
	now      domain.Clock
	logger   *slog.Logger
}

type entry struct {
	mu     sync.Mutex
	escrow *Escrow // nil while a deployment is reserved
}

// NewBook creates an empty book with a no-op emitter and the system clock.
func NewBook(cfg Config, l Ledger, s Store, logger *slog.Logger) *Book {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Book{
		entries: make(map[domain.Address]*entry),
		cfg:     cfg,
		ledger:  l,
		store:   s,
		emitter: events.NoopEmitter{},
		now:     domain.SystemClock,
		logger:  logger,
	}
}

// SetReporter attaches the registry that receives escrow outcomes.
func (b *Book) SetReporter(r Reporter) { b.reporter = r }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (b *Book) SetEmitter(e events.Emitter) {
	if e == nil {
		b.emitter = events.NoopEmitter{}
		return
	}
	b.emitter = e
}

// SetClock overrides the time source. Primarily intended for tests.
func (b *Book) SetClock(c domain.Clock) {
	if c == nil {
		b.now = domain.SystemClock
		return
	}
	b.now = c
}

// Terms returns the settlement configuration.
func (b *Book) Terms() Config { return b.cfg }

func (b *Book) policy() payoutPolicy {
	return payoutPolicy{feeBps: b.cfg.FeeBps, platform: b.cfg.Platform}
}

// Confirm settles a funded escrow in favour of the seller. Buyer only.
func (b *Book) Confirm(ctx context.Context, caller, ref domain.Address) (*Escrow, error) {
	return b.run(ctx, ref, func(e *Escrow, _ time.Time) (*transition, error) {
		return e.confirm(caller, b.policy())
	})
}

// GrantRefund returns the held payment to the buyer. Seller only.
func (b *Book) GrantRefund(ctx context.Context, caller, ref domain.Address) (*Escrow, error) {
	return b.run(ctx, ref, func(e *Escrow, _ time.Time) (*transition, error) {
		return e.grantRefund(caller)
	})
}

// RaiseDispute freezes a funded escrow. Buyer only.
func (b *Book) RaiseDispute(ctx context.Context, caller, ref domain.Address) (*Escrow, error) {
	return b.run(ctx, ref, func(e *Escrow, _ time.Time) (*transition, error) {
		return e.raiseDispute(caller)
	})
}

// ClaimTimeout lets the seller force settlement once the grace period has
// elapsed without a buyer decision.
func (b *Book) ClaimTimeout(ctx context.Context, caller, ref domain.Address) (*Escrow, error) {
	return b.run(ctx, ref, func(e *Escrow, now time.Time) (*transition, error) {
		return e.claimTimeout(caller, now, b.cfg.Timeout, b.policy())
	})
}

// Details returns a copy of the committed escrow.
func (b *Book) Details(ref domain.Address) (*Escrow, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ent, ok := b.entries[ref]
	if !ok || ent.escrow == nil {
		return nil, domain.E("escrow.details", domain.ErrProductNotFound, "unknown escrow "+ref.Hex())
	}
	return ent.escrow.Clone(), nil
}

// List returns copies of every committed escrow in deployment order.
func (b *Book) List() []*Escrow {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Escrow, 0, len(b.order))
	for _, ref := range b.order {
		if ent := b.entries[ref]; ent != nil && ent.escrow != nil {
			out = append(out, ent.escrow.Clone())
		}
	}
	return out
}

// Stats reports the number of live escrows and the total they hold in custody.
func (b *Book) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	held := big.NewInt(0)
	for _, ent := range b.entries {
		if ent.escrow != nil {
			held.Add(held, ent.escrow.HeldBalance)
		}
	}
	return Stats{Open: b.open, Held: held}
}

// Restore loads persisted escrows into an empty book.
func (b *Book) Restore(records []store.EscrowRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) != 0 {
		return fmt.Errorf("escrow book: restore into non-empty book")
	}
	for _, r := range records {
		e, err := FromRecord(r)
		if err != nil {
			return err
		}
		if _, dup := b.entries[e.Ref]; dup {
			return fmt.Errorf("escrow book: duplicate escrow %s", e.Ref.Hex())
		}
		b.entries[e.Ref] = &entry{escrow: e}
		b.order = append(b.order, e.Ref)
		if e.State.Live() {
			b.open++
		}
	}
	return nil
}

func (b *Book) lookup(ref domain.Address) (*entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ent, ok := b.entries[ref]
	if !ok || ent.escrow == nil {
		return nil, false
	}
	return ent, true
}

func (b *Book) current(ent *entry) *Escrow {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return ent.escrow
}

func (b *Book) publish(ent *entry, next *Escrow) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ent.escrow != nil && ent.escrow.State.Live() && !next.State.Live() {
		b.open--
	}
	ent.escrow = next
}

// run executes one caller-initiated transition: compute it, prepare the
// registry report, settle funds and both rows, then commit in memory.
// Any failure before the in-memory commit leaves no trace.
func (b *Book) run(ctx context.Context, ref domain.Address, step func(*Escrow, time.Time) (*transition, error)) (*Escrow, error) {
	ent, ok := b.lookup(ref)
	if !ok {
		return nil, domain.E("escrow", domain.ErrProductNotFound, "unknown escrow "+ref.Hex())
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()

	now := b.now()
	cur := b.current(ent)
	t, err := step(cur, now)
	if err != nil {
		return nil, err
	}
	next := cur.apply(t, now)

	var report PreparedReport
	if t.outcome != OutcomeNone {
		if b.reporter == nil {
			return nil, fmt.Errorf("%s: %w", t.op, errNoReporter)
		}
		report, err = b.reporter.PrepareReport(ctx, Report{Escrow: ref, ListingID: cur.ListingID, Outcome: t.outcome, At: now})
		if err != nil {
			return nil, err
		}
	}
	abort := func() {
		if report != nil {
			report.Abort()
		}
	}

	batch := store.Batch{Escrows: []store.EscrowRecord{next.Record()}}
	if report != nil {
		batch.Listings = []store.ListingRecord{report.Record()}
	}
	if err := Settle(ctx, b.ledger, b.store, t.op, t.transfers, batch, b.logger); err != nil {
		abort()
		return nil, err
	}

	b.publish(ent, next)
	b.emit(t, next, now)
	if report != nil {
		report.Commit()
	}
	b.logger.Info("escrow transition",
		"op", t.op,
		"ref", ref.Hex(),
		"listing_id", next.ListingID,
		"from", cur.State.String(),
		"to", next.State.String(),
	)
	return next.Clone(), nil
}

func (b *Book) emit(t *transition, e *Escrow, now time.Time) {
	attrs := map[string]string{
		"ref":         e.Ref.Hex(),
		"listingId":   strconv.FormatUint(e.ListingID, 10),
		"buyer":       e.Buyer.Hex(),
		"seller":      e.Seller.Hex(),
		"amount":      e.Amount.String(),
		"heldBalance": e.HeldBalance.String(),
		"state":       e.State.String(),
		"initiator":   t.initiator,
	}
	if t.fee != nil {
		attrs["fee"] = t.fee.String()
	}
	if t.payout != nil {
		attrs["payout"] = t.payout.String()
	}
	b.emitter.Emit(events.New(t.event, now, attrs))
}

// DeployParams describes the escrow a purchase spawns.
type DeployParams struct {
	Ref       domain.Address
	ListingID uint64
	Buyer     domain.Address
	Seller    domain.Address
	Amount    *big.Int
	CreatedAt time.Time
}

// Deployment is an escrow reserved in the book but not yet visible. The
// purchase that created it either publishes and announces it, or discards it.
type Deployment struct {
	book   *Book
	entry  *entry
	escrow *Escrow
	fund   *transition
	done   bool

	published bool
	announced bool
}

// Deploy reserves a new escrow instance. It fails with EscrowDeploymentFailed
// when the ref is taken, the parameters are unusable or the book is full.
func (b *Book) Deploy(p DeployParams) (*Deployment, error) {
	const op = "escrow.deploy"
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return nil, domain.E(op, domain.ErrEscrowDeploymentFailed, "amount must be positive")
	}
	if p.Buyer == p.Seller {
		return nil, domain.E(op, domain.ErrEscrowDeploymentFailed, "buyer and seller must differ")
	}
	if p.Ref == (domain.Address{}) || p.Ref == p.Buyer || p.Ref == p.Seller || p.Ref == b.cfg.Platform {
		return nil, domain.E(op, domain.ErrEscrowDeploymentFailed, "unusable escrow address")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, taken := b.entries[p.Ref]; taken {
		return nil, domain.E(op, domain.ErrEscrowDeploymentFailed, "escrow address already in use "+p.Ref.Hex())
	}
	if b.cfg.MaxOpen > 0 && b.open >= b.cfg.MaxOpen {
		return nil, domain.E(op, domain.ErrEscrowDeploymentFailed, "open escrow limit reached")
	}
	ent := &entry{}
	b.entries[p.Ref] = ent
	b.open++

	return &Deployment{
		book:  b,
		entry: ent,
		escrow: &Escrow{
			Ref:         p.Ref,
			ListingID:   p.ListingID,
			Buyer:       p.Buyer,
			Seller:      p.Seller,
			Amount:      domain.CloneAmount(p.Amount),
			HeldBalance: big.NewInt(0),
			State:       StateCreated,
			CreatedAt:   p.CreatedAt,
			UpdatedAt:   p.CreatedAt,
		},
	}, nil
}

// Ref is the address of the deployed escrow.
func (d *Deployment) Ref() domain.Address { return d.escrow.Ref }

// Fund computes the funding step and returns the transfers that capture the
// payment. The escrow only counts as funded once Publish is called.
func (d *Deployment) Fund(payment *big.Int) ([]ledger.Transfer, error) {
	if d.fund != nil {
		return nil, domain.E("escrow.fund", domain.ErrInvalidState, "already funded")
	}
	t, err := d.escrow.fund(payment)
	if err != nil {
		return nil, err
	}
	d.fund = t
	d.escrow = d.escrow.apply(t, d.escrow.CreatedAt)
	return t.transfers, nil
}

// Record is the persisted form of the funded escrow.
func (d *Deployment) Record() store.EscrowRecord { return d.escrow.Record() }

// Publish makes the funded escrow visible to lookups and escrow operations.
func (d *Deployment) Publish() *Escrow {
	if d.done {
		return d.escrow.Clone()
	}
	d.done = true
	b := d.book
	b.mu.Lock()
	d.entry.escrow = d.escrow
	b.order = append(b.order, d.escrow.Ref)
	b.mu.Unlock()
	d.published = true
	return d.escrow.Clone()
}

// Announce emits the funding event of a published deployment.
func (d *Deployment) Announce() {
	if !d.published || d.announced {
		return
	}
	d.announced = true
	b := d.book
	if d.fund != nil {
		b.emit(d.fund, d.escrow, d.escrow.CreatedAt)
	}
	b.logger.Info("escrow deployed",
		"ref", d.escrow.Ref.Hex(),
		"listing_id", d.escrow.ListingID,
		"amount", d.escrow.Amount.String(),
	)
}

// Discard releases the reservation of an unpublished deployment.
func (d *Deployment) Discard() {
	if d.done {
		return
	}
	d.done = true
	b := d.book
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.entries[d.escrow.Ref] == d.entry {
		delete(b.entries, d.escrow.Ref)
		b.open--
	}
}
