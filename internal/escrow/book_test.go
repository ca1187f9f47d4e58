package escrow

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketrails/internal/domain"
	"marketrails/internal/events"
	"marketrails/internal/ledger"
	"marketrails/internal/store"
)

type fakeReporter struct {
	mu        sync.Mutex
	reject    error
	committed []Report
	aborted   int
}

type fakePrepared struct {
	r   *fakeReporter
	rep Report
}

func (f *fakeReporter) PrepareReport(_ context.Context, rep Report) (PreparedReport, error) {
	if f.reject != nil {
		return nil, f.reject
	}
	return &fakePrepared{r: f, rep: rep}, nil
}

func (p *fakePrepared) Record() store.ListingRecord {
	return store.ListingRecord{ID: p.rep.ListingID, Seller: seller, Name: "item", Price: big.NewInt(1), Status: "Sold", CreatedAt: p.rep.At}
}

func (p *fakePrepared) Commit() {
	p.r.mu.Lock()
	defer p.r.mu.Unlock()
	p.r.committed = append(p.r.committed, p.rep)
}

func (p *fakePrepared) Abort() {
	p.r.mu.Lock()
	defer p.r.mu.Unlock()
	p.r.aborted++
}

type failingLedger struct {
	*ledger.Memory
	fail bool
}

func (f *failingLedger) Execute(ctx context.Context, transfers []ledger.Transfer) error {
	if f.fail {
		return errors.New("ledger unavailable")
	}
	return f.Memory.Execute(ctx, transfers)
}

type failingStore struct {
	*store.MemoryStore
	fail bool
}

func (f *failingStore) Commit(ctx context.Context, b store.Batch) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.MemoryStore.Commit(ctx, b)
}

type bookFixture struct {
	book     *Book
	ledger   *failingLedger
	store    *failingStore
	reporter *fakeReporter
	events   *events.Recorder
	now      time.Time
}

func newBookFixture(t *testing.T, cfg Config) *bookFixture {
	t.Helper()
	f := &bookFixture{
		ledger:   &failingLedger{Memory: ledger.NewMemory()},
		store:    &failingStore{MemoryStore: store.NewMemoryStore()},
		reporter: &fakeReporter{},
		events:   events.NewRecorder(),
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, f.ledger.Seed(context.Background(), buyer, big.NewInt(10_000)))
	cfg.Platform = platform
	f.book = NewBook(cfg, f.ledger, f.store, nil)
	f.book.SetReporter(f.reporter)
	f.book.SetEmitter(f.events)
	f.book.SetClock(func() time.Time { return f.now })
	return f
}

func (f *bookFixture) deploy(t *testing.T, nonce uint64, amount int64) domain.Address {
	t.Helper()
	dep, err := f.book.Deploy(DeployParams{
		Ref:       DeriveRef(testAddress(0xAA), nonce),
		ListingID: nonce + 1,
		Buyer:     buyer,
		Seller:    seller,
		Amount:    big.NewInt(amount),
		CreatedAt: f.now,
	})
	require.NoError(t, err)
	transfers, err := dep.Fund(big.NewInt(amount))
	require.NoError(t, err)
	require.NoError(t, f.ledger.Execute(context.Background(), transfers))
	require.NoError(t, f.store.Commit(context.Background(), store.Batch{Escrows: []store.EscrowRecord{dep.Record()}}))
	ref := dep.Publish().Ref
	dep.Announce()
	return ref
}

func (f *bookFixture) balance(t *testing.T, addr domain.Address) string {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), addr)
	require.NoError(t, err)
	return b.String()
}

func TestBookConfirmSettles(t *testing.T) {
	f := newBookFixture(t, Config{FeeBps: DefaultFeeBps})
	ctx := context.Background()
	ref := f.deploy(t, 0, 1000)
	require.Equal(t, "1000", f.balance(t, ref))

	e, err := f.book.Confirm(ctx, buyer, ref)
	require.NoError(t, err)
	require.Equal(t, StateConfirmed, e.State)
	require.Zero(t, e.HeldBalance.Sign())

	require.Equal(t, "0", f.balance(t, ref))
	require.Equal(t, "990", f.balance(t, seller))
	require.Equal(t, "10", f.balance(t, platform))
	require.Equal(t, "9000", f.balance(t, buyer))

	require.Len(t, f.reporter.committed, 1)
	require.Equal(t, OutcomeSold, f.reporter.committed[0].Outcome)
	require.Equal(t, []string{events.TypeEscrowFunded, events.TypeEscrowConfirmed}, f.events.Types())

	snap, err := f.store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Escrows, 1)
	require.Equal(t, "Confirmed", snap.Escrows[0].State)
	require.Len(t, snap.Listings, 1)

	require.Equal(t, 0, f.book.Stats().Open)
	require.Zero(t, f.book.Stats().Held.Sign())
}

func TestBookRefundReturnsPayment(t *testing.T) {
	f := newBookFixture(t, Config{FeeBps: DefaultFeeBps})
	ref := f.deploy(t, 0, 1000)

	e, err := f.book.GrantRefund(context.Background(), seller, ref)
	require.NoError(t, err)
	require.Equal(t, StateRefunded, e.State)
	require.Equal(t, "10000", f.balance(t, buyer))
	require.Equal(t, "0", f.balance(t, seller))
	require.Equal(t, OutcomeReleased, f.reporter.committed[0].Outcome)
}

func TestBookClaimTimeoutUsesClock(t *testing.T) {
	f := newBookFixture(t, Config{FeeBps: DefaultFeeBps, Timeout: time.Hour})
	ref := f.deploy(t, 0, 1000)

	_, err := f.book.ClaimTimeout(context.Background(), seller, ref)
	require.ErrorIs(t, err, domain.ErrTimeoutNotReached)

	f.now = f.now.Add(time.Hour + time.Nanosecond)
	e, err := f.book.ClaimTimeout(context.Background(), seller, ref)
	require.NoError(t, err)
	require.Equal(t, StateConfirmed, e.State)
	require.Equal(t, "990", f.balance(t, seller))
}

func TestBookDisputeKeepsCustody(t *testing.T) {
	f := newBookFixture(t, Config{FeeBps: DefaultFeeBps})
	ref := f.deploy(t, 0, 1000)

	e, err := f.book.RaiseDispute(context.Background(), buyer, ref)
	require.NoError(t, err)
	require.Equal(t, StateDisputed, e.State)
	require.Equal(t, "1000", f.balance(t, ref))
	require.Empty(t, f.reporter.committed)
	require.Equal(t, 1, f.book.Stats().Open)
	require.Equal(t, "1000", f.book.Stats().Held.String())
}

func TestBookTransferFailureChangesNothing(t *testing.T) {
	f := newBookFixture(t, Config{FeeBps: DefaultFeeBps})
	ref := f.deploy(t, 0, 1000)

	f.ledger.fail = true
	_, err := f.book.Confirm(context.Background(), buyer, ref)
	require.ErrorIs(t, err, domain.ErrTransferFailed)
	require.Equal(t, 1, f.reporter.aborted)
	require.Empty(t, f.reporter.committed)

	e, err := f.book.Details(ref)
	require.NoError(t, err)
	require.Equal(t, StateFunded, e.State)
	require.Equal(t, "1000", e.HeldBalance.String())
}

func TestBookPersistFailureCompensates(t *testing.T) {
	f := newBookFixture(t, Config{FeeBps: DefaultFeeBps})
	ref := f.deploy(t, 0, 1000)

	f.store.fail = true
	_, err := f.book.Confirm(context.Background(), buyer, ref)
	require.Error(t, err)
	require.Equal(t, "Internal", domain.KindName(err))

	require.Equal(t, "1000", f.balance(t, ref))
	require.Equal(t, "0", f.balance(t, seller))
	require.Equal(t, "0", f.balance(t, platform))

	e, err := f.book.Details(ref)
	require.NoError(t, err)
	require.Equal(t, StateFunded, e.State)
}

func TestBookRejectedReportLeavesEscrowFunded(t *testing.T) {
	f := newBookFixture(t, Config{FeeBps: DefaultFeeBps})
	ref := f.deploy(t, 0, 1000)

	f.reporter.reject = domain.E("market.report_sold", domain.ErrUnauthorized, "stale escrow")
	_, err := f.book.Confirm(context.Background(), buyer, ref)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	require.Equal(t, "1000", f.balance(t, ref))
}

func TestBookUnknownRef(t *testing.T) {
	f := newBookFixture(t, Config{})
	_, err := f.book.Confirm(context.Background(), buyer, stranger)
	require.ErrorIs(t, err, domain.ErrProductNotFound)
	_, err = f.book.Details(stranger)
	require.ErrorIs(t, err, domain.ErrProductNotFound)
}

func TestDeployLimitsAndDiscard(t *testing.T) {
	f := newBookFixture(t, Config{MaxOpen: 1})
	params := DeployParams{
		Ref:       DeriveRef(testAddress(0xAA), 0),
		ListingID: 1,
		Buyer:     buyer,
		Seller:    seller,
		Amount:    big.NewInt(10),
		CreatedAt: f.now,
	}
	dep, err := f.book.Deploy(params)
	require.NoError(t, err)

	second := params
	second.Ref = DeriveRef(testAddress(0xAA), 1)
	_, err = f.book.Deploy(second)
	require.ErrorIs(t, err, domain.ErrEscrowDeploymentFailed)

	_, err = f.book.Details(dep.Ref())
	require.ErrorIs(t, err, domain.ErrProductNotFound)

	dep.Discard()
	dep2, err := f.book.Deploy(second)
	require.NoError(t, err)
	dep2.Discard()

	same := params
	same.Seller = buyer
	_, err = f.book.Deploy(same)
	require.ErrorIs(t, err, domain.ErrEscrowDeploymentFailed)
}

func TestRestoreRebuildsOpenCount(t *testing.T) {
	f := newBookFixture(t, Config{FeeBps: DefaultFeeBps})
	ref := f.deploy(t, 0, 1000)
	other := f.deploy(t, 1, 500)
	_, err := f.book.GrantRefund(context.Background(), seller, other)
	require.NoError(t, err)

	snap, err := f.store.Load(context.Background())
	require.NoError(t, err)

	restored := NewBook(Config{}, f.ledger, f.store, nil)
	require.NoError(t, restored.Restore(snap.Escrows))
	require.Equal(t, 1, restored.Stats().Open)
	e, err := restored.Details(ref)
	require.NoError(t, err)
	require.Equal(t, StateFunded, e.State)
	require.Len(t, restored.List(), 2)
}
