package store

import (
	"context"
	"errors"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"marketrails/internal/ledger"
)

// postgresDSN returns POSTGRES_TEST_DSN, or starts a throwaway container when
// TESTCONTAINERS=1.
func postgresDSN(t *testing.T, ctx context.Context) string {
	t.Helper()
	if dsn := os.Getenv("POSTGRES_TEST_DSN"); dsn != "" {
		return dsn
	}
	if os.Getenv("TESTCONTAINERS") != "1" {
		t.Skip("POSTGRES_TEST_DSN not set and TESTCONTAINERS disabled")
	}
	pgC, err := postgres.Run(ctx,
		"postgres:16",
		postgres.WithDatabase("settlement"),
		postgres.WithUsername("settlement"),
		postgres.WithPassword("settlement"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() { _ = pgC.Terminate(context.Background()) })
	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	return dsn
}

func TestPostgresStoreLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	dsn := postgresDSN(t, ctx)
	s, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer s.Close()

	if _, err := s.pool.Exec(ctx, `TRUNCATE escrows, listings, settlement_counters`); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	exerciseStore(t, s, func() Store { return s })
}

func TestPostgresCommitTransfersIsAtomic(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	dsn := postgresDSN(t, ctx)
	s, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer s.Close()
	l, err := s.Ledger(ctx)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if _, err := s.pool.Exec(ctx, `TRUNCATE escrows, listings, settlement_counters, ledger_entries, ledger_accounts`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if !s.SharesLedger(l) || s.SharesLedger(ledger.NewMemory()) {
		t.Fatalf("store should share only its own ledger")
	}
	if err := l.Seed(ctx, testBuyer, big.NewInt(1000)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	now := time.Unix(1_700_000_000, 0).UTC()
	tooMuch := []ledger.Transfer{{From: testBuyer, To: testRef, Amount: big.NewInt(5000)}}
	if err := s.CommitTransfers(ctx, tooMuch, sampleBatch(now)); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	snap, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(snap.Listings) != 0 || len(snap.Escrows) != 0 {
		t.Fatalf("rows persisted despite failed transfer: %+v", snap)
	}

	fund := []ledger.Transfer{{From: testBuyer, To: testRef, Amount: big.NewInt(1000)}}
	if err := s.CommitTransfers(ctx, fund, sampleBatch(now)); err != nil {
		t.Fatalf("commit transfers: %v", err)
	}
	held, err := l.Balance(ctx, testRef)
	if err != nil || held.Int64() != 1000 {
		t.Fatalf("expected escrow custody 1000, got %v (%v)", held, err)
	}
	snap, err = s.Load(ctx)
	if err != nil || len(snap.Escrows) != 1 {
		t.Fatalf("expected escrow row with its transfer, got %+v (%v)", snap, err)
	}
}
