package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"marketrails/internal/domain"
	"marketrails/internal/ledger"
)

const createTablesSQL = `
CREATE TABLE IF NOT EXISTS listings (
    id BIGINT PRIMARY KEY,
    seller TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT NOT NULL,
    price NUMERIC(78,0) NOT NULL CHECK (price > 0),
    status TEXT NOT NULL,
    escrow_ref TEXT,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS escrows (
    ref TEXT PRIMARY KEY,
    listing_id BIGINT NOT NULL REFERENCES listings (id),
    buyer TEXT NOT NULL,
    seller TEXT NOT NULL,
    amount NUMERIC(78,0) NOT NULL,
    held_balance NUMERIC(78,0) NOT NULL,
    state TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS escrows_one_live_per_listing
    ON escrows (listing_id) WHERE state IN ('Created', 'Funded', 'Disputed');
CREATE TABLE IF NOT EXISTS settlement_counters (
    id SMALLINT PRIMARY KEY,
    next_listing_id BIGINT NOT NULL,
    escrow_nonce BIGINT NOT NULL
);
`

// PostgresStore persists rows in PostgreSQL. Each batch is one transaction.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to Postgres using the DSN and ensures the tables exist.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createTablesSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Ledger returns a ledger on the store's own pool. Its transfers can commit
// together with a batch through CommitTransfers.
func (p *PostgresStore) Ledger(ctx context.Context) (*ledger.PostgresLedger, error) {
	return ledger.NewPostgresLedgerOnPool(ctx, p.pool)
}

// SharesLedger reports whether l keeps its balances on the store's pool.
func (p *PostgresStore) SharesLedger(l ledger.Executor) bool {
	pl, ok := l.(*ledger.PostgresLedger)
	return ok && pl.Uses(p.pool)
}

func (p *PostgresStore) Commit(ctx context.Context, b Batch) error {
	return p.CommitTransfers(ctx, nil, b)
}

// CommitTransfers applies transfers and writes b in one transaction.
func (p *PostgresStore) CommitTransfers(ctx context.Context, transfers []ledger.Transfer, b Batch) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if len(transfers) > 0 {
		if err := ledger.ExecuteTx(ctx, tx, transfers); err != nil {
			return err
		}
	}

	for _, l := range b.Listings {
		var ref *string
		if l.EscrowRef != nil {
			hex := l.EscrowRef.Hex()
			ref = &hex
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO listings (id, seller, name, description, price, status, escrow_ref, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9)
ON CONFLICT (id) DO UPDATE
SET status = EXCLUDED.status,
    escrow_ref = EXCLUDED.escrow_ref,
    updated_at = EXCLUDED.updated_at
`, int64(l.ID), l.Seller.Hex(), l.Name, l.Description, l.Price.String(), l.Status, ref, l.CreatedAt, l.UpdatedAt); err != nil {
			return fmt.Errorf("store: upsert listing %d: %w", l.ID, err)
		}
	}

	for _, e := range b.Escrows {
		if _, err := tx.Exec(ctx, `
INSERT INTO escrows (ref, listing_id, buyer, seller, amount, held_balance, state, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7, $8, $9)
ON CONFLICT (ref) DO UPDATE
SET held_balance = EXCLUDED.held_balance,
    state = EXCLUDED.state,
    updated_at = EXCLUDED.updated_at
`, e.Ref.Hex(), int64(e.ListingID), e.Buyer.Hex(), e.Seller.Hex(), e.Amount.String(), e.HeldBalance.String(), e.State, e.CreatedAt, e.UpdatedAt); err != nil {
			return fmt.Errorf("store: upsert escrow %s: %w", e.Ref.Hex(), err)
		}
	}

	if b.Counters != nil {
		if _, err := tx.Exec(ctx, `
INSERT INTO settlement_counters (id, next_listing_id, escrow_nonce)
VALUES (1, $1, $2)
ON CONFLICT (id) DO UPDATE
SET next_listing_id = GREATEST(settlement_counters.next_listing_id, EXCLUDED.next_listing_id),
    escrow_nonce = GREATEST(settlement_counters.escrow_nonce, EXCLUDED.escrow_nonce)
`, int64(b.Counters.NextListingID), int64(b.Counters.EscrowNonce)); err != nil {
			return fmt.Errorf("store: update counters: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func (p *PostgresStore) Load(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}

	var nextID, nonce int64
	err := p.pool.QueryRow(ctx, `SELECT next_listing_id, escrow_nonce FROM settlement_counters WHERE id = 1`).Scan(&nextID, &nonce)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("store: load counters: %w", err)
	}
	snap.Counters = Counters{NextListingID: uint64(nextID), EscrowNonce: uint64(nonce)}

	rows, err := p.pool.Query(ctx, `
SELECT id, seller, name, description, price::text, status, escrow_ref, created_at, updated_at
FROM listings
ORDER BY id
`)
	if err != nil {
		return nil, fmt.Errorf("store: query listings: %w", err)
	}
	for rows.Next() {
		var (
			rec           ListingRecord
			id            int64
			seller, price string
			ref           *string
		)
		if err := rows.Scan(&id, &seller, &rec.Name, &rec.Description, &price, &rec.Status, &ref, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("store: scan listing: %w", err)
		}
		rec.ID = uint64(id)
		if rec.Seller, err = domain.ParseAddress(seller); err != nil {
			rows.Close()
			return nil, fmt.Errorf("store: listing %d: %w", id, err)
		}
		if rec.Price, err = domain.ParseAmount(price); err != nil {
			rows.Close()
			return nil, fmt.Errorf("store: listing %d: %w", id, err)
		}
		if ref != nil {
			addr, err := domain.ParseAddress(*ref)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("store: listing %d: %w", id, err)
			}
			rec.EscrowRef = &addr
		}
		snap.Listings = append(snap.Listings, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate listings: %w", err)
	}

	rows, err = p.pool.Query(ctx, `
SELECT ref, listing_id, buyer, seller, amount::text, held_balance::text, state, created_at, updated_at
FROM escrows
`)
	if err != nil {
		return nil, fmt.Errorf("store: query escrows: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			rec                              EscrowRecord
			listingID                        int64
			ref, buyer, seller, amount, held string
		)
		if err := rows.Scan(&ref, &listingID, &buyer, &seller, &amount, &held, &rec.State, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan escrow: %w", err)
		}
		rec.ListingID = uint64(listingID)
		if err := parseEscrowColumns(&rec, ref, buyer, seller, amount, held); err != nil {
			return nil, fmt.Errorf("store: escrow %s: %w", ref, err)
		}
		snap.Escrows = append(snap.Escrows, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate escrows: %w", err)
	}

	sortSnapshot(snap)
	return snap, nil
}

func parseEscrowColumns(rec *EscrowRecord, ref, buyer, seller, amount, held string) error {
	var err error
	if rec.Ref, err = domain.ParseAddress(ref); err != nil {
		return err
	}
	if rec.Buyer, err = domain.ParseAddress(buyer); err != nil {
		return err
	}
	if rec.Seller, err = domain.ParseAddress(seller); err != nil {
		return err
	}
	if rec.Amount, err = domain.ParseAmount(amount); err != nil {
		return err
	}
	rec.HeldBalance, err = domain.ParseAmount(held)
	return err
}
