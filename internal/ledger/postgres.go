package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"marketrails/internal/domain"
)

const createLedgerSQL = `
CREATE TABLE IF NOT EXISTS ledger_accounts (
    address TEXT PRIMARY KEY,
    balance NUMERIC(78,0) NOT NULL CHECK (balance >= 0)
);
CREATE TABLE IF NOT EXISTS ledger_entries (
    id BIGSERIAL PRIMARY KEY,
    batch_id UUID NOT NULL,
    from_address TEXT NOT NULL,
    to_address TEXT NOT NULL,
    amount NUMERIC(78,0) NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PostgresLedger keeps balances in PostgreSQL. Each batch runs in one
// transaction with the touched accounts locked in address order.
type PostgresLedger struct {
	pool   *pgxpool.Pool
	shared bool
}

func NewPostgresLedger(ctx context.Context, dsn string) (*PostgresLedger, error) {
	if dsn == "" {
		return nil, errors.New("ledger: postgres dsn is empty")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ledger: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, createLedgerSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ledger: migrate: %w", err)
	}
	return &PostgresLedger{pool: pool}, nil
}

// NewPostgresLedgerOnPool builds a ledger over a pool owned by someone else,
// so its transfers can share transactions with other writes on that pool.
// Close leaves the pool open.
func NewPostgresLedgerOnPool(ctx context.Context, pool *pgxpool.Pool) (*PostgresLedger, error) {
	if _, err := pool.Exec(ctx, createLedgerSQL); err != nil {
		return nil, fmt.Errorf("ledger: migrate: %w", err)
	}
	return &PostgresLedger{pool: pool, shared: true}, nil
}

// Uses reports whether the ledger runs on pool.
func (p *PostgresLedger) Uses(pool *pgxpool.Pool) bool { return p.pool == pool }

func (p *PostgresLedger) Close() {
	if p.pool != nil && !p.shared {
		p.pool.Close()
	}
}

func (p *PostgresLedger) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Seed sets the opening balance of addr unless the account already exists.
func (p *PostgresLedger) Seed(ctx context.Context, addr domain.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("%w: seed amount", ErrInvalidTransfer)
	}
	_, err := p.pool.Exec(ctx, `
INSERT INTO ledger_accounts (address, balance)
VALUES ($1, $2::numeric)
ON CONFLICT (address) DO NOTHING
`, addr.Hex(), amount.String())
	return err
}

func (p *PostgresLedger) Balance(ctx context.Context, addr domain.Address) (*big.Int, error) {
	var raw string
	err := p.pool.QueryRow(ctx, `SELECT balance::text FROM ledger_accounts WHERE address = $1`, addr.Hex()).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	return domain.ParseAmount(raw)
}

func (p *PostgresLedger) Execute(ctx context.Context, transfers []Transfer) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := ExecuteTx(ctx, tx, transfers); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger: commit: %w", err)
	}
	return nil
}

// ExecuteTx applies transfers inside tx without committing it. The caller
// commits or rolls back.
func ExecuteTx(ctx context.Context, tx pgx.Tx, transfers []Transfer) error {
	if err := validate(transfers); err != nil {
		return err
	}

	touched := make(map[domain.Address]struct{})
	for _, t := range transfers {
		touched[t.From] = struct{}{}
		touched[t.To] = struct{}{}
	}
	addrs := make([]string, 0, len(touched))
	for addr := range touched {
		addrs = append(addrs, addr.Hex())
	}
	sort.Strings(addrs)

	balances := make(map[string]*big.Int, len(addrs))
	for _, addr := range addrs {
		var raw string
		err := tx.QueryRow(ctx, `SELECT balance::text FROM ledger_accounts WHERE address = $1 FOR UPDATE`, addr).Scan(&raw)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			balances[addr] = big.NewInt(0)
		case err != nil:
			return fmt.Errorf("ledger: lock account: %w", err)
		default:
			v, perr := domain.ParseAmount(raw)
			if perr != nil {
				return fmt.Errorf("ledger: corrupt balance for %s: %w", addr, perr)
			}
			balances[addr] = v
		}
	}

	batchID := uuid.New()
	for _, t := range transfers {
		if t.Amount.Sign() == 0 {
			continue
		}
		from := balances[t.From.Hex()]
		if from.Cmp(t.Amount) < 0 {
			return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientFunds, t.From.Hex(), from, t.Amount)
		}
		from.Sub(from, t.Amount)
		to := balances[t.To.Hex()]
		to.Add(to, t.Amount)
		if _, err := tx.Exec(ctx, `
INSERT INTO ledger_entries (batch_id, from_address, to_address, amount)
VALUES ($1, $2, $3, $4::numeric)
`, batchID, t.From.Hex(), t.To.Hex(), t.Amount.String()); err != nil {
			return fmt.Errorf("ledger: journal transfer: %w", err)
		}
	}

	for _, addr := range addrs {
		if _, err := tx.Exec(ctx, `
INSERT INTO ledger_accounts (address, balance)
VALUES ($1, $2::numeric)
ON CONFLICT (address) DO UPDATE SET balance = EXCLUDED.balance
`, addr, balances[addr].String()); err != nil {
			return fmt.Errorf("ledger: update balance: %w", err)
		}
	}
	return nil
}
