package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"marketrails/internal/domain"
	"marketrails/internal/ledger"
	"marketrails/internal/store"
)

// Settle moves transfers and persists batch as one unit. When the store keeps
// the ledger itself both happen in one transaction. Otherwise funds move
// first and are moved back if the batch cannot be persisted.
//
// A failed transfer carries ErrTransferFailed. Any other error means the
// batch was not persisted and no funds moved.
func Settle(ctx context.Context, l Ledger, s Store, op string, transfers []ledger.Transfer, batch store.Batch, logger *slog.Logger) error {
	if tc, ok := s.(store.TransferCommitter); ok && tc.SharesLedger(l) {
		err := tc.CommitTransfers(ctx, transfers, batch)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ledger.ErrInsufficientFunds), errors.Is(err, ledger.ErrInvalidTransfer):
			return domain.Wrap(op, domain.ErrTransferFailed, err)
		default:
			return fmt.Errorf("%s: persist: %w", op, err)
		}
	}

	if len(transfers) > 0 {
		if err := l.Execute(ctx, transfers); err != nil {
			return domain.Wrap(op, domain.ErrTransferFailed, err)
		}
	}
	if err := s.Commit(ctx, batch); err != nil {
		if cerr := ledger.Compensate(l, transfers); cerr != nil {
			if logger == nil {
				logger = slog.Default()
			}
			logger.Error("compensating transfer failed", "op", op, "error", cerr)
		}
		return fmt.Errorf("%s: persist: %w", op, err)
	}
	return nil
}
