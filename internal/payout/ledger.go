package payout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"profitdraw/internal/store"
)

func investorKey(id string) store.Key { return store.K(colInvestors, id) }

func investmentKey(fundID, id string) store.Key { return store.K(colInvestments, fundID, id) }

func investmentRefKey(id string) store.Key { return store.K(colInvestmentRef, id) }

func periodKey(fundID, periodID string) store.Key { return store.K(colPeriods, fundID, periodID) }

func periodCreditKey(fundID, periodID, investorID string) store.Key {
	return store.K(colPeriodCredits, fundID, periodID, investorID)
}

func snapshotChunkKey(fundID, periodID, digest string, idx int) store.Key {
	return store.K(colSnapshots, fundID, periodID, shortDigest(digest), fmt.Sprintf("%05d", idx))
}

func drawKey(periodID string) store.Key { return store.K(colDraws, periodID) }

func walletKey(investorID string) store.Key { return store.K(colWallets, investorID) }

func commissionKey(investmentID string, level int) store.Key {
	return store.K(colCommissions, fmt.Sprintf("%s_%d", investmentID, level))
}

func withdrawalKey(id string) store.Key { return store.K(colWithdrawals, id) }

func poolKey(fundID, periodID string) store.Key { return store.K(colPools, fundID, periodID) }

func shortDigest(digest string) string {
	if len(digest) > 16 {
		return digest[:16]
	}
	return digest
}

// storeErr translates backend failures into the domain taxonomy. Domain errors
// returned from batch callbacks pass through unchanged.
func storeErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, store.ErrConflict):
		return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func decodeWallet(doc *store.Doc, investorID string) (Wallet, error) {
	w := Wallet{InvestorID: investorID, Balances: map[Currency]Balance{}}
	if !doc.Exists() {
		return w, nil
	}
	if err := doc.Decode(&w); err != nil {
		return w, err
	}
	if w.Balances == nil {
		w.Balances = map[Currency]Balance{}
	}
	return w, nil
}

func (w *Wallet) Credit(cur Currency, amount int64, now time.Time) {
	b := w.Balances[cur]
	b.Available += amount
	b.TotalCredited += amount
	w.Balances[cur] = b
	w.UpdatedAt = now
}

// Reserve moves amount from available to reserved.
func (w *Wallet) Reserve(cur Currency, amount int64, now time.Time) error {
	b := w.Balances[cur]
	if b.Available < amount {
		return fmt.Errorf("%w: available %d < %d", ErrInsufficientBalance, b.Available, amount)
	}
	b.Available -= amount
	b.Reserved += amount
	w.Balances[cur] = b
	w.UpdatedAt = now
	return nil
}

// Release returns a reservation to available.
func (w *Wallet) Release(cur Currency, amount int64, now time.Time) error {
	b := w.Balances[cur]
	if b.Reserved < amount {
		return fmt.Errorf("release %d exceeds reserved %d", amount, b.Reserved)
	}
	b.Reserved -= amount
	b.Available += amount
	w.Balances[cur] = b
	w.UpdatedAt = now
	return nil
}

// Settle removes a reservation from the ledger once funds have left.
func (w *Wallet) Settle(cur Currency, amount int64, now time.Time) error {
	b := w.Balances[cur]
	if b.Reserved < amount {
		return fmt.Errorf("settle %d exceeds reserved %d", amount, b.Reserved)
	}
	b.Reserved -= amount
	b.TotalWithdrawn += amount
	w.Balances[cur] = b
	w.UpdatedAt = now
	return nil
}

// Drain takes the whole available balance out of the wallet.
func (w *Wallet) Drain(cur Currency, now time.Time) int64 {
	b := w.Balances[cur]
	amount := b.Available
	b.Available = 0
	b.TotalWithdrawn += amount
	w.Balances[cur] = b
	w.UpdatedAt = now
	return amount
}

// Consistent reports whether available + reserved == credited - withdrawn for every currency.
func (w Wallet) Consistent() bool {
	for _, b := range w.Balances {
		if b.Available < 0 || b.Reserved < 0 {
			return false
		}
		if b.Available+b.Reserved != b.TotalCredited-b.TotalWithdrawn {
			return false
		}
	}
	return true
}
