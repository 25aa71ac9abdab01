package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/pawcasso/pawcasso/internal/ledger"
)

// LedgerRepository persists the per-client usage ledger. One row per client,
// created lazily on first use.
type LedgerRepository struct {
	db *sql.DB
}

func NewLedgerRepository(db *sql.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

func (r *LedgerRepository) DB() *sql.DB {
	return r.db
}

// Load returns the ledger for clientID, or a zero ledger if none exists yet.
func (r *LedgerRepository) Load(ctx context.Context, clientID string) (ledger.Ledger, error) {
	const query = `
SELECT free_generations_used, free_retry_used, purchase_count, pack_purchase_count, pack_credits_remaining
FROM client_ledgers WHERE client_id = ?`
	row := r.db.QueryRowContext(ctx, query, clientID)
	var l ledger.Ledger
	var retryUsed int
	if err := row.Scan(&l.FreeGenerationsUsed, &retryUsed, &l.PurchaseCount, &l.PackPurchaseCount, &l.PackCreditsRemaining); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Ledger{}, nil
		}
		return ledger.Ledger{}, fmt.Errorf("scan client ledger: %w", err)
	}
	l.FreeRetryUsed = retryUsed != 0
	return l, nil
}

// Save upserts the full ledger record in one statement.
func (r *LedgerRepository) Save(ctx context.Context, clientID string, l ledger.Ledger) error {
	const query = `
INSERT INTO client_ledgers (client_id, free_generations_used, free_retry_used, purchase_count, pack_purchase_count, pack_credits_remaining)
VALUES (?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
    free_generations_used = VALUES(free_generations_used),
    free_retry_used = VALUES(free_retry_used),
    purchase_count = VALUES(purchase_count),
    pack_purchase_count = VALUES(pack_purchase_count),
    pack_credits_remaining = VALUES(pack_credits_remaining),
    updated_at = NOW()`
	retryUsed := 0
	if l.FreeRetryUsed {
		retryUsed = 1
	}
	if _, err := r.db.ExecContext(ctx, query, clientID, l.FreeGenerationsUsed, retryUsed, l.PurchaseCount, l.PackPurchaseCount, l.PackCreditsRemaining); err != nil {
		return fmt.Errorf("save client ledger: %w", err)
	}
	return nil
}

type execContext interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// AddPackCredits grants credits atomically, used by webhook and promo paths
// that run outside a session machine.
func (r *LedgerRepository) AddPackCredits(ctx context.Context, clientID string, credits int, countPurchase bool) error {
	return addPackCredits(ctx, r.db, clientID, credits, countPurchase)
}

// AddPackCreditsTx applies the same grant on an open transaction, for callers
// that must commit it atomically with their own writes.
func (r *LedgerRepository) AddPackCreditsTx(ctx context.Context, tx *sql.Tx, clientID string, credits int, countPurchase bool) error {
	return addPackCredits(ctx, tx, clientID, credits, countPurchase)
}

func addPackCredits(ctx context.Context, db execContext, clientID string, credits int, countPurchase bool) error {
	purchaseDelta := 0
	packPurchaseDelta := 0
	if countPurchase {
		purchaseDelta = 1
		if credits > 0 {
			packPurchaseDelta = 1
		}
	}
	const query = `
INSERT INTO client_ledgers (client_id, purchase_count, pack_purchase_count, pack_credits_remaining)
VALUES (?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
    purchase_count = purchase_count + VALUES(purchase_count),
    pack_purchase_count = pack_purchase_count + VALUES(pack_purchase_count),
    pack_credits_remaining = GREATEST(pack_credits_remaining + VALUES(pack_credits_remaining), 0),
    updated_at = NOW()`
	if _, err := db.ExecContext(ctx, query, clientID, purchaseDelta, packPurchaseDelta, credits); err != nil {
		return fmt.Errorf("add pack credits: %w", err)
	}
	return nil
}
