package services

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/yieldvault/backend/internal/models"
	"go.uber.org/zap"
)

// LedgerService owns the append-only ledger. Appending an entry is the only
// write; balance is always recomputed from the entries, never cached in a
// column. Every conditional append (withdrawal approval, reward claim,
// commission) runs inside a transaction that holds the user's row lock, so
// check-then-append is a single atomic unit per user.
type LedgerService struct {
	db *sql.DB
}

func NewLedgerService(db *sql.DB) *LedgerService {
	return &LedgerService{db: db}
}

// LockUser acquires the per-user serialization lock for the duration of tx.
// All balance-affecting operations for a user funnel through this lock;
// operations on different users proceed in parallel.
func (s *LedgerService) LockUser(tx *sql.Tx, userID string) error {
	var id string
	err := tx.QueryRow(`SELECT id FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&id)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	return err
}

// LockUsers locks several user rows in ascending id order so two operations
// touching the same pair can never deadlock.
func (s *LedgerService) LockUsers(tx *sql.Tx, userIDs ...string) error {
	ordered := make([]string, len(userIDs))
	copy(ordered, userIDs)
	for i := 0; i < len(ordered); i++ {
		for j := i + 1; j < len(ordered); j++ {
			if ordered[j] < ordered[i] {
				ordered[i], ordered[j] = ordered[j], ordered[i]
			}
		}
	}
	for _, id := range ordered {
		if err := s.LockUser(tx, id); err != nil {
			return err
		}
	}
	return nil
}

// AppendTx appends one ledger entry inside the caller's transaction. A zero
// amount is a no-op. A duplicate (kind, source_ref) pair is rejected with
// ErrConflict so a retried approval or claim cannot credit twice.
func (s *LedgerService) AppendTx(tx *sql.Tx, entry *models.LedgerEntry) error {
	if entry.Amount.IsZero() {
		zap.L().Warn("skipping zero-amount ledger entry",
			zap.String("user_id", entry.UserID), zap.String("kind", entry.Kind))
		return nil
	}
	if entry.SourceRef == "" {
		return fmt.Errorf("ledger entry requires a source reference")
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := tx.Exec(`
		INSERT INTO ledger_entries (id, user_id, kind, amount, source_ref, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.UserID, entry.Kind, entry.Amount, entry.SourceRef, entry.Note, entry.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			zap.L().Warn("duplicate ledger append rejected",
				zap.String("kind", entry.Kind), zap.String("source_ref", entry.SourceRef))
			return ErrConflict
		}
		return err
	}
	return nil
}

// BalanceOfTx computes the user's spendable balance inside the caller's
// transaction. This is the approval-time check; callers must hold the user
// lock so the sum cannot move under them.
func (s *LedgerService) BalanceOfTx(tx *sql.Tx, userID string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := tx.QueryRow(`
		SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE user_id = $1`,
		userID).Scan(&balance)
	return balance, err
}

// BalanceOf is the read-only projection used by display paths. Repeated calls
// with no intervening writes return identical results.
func (s *LedgerService) BalanceOf(ctx context.Context, userID string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE user_id = $1`,
		userID).Scan(&balance)
	return balance, err
}

// EntriesFor returns the user's entries in commit order. Reports replay the
// ledger chronologically, so the ordering is part of the contract.
func (s *LedgerService) EntriesFor(ctx context.Context, userID string) ([]models.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, kind, amount, source_ref, note, created_at
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY created_at ASC, id ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Kind, &e.Amount, &e.SourceRef, &e.Note, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetBalance handles the balance read endpoint
// @Summary Get current balance
// @Description Current spendable balance projected from the ledger
// @Tags ledger
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /balance [get]
func (s *LedgerService) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromRequest(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	balance, err := s.BalanceOf(r.Context(), userID)
	if err != nil {
		zap.L().Error("balance projection failed", zap.String("user_id", userID), zap.Error(err))
		SendEngineError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"balance":  balance,
		"currency": "USDT",
	})
}

// ListEntries handles the ledger history endpoint
// @Summary List ledger entries
// @Description Chronological list of the caller's balance-affecting events
// @Tags ledger
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /ledger [get]
func (s *LedgerService) ListEntries(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromRequest(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	entries, err := s.EntriesFor(r.Context(), userID)
	if err != nil {
		zap.L().Error("ledger read failed", zap.String("user_id", userID), zap.Error(err))
		SendEngineError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}
