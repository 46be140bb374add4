package services

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"github.com/yieldvault/backend/internal/config"
	"github.com/yieldvault/backend/internal/models"
	"go.uber.org/zap"
)

// ReferralService tracks who invited whom and credits tiered commissions when
// an invitee's deposit is approved. The tier is never stored; it is recomputed
// from the live qualifying-invitee count on every credit, so it cannot drift.
type ReferralService struct {
	db     *sql.DB
	ledger *LedgerService
	cfg    *config.EngineConfig
}

func NewReferralService(db *sql.DB, ledger *LedgerService, cfg *config.EngineConfig) *ReferralService {
	return &ReferralService{db: db, ledger: ledger, cfg: cfg}
}

// AttachReferrerTx resolves referrerCode and records the invitee's referral
// relationship inside the registration transaction. An invalid, missing, or
// self-referencing code records nothing; referral is optional and never fails
// a registration.
func (s *ReferralService) AttachReferrerTx(tx *sql.Tx, inviteeID, referrerCode string) error {
	if referrerCode == "" {
		return nil
	}

	var referrerID string
	err := tx.QueryRow(`SELECT id FROM users WHERE referral_code = $1`, referrerCode).Scan(&referrerID)
	if err == sql.ErrNoRows {
		zap.L().Info("referral code did not resolve, registering without referrer",
			zap.String("invitee_id", inviteeID))
		return nil
	}
	if err != nil {
		return err
	}
	if referrerID == inviteeID {
		return nil
	}

	_, err = tx.Exec(`
		INSERT INTO referral_relationships (referrer_id, invitee_id, created_at)
		VALUES ($1, $2, NOW())`, referrerID, inviteeID)
	return err
}

// ReferrerOf returns the invitee's referrer id, or "" when the user registered
// without a code. Relationships are immutable, so this read needs no lock.
func (s *ReferralService) ReferrerOf(ctx context.Context, inviteeID string) (string, error) {
	var referrerID string
	err := s.db.QueryRowContext(ctx,
		`SELECT referrer_id FROM referral_relationships WHERE invitee_id = $1`,
		inviteeID).Scan(&referrerID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return referrerID, err
}

// qualifyingCountTx counts the referrer's invitees that already have at least
// one approved deposit, excluding the deposit currently being approved. That
// exclusion keeps the rate for a threshold-crossing deposit at the old tier;
// only the next deposit sees the new one.
func (s *ReferralService) qualifyingCountTx(tx *sql.Tx, referrerID, excludeTxID string) (int, error) {
	var count int
	err := tx.QueryRow(`
		SELECT COUNT(DISTINCT r.invitee_id)
		FROM referral_relationships r
		JOIN transactions t ON t.user_id = r.invitee_id
		WHERE r.referrer_id = $1
		  AND t.type = 'DEPOSIT'
		  AND t.status = 'APPROVED'
		  AND t.id <> $2`, referrerID, excludeTxID).Scan(&count)
	return count, err
}

// CreditCommissionTx credits the referrer's commission for an approved
// invitee deposit, inside the same transaction that approves the deposit.
// Caller must already hold both user locks. No referrer means no commission.
func (s *ReferralService) CreditCommissionTx(tx *sql.Tx, referrerID string, deposit *models.Transaction) error {
	if referrerID == "" {
		return nil
	}

	qualifying, err := s.qualifyingCountTx(tx, referrerID, deposit.ID)
	if err != nil {
		return err
	}

	rate := s.cfg.TierRateFor(qualifying)
	commission := deposit.Amount.Mul(rate).Round(6)

	if err := s.ledger.AppendTx(tx, &models.LedgerEntry{
		UserID:    referrerID,
		Kind:      models.EntryKindCommission,
		Amount:    commission,
		SourceRef: deposit.ID,
		Note:      fmt.Sprintf("commission on invitee deposit %s", deposit.ID),
	}); err != nil {
		return err
	}

	zap.L().Info("commission credited",
		zap.String("referrer_id", referrerID),
		zap.String("deposit_id", deposit.ID),
		zap.Int("qualifying_invitees", qualifying),
		zap.String("rate", rate.String()),
		zap.String("commission", commission.String()))
	return nil
}

// StatsFor assembles the referrer's derived stats: counts, current rate, total
// commission earned, and the invitee list with qualifying flags.
func (s *ReferralService) StatsFor(ctx context.Context, referrerID string) (*models.ReferralStats, error) {
	var code string
	err := s.db.QueryRowContext(ctx,
		`SELECT referral_code FROM users WHERE id = $1`, referrerID).Scan(&code)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.email, r.created_at,
		       EXISTS (
		           SELECT 1 FROM transactions t
		           WHERE t.user_id = u.id AND t.type = 'DEPOSIT' AND t.status = 'APPROVED'
		       ) AS qualifying
		FROM referral_relationships r
		JOIN users u ON u.id = r.invitee_id
		WHERE r.referrer_id = $1
		ORDER BY r.created_at ASC`, referrerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &models.ReferralStats{
		ReferralCode:    code,
		TotalCommission: decimal.Zero,
		Invitees:        []models.ReferralInvitee{},
	}
	for rows.Next() {
		var inv models.ReferralInvitee
		if err := rows.Scan(&inv.UserID, &inv.Email, &inv.InvitedAt, &inv.Qualifying); err != nil {
			return nil, err
		}
		stats.InvitedCount++
		if inv.Qualifying {
			stats.QualifyingCount++
		}
		stats.Invitees = append(stats.Invitees, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM ledger_entries
		WHERE user_id = $1 AND kind = 'COMMISSION'`, referrerID).Scan(&stats.TotalCommission)
	if err != nil {
		return nil, err
	}

	stats.CommissionRate = s.cfg.TierRateFor(stats.QualifyingCount)
	return stats, nil
}

// GetStats handles the referral stats endpoint
// @Summary Referral stats
// @Description Invite counts, current commission tier, and total commission earned
// @Tags referrals
// @Produce json
// @Success 200 {object} models.ReferralStats
// @Router /referrals/stats [get]
func (s *ReferralService) GetStats(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromRequest(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	stats, err := s.StatsFor(r.Context(), userID)
	if err != nil {
		zap.L().Error("referral stats failed", zap.String("user_id", userID), zap.Error(err))
		SendEngineError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, stats)
}
