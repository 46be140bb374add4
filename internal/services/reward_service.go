package services

import (
	"context"
	"database/sql"
	"math/rand"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/yieldvault/backend/internal/config"
	"github.com/yieldvault/backend/internal/models"
	"go.uber.org/zap"
)

const dailyPeriodLayout = "2006-01-02"

// RewardService enforces once-per-period reward claims. DAILY is keyed by the
// UTC calendar day; RANDOM by a rolling cooldown window measured from the
// user's previous claim. The claim row and its ledger entry are written in one
// transaction under the user lock, with the (user, kind, period) unique index
// as a backstop.
type RewardService struct {
	db     *sql.DB
	ledger *LedgerService
	cfg    *config.EngineConfig
	now    func() time.Time
}

func NewRewardService(db *sql.DB, ledger *LedgerService, cfg *config.EngineConfig) *RewardService {
	return &RewardService{
		db:     db,
		ledger: ledger,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func entryKindFor(rewardKind string) string {
	if rewardKind == models.RewardKindRandom {
		return models.EntryKindRandomReward
	}
	return models.EntryKindDailyReward
}

// drawRandomAmount picks a uniform amount on the configured inclusive bounds.
// The draw happens in cents so the result is exact in decimal.
func (s *RewardService) drawRandomAmount() decimal.Decimal {
	minCents := s.cfg.RandomRewardMin.Mul(decimal.NewFromInt(100)).IntPart()
	maxCents := s.cfg.RandomRewardMax.Mul(decimal.NewFromInt(100)).IntPart()
	if maxCents <= minCents {
		return s.cfg.RandomRewardMin
	}
	cents := rand.Int63n(maxCents-minCents+1) + minCents
	return decimal.New(cents, -2)
}

// Claim attempts the user's claim for the current period. An existing claim
// returns ErrAlreadyClaimed and writes nothing.
func (s *RewardService) Claim(ctx context.Context, userID, kind string) (*models.RewardClaim, error) {
	now := s.now()

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer dbTx.Rollback()

	if err := s.ledger.LockUser(dbTx, userID); err != nil {
		return nil, err
	}

	var periodKey string
	var amount decimal.Decimal
	switch kind {
	case models.RewardKindDaily:
		periodKey = now.Format(dailyPeriodLayout)
		var exists bool
		if err := dbTx.QueryRow(`
			SELECT EXISTS (
				SELECT 1 FROM reward_claims WHERE user_id = $1 AND kind = $2 AND period_key = $3
			)`, userID, kind, periodKey).Scan(&exists); err != nil {
			return nil, err
		}
		if exists {
			return nil, ErrAlreadyClaimed
		}
		amount = s.cfg.DailyRewardAmount
	case models.RewardKindRandom:
		var lastClaim sql.NullTime
		if err := dbTx.QueryRow(`
			SELECT MAX(claimed_at) FROM reward_claims WHERE user_id = $1 AND kind = $2`,
			userID, kind).Scan(&lastClaim); err != nil {
			return nil, err
		}
		if lastClaim.Valid && now.Before(lastClaim.Time.Add(s.cfg.RandomRewardCooldown)) {
			return nil, ErrAlreadyClaimed
		}
		periodKey = now.Format(time.RFC3339)
		amount = s.drawRandomAmount()
	default:
		return nil, ErrNotFound
	}

	claim := &models.RewardClaim{
		ID:        uuid.NewString(),
		UserID:    userID,
		Kind:      kind,
		PeriodKey: periodKey,
		Amount:    amount,
		ClaimedAt: now,
	}

	if _, err := dbTx.Exec(`
		INSERT INTO reward_claims (id, user_id, kind, period_key, amount, claimed_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		claim.ID, claim.UserID, claim.Kind, claim.PeriodKey, claim.Amount, claim.ClaimedAt); err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return nil, ErrAlreadyClaimed
		}
		return nil, err
	}

	if err := s.ledger.AppendTx(dbTx, &models.LedgerEntry{
		UserID:    userID,
		Kind:      entryKindFor(kind),
		Amount:    amount,
		SourceRef: claim.ID,
	}); err != nil {
		return nil, err
	}

	if err := dbTx.Commit(); err != nil {
		return nil, err
	}

	zap.L().Info("reward claimed",
		zap.String("user_id", userID),
		zap.String("kind", kind),
		zap.String("period_key", periodKey),
		zap.String("amount", amount.String()))
	return claim, nil
}

// Status answers whether the current period's claim exists. Read-only.
func (s *RewardService) Status(ctx context.Context, userID, kind string) (*models.RewardStatus, error) {
	now := s.now()
	status := &models.RewardStatus{Kind: kind}

	switch kind {
	case models.RewardKindDaily:
		status.PeriodKey = now.Format(dailyPeriodLayout)
		if err := s.db.QueryRowContext(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM reward_claims WHERE user_id = $1 AND kind = $2 AND period_key = $3
			)`, userID, kind, status.PeriodKey).Scan(&status.Claimed); err != nil {
			return nil, err
		}
		amount := s.cfg.DailyRewardAmount
		status.Amount = &amount
		if status.Claimed {
			next := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
			status.NextEligible = &next
		}
	case models.RewardKindRandom:
		var lastClaim sql.NullTime
		if err := s.db.QueryRowContext(ctx, `
			SELECT MAX(claimed_at) FROM reward_claims WHERE user_id = $1 AND kind = $2`,
			userID, kind).Scan(&lastClaim); err != nil {
			return nil, err
		}
		if lastClaim.Valid {
			next := lastClaim.Time.Add(s.cfg.RandomRewardCooldown)
			status.PeriodKey = lastClaim.Time.Format(time.RFC3339)
			if now.Before(next) {
				status.Claimed = true
				status.NextEligible = &next
			}
		}
	default:
		return nil, ErrNotFound
	}

	return status, nil
}

// ClaimDaily handles the daily reward claim
// @Summary Claim the daily reward
// @Tags rewards
// @Produce json
// @Success 200 {object} models.RewardClaim
// @Failure 409 {object} ErrorResponse
// @Router /rewards/daily/claim [post]
func (s *RewardService) ClaimDaily(w http.ResponseWriter, r *http.Request) {
	s.handleClaim(w, r, models.RewardKindDaily)
}

// ClaimRandom handles the random reward claim
// @Summary Claim the random reward
// @Tags rewards
// @Produce json
// @Success 200 {object} models.RewardClaim
// @Failure 409 {object} ErrorResponse
// @Router /rewards/random/claim [post]
func (s *RewardService) ClaimRandom(w http.ResponseWriter, r *http.Request) {
	s.handleClaim(w, r, models.RewardKindRandom)
}

func (s *RewardService) handleClaim(w http.ResponseWriter, r *http.Request, kind string) {
	userID, ok := UserIDFromRequest(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	claim, err := s.Claim(r.Context(), userID, kind)
	if err != nil {
		if err != ErrAlreadyClaimed {
			zap.L().Error("reward claim failed", zap.String("user_id", userID),
				zap.String("kind", kind), zap.Error(err))
		}
		SendEngineError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{"claim": claim})
}

// DailyStatus handles the daily reward status read
// @Summary Daily reward status
// @Tags rewards
// @Produce json
// @Success 200 {object} models.RewardStatus
// @Router /rewards/daily/status [get]
func (s *RewardService) DailyStatus(w http.ResponseWriter, r *http.Request) {
	s.handleStatus(w, r, models.RewardKindDaily)
}

// RandomStatus handles the random reward status read
// @Summary Random reward status
// @Tags rewards
// @Produce json
// @Success 200 {object} models.RewardStatus
// @Router /rewards/random/status [get]
func (s *RewardService) RandomStatus(w http.ResponseWriter, r *http.Request) {
	s.handleStatus(w, r, models.RewardKindRandom)
}

func (s *RewardService) handleStatus(w http.ResponseWriter, r *http.Request, kind string) {
	userID, ok := UserIDFromRequest(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	status, err := s.Status(r.Context(), userID, kind)
	if err != nil {
		zap.L().Error("reward status failed", zap.String("user_id", userID),
			zap.String("kind", kind), zap.Error(err))
		SendEngineError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, status)
}
