package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/yieldvault/backend/internal/config"
	"github.com/yieldvault/backend/internal/models"
)

func TestRewardService_ClaimDaily(t *testing.T) {
	cfg := config.LoadEngineConfig()
	fixedNow := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	t.Run("writes the claim and the ledger entry together", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewRewardService(db, NewLedgerService(db), cfg)
		service.now = func() time.Time { return fixedNow }

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT id FROM users WHERE id = \$1 FOR UPDATE`).
			WithArgs("user-1").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("user-1"))
		mock.ExpectQuery(`SELECT EXISTS`).
			WithArgs("user-1", models.RewardKindDaily, "2026-03-15").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectExec("INSERT INTO reward_claims").
			WithArgs(sqlmock.AnyArg(), "user-1", models.RewardKindDaily, "2026-03-15",
				decimal.RequireFromString("0.50"), fixedNow).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs(sqlmock.AnyArg(), "user-1", models.EntryKindDailyReward,
				decimal.RequireFromString("0.50"), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		claim, err := service.Claim(context.Background(), "user-1", models.RewardKindDaily)
		assert.NoError(t, err)
		assert.Equal(t, "2026-03-15", claim.PeriodKey)
		assert.True(t, claim.Amount.Equal(decimal.RequireFromString("0.50")))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("second claim on the same day is refused", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewRewardService(db, NewLedgerService(db), cfg)
		service.now = func() time.Time { return fixedNow }

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT id FROM users WHERE id = \$1 FOR UPDATE`).
			WithArgs("user-1").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("user-1"))
		mock.ExpectQuery(`SELECT EXISTS`).
			WithArgs("user-1", models.RewardKindDaily, "2026-03-15").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		mock.ExpectRollback()

		_, err = service.Claim(context.Background(), "user-1", models.RewardKindDaily)
		assert.ErrorIs(t, err, ErrAlreadyClaimed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unique index backstop maps to already claimed", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewRewardService(db, NewLedgerService(db), cfg)
		service.now = func() time.Time { return fixedNow }

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT id FROM users WHERE id = \$1 FOR UPDATE`).
			WithArgs("user-1").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("user-1"))
		mock.ExpectQuery(`SELECT EXISTS`).
			WithArgs("user-1", models.RewardKindDaily, "2026-03-15").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectExec("INSERT INTO reward_claims").
			WillReturnError(&pq.Error{Code: "23505"})
		mock.ExpectRollback()

		_, err = service.Claim(context.Background(), "user-1", models.RewardKindDaily)
		assert.ErrorIs(t, err, ErrAlreadyClaimed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRewardService_ClaimRandom(t *testing.T) {
	cfg := config.LoadEngineConfig()
	fixedNow := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	t.Run("claim inside the cooldown window is refused", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewRewardService(db, NewLedgerService(db), cfg)
		service.now = func() time.Time { return fixedNow }

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT id FROM users WHERE id = \$1 FOR UPDATE`).
			WithArgs("user-1").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("user-1"))
		mock.ExpectQuery(`SELECT MAX\(claimed_at\) FROM reward_claims`).
			WithArgs("user-1", models.RewardKindRandom).
			WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(fixedNow.Add(-time.Hour)))
		mock.ExpectRollback()

		_, err = service.Claim(context.Background(), "user-1", models.RewardKindRandom)
		assert.ErrorIs(t, err, ErrAlreadyClaimed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("claim after the cooldown draws within the bounds", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewRewardService(db, NewLedgerService(db), cfg)
		service.now = func() time.Time { return fixedNow }

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT id FROM users WHERE id = \$1 FOR UPDATE`).
			WithArgs("user-1").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("user-1"))
		mock.ExpectQuery(`SELECT MAX\(claimed_at\) FROM reward_claims`).
			WithArgs("user-1", models.RewardKindRandom).
			WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(fixedNow.Add(-25 * time.Hour)))
		mock.ExpectExec("INSERT INTO reward_claims").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO ledger_entries").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		claim, err := service.Claim(context.Background(), "user-1", models.RewardKindRandom)
		assert.NoError(t, err)
		assert.True(t, claim.Amount.GreaterThanOrEqual(cfg.RandomRewardMin))
		assert.True(t, claim.Amount.LessThanOrEqual(cfg.RandomRewardMax))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("first claim needs no prior window", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewRewardService(db, NewLedgerService(db), cfg)
		service.now = func() time.Time { return fixedNow }

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT id FROM users WHERE id = \$1 FOR UPDATE`).
			WithArgs("user-1").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("user-1"))
		mock.ExpectQuery(`SELECT MAX\(claimed_at\) FROM reward_claims`).
			WithArgs("user-1", models.RewardKindRandom).
			WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
		mock.ExpectExec("INSERT INTO reward_claims").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO ledger_entries").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		claim, err := service.Claim(context.Background(), "user-1", models.RewardKindRandom)
		assert.NoError(t, err)
		assert.False(t, claim.Amount.IsZero())
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRewardService_Status(t *testing.T) {
	cfg := config.LoadEngineConfig()
	fixedNow := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	t.Run("daily claimed today", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewRewardService(db, NewLedgerService(db), cfg)
		service.now = func() time.Time { return fixedNow }

		mock.ExpectQuery(`SELECT EXISTS`).
			WithArgs("user-1", models.RewardKindDaily, "2026-03-15").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		status, err := service.Status(context.Background(), "user-1", models.RewardKindDaily)
		assert.NoError(t, err)
		assert.True(t, status.Claimed)
		assert.NotNil(t, status.NextEligible)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("random eligible after the cooldown", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewRewardService(db, NewLedgerService(db), cfg)
		service.now = func() time.Time { return fixedNow }

		mock.ExpectQuery(`SELECT MAX\(claimed_at\) FROM reward_claims`).
			WithArgs("user-1", models.RewardKindRandom).
			WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(fixedNow.Add(-25 * time.Hour)))

		status, err := service.Status(context.Background(), "user-1", models.RewardKindRandom)
		assert.NoError(t, err)
		assert.False(t, status.Claimed)
		assert.Nil(t, status.NextEligible)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
