package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/yieldvault/backend/internal/models"
)

func TestLedgerService_AppendTx(t *testing.T) {
	t.Run("appends entry inside the transaction", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewLedgerService(db)

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs(sqlmock.AnyArg(), "user-1", models.EntryKindDeposit, decimal.RequireFromString("100.00"),
				"tx-1", "", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		tx, err := db.Begin()
		assert.NoError(t, err)

		entry := &models.LedgerEntry{
			UserID:    "user-1",
			Kind:      models.EntryKindDeposit,
			Amount:    decimal.RequireFromString("100.00"),
			SourceRef: "tx-1",
		}
		err = service.AppendTx(tx, entry)
		assert.NoError(t, err)
		assert.NotEmpty(t, entry.ID)
		assert.False(t, entry.CreatedAt.IsZero())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("zero amount writes nothing", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewLedgerService(db)

		mock.ExpectBegin()
		tx, err := db.Begin()
		assert.NoError(t, err)

		err = service.AppendTx(tx, &models.LedgerEntry{
			UserID:    "user-1",
			Kind:      models.EntryKindAdjustment,
			Amount:    decimal.Zero,
			SourceRef: "adj-1",
		})
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing source ref is rejected", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewLedgerService(db)

		mock.ExpectBegin()
		tx, err := db.Begin()
		assert.NoError(t, err)

		err = service.AppendTx(tx, &models.LedgerEntry{
			UserID: "user-1",
			Kind:   models.EntryKindDeposit,
			Amount: decimal.RequireFromString("10.00"),
		})
		assert.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate source ref returns conflict", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewLedgerService(db)

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO ledger_entries").
			WillReturnError(&pq.Error{Code: "23505"})

		tx, err := db.Begin()
		assert.NoError(t, err)

		err = service.AppendTx(tx, &models.LedgerEntry{
			UserID:    "user-1",
			Kind:      models.EntryKindDeposit,
			Amount:    decimal.RequireFromString("100.00"),
			SourceRef: "tx-1",
		})
		assert.ErrorIs(t, err, ErrConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerService_LockUser(t *testing.T) {
	t.Run("acquires the user row lock", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewLedgerService(db)

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT id FROM users WHERE id = \$1 FOR UPDATE`).
			WithArgs("user-1").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("user-1"))

		tx, err := db.Begin()
		assert.NoError(t, err)

		err = service.LockUser(tx, "user-1")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown user is not found", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewLedgerService(db)

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT id FROM users WHERE id = \$1 FOR UPDATE`).
			WithArgs("missing").
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		tx, err := db.Begin()
		assert.NoError(t, err)

		err = service.LockUser(tx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerService_LockUsers_Ordering(t *testing.T) {
	// Locks must be taken in ascending id order regardless of argument order,
	// otherwise two concurrent approvals on the same pair can deadlock.
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM users WHERE id = \$1 FOR UPDATE`).
		WithArgs("aaa-referrer").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("aaa-referrer"))
	mock.ExpectQuery(`SELECT id FROM users WHERE id = \$1 FOR UPDATE`).
		WithArgs("zzz-invitee").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("zzz-invitee"))

	tx, err := db.Begin()
	assert.NoError(t, err)

	err = service.LockUsers(tx, "zzz-invitee", "aaa-referrer")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerService_BalanceOf(t *testing.T) {
	t.Run("projects the entry sum", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewLedgerService(db)

		mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\) FROM ledger_entries WHERE user_id = \$1`).
			WithArgs("user-1").
			WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("125.50"))

		balance, err := service.BalanceOf(context.Background(), "user-1")
		assert.NoError(t, err)
		assert.True(t, balance.Equal(decimal.RequireFromString("125.50")))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty ledger is zero", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewLedgerService(db)

		mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\) FROM ledger_entries WHERE user_id = \$1`).
			WithArgs("user-2").
			WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("0"))

		balance, err := service.BalanceOf(context.Background(), "user-2")
		assert.NoError(t, err)
		assert.True(t, balance.IsZero())
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerService_EntriesFor(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "user_id", "kind", "amount", "source_ref", "note", "created_at"}).
		AddRow("e1", "user-1", models.EntryKindDeposit, "100.00", "tx-1", "", base).
		AddRow("e2", "user-1", models.EntryKindWithdrawal, "-40.00", "tx-2", "", base.Add(time.Hour))

	mock.ExpectQuery(`SELECT id, user_id, kind, amount, source_ref, note, created_at`).
		WithArgs("user-1").
		WillReturnRows(rows)

	entries, err := service.EntriesFor(context.Background(), "user-1")
	assert.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Equal(t, "e1", entries[0].ID)
	assert.Equal(t, models.EntryKindDeposit, entries[0].Kind)
	assert.True(t, entries[1].Amount.Equal(decimal.RequireFromString("-40.00")))
	assert.NoError(t, mock.ExpectationsWereMet())
}
