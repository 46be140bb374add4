package services

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/yieldvault/backend/internal/config"
	"github.com/yieldvault/backend/internal/models"
	"go.uber.org/zap"
)

// TransactionService validates and commits deposit and withdrawal requests
// through the PENDING -> APPROVED/REJECTED lifecycle. It is one of the two
// writers of ledger entries; the referral commission rides inside the deposit
// approval transaction so the two can never be observed apart.
type TransactionService struct {
	db        *sql.DB
	redis     *redis.Client
	ledger    *LedgerService
	referrals *ReferralService
	validator *ValidationHelper
	cfg       *config.EngineConfig
}

var addressPattern = regexp.MustCompile(`^[a-zA-Z0-9]{20,128}$`)

func NewTransactionService(db *sql.DB, redisClient *redis.Client, ledger *LedgerService, referrals *ReferralService, cfg *config.EngineConfig) *TransactionService {
	return &TransactionService{
		db:        db,
		redis:     redisClient,
		ledger:    ledger,
		referrals: referrals,
		validator: NewValidationHelper(),
		cfg:       cfg,
	}
}

// DepositRequest is the payload for creating a pending deposit
// @Description Deposit request structure
type DepositRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency" validate:"required,uppercase"`
	Network     string          `json:"network" validate:"required,uppercase"`
	ExternalRef string          `json:"externalRef" validate:"required,min=8,max=128"` // on-chain tx hash
}

// WithdrawalRequest is the payload for creating a pending withdrawal
// @Description Withdrawal request structure
type WithdrawalRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Destination string          `json:"destination,omitempty"` // defaults to the stored payout wallet
}

// RequestDeposit handles deposit creation
// @Summary Request a deposit
// @Description Create a PENDING deposit awaiting approval; no balance effect yet
// @Tags transactions
// @Accept json
// @Produce json
// @Param request body DepositRequest true "Deposit request"
// @Param Idempotency-Key header string false "Client retry token"
// @Success 201 {object} models.Transaction
// @Failure 400 {object} ErrorResponse
// @Router /deposits [post]
func (ts *TransactionService) RequestDeposit(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromRequest(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req DepositRequest
	if !DecodeJSONBody(w, r, &req) {
		return
	}
	if err := ts.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}
	if !req.Amount.IsPositive() {
		SendErrorResponse(w, "Amount must be positive", http.StatusBadRequest, nil)
		return
	}
	if !ts.cfg.SupportsCurrency(req.Currency) {
		SendErrorResponse(w, "Unsupported currency", http.StatusBadRequest, nil)
		return
	}
	if !ts.cfg.SupportsNetwork(req.Network) {
		SendErrorResponse(w, "Unsupported network", http.StatusBadRequest, nil)
		return
	}

	txn := &models.Transaction{
		ID:             uuid.NewString(),
		UserID:         userID,
		Type:           models.TransactionTypeDeposit,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Network:        req.Network,
		ExternalRef:    req.ExternalRef,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		Status:         models.TransactionStatusPending,
	}

	existing, err := ts.createPending(r.Context(), txn)
	if err != nil {
		zap.L().Error("deposit request failed", zap.String("user_id", userID), zap.Error(err))
		SendEngineError(w, err)
		return
	}
	if existing != nil {
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"transaction": existing,
			"replayed":    true,
		})
		return
	}

	zap.L().Info("deposit requested",
		zap.String("user_id", userID),
		zap.String("transaction_id", txn.ID),
		zap.String("amount", txn.Amount.String()))
	WriteJSON(w, http.StatusCreated, map[string]interface{}{"transaction": txn})
}

// RequestWithdrawal handles withdrawal creation
// @Summary Request a withdrawal
// @Description Create a PENDING withdrawal after a request-time balance check
// @Tags transactions
// @Accept json
// @Produce json
// @Param request body WithdrawalRequest true "Withdrawal request"
// @Param Idempotency-Key header string false "Client retry token"
// @Success 201 {object} models.Transaction
// @Failure 400 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /withdrawals [post]
func (ts *TransactionService) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromRequest(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req WithdrawalRequest
	if !DecodeJSONBody(w, r, &req) {
		return
	}
	if !req.Amount.IsPositive() {
		SendErrorResponse(w, "Amount must be positive", http.StatusBadRequest, nil)
		return
	}

	destination := req.Destination
	if destination == "" {
		if err := ts.db.QueryRowContext(r.Context(),
			`SELECT COALESCE(wallet_address, '') FROM users WHERE id = $1`, userID).
			Scan(&destination); err != nil {
			SendEngineError(w, err)
			return
		}
	}
	if !addressPattern.MatchString(destination) {
		SendErrorResponse(w, "Malformed destination address", http.StatusBadRequest, nil)
		return
	}

	// Request-time check only; approval re-validates under the user lock.
	balance, err := ts.ledger.BalanceOf(r.Context(), userID)
	if err != nil {
		SendEngineError(w, err)
		return
	}
	if balance.LessThan(req.Amount) {
		SendEngineError(w, ErrInsufficientBalance)
		return
	}

	txn := &models.Transaction{
		ID:             uuid.NewString(),
		UserID:         userID,
		Type:           models.TransactionTypeWithdrawal,
		Amount:         req.Amount,
		Currency:       ts.cfg.PrimaryCurrency(),
		Destination:    destination,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		Status:         models.TransactionStatusPending,
	}

	existing, err := ts.createPending(r.Context(), txn)
	if err != nil {
		zap.L().Error("withdrawal request failed", zap.String("user_id", userID), zap.Error(err))
		SendEngineError(w, err)
		return
	}
	if existing != nil {
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"transaction": existing,
			"replayed":    true,
		})
		return
	}

	zap.L().Info("withdrawal requested",
		zap.String("user_id", userID),
		zap.String("transaction_id", txn.ID),
		zap.String("amount", txn.Amount.String()))
	WriteJSON(w, http.StatusCreated, map[string]interface{}{"transaction": txn})
}

// createPending inserts the PENDING row. When the idempotency key has been
// seen before, the original transaction is returned instead of a new one:
// redis answers retries cheaply, the unique index answers them correctly.
func (ts *TransactionService) createPending(ctx context.Context, txn *models.Transaction) (*models.Transaction, error) {
	if txn.IdempotencyKey != "" && ts.redis != nil {
		rkey := idempotencyCacheKey(txn)
		if id, err := ts.redis.Get(ctx, rkey).Result(); err == nil && id != "" {
			if existing, err := ts.getByID(ctx, id); err == nil {
				return existing, nil
			}
		}
	}

	var idemKey sql.NullString
	if txn.IdempotencyKey != "" {
		idemKey = sql.NullString{String: txn.IdempotencyKey, Valid: true}
	}

	err := ts.db.QueryRowContext(ctx, `
		INSERT INTO transactions (id, user_id, type, amount, currency, network, external_ref, destination, idempotency_key, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		RETURNING created_at`,
		txn.ID, txn.UserID, txn.Type, txn.Amount, txn.Currency, txn.Network,
		txn.ExternalRef, txn.Destination, idemKey, txn.Status).Scan(&txn.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			existing, ferr := ts.getByIdempotencyKey(ctx, txn.UserID, txn.Type, txn.IdempotencyKey)
			if ferr == nil && existing != nil {
				return existing, nil
			}
			return nil, ErrConflict
		}
		return nil, err
	}

	if txn.IdempotencyKey != "" && ts.redis != nil {
		ts.redis.SetNX(ctx, idempotencyCacheKey(txn), txn.ID, ts.cfg.IdempotencyKeyTTL)
	}
	return nil, nil
}

func idempotencyCacheKey(txn *models.Transaction) string {
	return fmt.Sprintf("idempotency:%s:%s:%s", txn.Type, txn.UserID, txn.IdempotencyKey)
}

const transactionColumns = `id, user_id, type, amount, currency, network, external_ref, destination, status, reject_reason, created_at, decided_at`

func scanTransaction(row interface{ Scan(...any) error }) (*models.Transaction, error) {
	var txn models.Transaction
	var network, externalRef, destination, rejectReason sql.NullString
	var decidedAt sql.NullTime
	err := row.Scan(&txn.ID, &txn.UserID, &txn.Type, &txn.Amount, &txn.Currency,
		&network, &externalRef, &destination, &txn.Status, &rejectReason,
		&txn.CreatedAt, &decidedAt)
	if err != nil {
		return nil, err
	}
	txn.Network = network.String
	txn.ExternalRef = externalRef.String
	txn.Destination = destination.String
	txn.RejectReason = rejectReason.String
	if decidedAt.Valid {
		txn.DecidedAt = &decidedAt.Time
	}
	return &txn, nil
}

func (ts *TransactionService) getByID(ctx context.Context, id string) (*models.Transaction, error) {
	row := ts.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	txn, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return txn, err
}

func (ts *TransactionService) getByIdempotencyKey(ctx context.Context, userID, txType, key string) (*models.Transaction, error) {
	row := ts.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE user_id = $1 AND type = $2 AND idempotency_key = $3`,
		userID, txType, key)
	txn, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return txn, err
}

// getForUpdate locks the transaction row itself so two approvers working the
// same queue item serialize on it.
func (ts *TransactionService) getForUpdate(tx *sql.Tx, id, txType string) (*models.Transaction, error) {
	row := tx.QueryRow(
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1 AND type = $2 FOR UPDATE`,
		id, txType)
	txn, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return txn, err
}

func (ts *TransactionService) markDecided(tx *sql.Tx, txn *models.Transaction, status, reason string) error {
	now := time.Now().UTC()
	_, err := tx.Exec(`
		UPDATE transactions SET status = $1, reject_reason = $2, decided_at = $3 WHERE id = $4`,
		status, reason, now, txn.ID)
	if err != nil {
		return err
	}
	txn.Status = status
	txn.RejectReason = reason
	txn.DecidedAt = &now
	return nil
}

// approveDeposit flips the deposit to APPROVED, credits the ledger, and pays
// the referral commission, all in one database transaction.
func (ts *TransactionService) approveDeposit(ctx context.Context, txID string) (*models.Transaction, error) {
	referrerID := ""

	dbTx, err := ts.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer dbTx.Rollback()

	txn, err := ts.getForUpdate(dbTx, txID, models.TransactionTypeDeposit)
	if err != nil {
		return nil, err
	}
	if txn.Status == models.TransactionStatusApproved {
		// Retried admin action; already done.
		return txn, nil
	}
	if txn.Status == models.TransactionStatusRejected {
		return nil, ErrConflict
	}

	if err := dbTx.QueryRow(
		`SELECT COALESCE((SELECT referrer_id FROM referral_relationships WHERE invitee_id = $1), '')`,
		txn.UserID).Scan(&referrerID); err != nil {
		return nil, err
	}

	lockIDs := []string{txn.UserID}
	if referrerID != "" {
		lockIDs = append(lockIDs, referrerID)
	}
	if err := ts.ledger.LockUsers(dbTx, lockIDs...); err != nil {
		return nil, err
	}

	if err := ts.markDecided(dbTx, txn, models.TransactionStatusApproved, ""); err != nil {
		return nil, err
	}

	if err := ts.ledger.AppendTx(dbTx, &models.LedgerEntry{
		UserID:    txn.UserID,
		Kind:      models.EntryKindDeposit,
		Amount:    txn.Amount,
		SourceRef: txn.ID,
	}); err != nil {
		return nil, err
	}

	if err := ts.referrals.CreditCommissionTx(dbTx, referrerID, txn); err != nil {
		return nil, err
	}

	if err := dbTx.Commit(); err != nil {
		return nil, err
	}

	zap.L().Info("deposit approved",
		zap.String("transaction_id", txn.ID),
		zap.String("user_id", txn.UserID),
		zap.String("amount", txn.Amount.String()))
	return txn, nil
}

// approveWithdrawal re-validates the balance against the current ledger under
// the user lock. Funds may have moved since the request; an insufficient
// balance flips the withdrawal to REJECTED instead of silently succeeding.
func (ts *TransactionService) approveWithdrawal(ctx context.Context, txID string) (*models.Transaction, error) {
	dbTx, err := ts.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer dbTx.Rollback()

	txn, err := ts.getForUpdate(dbTx, txID, models.TransactionTypeWithdrawal)
	if err != nil {
		return nil, err
	}
	if txn.Status == models.TransactionStatusApproved {
		return txn, nil
	}
	if txn.Status == models.TransactionStatusRejected {
		return nil, ErrConflict
	}

	if err := ts.ledger.LockUser(dbTx, txn.UserID); err != nil {
		return nil, err
	}

	balance, err := ts.ledger.BalanceOfTx(dbTx, txn.UserID)
	if err != nil {
		return nil, err
	}

	if balance.LessThan(txn.Amount) {
		if err := ts.markDecided(dbTx, txn, models.TransactionStatusRejected, CodeInsufficientBalance); err != nil {
			return nil, err
		}
		if err := dbTx.Commit(); err != nil {
			return nil, err
		}
		zap.L().Warn("withdrawal rejected at approval, balance moved",
			zap.String("transaction_id", txn.ID),
			zap.String("user_id", txn.UserID),
			zap.String("balance", balance.String()),
			zap.String("amount", txn.Amount.String()))
		return txn, nil
	}

	if err := ts.markDecided(dbTx, txn, models.TransactionStatusApproved, ""); err != nil {
		return nil, err
	}

	if err := ts.ledger.AppendTx(dbTx, &models.LedgerEntry{
		UserID:    txn.UserID,
		Kind:      models.EntryKindWithdrawal,
		Amount:    txn.Amount.Neg(),
		SourceRef: txn.ID,
	}); err != nil {
		return nil, err
	}

	if err := dbTx.Commit(); err != nil {
		return nil, err
	}

	zap.L().Info("withdrawal approved",
		zap.String("transaction_id", txn.ID),
		zap.String("user_id", txn.UserID),
		zap.String("amount", txn.Amount.String()))
	return txn, nil
}

// reject moves a pending transaction to REJECTED with no ledger effect.
// Rejecting an already-terminal transaction is a no-op so retried admin
// actions do not error.
func (ts *TransactionService) reject(ctx context.Context, txID, txType, reason string) (*models.Transaction, error) {
	dbTx, err := ts.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer dbTx.Rollback()

	txn, err := ts.getForUpdate(dbTx, txID, txType)
	if err != nil {
		return nil, err
	}
	if txn.Terminal() {
		return txn, nil
	}

	if err := ts.markDecided(dbTx, txn, models.TransactionStatusRejected, reason); err != nil {
		return nil, err
	}
	if err := dbTx.Commit(); err != nil {
		return nil, err
	}

	zap.L().Info("transaction rejected",
		zap.String("transaction_id", txn.ID),
		zap.String("type", txType),
		zap.String("reason", reason))
	return txn, nil
}

// ApproveDeposit handles admin deposit approval
// @Summary Approve a deposit
// @Tags admin
// @Produce json
// @Param txId path string true "Transaction ID"
// @Success 200 {object} models.Transaction
// @Router /admin/deposits/{txId}/approve [post]
func (ts *TransactionService) ApproveDeposit(w http.ResponseWriter, r *http.Request) {
	txn, err := ts.approveDeposit(r.Context(), chi.URLParam(r, "txId"))
	if err != nil {
		zap.L().Error("deposit approval failed", zap.String("transaction_id", chi.URLParam(r, "txId")), zap.Error(err))
		SendEngineError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"transaction": txn})
}

// ApproveWithdrawal handles admin withdrawal approval
// @Summary Approve a withdrawal
// @Tags admin
// @Produce json
// @Param txId path string true "Transaction ID"
// @Success 200 {object} models.Transaction
// @Router /admin/withdrawals/{txId}/approve [post]
func (ts *TransactionService) ApproveWithdrawal(w http.ResponseWriter, r *http.Request) {
	txn, err := ts.approveWithdrawal(r.Context(), chi.URLParam(r, "txId"))
	if err != nil {
		zap.L().Error("withdrawal approval failed", zap.String("transaction_id", chi.URLParam(r, "txId")), zap.Error(err))
		SendEngineError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"transaction": txn})
}

// RejectRequest carries the operator's rejection reason
type RejectRequest struct {
	Reason string `json:"reason" validate:"required,min=3,max=200"`
}

// RejectDeposit handles admin deposit rejection
// @Summary Reject a deposit
// @Tags admin
// @Accept json
// @Produce json
// @Param txId path string true "Transaction ID"
// @Param request body RejectRequest true "Rejection reason"
// @Success 200 {object} models.Transaction
// @Router /admin/deposits/{txId}/reject [post]
func (ts *TransactionService) RejectDeposit(w http.ResponseWriter, r *http.Request) {
	ts.handleReject(w, r, models.TransactionTypeDeposit)
}

// RejectWithdrawal handles admin withdrawal rejection
// @Summary Reject a withdrawal
// @Tags admin
// @Accept json
// @Produce json
// @Param txId path string true "Transaction ID"
// @Param request body RejectRequest true "Rejection reason"
// @Success 200 {object} models.Transaction
// @Router /admin/withdrawals/{txId}/reject [post]
func (ts *TransactionService) RejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	ts.handleReject(w, r, models.TransactionTypeWithdrawal)
}

func (ts *TransactionService) handleReject(w http.ResponseWriter, r *http.Request, txType string) {
	var req RejectRequest
	if !DecodeJSONBody(w, r, &req) {
		return
	}
	if err := ts.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	txn, err := ts.reject(r.Context(), chi.URLParam(r, "txId"), txType, req.Reason)
	if err != nil {
		zap.L().Error("rejection failed", zap.String("transaction_id", chi.URLParam(r, "txId")), zap.Error(err))
		SendEngineError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"transaction": txn})
}

// ListTransactions handles the caller's transaction history
// @Summary List transactions
// @Tags transactions
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /transactions [get]
func (ts *TransactionService) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromRequest(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	rows, err := ts.db.QueryContext(r.Context(),
		`SELECT `+transactionColumns+` FROM transactions WHERE user_id = $1 ORDER BY created_at DESC`,
		userID)
	if err != nil {
		SendEngineError(w, err)
		return
	}
	defer rows.Close()

	transactions := []*models.Transaction{}
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			SendEngineError(w, err)
			return
		}
		transactions = append(transactions, txn)
	}
	if err := rows.Err(); err != nil {
		SendEngineError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": transactions,
		"count":        len(transactions),
	})
}

// GetTransaction handles single transaction lookup
// @Summary Get one transaction
// @Tags transactions
// @Produce json
// @Param txId path string true "Transaction ID"
// @Success 200 {object} models.Transaction
// @Router /transactions/{txId} [get]
func (ts *TransactionService) GetTransaction(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromRequest(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	txn, err := ts.getByID(r.Context(), chi.URLParam(r, "txId"))
	if err != nil {
		SendEngineError(w, err)
		return
	}
	if txn.UserID != userID {
		SendEngineError(w, ErrNotFound)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{"transaction": txn})
}
