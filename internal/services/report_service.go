package services

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/yieldvault/backend/internal/models"
	"go.uber.org/zap"
)

const reportDateLayout = "2006-01-02"

// ReportService serves the admin financial and user reports. Reports read the
// ledger and transaction tables directly but never write; the ledger stays the
// single source of truth. Balance corrections are ADJUSTMENT ledger entries
// with an audit reason, so administrative action can never break the
// balance-equals-sum invariant.
type ReportService struct {
	db        *sql.DB
	ledger    *LedgerService
	validator *ValidationHelper
}

func NewReportService(db *sql.DB, ledger *LedgerService) *ReportService {
	return &ReportService{db: db, ledger: ledger, validator: NewValidationHelper()}
}

// KindTotal is one row of the financial report
type KindTotal struct {
	Kind  string          `json:"kind"`
	Total decimal.Decimal `json:"total"`
	Count int             `json:"count"`
}

// FinancialReport aggregates ledger activity over a date range
// @Summary Financial report
// @Description Ledger totals per entry kind and pending queue sizes
// @Tags admin
// @Produce json
// @Param from query string false "Start date (YYYY-MM-DD)"
// @Param to query string false "End date (YYYY-MM-DD)"
// @Success 200 {object} map[string]interface{}
// @Router /admin/reports/financial [get]
func (s *ReportService) FinancialReport(w http.ResponseWriter, r *http.Request) {
	to := time.Now().UTC()
	from := to.AddDate(0, 0, -30)
	if v := r.URL.Query().Get("from"); v != "" {
		parsed, err := time.Parse(reportDateLayout, v)
		if err != nil {
			SendErrorResponse(w, "Invalid 'from' date", http.StatusBadRequest, nil)
			return
		}
		from = parsed
	}
	if v := r.URL.Query().Get("to"); v != "" {
		parsed, err := time.Parse(reportDateLayout, v)
		if err != nil {
			SendErrorResponse(w, "Invalid 'to' date", http.StatusBadRequest, nil)
			return
		}
		to = parsed.Add(24 * time.Hour)
	}

	rows, err := s.db.QueryContext(r.Context(), `
		SELECT kind, COALESCE(SUM(amount), 0), COUNT(*)
		FROM ledger_entries
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY kind
		ORDER BY kind`, from, to)
	if err != nil {
		zap.L().Error("financial report query failed", zap.Error(err))
		SendEngineError(w, err)
		return
	}
	defer rows.Close()

	totals := []KindTotal{}
	for rows.Next() {
		var kt KindTotal
		if err := rows.Scan(&kt.Kind, &kt.Total, &kt.Count); err != nil {
			SendEngineError(w, err)
			return
		}
		totals = append(totals, kt)
	}
	if err := rows.Err(); err != nil {
		SendEngineError(w, err)
		return
	}

	pending := map[string]int{}
	prows, err := s.db.QueryContext(r.Context(), `
		SELECT type, COUNT(*) FROM transactions WHERE status = 'PENDING' GROUP BY type`)
	if err != nil {
		SendEngineError(w, err)
		return
	}
	defer prows.Close()
	for prows.Next() {
		var txType string
		var count int
		if err := prows.Scan(&txType, &count); err != nil {
			SendEngineError(w, err)
			return
		}
		pending[txType] = count
	}
	if err := prows.Err(); err != nil {
		SendEngineError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"from":    from.Format(reportDateLayout),
		"to":      to.Format(reportDateLayout),
		"totals":  totals,
		"pending": pending,
	})
}

// UserReportRow is one row of the per-user report
type UserReportRow struct {
	UserID          string          `json:"userId"`
	Email           string          `json:"email"`
	Balance         decimal.Decimal `json:"balance"`
	TotalDeposited  decimal.Decimal `json:"totalDeposited"`
	TotalWithdrawn  decimal.Decimal `json:"totalWithdrawn"`
	TotalCommission decimal.Decimal `json:"totalCommission"`
	QualifyingCount int             `json:"qualifyingCount"`
}

// UserReport lists per-user balances projected from the ledger
// @Summary Per-user report
// @Description Balance and activity totals per user, folded from the ledger
// @Tags admin
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /admin/reports/users [get]
func (s *ReportService) UserReport(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.QueryContext(r.Context(), `
		SELECT u.id, u.email,
		       COALESCE(SUM(l.amount), 0) AS balance,
		       COALESCE(SUM(l.amount) FILTER (WHERE l.kind = 'DEPOSIT'), 0) AS deposited,
		       COALESCE(-SUM(l.amount) FILTER (WHERE l.kind = 'WITHDRAWAL'), 0) AS withdrawn,
		       COALESCE(SUM(l.amount) FILTER (WHERE l.kind = 'COMMISSION'), 0) AS commission,
		       (
		           SELECT COUNT(DISTINCT r.invitee_id)
		           FROM referral_relationships r
		           JOIN transactions t ON t.user_id = r.invitee_id
		           WHERE r.referrer_id = u.id AND t.type = 'DEPOSIT' AND t.status = 'APPROVED'
		       ) AS qualifying
		FROM users u
		LEFT JOIN ledger_entries l ON l.user_id = u.id
		GROUP BY u.id, u.email
		ORDER BY u.created_at ASC`)
	if err != nil {
		zap.L().Error("user report query failed", zap.Error(err))
		SendEngineError(w, err)
		return
	}
	defer rows.Close()

	report := []UserReportRow{}
	for rows.Next() {
		var row UserReportRow
		if err := rows.Scan(&row.UserID, &row.Email, &row.Balance, &row.TotalDeposited,
			&row.TotalWithdrawn, &row.TotalCommission, &row.QualifyingCount); err != nil {
			SendEngineError(w, err)
			return
		}
		report = append(report, row)
	}
	if err := rows.Err(); err != nil {
		SendEngineError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"users": report,
		"count": len(report),
	})
}

// AdjustmentRequest is a manual balance correction
// @Description Admin balance adjustment; amount is signed
type AdjustmentRequest struct {
	UserID string          `json:"userId" validate:"required,uuid4"`
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason" validate:"required,min=5,max=200"`
}

// CreateAdjustment posts an audited balance correction
// @Summary Post a balance adjustment
// @Description Correction as an ADJUSTMENT ledger entry with a mandatory reason
// @Tags admin
// @Accept json
// @Produce json
// @Param request body AdjustmentRequest true "Adjustment request"
// @Success 201 {object} models.LedgerEntry
// @Failure 422 {object} ErrorResponse
// @Router /admin/adjustments [post]
func (s *ReportService) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	actorID, _ := UserIDFromRequest(r)

	var req AdjustmentRequest
	if !DecodeJSONBody(w, r, &req) {
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}
	if req.Amount.IsZero() {
		SendErrorResponse(w, "Amount must be non-zero", http.StatusBadRequest, nil)
		return
	}

	entry := &models.LedgerEntry{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		Kind:      models.EntryKindAdjustment,
		Amount:    req.Amount,
		Note:      req.Reason + " (by " + actorID + ")",
	}
	entry.SourceRef = entry.ID

	dbTx, err := s.db.BeginTx(r.Context(), nil)
	if err != nil {
		SendEngineError(w, err)
		return
	}
	defer dbTx.Rollback()

	if err := s.ledger.LockUser(dbTx, req.UserID); err != nil {
		SendEngineError(w, err)
		return
	}

	if req.Amount.IsNegative() {
		balance, err := s.ledger.BalanceOfTx(dbTx, req.UserID)
		if err != nil {
			SendEngineError(w, err)
			return
		}
		// A correction may not push the balance negative.
		if balance.Add(req.Amount).IsNegative() {
			SendEngineError(w, ErrInsufficientBalance)
			return
		}
	}

	if err := s.ledger.AppendTx(dbTx, entry); err != nil {
		SendEngineError(w, err)
		return
	}
	if err := dbTx.Commit(); err != nil {
		SendEngineError(w, err)
		return
	}

	zap.L().Info("balance adjustment posted",
		zap.String("user_id", req.UserID),
		zap.String("actor_id", actorID),
		zap.String("amount", req.Amount.String()))
	WriteJSON(w, http.StatusCreated, map[string]interface{}{"entry": entry})
}
