package services

import (
	"errors"
	"net/http"
)

// Stable reason codes surfaced to the client on every rejection. The UI layer
// maps these to localized messages; the engine never deals in locales.
const (
	CodeValidation          = "VALIDATION"
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	CodeAlreadyClaimed      = "ALREADY_CLAIMED"
	CodeNotFound            = "NOT_FOUND"
	CodeConflict            = "CONFLICT"
	CodeInternal            = "INTERNAL"
)

// Sentinel errors for recoverable, caller-visible outcomes. Anything else that
// bubbles out of a service is a storage failure and aborts the whole unit.
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAlreadyClaimed      = errors.New("already claimed for this period")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
)

// reasonFor maps a sentinel error to its HTTP status and reason code.
func reasonFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		return http.StatusUnprocessableEntity, CodeInsufficientBalance
	case errors.Is(err, ErrAlreadyClaimed):
		return http.StatusConflict, CodeAlreadyClaimed
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict, CodeConflict
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// SendEngineError writes the JSON error body for a failed engine operation.
func SendEngineError(w http.ResponseWriter, err error) {
	status, code := reasonFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "An Internal Error Occurred"
	}
	SendErrorResponseCode(w, message, code, status, nil)
}
