package wallet

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrProviderUnavailable = errors.New("payment provider unavailable")
	ErrNotFound            = errors.New("transaction not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrIntegrityAlarm      = errors.New("ledger integrity alarm")
	ErrAccountSuspended    = errors.New("account suspended pending reconciliation")
	ErrCapturePending      = errors.New("capture is not final at the provider, retry later")
	ErrRequestInProgress   = errors.New("a request with this idempotency key is in progress")

	ErrAlreadyApplied     = errors.New("transaction already applied")
	ErrTransactionFailed  = errors.New("transaction is failed")
	ErrNotPending         = errors.New("transaction is not pending")
	ErrAmountMismatch     = errors.New("amount does not match transaction")
	ErrDuplicateReference = errors.New("duplicate provider reference")
)

type InsufficientBalanceError struct {
	UserID    string
	Available int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s: available %d, requested %d", e.UserID, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// IntegrityAlarm reports an account whose stored balance differs from the sum
// of its completed transactions. It is never repaired automatically.
type IntegrityAlarm struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	Stored     int64     `json:"stored"`
	Computed   int64     `json:"computed"`
	DetectedAt time.Time `json:"detectedAt"`
}

func (a *IntegrityAlarm) Error() string {
	return fmt.Sprintf("integrity alarm for %s: stored balance %d, completed sum %d", a.UserID, a.Stored, a.Computed)
}

func (a *IntegrityAlarm) Unwrap() error {
	return ErrIntegrityAlarm
}

// IsRetryable reports whether the caller may retry the same request later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, ErrCapturePending) ||
		errors.Is(err, ErrRequestInProgress)
}
