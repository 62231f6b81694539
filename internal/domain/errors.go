package domain

import (
	"context"
	"errors"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrInvalidOrder  = errors.New("invalid order parameters")
	ErrSigningFailed = errors.New("signing failed")
	ErrWSDisconnect  = errors.New("websocket disconnected")
	ErrLockHeld      = errors.New("lock already held")

	ErrTransientNetwork      = errors.New("transient network error")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrExposureRejected      = errors.New("exposure rejected")
	ErrOrderRejected         = errors.New("order rejected")
	ErrMergeNoOp             = errors.New("nothing to merge")
	ErrLedgerInvariant       = errors.New("ledger invariant violated")
	ErrHalted                = errors.New("trading halted")
	ErrExecutionBusy         = errors.New("execution already in flight")
)

// Error classes reported in the error_class log attribute.
const (
	ClassTransientNetwork = "TransientNetworkError"
	ClassAuthFailure      = "AuthFailure"
	ClassInsufficientLiq  = "InsufficientLiquidity"
	ClassExposureRejected = "ExposureRejected"
	ClassOrderRejected    = "OrderRejected"
	ClassMergeNoOp        = "MergeNoOp"
	ClassLedgerInvariant  = "LedgerInvariantViolation"
	ClassCancelled        = "Cancelled"
	ClassUnknown          = "Unknown"
)

// Classify maps err onto the error taxonomy.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrLedgerInvariant):
		return ClassLedgerInvariant
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrSigningFailed):
		return ClassAuthFailure
	case errors.Is(err, ErrExposureRejected):
		return ClassExposureRejected
	case errors.Is(err, ErrInsufficientLiquidity):
		return ClassInsufficientLiq
	case errors.Is(err, ErrOrderRejected), errors.Is(err, ErrInvalidOrder):
		return ClassOrderRejected
	case errors.Is(err, ErrMergeNoOp):
		return ClassMergeNoOp
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ClassCancelled
	case errors.Is(err, ErrTransientNetwork), errors.Is(err, ErrRateLimited), errors.Is(err, ErrWSDisconnect):
		return ClassTransientNetwork
	default:
		return ClassUnknown
	}
}

// IsFatal reports whether err must stop trading for the whole process.
func IsFatal(err error) bool {
	switch Classify(err) {
	case ClassAuthFailure, ClassLedgerInvariant:
		return true
	}
	return errors.Is(err, ErrHalted)
}
