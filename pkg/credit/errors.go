package credit

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the credit service.
var (
	ErrInsufficientCredits    = errors.New("insufficient credits")
	ErrActionNotFound         = errors.New("action not found")
	ErrSubscriptionInactive   = errors.New("subscription inactive")
	ErrMonthlyLimitExceeded   = errors.New("monthly limit exceeded")
	ErrDailyLimitExceeded     = errors.New("daily limit exceeded")
	ErrTrialPreviewUsed       = errors.New("trial preview already used")
	ErrStorageUnavailable     = errors.New("storage unavailable")
	ErrInvalidUserID          = errors.New("invalid user id")
	ErrInvalidActionName      = errors.New("invalid action name")
	ErrInvalidCreditAmount    = errors.New("invalid credit amount")
	ErrInvalidTransactionType = errors.New("invalid transaction type")
	ErrInvalidMetadataJSON    = errors.New("invalid metadata json")
	ErrInvalidMonth           = errors.New("invalid month")
	ErrInvalidUsageDate       = errors.New("invalid usage date")
	ErrInvalidListLimit       = errors.New("invalid list limit")
	ErrInvalidServiceConfig   = errors.New("invalid service config")
)

// QuotaDeniedError reports a quota refusal together with the full decision so
// callers can distinguish "out of credits" from limit and subscription
// denials without a second round-trip.
type QuotaDeniedError struct {
	Decision QuotaDecision
}

// Error returns the formatted denial message.
func (quotaError QuotaDeniedError) Error() string {
	return fmt.Sprintf("quota denied: %s", quotaError.Decision.Reason)
}

// Unwrap maps the denial reason onto the matching sentinel error.
func (quotaError QuotaDeniedError) Unwrap() error {
	switch quotaError.Decision.Reason {
	case DenialActionNotFound:
		return ErrActionNotFound
	case DenialInsufficientCredits:
		return ErrInsufficientCredits
	case DenialSubscriptionInactive:
		return ErrSubscriptionInactive
	case DenialMonthlyLimitExceeded:
		return ErrMonthlyLimitExceeded
	case DenialDailyLimitExceeded:
		return ErrDailyLimitExceeded
	case DenialTrialPreviewUsed:
		return ErrTrialPreviewUsed
	}
	return nil
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
