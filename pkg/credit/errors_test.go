package credit

import (
	"errors"
	"testing"
)

func TestOperationErrorFormatting(test *testing.T) {
	test.Parallel()
	baseError := errors.New("base error")
	wrappedError := WrapError("store", "balance", "lookup", baseError)
	if wrappedError == nil {
		test.Fatalf("expected wrapped error")
	}
	if wrappedError.Error() != "store.balance.lookup: base error" {
		test.Fatalf("unexpected message: %q", wrappedError.Error())
	}
	if !errors.Is(wrappedError, baseError) {
		test.Fatalf("expected unwrap to base error")
	}
}

func TestWrapErrorNil(test *testing.T) {
	test.Parallel()
	if WrapError("store", "balance", "lookup", nil) != nil {
		test.Fatalf("expected nil wrapped error")
	}
}

func TestQuotaDeniedErrorUnwrapsToSentinels(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		reason DenialReason
		want   error
	}{
		{reason: DenialActionNotFound, want: ErrActionNotFound},
		{reason: DenialInsufficientCredits, want: ErrInsufficientCredits},
		{reason: DenialSubscriptionInactive, want: ErrSubscriptionInactive},
		{reason: DenialMonthlyLimitExceeded, want: ErrMonthlyLimitExceeded},
		{reason: DenialDailyLimitExceeded, want: ErrDailyLimitExceeded},
		{reason: DenialTrialPreviewUsed, want: ErrTrialPreviewUsed},
	}
	for _, testCase := range testCases {
		denied := QuotaDeniedError{Decision: QuotaDecision{Reason: testCase.reason}}
		if !errors.Is(denied, testCase.want) {
			test.Fatalf("reason %s did not unwrap to %v", testCase.reason, testCase.want)
		}
	}
}
