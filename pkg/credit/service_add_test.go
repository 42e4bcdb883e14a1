package credit

import (
	"context"
	"testing"
)

func TestAddUserCreditsAdminStaysOffAuditTrail(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-20")
	store.setBalance(test, userID, 5)

	summary, err := service.AddUserCredits(context.Background(), userID, mustPositiveAmount(test, 100), AddInput{
		ReferenceType: "admin",
		Description:   "manual correction",
	})
	if err != nil {
		test.Fatalf("add: %v", err)
	}
	if summary.CreditsRemaining != 105 {
		test.Fatalf("expected remaining 105, got %d", summary.CreditsRemaining)
	}
	if len(store.state.transactions) != 0 {
		test.Fatalf("admin addition recorded a transaction")
	}
}

func TestAddUserCreditsUnknownReferenceIsSilent(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-21")
	store.setBalance(test, userID, 0)

	summary, err := service.AddUserCredits(context.Background(), userID, mustPositiveAmount(test, 50), AddInput{
		ReferenceType: "bogus",
	})
	if err != nil {
		test.Fatalf("add: %v", err)
	}
	if summary.CreditsRemaining != 50 {
		test.Fatalf("expected remaining 50, got %d", summary.CreditsRemaining)
	}
	if len(store.state.transactions) != 0 {
		test.Fatalf("unknown reference recorded a transaction")
	}
}

func TestAddUserCreditsKnownActionRecordsAddition(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	action := store.addAction(test, "purchase_pack", 0)
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-22")

	summary, err := service.AddUserCredits(context.Background(), userID, mustPositiveAmount(test, 500), AddInput{
		ReferenceType: "purchase_pack",
		ReferenceID:   "order-77",
		Metadata:      mustMetadata(test, `{"pack":"large"}`),
	})
	if err != nil {
		test.Fatalf("add: %v", err)
	}
	if summary.TotalCredits != 500 || summary.CreditsRemaining != 500 {
		test.Fatalf("unexpected summary: %+v", summary)
	}
	if len(store.state.transactions) != 1 {
		test.Fatalf("expected 1 transaction, got %d", len(store.state.transactions))
	}
	transaction := store.state.transactions[0]
	if transaction.Type != TransactionAddition {
		test.Fatalf("expected addition, got %s", transaction.Type)
	}
	if transaction.ActionID != action.ActionID {
		test.Fatalf("expected action id %d, got %d", action.ActionID, transaction.ActionID)
	}
	if transaction.Amount.Int64() != 500 {
		test.Fatalf("expected amount 500, got %d", transaction.Amount.Int64())
	}
}

func TestAddUserCreditsWithoutReferenceIsSilent(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-23")

	if _, err := service.AddUserCredits(context.Background(), userID, mustPositiveAmount(test, 10), AddInput{}); err != nil {
		test.Fatalf("add: %v", err)
	}
	if len(store.state.transactions) != 0 {
		test.Fatalf("reference-free addition recorded a transaction")
	}
}

func TestAddUserCreditsCreatesRow(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-24")

	summary, err := service.AddUserCredits(context.Background(), userID, mustPositiveAmount(test, 30), AddInput{})
	if err != nil {
		test.Fatalf("add: %v", err)
	}
	if summary.TotalCredits != 30 || summary.CreditsRemaining != 30 {
		test.Fatalf("unexpected summary for fresh row: %+v", summary)
	}
	record := store.mustBalance(test, userID)
	if record.TotalCredits != 30 || record.CreditsRemaining != 30 {
		test.Fatalf("row not created: %+v", record)
	}
}

func TestAddUserCreditsAccumulatesTotals(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-25")
	store.state.balances[userID.String()] = UserCredit{
		UserID:           userID,
		TotalCredits:     200,
		CreditsRemaining: 40,
	}

	summary, err := service.AddUserCredits(context.Background(), userID, mustPositiveAmount(test, 60), AddInput{})
	if err != nil {
		test.Fatalf("add: %v", err)
	}
	if summary.TotalCredits != 260 {
		test.Fatalf("expected lifetime total 260, got %d", summary.TotalCredits)
	}
	if summary.CreditsRemaining != 100 {
		test.Fatalf("expected remaining 100, got %d", summary.CreditsRemaining)
	}
}

func TestBalanceReadsAbsentRowAsZero(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-26")

	record, err := service.Balance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if record.TotalCredits != 0 || record.CreditsRemaining != 0 {
		test.Fatalf("expected zero balance, got %+v", record)
	}
}

func TestListTransactionsLimits(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-27")

	if _, err := service.ListTransactions(context.Background(), userID, 0, maxListTransactionsLimit+1); err == nil {
		test.Fatalf("expected limit error")
	}
	if _, err := service.ListTransactions(context.Background(), userID, 0, 0); err != nil {
		test.Fatalf("default limit: %v", err)
	}
}
