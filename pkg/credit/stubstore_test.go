package credit

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// stubState holds the mutable tables of the in-memory store.
type stubState struct {
	actions       map[string]Action
	balances      map[string]UserCredit
	transactions  []Transaction
	usage         map[string]int64
	subscriptions map[string]Subscription
	planLimits    map[string]PlanLimits
	trials        map[string]TrialProfile
	nextTxID      int64
}

func newStubState() *stubState {
	return &stubState{
		actions:       map[string]Action{},
		balances:      map[string]UserCredit{},
		usage:         map[string]int64{},
		subscriptions: map[string]Subscription{},
		planLimits:    map[string]PlanLimits{},
		trials:        map[string]TrialProfile{},
	}
}

func (state *stubState) clone() *stubState {
	copied := newStubState()
	for key, value := range state.actions {
		copied.actions[key] = value
	}
	for key, value := range state.balances {
		copied.balances[key] = value
	}
	for key, value := range state.usage {
		copied.usage[key] = value
	}
	for key, value := range state.subscriptions {
		copied.subscriptions[key] = value
	}
	for key, value := range state.planLimits {
		copied.planLimits[key] = value
	}
	for key, value := range state.trials {
		copied.trials[key] = value
	}
	copied.transactions = append(copied.transactions, state.transactions...)
	copied.nextTxID = state.nextTxID
	return copied
}

// stubStore is an in-memory Store. WithTx serializes callers and rolls the
// state back when the closure fails, which makes it a faithful stand-in for
// the serializable transaction the real stores provide. IncrementUsage takes
// the same mutex because the service calls it outside the transaction scope.
type stubStore struct {
	mu    sync.Mutex
	state *stubState

	withTxError            error
	getActionError         error
	getUserCreditError     error
	saveUserCreditError    error
	insertTransactionError error
	listTransactionsError  error
	incrementUsageError    error
	dailyUsageError        error
	monthlyUsageError      error
	subscriptionError      error
	planLimitsError        error
	trialProfileError      error
	markTrialError         error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{state: newStubState()}
}

func usageKey(userID UserID, actionID int64, date UsageDate) string {
	return userID.String() + "|" + strconv.FormatInt(actionID, 10) + "|" + date.String()
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.withTxError != nil {
		return store.withTxError
	}
	snapshot := store.state.clone()
	if err := fn(ctx, store); err != nil {
		store.state = snapshot
		return err
	}
	return nil
}

func (store *stubStore) GetAction(_ context.Context, name ActionName) (Action, error) {
	if store.getActionError != nil {
		return Action{}, store.getActionError
	}
	action, found := store.state.actions[name.String()]
	if !found {
		return Action{}, ErrActionNotFound
	}
	return action, nil
}

func (store *stubStore) GetUserCredit(_ context.Context, userID UserID) (UserCredit, bool, error) {
	if store.getUserCreditError != nil {
		return UserCredit{}, false, store.getUserCreditError
	}
	record, found := store.state.balances[userID.String()]
	return record, found, nil
}

func (store *stubStore) GetUserCreditForUpdate(ctx context.Context, userID UserID) (UserCredit, bool, error) {
	return store.GetUserCredit(ctx, userID)
}

func (store *stubStore) SaveUserCredit(_ context.Context, record UserCredit) error {
	if store.saveUserCreditError != nil {
		return store.saveUserCreditError
	}
	store.state.balances[record.UserID.String()] = record
	return nil
}

func (store *stubStore) InsertTransaction(_ context.Context, input TransactionInput) error {
	if store.insertTransactionError != nil {
		return store.insertTransactionError
	}
	store.state.nextTxID++
	store.state.transactions = append(store.state.transactions, Transaction{
		TransactionID:  input.UserID.String() + "-" + input.Type.String(),
		UserID:         input.UserID,
		ActionID:       input.ActionID,
		Type:           input.Type,
		Amount:         input.Amount,
		ReferenceID:    input.ReferenceID,
		ReferenceType:  input.ReferenceType,
		Description:    input.Description,
		Metadata:       input.Metadata,
		CreatedUnixUTC: input.CreatedUnixUTC,
	})
	return nil
}

func (store *stubStore) ListTransactions(_ context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	if store.listTransactionsError != nil {
		return nil, store.listTransactionsError
	}
	listed := make([]Transaction, 0, limit)
	for index := len(store.state.transactions) - 1; index >= 0 && len(listed) < limit; index-- {
		transaction := store.state.transactions[index]
		if transaction.UserID != userID {
			continue
		}
		if beforeUnixUTC != 0 && transaction.CreatedUnixUTC >= beforeUnixUTC {
			continue
		}
		listed = append(listed, transaction)
	}
	return listed, nil
}

func (store *stubStore) IncrementUsage(_ context.Context, userID UserID, actionID int64, date UsageDate) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.incrementUsageError != nil {
		return store.incrementUsageError
	}
	store.state.usage[usageKey(userID, actionID, date)]++
	return nil
}

func (store *stubStore) DailyUsage(_ context.Context, userID UserID, actionID int64, date UsageDate) (int64, error) {
	if store.dailyUsageError != nil {
		return 0, store.dailyUsageError
	}
	return store.state.usage[usageKey(userID, actionID, date)], nil
}

func (store *stubStore) MonthlyUsage(_ context.Context, userID UserID, actionID int64, month Month) (int64, error) {
	if store.monthlyUsageError != nil {
		return 0, store.monthlyUsageError
	}
	var total int64
	prefix := userID.String() + "|" + strconv.FormatInt(actionID, 10) + "|" + month.String()
	for key, count := range store.state.usage {
		if strings.HasPrefix(key, prefix) {
			total += count
		}
	}
	return total, nil
}

func (store *stubStore) GetSubscription(_ context.Context, userID UserID) (Subscription, bool, error) {
	if store.subscriptionError != nil {
		return Subscription{}, false, store.subscriptionError
	}
	subscription, found := store.state.subscriptions[userID.String()]
	return subscription, found, nil
}

func (store *stubStore) GetPlanLimits(_ context.Context, planID string) (PlanLimits, bool, error) {
	if store.planLimitsError != nil {
		return PlanLimits{}, false, store.planLimitsError
	}
	limits, found := store.state.planLimits[planID]
	return limits, found, nil
}

func (store *stubStore) GetTrialProfile(_ context.Context, userID UserID) (TrialProfile, bool, error) {
	if store.trialProfileError != nil {
		return TrialProfile{}, false, store.trialProfileError
	}
	profile, found := store.state.trials[userID.String()]
	return profile, found, nil
}

func (store *stubStore) MarkTrialPreviewUsed(_ context.Context, userID UserID) error {
	if store.markTrialError != nil {
		return store.markTrialError
	}
	profile := store.state.trials[userID.String()]
	profile.PreviewUsed = true
	store.state.trials[userID.String()] = profile
	return nil
}

func (store *stubStore) addAction(test *testing.T, name string, cost int64) Action {
	test.Helper()
	actionName := mustActionName(test, name)
	action := Action{
		ActionID: int64(len(store.state.actions) + 1),
		Name:     actionName,
		BaseCost: mustCreditAmount(test, cost),
	}
	store.state.actions[name] = action
	return action
}

func (store *stubStore) setBalance(test *testing.T, userID UserID, remaining int64) {
	test.Helper()
	record := store.state.balances[userID.String()]
	record.UserID = userID
	record.CreditsRemaining = remaining
	store.state.balances[userID.String()] = record
}

func (store *stubStore) mustBalance(test *testing.T, userID UserID) UserCredit {
	test.Helper()
	record, found := store.state.balances[userID.String()]
	if !found {
		test.Fatalf("expected balance row for %s", userID.String())
	}
	return record
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return fixedNowUnixUTC }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

const fixedNowUnixUTC = int64(1735689600) // 2025-01-01T00:00:00Z

func fixedNow() time.Time {
	return time.Unix(fixedNowUnixUTC, 0).UTC()
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustActionName(test *testing.T, raw string) ActionName {
	test.Helper()
	name, err := NewActionName(raw)
	if err != nil {
		test.Fatalf("action name: %v", err)
	}
	return name
}

func mustCreditAmount(test *testing.T, raw int64) CreditAmount {
	test.Helper()
	amount, err := NewCreditAmount(raw)
	if err != nil {
		test.Fatalf("credit amount: %v", err)
	}
	return amount
}

func mustPositiveAmount(test *testing.T, raw int64) PositiveCreditAmount {
	test.Helper()
	amount, err := NewPositiveCreditAmount(raw)
	if err != nil {
		test.Fatalf("positive amount: %v", err)
	}
	return amount
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return metadata
}

func limitOf(value int64) *int64 {
	return &value
}
