package credit

import (
	"context"
	"errors"
	"fmt"
)

// AddUserCredits grants credits to a user, creating the balance row if it
// does not exist yet.
//
// An audit record is written only when the reference type is present, is not
// the admin sentinel, and names a known catalog action. Administrative
// corrections are not tied to a billable action and stay off the audit trail;
// an unknown reference likewise changes the balance silently.
func (service *Service) AddUserCredits(ctx context.Context, userID UserID, amount PositiveCreditAmount, input AddInput) (BalanceSummary, error) {
	var summary BalanceSummary
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		record, found, err := txStore.GetUserCreditForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		if !found {
			record = UserCredit{UserID: userID}
		}
		record.UserID = userID
		record.TotalCredits += amount.Int64()
		record.CreditsRemaining += amount.Int64()
		if err := txStore.SaveUserCredit(ctx, record); err != nil {
			return err
		}
		summary = BalanceSummary{
			TotalCredits:     record.TotalCredits,
			CreditsRemaining: record.CreditsRemaining,
		}
		action, recordable, err := service.resolveAdditionAction(ctx, txStore, input.ReferenceType)
		if err != nil {
			return err
		}
		if !recordable {
			return nil
		}
		return txStore.InsertTransaction(ctx, TransactionInput{
			UserID:         userID,
			ActionID:       action.ActionID,
			Type:           TransactionAddition,
			Amount:         amount.ToCreditAmount(),
			ReferenceID:    input.ReferenceID,
			ReferenceType:  input.ReferenceType,
			Description:    input.Description,
			Metadata:       input.Metadata,
			CreatedUnixUTC: service.nowFn(),
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationAdd,
		UserID:    userID,
		Amount:    amount.ToCreditAmount(),
		Error:     operationError,
	})
	if operationError != nil {
		return BalanceSummary{}, operationError
	}
	return summary, nil
}

// resolveAdditionAction decides whether an addition carries an audit record
// and which catalog action backs it.
func (service *Service) resolveAdditionAction(ctx context.Context, store Store, referenceType string) (Action, bool, error) {
	if referenceType == "" || referenceType == referenceTypeAdmin {
		return Action{}, false, nil
	}
	actionName, err := NewActionName(referenceType)
	if err != nil {
		return Action{}, false, nil
	}
	action, err := store.GetAction(ctx, actionName)
	if err != nil {
		if errors.Is(err, ErrActionNotFound) {
			// Known gap: the balance changes with no audit row. Preserved
			// because downstream reconciliation relies on it.
			return Action{}, false, nil
		}
		return Action{}, false, err
	}
	return action, true, nil
}

// Balance returns the current balance record; absent rows read as all zeros.
func (service *Service) Balance(ctx context.Context, userID UserID) (UserCredit, error) {
	record, found, err := service.store.GetUserCredit(ctx, userID)
	if err != nil {
		return UserCredit{}, err
	}
	if !found {
		return UserCredit{UserID: userID}, nil
	}
	return record, nil
}

// ListTransactions lists audit records for a user before a cutoff time.
func (service *Service) ListTransactions(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = defaultListTransactionsLimit
	}
	if limit > maxListTransactionsLimit {
		return nil, fmt.Errorf("%w: limit exceeds maximum %d", ErrInvalidListLimit, maxListTransactionsLimit)
	}
	return service.store.ListTransactions(ctx, userID, beforeUnixUTC, limit)
}
