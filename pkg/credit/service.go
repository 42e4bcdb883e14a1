package credit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Service contains the credit metering logic over a Store.
type Service struct {
	store         Store
	nowFn         func() int64
	logger        OperationLogger
	previewAction ActionName
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	previewAction, err := NewActionName(defaultPreviewActionName)
	if err != nil {
		return nil, err
	}
	service := &Service{store: store, nowFn: now, previewAction: previewAction}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// CanPerformAction evaluates quota for an action without mutating any table.
// Callers may pre-flight a check before committing to an expensive external
// operation; the answer is advisory and deduction re-checks atomically.
func (service *Service) CanPerformAction(ctx context.Context, userID UserID, actionName ActionName) (QuotaDecision, error) {
	result, operationError := service.evaluateQuota(ctx, service.store, userID, actionName, false)
	entry := OperationLog{
		Operation:  operationCheck,
		UserID:     userID,
		ActionName: actionName,
		Reason:     result.decision.Reason,
		Error:      operationError,
	}
	if operationError == nil && !result.decision.Allowed {
		entry.Status = operationStatusDenied
	}
	service.logOperation(ctx, entry)
	if operationError != nil {
		return QuotaDecision{}, operationError
	}
	return result.decision, nil
}

// DeductCredits charges a user for an action.
//
// Quota evaluation and the balance mutation run in one transaction against
// the locked balance row: two concurrent deductions against a balance that
// covers only one of them never both succeed. A denial leaves every table
// unchanged and surfaces as QuotaDeniedError. The usage counter increment is
// a separate best-effort write after commit; its failure is logged and never
// rolls back the deduction.
func (service *Service) DeductCredits(ctx context.Context, userID UserID, actionName ActionName, reference DeductReference) error {
	var committed evaluation
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		result, err := service.evaluateQuota(ctx, txStore, userID, actionName, true)
		if err != nil {
			return err
		}
		if !result.decision.Allowed {
			return QuotaDeniedError{Decision: result.decision}
		}
		if result.trial.freePreview {
			// Idempotent: re-setting an already consumed flag is a no-op.
			if err := txStore.MarkTrialPreviewUsed(ctx, userID); err != nil {
				return err
			}
		}
		cost := result.decision.RequiredCredits
		record := result.balance
		record.UserID = userID
		record.CreditsRemaining -= cost
		record = applyCycleRollover(record, cost, result.plan.currentPeriodStart())
		if err := txStore.SaveUserCredit(ctx, record); err != nil {
			return err
		}
		amount, err := NewCreditAmount(cost)
		if err != nil {
			return err
		}
		if err := txStore.InsertTransaction(ctx, TransactionInput{
			UserID:         userID,
			ActionID:       result.action.ActionID,
			Type:           TransactionDeduction,
			Amount:         amount,
			ReferenceID:    reference.ReferenceID,
			ReferenceType:  reference.ReferenceType,
			Description:    reference.Description,
			CreatedUnixUTC: service.nowFn(),
		}); err != nil {
			return err
		}
		committed = result
		return nil
	})
	entry := OperationLog{
		Operation:  operationDeduct,
		UserID:     userID,
		ActionName: actionName,
		Error:      operationError,
	}
	if operationError == nil {
		amount, _ := NewCreditAmount(committed.decision.RequiredCredits)
		entry.Amount = amount
	}
	var denied QuotaDeniedError
	if errors.As(operationError, &denied) {
		entry.Status = operationStatusDenied
		entry.Reason = denied.Decision.Reason
	}
	service.logOperation(ctx, entry)
	if operationError != nil {
		return operationError
	}

	service.trackUsage(ctx, userID, actionName, committed.action.ActionID)
	return nil
}

// trackUsage increments the per-day usage counter outside the deduction
// transaction. Usage-limit enforcement is best-effort accurate; a tracking
// outage must never block a committed deduction.
func (service *Service) trackUsage(ctx context.Context, userID UserID, actionName ActionName, actionID int64) {
	today := UsageDateOf(time.Unix(service.nowFn(), 0).UTC())
	if err := service.store.IncrementUsage(ctx, userID, actionID, today); err != nil {
		service.logOperation(ctx, OperationLog{
			Operation:  operationDeduct,
			UserID:     userID,
			ActionName: actionName,
			Status:     operationStatusDropped,
			Error:      err,
		})
	}
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
