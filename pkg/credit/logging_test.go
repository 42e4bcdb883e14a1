package credit

import (
	"context"
	"sync"
	"testing"
)

type recordingLogger struct {
	mu      sync.Mutex
	entries []OperationLog
}

func (logger *recordingLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	logger.entries = append(logger.entries, entry)
}

func (logger *recordingLogger) hasStatus(status string) bool {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	for _, entry := range logger.entries {
		if entry.Status == status {
			return true
		}
	}
	return false
}

func TestServiceLogsSuccessfulDeduction(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.addAction(test, "render", 2)
	logger := &recordingLogger{}
	service := mustNewService(test, store, WithOperationLogger(logger))
	userID := mustUserID(test, "log-user")
	store.setBalance(test, userID, 10)

	if err := service.DeductCredits(context.Background(), userID, mustActionName(test, "render"), DeductReference{}); err != nil {
		test.Fatalf("deduct: %v", err)
	}

	if len(logger.entries) != 1 {
		test.Fatalf("expected 1 log entry, got %d", len(logger.entries))
	}
	entry := logger.entries[0]
	if entry.Operation != operationDeduct {
		test.Fatalf("expected deduct operation, got %s", entry.Operation)
	}
	if entry.Status != operationStatusOK {
		test.Fatalf("expected ok status, got %s", entry.Status)
	}
	if entry.Amount.Int64() != 2 {
		test.Fatalf("expected amount 2, got %d", entry.Amount.Int64())
	}
}

func TestServiceLogsDenialWithReason(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.addAction(test, "render", 100)
	logger := &recordingLogger{}
	service := mustNewService(test, store, WithOperationLogger(logger))
	userID := mustUserID(test, "log-user-2")
	store.setBalance(test, userID, 1)

	if err := service.DeductCredits(context.Background(), userID, mustActionName(test, "render"), DeductReference{}); err == nil {
		test.Fatalf("expected denial")
	}

	if len(logger.entries) != 1 {
		test.Fatalf("expected 1 log entry, got %d", len(logger.entries))
	}
	entry := logger.entries[0]
	if entry.Status != operationStatusDenied {
		test.Fatalf("expected denied status, got %s", entry.Status)
	}
	if entry.Reason != DenialInsufficientCredits {
		test.Fatalf("expected insufficient_credits reason, got %s", entry.Reason)
	}
}

func TestServiceLogsStorageErrorStatus(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.addAction(test, "render", 1)
	store.saveUserCreditError = ErrStorageUnavailable
	logger := &recordingLogger{}
	service := mustNewService(test, store, WithOperationLogger(logger))
	userID := mustUserID(test, "log-user-3")
	store.setBalance(test, userID, 10)

	if err := service.DeductCredits(context.Background(), userID, mustActionName(test, "render"), DeductReference{}); err == nil {
		test.Fatalf("expected storage failure")
	}
	if !logger.hasStatus(operationStatusError) {
		test.Fatalf("expected error status entry, got %+v", logger.entries)
	}
}

func TestServiceLogsChecks(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.addAction(test, "render", 1)
	logger := &recordingLogger{}
	service := mustNewService(test, store, WithOperationLogger(logger))
	userID := mustUserID(test, "log-user-4")
	store.setBalance(test, userID, 10)

	if _, err := service.CanPerformAction(context.Background(), userID, mustActionName(test, "render")); err != nil {
		test.Fatalf("check: %v", err)
	}
	if len(logger.entries) != 1 || logger.entries[0].Operation != operationCheck {
		test.Fatalf("expected check log entry, got %+v", logger.entries)
	}
}
