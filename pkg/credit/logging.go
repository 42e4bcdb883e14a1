package credit

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a credit operation and its outcome.
type OperationLog struct {
	Operation  string
	UserID     UserID
	ActionName ActionName
	Amount     CreditAmount
	Reason     DenialReason
	Status     string
	Error      error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithPreviewAction overrides the action treated as the trial free preview.
func WithPreviewAction(name ActionName) ServiceOption {
	return func(service *Service) {
		service.previewAction = name
	}
}
