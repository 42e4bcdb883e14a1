package credit

const (
	operationCheck  = "check"
	operationDeduct = "deduct"
	operationAdd    = "add"

	operationStatusOK      = "ok"
	operationStatusDenied  = "denied"
	operationStatusError   = "error"
	operationStatusDropped = "usage_dropped"

	// referenceTypeAdmin marks manual balance corrections; they never carry
	// an audit row because no billable action backs them.
	referenceTypeAdmin = "admin"

	defaultPreviewActionName = "preview"

	defaultListTransactionsLimit = 50
	maxListTransactionsLimit     = 200
)
