package ledger

const (
	operationSpend   = "spend"
	operationGrant   = "grant"
	operationBalance = "balance"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	manualRefPrefix = "adj_"
)
