package cmd

// Exit codes for the apicize CLI
const (
	// ExitSuccess indicates every request succeeded
	ExitSuccess = 0

	// ExitRequestFailure indicates one or more requests failed
	ExitRequestFailure = 1

	// ExitWorkbookError indicates a workbook parsing or validation error
	ExitWorkbookError = 2

	// ExitConfigError indicates a configuration error
	ExitConfigError = 3

	// ExitUsageError indicates invalid CLI usage
	ExitUsageError = 64
)
