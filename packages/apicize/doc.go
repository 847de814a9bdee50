// Package apicize defines the error taxonomy shared by every layer of the
// execution engine, plus the Handler that classifies failures, decides retry
// eligibility, computes backoff delays and tracks per-destination circuit
// breaker state.
//
// Every error returned to a caller of the engine is a fully populated *Error:
// code, severity, retryability, context and remediation suggestions. Raw
// transport errors never escape.
package apicize
