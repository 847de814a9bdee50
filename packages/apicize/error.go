package apicize

import (
	"fmt"
)

// ErrorCode classifies a failure so callers can pattern-match without
// inspecting wrapped transport errors.
type ErrorCode string

const (
	CodeNetwork ErrorCode = "NETWORK_ERROR"
	CodeTimeout ErrorCode = "TIMEOUT_ERROR"
	CodeAbort   ErrorCode = "ABORT_ERROR"
	CodeHTTP    ErrorCode = "HTTP_ERROR"
	CodeConfig  ErrorCode = "CONFIG_ERROR"
	CodeUnknown ErrorCode = "UNKNOWN_ERROR"
)

// Severity indicates how serious a failure is for diagnostics.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Error is the single error type that crosses the engine boundary. It is
// immutable once constructed.
type Error struct {
	Code        ErrorCode
	Message     string
	Cause       error
	Retryable   bool
	Severity    Severity
	StatusCode  int // set for CodeHTTP only
	Context     map[string]any
	Suggestions []string
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is allows errors.Is matching on code via sentinel errors of the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// ContextValue returns a context entry, or nil when absent.
func (e *Error) ContextValue(key string) any {
	if e.Context == nil {
		return nil
	}
	return e.Context[key]
}

// AsError unwraps err into *Error, or wraps it as an unknown error so the
// caller always receives a populated taxonomy error.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if ae, ok := err.(*Error); ok {
		return ae
	}
	return &Error{
		Code:        CodeUnknown,
		Message:     err.Error(),
		Cause:       err,
		Severity:    SeverityMedium,
		Suggestions: suggestionsFor(CodeUnknown, 0),
	}
}

// ConfigError reports a malformed spec or request construction failure.
// These are never retryable: the input cannot be fixed by retrying.
func ConfigError(format string, args ...any) *Error {
	return &Error{
		Code:        CodeConfig,
		Message:     fmt.Sprintf(format, args...),
		Severity:    SeverityHigh,
		Suggestions: suggestionsFor(CodeConfig, 0),
	}
}

func suggestionsFor(code ErrorCode, status int) []string {
	switch code {
	case CodeNetwork:
		return []string{
			"Check that the host is reachable and DNS resolves",
			"Verify the URL scheme, host and port are correct",
			"Inspect proxy and firewall settings between you and the destination",
		}
	case CodeTimeout:
		return []string{
			"Increase the request timeout for this request",
			"Check whether the destination is under load or degraded",
			"Enable retryOnTimeout if transient slowness is expected",
		}
	case CodeAbort:
		return []string{
			"The request was cancelled by the caller; no remote fault is implied",
			"Check for premature context cancellation in the calling code",
		}
	case CodeHTTP:
		switch {
		case status == 401 || status == 403:
			return []string{
				"Verify credentials and token expiry",
				"Check that the authenticated principal has access to this resource",
			}
		case status == 429:
			return []string{
				"Reduce request rate or honor the Retry-After header",
				"Enable retries with backoff for rate-limited responses",
			}
		case status >= 500:
			return []string{
				"The server failed to process the request; retrying may help",
				"Check the destination service's status and logs",
			}
		default:
			return []string{
				"Inspect the response body for error details",
				"Verify the request method, path and payload match the API contract",
			}
		}
	case CodeConfig:
		return []string{
			"Fix the request definition; this error will not resolve by retrying",
			"Validate the workbook against the schema before running",
		}
	default:
		return []string{
			"Inspect the wrapped cause for details",
			"Re-run with debug logging enabled to capture the failing exchange",
		}
	}
}
