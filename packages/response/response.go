package response

import (
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// BodyKind discriminates the response body representation. It mirrors the
// request body kinds, plus a decoded-data field for JSON payloads.
type BodyKind string

const (
	BodyNone BodyKind = "none"
	BodyText BodyKind = "text"
	BodyJSON BodyKind = "json"
	BodyXML  BodyKind = "xml"
	BodyForm BodyKind = "form"
)

// Raw is the transport-level response before processing: status, headers and
// the fully read payload.
type Raw struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
}

// Body is the processed response payload. Text always carries the raw text
// when a payload exists; Data holds decoded JSON when applicable; Size is the
// payload byte length.
type Body struct {
	Kind BodyKind
	Text string
	Data any
	Size int
}

// Redirect records one followed hop.
type Redirect struct {
	URL        string
	StatusCode int
}

// Response is the caller-facing result of one logical execution, spanning
// any redirects and retries.
type Response struct {
	ID         string
	StatusCode int
	Status     string
	Headers    http.Header
	Body       Body
	StartedAt  time.Time
	Duration   time.Duration
	Redirects  []Redirect
}

// Header returns the first value for a header name, case-insensitively.
func (r *Response) Header(name string) string {
	return r.Headers.Get(name)
}

// Query evaluates a gjson path against the decoded JSON body. It returns a
// zero Result for non-JSON bodies.
func (r *Response) Query(path string) gjson.Result {
	if r.Body.Kind != BodyJSON {
		return gjson.Result{}
	}
	return gjson.Get(r.Body.Text, path)
}

func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

func (r *Response) DurationMs() int64 {
	return r.Duration.Milliseconds()
}

// IsError reports whether status is an HTTP error for execution purposes.
func IsError(status int) bool {
	return status >= 400
}

// contentTypeOf strips parameters such as charset from a Content-Type value.
func contentTypeOf(h http.Header) string {
	ct := h.Get("Content-Type")
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}
