package request

import (
	"time"
)

// BodyKind discriminates the request body union.
type BodyKind string

const (
	BodyNone BodyKind = "none"
	BodyText BodyKind = "text"
	BodyJSON BodyKind = "json"
	BodyXML  BodyKind = "xml"
	BodyForm BodyKind = "form"
	BodyRaw  BodyKind = "raw"
)

// NameValuePair is an ordered header, query parameter or form field. A
// disabled pair is dropped entirely during request construction.
type NameValuePair struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Disabled bool   `json:"disabled,omitempty"`
}

// Body is the tagged request body union. Text carries text/xml payloads (and
// may carry literal JSON when Data is unset), Data structured json, Form form
// fields, Raw opaque bytes. An empty Kind counts as BodyNone.
type Body struct {
	Kind BodyKind        `json:"type,omitempty"`
	Text string          `json:"text,omitempty"`
	Data any             `json:"data,omitempty"`
	Form []NameValuePair `json:"form,omitempty"`
	Raw  []byte          `json:"raw,omitempty"`
}

// Spec is the caller-owned, logical description of one request. The engine
// only reads it; it is never mutated during execution.
type Spec struct {
	Name         string          `json:"name,omitempty"`
	Method       string          `json:"method"`
	URL          string          `json:"url"`
	Headers      []NameValuePair `json:"headers,omitempty"`
	QueryParams  []NameValuePair `json:"queryParams,omitempty"`
	Body         Body            `json:"body,omitempty"`
	Timeout      time.Duration   `json:"-"`
	TimeoutMs    int             `json:"timeout,omitempty"`
	MaxRedirects int             `json:"maxRedirects,omitempty"`
	Runs         int             `json:"runs,omitempty"`
}

// EffectiveTimeout resolves the spec timeout, preferring the duration field
// over the wire-format millisecond field.
func (s *Spec) EffectiveTimeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	if s.TimeoutMs > 0 {
		return time.Duration(s.TimeoutMs) * time.Millisecond
	}
	return 0
}
