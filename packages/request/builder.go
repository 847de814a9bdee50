package request

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/apicize/apicize-go/packages/apicize"
)

// ClientIdentifier is the default User-Agent attached to every request unless
// the caller overrides it.
const ClientIdentifier = "apicize-go/1.0"

// Prepared is the wire-ready form of a Spec: resolved absolute URL, finalized
// headers and serialized body. A fresh Prepared is derived per attempt, since
// redirects may alter method, URL and body.
type Prepared struct {
	Method  string
	URL     *url.URL
	Headers http.Header
	Body    []byte // nil when the request carries no payload
}

// Clone returns a deep copy so a redirect hop can alter the request without
// touching the previous one.
func (p *Prepared) Clone() *Prepared {
	headers := make(http.Header, len(p.Headers))
	for k, vs := range p.Headers {
		headers[k] = append([]string(nil), vs...)
	}
	var body []byte
	if p.Body != nil {
		body = append([]byte(nil), p.Body...)
	}
	u := *p.URL
	return &Prepared{
		Method:  p.Method,
		URL:     &u,
		Headers: headers,
		Body:    body,
	}
}

// Builder turns Specs into Prepared requests. It is a pure transform: no
// side effects, safe for concurrent use, identical output for identical input.
type Builder struct {
	defaults map[string]string
}

type BuilderOption func(*Builder)

// WithDefaultHeader adds a library-default header merged under caller values.
func WithDefaultHeader(name, value string) BuilderOption {
	return func(b *Builder) {
		b.defaults[name] = value
	}
}

func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{
		defaults: map[string]string{
			"User-Agent": ClientIdentifier,
			"Accept":     "*/*",
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build validates and prepares spec for transport. Failures are always
// non-retryable configuration errors: malformed input cannot be fixed by
// retrying.
func (b *Builder) Build(spec *Spec) (*Prepared, error) {
	if spec == nil {
		return nil, apicize.ConfigError("request spec is nil")
	}
	if spec.Method == "" {
		return nil, apicize.ConfigError("request method is empty")
	}

	u, err := url.Parse(spec.URL)
	if err != nil {
		return nil, apicize.ConfigError("invalid URL %q: %v", spec.URL, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, apicize.ConfigError("URL %q must be absolute with a host", spec.URL)
	}

	if len(spec.QueryParams) > 0 {
		q := u.Query()
		for _, p := range spec.QueryParams {
			if p.Disabled {
				continue
			}
			q.Add(p.Name, p.Value)
		}
		u.RawQuery = q.Encode()
	}

	headers := make(http.Header, len(b.defaults)+len(spec.Headers))
	for name, value := range b.defaults {
		headers.Set(name, value)
	}
	// Caller headers overlay defaults in declaration order; disabled headers
	// are dropped entirely.
	for _, h := range spec.Headers {
		if h.Disabled {
			headers.Del(h.Name)
			continue
		}
		headers.Set(h.Name, h.Value)
	}

	body, contentType, err := serializeBody(&spec.Body)
	if err != nil {
		return nil, err
	}
	if contentType != "" && headers.Get("Content-Type") == "" {
		headers.Set("Content-Type", contentType)
	}

	return &Prepared{
		Method:  spec.Method,
		URL:     u,
		Headers: headers,
		Body:    body,
	}, nil
}

// serializeBody is a pure function of the body's tagged kind. Unknown kinds
// are rejected rather than coerced.
func serializeBody(body *Body) ([]byte, string, error) {
	switch body.Kind {
	case BodyNone, "":
		return nil, "", nil
	case BodyText:
		return []byte(body.Text), "text/plain", nil
	case BodyXML:
		return []byte(body.Text), "application/xml", nil
	case BodyJSON:
		// Workbooks may carry JSON either structured or as literal text.
		if body.Data == nil && body.Text != "" {
			return []byte(body.Text), "application/json", nil
		}
		data, err := json.Marshal(body.Data)
		if err != nil {
			return nil, "", apicize.ConfigError("cannot serialize JSON body: %v", err)
		}
		return data, "application/json", nil
	case BodyForm:
		// Encoded by hand so fields keep declaration order.
		var buf strings.Builder
		for _, f := range body.Form {
			if f.Disabled {
				continue
			}
			if buf.Len() > 0 {
				buf.WriteByte('&')
			}
			buf.WriteString(url.QueryEscape(f.Name))
			buf.WriteByte('=')
			buf.WriteString(url.QueryEscape(f.Value))
		}
		return []byte(buf.String()), "application/x-www-form-urlencoded", nil
	case BodyRaw:
		return body.Raw, "application/octet-stream", nil
	default:
		return nil, "", apicize.ConfigError("unrecognized body type %q", body.Kind)
	}
}
