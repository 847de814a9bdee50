// Package redirect implements manual redirect following: redirect detection,
// Location resolution, hop counting and the HTTP method downgrade rules.
package redirect

import (
	"net/http"
	"strconv"

	"github.com/apicize/apicize-go/packages/apicize"
	"github.com/apicize/apicize-go/packages/request"
	"github.com/apicize/apicize-go/packages/response"
)

// IsRedirect reports whether status asks the client to follow a new location.
// 304 Not Modified is a cache-validation status, not a redirect.
func IsRedirect(status int) bool {
	return status >= 300 && status <= 399 && status != http.StatusNotModified
}

// Plan derives the next request for a redirect response. hops is the number
// of redirects already followed for this attempt. A nil error with a non-nil
// request means the caller should follow it; failures (missing Location, hop
// limit) are never retryable.
func Plan(raw *response.Raw, prev *request.Prepared, hops, maxRedirects int) (*request.Prepared, *apicize.Error) {
	if hops >= maxRedirects {
		return nil, &apicize.Error{
			Code:      apicize.CodeNetwork,
			Message:   "too many redirects: limit of " + strconv.Itoa(maxRedirects) + " exceeded",
			Retryable: false,
			Severity:  apicize.SeverityMedium,
			Context: map[string]any{
				"destination":  prev.URL.String(),
				"maxRedirects": maxRedirects,
			},
			Suggestions: []string{
				"Raise maxRedirects if the chain is legitimate",
				"Check the destination for a redirect loop",
			},
		}
	}

	location := raw.Header.Get("Location")
	if location == "" {
		return nil, &apicize.Error{
			Code:      apicize.CodeNetwork,
			Message:   "redirect response has no Location header",
			Retryable: false,
			Severity:  apicize.SeverityMedium,
			Context: map[string]any{
				"destination": prev.URL.String(),
				"status":      raw.StatusCode,
			},
			Suggestions: []string{
				"The server returned a redirect status without a target",
				"Report the malformed response to the destination's owner",
			},
		}
	}

	target, err := prev.URL.Parse(location)
	if err != nil {
		return nil, &apicize.Error{
			Code:      apicize.CodeNetwork,
			Message:   "redirect Location " + location + " does not parse",
			Cause:     err,
			Retryable: false,
			Severity:  apicize.SeverityMedium,
			Context:   map[string]any{"destination": prev.URL.String()},
			Suggestions: []string{
				"The server returned an unusable redirect target",
				"Report the malformed response to the destination's owner",
			},
		}
	}

	next := prev.Clone()
	next.URL = target
	if method := downgradeMethod(raw.StatusCode, prev.Method); method != prev.Method {
		next.Method = method
		// The body never survives a downgrade to GET.
		next.Body = nil
		next.Headers.Del("Content-Type")
		next.Headers.Del("Content-Length")
	}
	return next, nil
}

// downgradeMethod applies the redirect method rules: 303 always becomes GET;
// 301 and 302 downgrade POST/PUT/PATCH to GET; 307 and 308 never change the
// method.
func downgradeMethod(status int, method string) string {
	switch status {
	case http.StatusSeeOther:
		return http.MethodGet
	case http.StatusMovedPermanently, http.StatusFound:
		switch method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
			return http.MethodGet
		}
	}
	return method
}
