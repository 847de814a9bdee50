package response

import (
	"encoding/json"
	"net/http"
)

// Process inspects a raw transport response and classifies its body by
// content type. It never fails: a body that does not decode as declared
// degrades to plain text instead of surfacing an error.
func Process(raw *Raw) *Response {
	resp := &Response{
		StatusCode: raw.StatusCode,
		Status:     raw.Status,
		Headers:    raw.Header,
	}
	resp.Body = processBody(raw)
	return resp
}

func processBody(raw *Raw) Body {
	// 204 and empty payloads are bodiless regardless of declared type.
	if raw.StatusCode == http.StatusNoContent || len(raw.Body) == 0 {
		return Body{Kind: BodyNone}
	}

	text := string(raw.Body)
	body := Body{
		Kind: BodyText,
		Text: text,
		Size: len(raw.Body),
	}

	switch contentTypeOf(raw.Header) {
	case "application/json":
		var data any
		if err := json.Unmarshal(raw.Body, &data); err == nil {
			body.Kind = BodyJSON
			body.Data = data
		}
		// On decode failure the payload stays plain text.
	case "application/xml", "text/xml":
		body.Kind = BodyXML
	case "application/x-www-form-urlencoded":
		body.Kind = BodyForm
	}
	return body
}
