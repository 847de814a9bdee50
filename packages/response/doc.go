// Package response processes raw transport responses: status classification,
// header multi-map access, content-type driven body decoding with graceful
// fallback to plain text, and gjson queries over decoded JSON payloads.
package response
