// Package request defines the logical request model (tagged body union,
// ordered headers and query parameters with enable flags) and the Builder
// that turns a Spec into a wire-ready Prepared request.
package request
