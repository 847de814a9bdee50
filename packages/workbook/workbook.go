// Package workbook loads and validates JSON workbooks: named request
// definitions that the engine executes. Workbooks are validated against a
// JSON schema before unmarshaling, so malformed files fail with a
// configuration error listing every violation.
package workbook

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/apicize/apicize-go/packages/apicize"
	"github.com/apicize/apicize-go/packages/request"
)

// Workbook is a collection of request definitions executed together.
type Workbook struct {
	Version  string          `json:"version,omitempty"`
	Name     string          `json:"name,omitempty"`
	Requests []*request.Spec `json:"requests"`
}

// Load reads, validates and parses a workbook file.
func Load(path string) (*Workbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading workbook %s: %w", path, err)
	}
	return Parse(data)
}

// Parse validates raw workbook JSON against the schema and unmarshals it.
func Parse(data []byte) (*Workbook, error) {
	if err := Validate(data); err != nil {
		return nil, err
	}

	var wb Workbook
	if err := json.Unmarshal(data, &wb); err != nil {
		return nil, apicize.ConfigError("workbook does not parse: %v", err)
	}
	for _, spec := range wb.Requests {
		if spec.Method == "" {
			spec.Method = "GET"
		}
	}
	return &wb, nil
}

// Validate checks raw workbook JSON against the embedded schema.
func Validate(data []byte) error {
	schema := gojsonschema.NewStringLoader(Schema)
	document := gojsonschema.NewBytesLoader(data)

	result, err := gojsonschema.Validate(schema, document)
	if err != nil {
		return apicize.ConfigError("workbook is not valid JSON: %v", err)
	}
	if !result.Valid() {
		violations := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			violations = append(violations, desc.String())
		}
		return apicize.ConfigError("workbook failed validation: %s", strings.Join(violations, "; "))
	}
	return nil
}

// Specs returns the workbook's request definitions.
func (w *Workbook) Specs() []*request.Spec {
	return w.Requests
}
