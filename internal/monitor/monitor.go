// Package monitor validates incoming payment requests against a JSON
// schema before any gateway is touched.
package monitor

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ContractMonitor validates request bodies against a compiled schema.
type ContractMonitor struct {
	schema *gojsonschema.Schema
}

// NewContractMonitor loads the schema from a file path.
func NewContractMonitor(schemaPath string) (*ContractMonitor, error) {
	loader := gojsonschema.NewReferenceLoader("file://" + schemaPath)
	schema, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return nil, fmt.Errorf("monitor: load schema %s: %w", schemaPath, err)
	}
	return &ContractMonitor{schema: schema}, nil
}

// NewContractMonitorFromBytes compiles an inline schema document.
func NewContractMonitorFromBytes(schemaJSON []byte) (*ContractMonitor, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("monitor: compile schema: %w", err)
	}
	return &ContractMonitor{schema: schema}, nil
}

// Validate checks the request body against the schema. It returns true
// when valid, or false plus the individual violation messages.
func (cm *ContractMonitor) Validate(requestBody []byte) (bool, []string, error) {
	result, err := cm.schema.Validate(gojsonschema.NewBytesLoader(requestBody))
	if err != nil {
		return false, nil, fmt.Errorf("monitor: validate request: %w", err)
	}
	if result.Valid() {
		return true, nil, nil
	}
	var violations []string
	for _, desc := range result.Errors() {
		violations = append(violations, desc.String())
	}
	return false, violations, nil
}

// FormatErrors joins violation messages into one response string.
func FormatErrors(violations []string) string {
	if len(violations) == 0 {
		return ""
	}
	return "Validation errors: " + strings.Join(violations, "; ")
}

// PayRequestSchema is the contract for POST /payments bodies.
const PayRequestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["order_id"],
  "properties": {
    "order_id": {"type": "string", "minLength": 1},
    "gateway": {"type": "string"},
    "currency": {"type": "string", "pattern": "^[A-Za-z]{3}$"},
    "description": {"type": "string"},
    "customer_email": {"type": "string"},
    "customer_name": {"type": "string"},
    "payer_type": {"type": "string"},
    "payer_id": {"type": "string"},
    "return_url": {"type": "string"},
    "cancel_url": {"type": "string"},
    "capture_method": {"type": "string", "enum": ["automatic", "manual"]}
  },
  "additionalProperties": false
}`
