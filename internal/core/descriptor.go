package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrInvalidDescriptor wraps every rejection by ParseDescriptor.
var ErrInvalidDescriptor = errors.New("invalid operation descriptor")

// DescriptorSchema is the JSON schema for the operation descriptor accepted
// on stdin by `warden check`.
const DescriptorSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["tool"],
  "properties": {
    "tool": {"type": "string", "minLength": 1, "maxLength": 64},
    "target": {"type": "string"},
    "payload": {"type": "string"},
    "timestamp": {"type": ["string", "integer", "null"]},
    "session_id": {"type": "string", "maxLength": 256},
    "cwd": {"type": "string"}
  },
  "anyOf": [
    {"required": ["target"]},
    {"required": ["payload"]}
  ]
}`

const descriptorSchemaURL = "warden-operation.json"

var compileDescriptor = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(DescriptorSchema))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(descriptorSchemaURL, doc); err != nil {
		return nil, err
	}
	return c.Compile(descriptorSchemaURL)
})

// ParseDescriptor validates data against DescriptorSchema and decodes it.
func ParseDescriptor(data []byte) (Operation, error) {
	sch, err := compileDescriptor()
	if err != nil {
		return Operation{}, fmt.Errorf("compiling descriptor schema: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return Operation{}, fmt.Errorf("%w: empty input", ErrInvalidDescriptor)
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Operation{}, fmt.Errorf("%w: not valid JSON: %v", ErrInvalidDescriptor, err)
	}
	if err := sch.Validate(inst); err != nil {
		return Operation{}, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}

	var op Operation
	if err := json.Unmarshal(data, &op); err != nil {
		return Operation{}, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	return op, nil
}
