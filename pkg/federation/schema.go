package federation

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// pushSchema validates inbound federation payloads before any resource
// touches the store. Additional fields are tolerated; shape and the
// classification vocabulary are not negotiable.
const pushSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["correlationId", "sourceRealm", "resources"],
  "properties": {
    "correlationId": {"type": "string", "minLength": 1},
    "sourceRealm": {"type": "string", "pattern": "^[A-Z]{3}$"},
    "resources": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["resourceId", "classification", "originRealm", "version", "lastModified"],
        "properties": {
          "resourceId": {"type": "string", "minLength": 1},
          "title": {"type": "string"},
          "classification": {
            "type": "string",
            "enum": ["UNCLASSIFIED", "RESTRICTED", "CONFIDENTIAL", "SECRET"]
          },
          "releasabilityTo": {
            "type": "array",
            "items": {"type": "string", "pattern": "^[A-Z]{3}$"}
          },
          "coi": {"type": "array", "items": {"type": "string"}},
          "originRealm": {"type": "string", "pattern": "^[A-Z]{3}$"},
          "version": {"type": "integer", "minimum": 1},
          "lastModified": {"type": "string"}
        }
      }
    }
  }
}`

// Validator checks inbound push payloads against the wire schema.
type Validator struct {
	schema *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("federation-push.json", bytes.NewReader([]byte(pushSchema))); err != nil {
		return nil, fmt.Errorf("register federation schema: %w", err)
	}
	schema, err := compiler.Compile("federation-push.json")
	if err != nil {
		return nil, fmt.Errorf("compile federation schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Validate checks a decoded push payload. The argument is the result
// of json.Unmarshal into interface{}.
func (v *Validator) Validate(payload any) error {
	if err := v.schema.Validate(payload); err != nil {
		return fmt.Errorf("federation payload rejected: %w", err)
	}
	return nil
}
