package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/credvault/pkg/schema"
)

const bundleSchemaURL = "https://credvault.dev/schemas/bundle.json"

// bundleSchemaJSON describes the shape of a plaintext credential bundle.
const bundleSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://credvault.dev/schemas/bundle.json",
  "type": "object",
  "properties": {
    "api_key":       { "$ref": "#/$defs/secret" },
    "client_id":     { "type": "string", "maxLength": 512 },
    "client_secret": { "$ref": "#/$defs/secret" },
    "access_token":  { "$ref": "#/$defs/secret" },
    "refresh_token": { "$ref": "#/$defs/secret" },
    "custom_headers": {
      "type": "object",
      "propertyNames": { "pattern": "^[A-Za-z0-9-]+$" },
      "additionalProperties": { "type": "string" }
    },
    "additional_config": { "type": "object" },
    "endpoint": {
      "type": "string",
      "format": "uri",
      "pattern": "^https?://"
    },
    "organization": { "type": "string", "maxLength": 256 },
    "project":      { "type": "string", "maxLength": 256 },
    "region": {
      "type": "string",
      "pattern": "^[A-Za-z0-9_-]{1,64}$"
    }
  },
  "additionalProperties": false,
  "$defs": {
    "secret": {
      "type": "string",
      "maxLength": 8192,
      "pattern": "^\\S+$"
    }
  }
}`

// shapeValidator checks bundles against the bundle JSON Schema.
type shapeValidator struct {
	bundleSchema *jsonschema.Schema
}

func newShapeValidator() (*shapeValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(bundleSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal bundle schema: %w", err)
	}
	if err := c.AddResource(bundleSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add bundle schema resource: %w", err)
	}
	compiled, err := c.Compile(bundleSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile bundle schema: %w", err)
	}
	return &shapeValidator{bundleSchema: compiled}, nil
}

// validate returns one issue per schema violation. Messages name the
// offending field, never its value.
func (v *shapeValidator) validate(b schema.Bundle) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	doc, err := toJSONValue(b)
	if err != nil {
		result.AddError("/", "credentials could not be serialized")
		return result
	}
	if err := v.bundleSchema.Validate(doc); err != nil {
		verr, ok := err.(*jsonschema.ValidationError)
		if !ok {
			result.AddError("/", "credentials do not match the expected shape")
			return result
		}
		for _, field := range violatedFields(verr) {
			result.AddError(field, field+" has an invalid format")
		}
	}
	return result
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, as the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// violatedFields walks a ValidationError tree and returns the distinct
// instance locations of its leaves. Library messages are dropped because
// they can quote the offending value.
func violatedFields(verr *jsonschema.ValidationError) []string {
	seen := make(map[string]struct{})
	var fields []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := "/"
			if len(e.InstanceLocation) > 0 {
				loc = strings.Join(e.InstanceLocation, ".")
			}
			if _, ok := seen[loc]; !ok {
				seen[loc] = struct{}{}
				fields = append(fields, loc)
			}
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(verr)
	return fields
}
