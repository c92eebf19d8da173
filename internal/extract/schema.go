package extract

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// payloadSchemaDoc mirrors the JSON shape documented in system.tmpl: an
// object of up to five arrays, each entry requiring at minimum a name
// (or from/to/type for relations).
const payloadSchemaDoc = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "characters":    {"type": "array", "items": {"$ref": "#/definitions/entity"}},
    "locations":     {"type": "array", "items": {"$ref": "#/definitions/entity"}},
    "organizations": {"type": "array", "items": {"$ref": "#/definitions/entity"}},
    "events":        {"type": "array", "items": {"$ref": "#/definitions/entity"}},
    "relations":     {"type": "array", "items": {"$ref": "#/definitions/relation"}}
  },
  "definitions": {
    "entity": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name":        {"type": "string", "minLength": 1},
        "description": {"type": "string"}
      }
    },
    "relation": {
      "type": "object",
      "required": ["from", "to", "type"],
      "properties": {
        "from": {"type": "string", "minLength": 1},
        "to":   {"type": "string", "minLength": 1},
        "type": {"type": "string", "minLength": 1}
      }
    }
  }
}`

const payloadSchemaResource = "kgworker://extract/payload.schema.json"

var payloadSchema = compilePayloadSchema()

func compilePayloadSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(payloadSchemaResource, bytes.NewReader([]byte(payloadSchemaDoc))); err != nil {
		panic(fmt.Sprintf("extract: invalid embedded schema: %v", err))
	}
	schema, err := compiler.Compile(payloadSchemaResource)
	if err != nil {
		panic(fmt.Sprintf("extract: schema compile failed: %v", err))
	}
	return schema
}

// ValidatePayload checks raw provider output against the extraction
// JSON schema before it is unmarshalled into an ExtractionPayload,
// catching malformed structured output (missing name fields, wrong
// types) as a parse error rather than a silent partial upsert.
func ValidatePayload(raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("extract: invalid json: %w", err)
	}
	if err := payloadSchema.Validate(v); err != nil {
		return fmt.Errorf("extract: schema validation failed: %w", err)
	}
	return nil
}
