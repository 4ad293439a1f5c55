package billing

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// Request metadata is free-form but flat: scalar values only, so the audit
// trail stays queryable. Card and contact references are the common keys.
const metadataSchema = `{
	"type": "object",
	"properties": {
		"card_id": {"type": "string"},
		"contact_id": {"type": "string"}
	},
	"additionalProperties": {
		"type": ["string", "number", "boolean"]
	}
}`

var compiledMetadataSchema = gojsonschema.NewStringLoader(metadataSchema)

// ValidateMetadata checks billable-request metadata against the schema.
// A nil map is valid.
func ValidateMetadata(metadata map[string]any) error {
	if metadata == nil {
		return nil
	}

	result, err := gojsonschema.Validate(compiledMetadataSchema, gojsonschema.NewGoLoader(metadata))
	if err != nil {
		return fmt.Errorf("validating request metadata: %w", err)
	}
	if !result.Valid() {
		return fmt.Errorf("invalid request metadata: %s", result.Errors()[0])
	}
	return nil
}
