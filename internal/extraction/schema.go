package extraction

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// BuildReceiptJSONSchema returns the strict output schema sent to the
// extraction service. Every field is required; the VAT fields are nullable.
func BuildReceiptJSONSchema(allowedCategories []string) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"merchant": map[string]any{"type": "string"},
			"date":     map[string]any{"type": "string", "description": "ISO date (YYYY-MM-DD)"},
			"amount":   map[string]any{"type": "number"},
			"currency": map[string]any{"type": "string"},
			"category": map[string]any{"type": "string", "enum": allowedCategories},
			"vatNumber": map[string]any{
				"type": []string{"string", "null"},
			},
			"vatRate": map[string]any{
				"type": []string{"number", "null"},
			},
			"vatAmount": map[string]any{
				"type": []string{"number", "null"},
			},
			"confidence": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
		},
		"required": []string{
			"merchant",
			"date",
			"amount",
			"currency",
			"category",
			"vatNumber",
			"vatRate",
			"vatAmount",
			"confidence",
		},
		"additionalProperties": false,
	}
}

// compileReceiptSchema compiles the same schema we send to the service so the
// payload can be validated locally before it is trusted.
func compileReceiptSchema(allowedCategories []string) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(BuildReceiptJSONSchema(allowedCategories))
	if err != nil {
		return nil, err
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("receipt_extract.json", strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return compiler.Compile("receipt_extract.json")
}

// validatePayload checks the decoded payload against the compiled schema.
func validatePayload(schema *jsonschema.Schema, payload []byte) error {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return schema.Validate(v)
}
