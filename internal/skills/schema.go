package skills

import (
	"encoding/json"

	genschema "github.com/invopop/jsonschema"
)

// schemaFor derives a flat JSON Schema from a parameter struct. Fields
// tagged omitempty become optional; descriptions come from jsonschema tags.
// Builtin tools declare their parameters as structs and let reflection do
// the schema bookkeeping once, at startup.
func schemaFor(v any) json.RawMessage {
	r := &genschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: true,
	}
	schema := r.Reflect(v)
	raw, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return raw
}
