package outbox

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"example.com/carbonlens/internal/events"
)

const activityRecordedSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "title": "ActivityRecorded",
  "properties": {
    "activity_id": {"type": "string", "minLength": 1},
    "activity_type": {"enum": ["email", "meeting", "storage", "browsing"]},
    "provider": {"type": "string", "minLength": 1},
    "user_id": {"type": "string"},
    "user_email": {"type": "string"},
    "occurred_at": {"type": "string", "format": "date-time"},
    "emission_kg": {"type": "number", "minimum": 0},
    "mode": {"type": "string"},
    "external_id": {"type": "string"}
  },
  "required": ["activity_id", "activity_type", "provider", "occurred_at", "emission_kg", "mode"],
  "additionalProperties": false
}`

const userTotalsAccumulatedSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "title": "UserTotalsAccumulated",
  "properties": {
    "identity": {"type": "string", "minLength": 1},
    "total_emission_kg": {"type": "number", "minimum": 0},
    "activity_count": {"type": "integer", "minimum": 1},
    "last_activity_at": {"type": "string", "format": "date-time"},
    "updated_at": {"type": "string", "format": "date-time"}
  },
  "required": ["identity", "total_emission_kg", "activity_count", "last_activity_at", "updated_at"],
  "additionalProperties": false
}`

// SchemaCatalogEntry maps event type to schema definition.
type SchemaCatalogEntry struct {
	Schema   string
	compiled *jsonschema.Schema
}

// Validate checks payload against the compiled schema.
func (e SchemaCatalogEntry) Validate(payload []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return e.compiled.Validate(inst)
}

var schemaCatalog = mustCompileCatalog(map[string]string{
	events.TypeActivityRecorded:      activityRecordedSchema,
	events.TypeUserTotalsAccumulated: userTotalsAccumulatedSchema,
})

func mustCompileCatalog(schemas map[string]string) map[string]SchemaCatalogEntry {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat()

	catalog := make(map[string]SchemaCatalogEntry, len(schemas))
	for eventType, schema := range schemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schema))
		if err != nil {
			panic(fmt.Sprintf("outbox: schema for %s: %v", eventType, err))
		}
		url := "https://schemas.carbonlens.example.com/" + eventType + ".json"
		if err := compiler.AddResource(url, doc); err != nil {
			panic(fmt.Sprintf("outbox: schema for %s: %v", eventType, err))
		}
		compiled, err := compiler.Compile(url)
		if err != nil {
			panic(fmt.Sprintf("outbox: schema for %s: %v", eventType, err))
		}
		catalog[eventType] = SchemaCatalogEntry{Schema: schema, compiled: compiled}
	}
	return catalog
}
