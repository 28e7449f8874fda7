package events

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// envelopeSchema validates the outer envelope shape before an event is
// appended to the outbox. Payloads additionally must carry the stable
// envelope_id used for downstream deduplication.
const envelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "type", "schema_version", "occurred_at", "payload"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "type": {"type": "string", "pattern": "^envelope\\.[a-z_]+$"},
    "schema_version": {"type": "string"},
    "occurred_at": {"type": "string"},
    "trace_id": {"type": "string"},
    "payload": {
      "type": "object",
      "required": ["envelope_id"],
      "properties": {
        "envelope_id": {"type": "string", "minLength": 1}
      }
    }
  }
}`

// compatibleSchemas accepts any 1.x payload schema. Bumping the major is a
// breaking change and must be rolled out consumer-first.
var compatibleSchemas = semver.MustParse("1.0.0")

// Validator checks event envelopes against the wire schema and the schema
// version compatibility window.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles the envelope schema.
func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("envelope.json", strings.NewReader(envelopeSchema)); err != nil {
		return nil, fmt.Errorf("events: add schema: %w", err)
	}
	s, err := c.Compile("envelope.json")
	if err != nil {
		return nil, fmt.Errorf("events: compile schema: %w", err)
	}
	return &Validator{schema: s}, nil
}

// Validate checks e against the wire schema and version window.
func (v *Validator) Validate(e *Envelope) error {
	if err := CheckSchemaVersion(e.SchemaVersion); err != nil {
		return err
	}

	// jsonschema validates decoded generic JSON, so round-trip the envelope.
	raw, err := e.Encode()
	if err != nil {
		return err
	}
	var doc interface{}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("events: unmarshal for validation: %w", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("events: envelope %s invalid: %w", e.ID, err)
	}
	return nil
}

// CheckSchemaVersion rejects versions outside the supported major.
func CheckSchemaVersion(version string) error {
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("events: bad schema version %q: %w", version, err)
	}
	if v.Major() != compatibleSchemas.Major() {
		return fmt.Errorf("events: schema version %s incompatible with %d.x", version, compatibleSchemas.Major())
	}
	return nil
}
