package structgen

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/kaptinlin/jsonrepair"
)

var errNilSchema = errors.New("schema reflection returned nil")

// outputSchema reflects T into a JSON Schema map (sent to the model) and a
// resolved validator (applied to its reply).
func outputSchema[T any]() (map[string]any, *jsonschema.Resolved, error) {
	schema, err := jsonschema.For[T](&jsonschema.ForOptions{})
	if err != nil {
		return nil, nil, err
	}
	if schema == nil {
		return nil, nil, errNilSchema
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, nil, err
	}
	var schemaMap map[string]any
	if err := json.Unmarshal(data, &schemaMap); err != nil {
		return nil, nil, err
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, nil, err
	}
	return schemaMap, resolved, nil
}

// SchemaMismatchError reports model output that does not conform to the
// output schema.
type SchemaMismatchError struct {
	Detail string
	Err    error
}

func (e *SchemaMismatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Detail, e.Err)
	}
	return e.Detail
}

func (e *SchemaMismatchError) Unwrap() error { return e.Err }

// decodeOutput extracts a T from model text. The text is repaired first so
// fenced or lightly malformed JSON can still validate.
func decodeOutput[T any](text string, resolved *jsonschema.Resolved) (T, error) {
	var zero T
	raw := strings.TrimSpace(text)
	if raw == "" {
		return zero, &SchemaMismatchError{Detail: "empty output"}
	}
	repaired, err := jsonrepair.JSONRepair(stripFences(raw))
	if err != nil {
		return zero, &SchemaMismatchError{Detail: "output is not JSON", Err: err}
	}

	var instance any
	if err := json.Unmarshal([]byte(repaired), &instance); err != nil {
		return zero, &SchemaMismatchError{Detail: "output is not JSON", Err: err}
	}
	if err := resolved.Validate(instance); err != nil {
		return zero, &SchemaMismatchError{Detail: "output does not match schema", Err: err}
	}

	var out T
	if err := json.Unmarshal([]byte(repaired), &out); err != nil {
		return zero, &SchemaMismatchError{Detail: "output does not decode", Err: err}
	}
	return out, nil
}

// stripFences removes a surrounding markdown code fence.
func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
