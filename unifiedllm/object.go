package unifiedllm

import (
	"encoding/json"
	"strings"
)

// StructuredSystemPrompt appends the schema instruction to system. The
// instruction is repeated in the prompt because providers behind gollm that
// accept tools ignore response_format.
func StructuredSystemPrompt(system string, schema map[string]interface{}) string {
	var sb strings.Builder
	if system != "" {
		sb.WriteString(system)
		sb.WriteString("\n\n")
	}
	sb.WriteString(SchemaInstruction(schema))
	return sb.String()
}

// SchemaFormat is the strict json_schema response format for schema.
func SchemaFormat(schema map[string]interface{}) *ResponseFormat {
	return &ResponseFormat{Type: "json_schema", JSONSchema: schema, Strict: true}
}

// SchemaInstruction renders the instruction that asks the model to answer with
// a single JSON value conforming to schema.
func SchemaInstruction(schema map[string]interface{}) string {
	b, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		b = []byte("{}")
	}
	return "Respond ONLY with a single JSON object that conforms to this JSON Schema. " +
		"Do not wrap it in markdown and do not add commentary.\n" + string(b)
}
