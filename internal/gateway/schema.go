package gateway

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// submissionSchemaJSON is the wire contract for executor submissions.
// Unknown fields are rejected so drift in executor output surfaces as a
// schema violation instead of silently dropped data.
const submissionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["status"],
  "properties": {
    "task_id": {"type": "string"},
    "job_id": {"type": "string"},
    "status": {"type": "string", "enum": ["DONE", "NEED_INPUT", "FAILED"]},
    "exit_code": {"type": "integer"},
    "touched_files": {"type": "array", "items": {"type": "string"}},
    "tools_used": {"type": "array", "items": {"type": "string"}},
    "tests": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["command", "passed"],
        "properties": {
          "command": {"type": "string"},
          "passed": {"type": "boolean"}
        }
      }
    },
    "evidence": {"type": "string"}
  }
}`

type submissionValidator struct {
	schema *jsonschema.Schema
}

func newSubmissionValidator() (*submissionValidator, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(submissionSchemaJSON)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal submission schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("submission.json", doc); err != nil {
		return nil, fmt.Errorf("add submission schema: %w", err)
	}
	schema, err := c.Compile("submission.json")
	if err != nil {
		return nil, fmt.Errorf("compile submission schema: %w", err)
	}
	return &submissionValidator{schema: schema}, nil
}

func (sv *submissionValidator) Validate(raw []byte) error {
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := sv.schema.Validate(parsed); err != nil {
		return fmt.Errorf("submission rejected: %w", err)
	}
	return nil
}
