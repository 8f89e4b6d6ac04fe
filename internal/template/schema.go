package template

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// schemaJSON is the structural contract every raw template must satisfy
// before it enters the store. Inherited fields may be absent on children;
// resolution-level checks happen after merge.
const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "name"],
  "properties": {
    "id": {"type": "string", "pattern": "^[a-z0-9_][a-z0-9_-]*$"},
    "name": {"type": "string", "minLength": 1},
    "version": {"type": "string"},
    "extends": {"type": "string"},
    "config": {
      "type": "object",
      "properties": {
        "maxWorkers": {"type": "integer", "minimum": 1, "maximum": 50},
        "workerTimeout": {"type": "integer", "minimum": 0},
        "pollInterval": {"type": "integer", "minimum": 100},
        "spawnDelay": {"type": "integer", "minimum": 0},
        "maxRetries": {"type": "integer", "minimum": 0, "maximum": 10},
        "retryOnError": {"type": "boolean"},
        "retryOnTimeout": {"type": "boolean"},
        "minTasks": {"type": "integer", "minimum": 1},
        "maxTasks": {"type": "integer", "minimum": 1}
      }
    },
    "phases": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "properties": {
          "enabled": {"type": "boolean"},
          "timeout": {"type": "integer", "minimum": 0},
          "validation": {"type": "boolean"}
        }
      }
    },
    "prompts": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "properties": {
          "system": {"type": "string"},
          "user": {"type": "string"}
        }
      }
    },
    "worker": {
      "type": "object",
      "properties": {
        "system": {"type": "string"},
        "user": {"type": "string"}
      }
    },
    "delimiters": {
      "type": "object",
      "properties": {
        "start": {"type": "string", "minLength": 1},
        "end": {"type": "string", "minLength": 1}
      }
    },
    "variables": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    }
  }
}`

// schemaValidator wraps the compiled schema. Documents are round-tripped
// through JSON before validation so values built in Go code validate the same
// as values decoded from disk.
type schemaValidator struct {
	schema *jsonschema.Schema
}

func newSchemaValidator() (*schemaValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("template.schema.json", doc); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("template.schema.json")
	if err != nil {
		return nil, err
	}
	return &schemaValidator{schema: schema}, nil
}

func (v *schemaValidator) validate(doc map[string]any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return err
	}
	return v.schema.Validate(instance)
}
