package webhooks

import (
	"bytes"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const payloadSchemaURL = "notion-webhook.json"

// payloadSchema accepts either the one-time handshake or a content event.
const payloadSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "anyOf": [
    {
      "required": ["verification_token"],
      "properties": {
        "verification_token": {"type": "string", "minLength": 1}
      }
    },
    {
      "required": ["type", "entity"],
      "properties": {
        "type": {"type": "string", "minLength": 1},
        "timestamp": {"type": "string"},
        "workspace_name": {"type": "string"},
        "authors": {
          "type": "array",
          "items": {"type": "object", "properties": {"id": {"type": "string"}}}
        },
        "entity": {
          "type": "object",
          "required": ["id", "type"],
          "properties": {
            "id": {"type": "string", "minLength": 1},
            "type": {"type": "string"}
          }
        },
        "data": {
          "type": "object",
          "properties": {
            "parent": {
              "type": "object",
              "properties": {
                "id": {"type": "string"},
                "type": {"type": "string"}
              }
            }
          }
        }
      }
    }
  ]
}`

type payloadValidator struct {
	schema *jsonschema.Schema
}

func newPayloadValidator() (*payloadValidator, error) {
	document, err := jsonschema.UnmarshalJSON(strings.NewReader(payloadSchema))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(payloadSchemaURL, document); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile(payloadSchemaURL)
	if err != nil {
		return nil, err
	}
	return &payloadValidator{schema: schema}, nil
}

func (v *payloadValidator) Validate(body []byte) error {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return err
	}
	return v.schema.Validate(instance)
}
