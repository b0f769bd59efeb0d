package jobs

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const fileInputSchema = `{
	"type": "object",
	"required": ["storage_path", "mime_type", "owner"],
	"properties": {
		"ingest_file_id": {"type": "integer", "minimum": 0},
		"storage_path": {"type": "string", "minLength": 1},
		"mime_type": {"type": "string", "pattern": "%s"},
		"file_size": {"type": "integer", "minimum": 0},
		"owner": {"type": "string", "minLength": 1},
		"metadata": {"type": "object"}
	}
}`

var inputSchemas = map[Type]string{
	TypeIngestImage: fmt.Sprintf(fileInputSchema, "^image/"),
	TypeIngestVideo: fmt.Sprintf(fileInputSchema, "^video/"),
	TypeIngestPDF:   fmt.Sprintf(fileInputSchema, "^application/pdf$"),
	TypeGenerateCards: `{
		"type": "object",
		"required": ["owner", "media_asset_ids"],
		"properties": {
			"owner": {"type": "string", "minLength": 1},
			"deck_id": {"type": "integer", "minimum": 0},
			"media_asset_ids": {"type": "array", "minItems": 1, "items": {"type": "integer", "minimum": 1}},
			"count": {"type": "integer", "minimum": 0, "maximum": 20},
			"difficulty": {"type": "integer", "minimum": 0, "maximum": 5},
			"bloom_level": {"enum": ["", "remember", "understand", "apply", "analyze", "evaluate", "create"]},
			"language_code": {"type": "string"},
			"context": {"type": "string"}
		}
	}`,
}

var (
	schemasOnce sync.Once
	schemas     map[Type]*jsonschema.Schema
	schemasErr  error
)

func compileSchemas() {
	schemas = make(map[Type]*jsonschema.Schema, len(inputSchemas))
	for t, src := range inputSchemas {
		name := string(t) + ".json"
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(name, strings.NewReader(src)); err != nil {
			schemasErr = fmt.Errorf("add schema %s: %w", t, err)
			return
		}
		schema, err := compiler.Compile(name)
		if err != nil {
			schemasErr = fmt.Errorf("compile schema %s: %w", t, err)
			return
		}
		schemas[t] = schema
	}
}

// ValidateInputJSON checks an encoded payload against the schema for t.
func ValidateInputJSON(t Type, raw []byte) error {
	schemasOnce.Do(compileSchemas)
	if schemasErr != nil {
		return schemasErr
	}
	schema, ok := schemas[t]
	if !ok {
		return &UnknownTypeError{Type: t}
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("unmarshal input: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("input does not match schema: %w", err)
	}
	return nil
}
