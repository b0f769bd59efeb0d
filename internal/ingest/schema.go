package ingest

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/MimeLyc/mediacards/internal/errs"
)

// payloadSchema only constrains what the service reads; storage adds other
// fields freely.
const payloadSchema = `{
	"type": "object",
	"required": ["type", "table"],
	"properties": {
		"type": {"type": "string", "enum": ["INSERT", "UPDATE", "DELETE"]},
		"table": {"type": "string"},
		"schema": {"type": "string"},
		"record": {
			"type": ["object", "null"],
			"properties": {
				"bucket_id": {"type": "string"},
				"name": {"type": "string"},
				"metadata": {
					"type": ["object", "null"],
					"properties": {
						"mimetype": {"type": "string"},
						"size": {"type": ["integer", "string"]}
					}
				}
			}
		}
	},
	"if": {"properties": {"type": {"const": "INSERT"}, "table": {"const": "objects"}}},
	"then": {"required": ["record"], "properties": {"record": {"type": "object", "required": ["bucket_id", "name"]}}}
}`

var compilePayloadSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("webhook.json", strings.NewReader(payloadSchema)); err != nil {
		return nil, err
	}
	return compiler.Compile("webhook.json")
})

func decodePayload(body []byte) (webhookPayload, error) {
	var payload webhookPayload
	var doc any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return payload, errs.Wrap(err, errs.KindValidation, "Invalid JSON payload")
	}

	schema, err := compilePayloadSchema()
	if err != nil {
		return payload, errs.Wrap(err, errs.KindProcessing, "compile webhook schema")
	}
	if err := schema.Validate(doc); err != nil {
		return payload, errs.Wrap(err, errs.KindValidation, "Payload does not match schema")
	}

	if err := json.Unmarshal(body, &payload); err != nil {
		return payload, errs.Wrap(err, errs.KindValidation, "Invalid JSON payload")
	}
	return payload, nil
}
