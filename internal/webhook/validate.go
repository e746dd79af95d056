package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	createSchemaURL = "https://panelsync.local/schemas/webhook-create.json"
	updateSchemaURL = "https://panelsync.local/schemas/webhook-update.json"
)

const createSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["userId", "sessionId", "events"],
  "properties": {
    "userId": { "type": "string", "minLength": 1 },
    "sessionId": { "type": "string", "minLength": 1 },
    "events": {
      "type": "array",
      "minItems": 1,
      "uniqueItems": true,
      "items": { "type": "string", "pattern": "^[A-Z][A-Z0-9_.]*$" }
    },
    "webhookUrl": { "type": "string", "format": "uri", "pattern": "^https?://" }
  }
}`

const updateSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "minProperties": 1,
  "properties": {
    "events": {
      "type": "array",
      "minItems": 1,
      "uniqueItems": true,
      "items": { "type": "string", "pattern": "^[A-Z][A-Z0-9_.]*$" }
    },
    "webhookUrl": {
      "type": "string",
      "anyOf": [
        { "maxLength": 0 },
        { "format": "uri", "pattern": "^https?://" }
      ]
    },
    "active": { "type": "boolean" }
  }
}`

type requestSchemas struct {
	once    sync.Once
	initErr error
	create  *jsonschema.Schema
	update  *jsonschema.Schema
}

var schemas requestSchemas

func initSchemas() error {
	schemas.once.Do(func() {
		c := jsonschema.NewCompiler()
		c.AssertFormat()
		for url, src := range map[string]string{createSchemaURL: createSchema, updateSchemaURL: updateSchema} {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
			if err != nil {
				schemas.initErr = err
				return
			}
			if err := c.AddResource(url, doc); err != nil {
				schemas.initErr = err
				return
			}
		}
		var err error
		if schemas.create, err = c.Compile(createSchemaURL); err != nil {
			schemas.initErr = err
			return
		}
		if schemas.update, err = c.Compile(updateSchemaURL); err != nil {
			schemas.initErr = err
		}
	})
	return schemas.initErr
}

func ValidateCreate(req CreateRequest) error {
	if strings.TrimSpace(req.SessionID) == "" {
		return ErrNoSession
	}
	if strings.TrimSpace(req.UserID) == "" {
		return ErrUnauthenticated
	}
	if err := initSchemas(); err != nil {
		return err
	}
	return validateAgainst(schemas.create, req)
}

func ValidateUpdate(req UpdateRequest) error {
	if err := initSchemas(); err != nil {
		return err
	}
	return validateAgainst(schemas.update, req)
}

func validateAgainst(schema *jsonschema.Schema, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	err = schema.Validate(inst)
	if err == nil {
		return nil
	}
	var vErr *jsonschema.ValidationError
	if !errors.As(err, &vErr) {
		return err
	}
	return &ValidationError{Problems: problemLines(vErr)}
}

// problemLines flattens the library's multi-line report into one entry per
// failing location.
func problemLines(err *jsonschema.ValidationError) []string {
	var out []string
	for _, line := range strings.Split(err.Error(), "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
		if line == "" || strings.HasPrefix(line, "jsonschema validation failed") {
			continue
		}
		out = append(out, line)
	}
	if len(out) == 0 {
		out = []string{err.Error()}
	}
	return out
}
