package remote

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const documentSchemaURL = "remote-document.json"

// Tombstones only need an id and a revision; live documents must also say
// what they are and where they live.
const documentSchema = `{
  "type": "object",
  "required": ["_id", "_rev"],
  "properties": {
    "_id": {"type": "string", "minLength": 1},
    "_rev": {"type": "string", "minLength": 1},
    "type": {"type": "string"},
    "name": {"type": "string"},
    "dir_id": {"type": "string"},
    "path": {"type": "string"},
    "md5sum": {"type": "string"},
    "size": {"type": "integer", "minimum": 0},
    "executable": {"type": "boolean"},
    "tags": {"type": "array", "items": {"type": "string"}},
    "trashed": {"type": "boolean"},
    "_deleted": {"type": "boolean"}
  },
  "if": {
    "properties": {"_deleted": {"const": true}},
    "required": ["_deleted"]
  },
  "else": {
    "required": ["type", "path"],
    "properties": {"path": {"type": "string", "minLength": 1}}
  }
}`

type DocumentValidator struct {
	schema *jsonschema.Schema
}

func NewDocumentValidator() (*DocumentValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(documentSchema))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(documentSchemaURL, doc); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile(documentSchemaURL)
	if err != nil {
		return nil, err
	}
	return &DocumentValidator{schema: schema}, nil
}

func (v *DocumentValidator) Validate(raw []byte) error {
	if v == nil || v.schema == nil {
		return nil
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if err := v.schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return nil
}
