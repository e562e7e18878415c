package metadata

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const documentSchemaURL = "https://cloud-mirror.local/metadata.schema.json"

// documentSchema describes the persisted metadata document. Unknown
// fields are allowed so older binaries can read files written by newer
// ones.
const documentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["files"],
  "properties": {
    "files": {
      "type": "object",
      "additionalProperties": {"$ref": "#/$defs/record"}
    },
    "lastBackupTimestamp": {"type": ["string", "null"]}
  },
  "$defs": {
    "record": {
      "type": "object",
      "required": ["size", "signature", "status"],
      "properties": {
        "size": {"type": "integer", "minimum": 0},
        "mtime": {"type": "string"},
        "content_hash": {"type": "string"},
        "signature": {"type": "string"},
        "status": {"enum": ["pending", "uploaded", "failed"]},
        "transport": {"enum": ["primary", "secondary"]},
        "primary_ref": {
          "type": "object",
          "required": ["message_id", "blob_id"],
          "properties": {
            "message_id": {"type": "integer"},
            "blob_id": {"type": "string"}
          }
        },
        "secondary_ref": {"type": "integer"},
        "uploaded_at": {"type": "string"},
        "encrypted": {"type": "boolean"},
        "last_error": {"type": "string"}
      }
    }
  }
}`

var (
	compiledSchema    *jsonschema.Schema
	compiledSchemaErr error
	compileOnce       sync.Once
)

func loadSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(documentSchema))
		if err != nil {
			compiledSchemaErr = fmt.Errorf("parsing metadata schema: %w", err)
			return
		}

		c := jsonschema.NewCompiler()
		if err := c.AddResource(documentSchemaURL, doc); err != nil {
			compiledSchemaErr = fmt.Errorf("adding metadata schema: %w", err)
			return
		}

		compiledSchema, compiledSchemaErr = c.Compile(documentSchemaURL)
	})

	return compiledSchema, compiledSchemaErr
}

// validateDocument checks raw bytes against the document schema before
// they are decoded into a Store.
func validateDocument(data []byte) error {
	sch, err := loadSchema()
	if err != nil {
		return err
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decoding metadata: %w", err)
	}

	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("validating metadata: %w", err)
	}

	return nil
}
