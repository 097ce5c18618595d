package shareinbox

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// recordSchema describes the cross-process wire shape of one queue record.
// Records that parse as JSON but violate this schema are skipped on read
// instead of poisoning the poll loop or being silently rewritten.
const recordSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "type", "timestamp", "data", "processed"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "type": {"enum": ["url", "text", "image", "video"]},
    "timestamp": {"type": "string", "minLength": 1},
    "caption": {"type": "string"},
    "data": {
      "type": "object",
      "properties": {
        "url": {"type": "string"},
        "text": {"type": "string"},
        "imageUri": {"type": "string"},
        "videoUri": {"type": "string"},
        "filename": {"type": "string"}
      }
    },
    "metadata": {
      "type": "object",
      "properties": {
        "sourceApp": {"type": "string"}
      }
    },
    "processed": {"type": "boolean"}
  }
}`

var (
	recordSchemaOnce     sync.Once
	recordSchemaCompiled *jsonschema.Schema
	recordSchemaErr      error
)

func compiledRecordSchema() (*jsonschema.Schema, error) {
	recordSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(recordSchema))
		if err != nil {
			recordSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("record.json", doc); err != nil {
			recordSchemaErr = err
			return
		}
		recordSchemaCompiled, recordSchemaErr = compiler.Compile("record.json")
	})
	return recordSchemaCompiled, recordSchemaErr
}

func validateRecordDocument(data []byte) error {
	schema, err := compiledRecordSchema()
	if err != nil {
		return fmt.Errorf("record schema unavailable: %w", err)
	}
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return err
	}
	return schema.Validate(value)
}
