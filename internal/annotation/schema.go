package annotation

import (
	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed record.schema.json
var recordSchemaJSON string

// recordSchema rejects structurally bad records before decoding; semantic
// checks (zero-area regions, unknown levels) follow in parseRecord.
var recordSchema = jsonschema.MustCompileString("record.schema.json", recordSchemaJSON)
