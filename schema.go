package main

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/categories.schema.json
var categories_schema_json string

//go:embed schema/catalogue.schema.json
var catalogue_schema_json string

var CATEGORIES_SCHEMA = jsonschema.MustCompileString("categories.schema.json", categories_schema_json)

var CATALOGUE_SCHEMA = jsonschema.MustCompileString("catalogue.schema.json", catalogue_schema_json)

// validates the json document `data` against `schema`.
func validate_json(schema *jsonschema.Schema, data []byte) error {
	var doc any
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	err := decoder.Decode(&doc)
	if err != nil {
		return fmt.Errorf("failed to parse as JSON: %w", err)
	}
	err = schema.Validate(doc)
	if err != nil {
		return fmt.Errorf("failed to validate against schema: %w", err)
	}
	return nil
}
