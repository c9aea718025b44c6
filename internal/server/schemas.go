package server

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// schemaSet compiles every embedded JSON schema once at startup and
// validates decoded request bodies against them by name.
type schemaSet struct {
	compiled map[string]*jsonschema.Schema
}

func loadSchemas() (*schemaSet, error) {
	compiler := jsonschema.NewCompiler()

	names := []string{"create_account", "login", "configuration", "delete_device", "logout"}
	urls := make(map[string]string, len(names))

	for _, name := range names {
		data, err := schemaFS.ReadFile("schemas/" + name + ".json")
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", name, err)
		}
		url := "https://attestd/schemas/" + name + ".json"
		if err := compiler.AddResource(url, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", name, err)
		}
		urls[name] = url
	}

	set := &schemaSet{compiled: make(map[string]*jsonschema.Schema, len(names))}
	for name, url := range urls {
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		set.compiled[name] = schema
	}
	return set, nil
}

// validateBody decodes body as JSON into an untyped value, validates it
// against the named schema, then re-decodes it into dst.
func (s *schemaSet) validateBody(name string, body []byte, dst any) error {
	schema, ok := s.compiled[name]
	if !ok {
		return fmt.Errorf("no such schema: %s", name)
	}

	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	return json.Unmarshal(body, dst)
}
