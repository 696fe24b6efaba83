package tool

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"surfacebroker/internal/domain"
)

// compileSchema compiles the parameter schema t declares. A tool without
// one yields a nil schema and no error.
func compileSchema(t domain.Tool) (*jsonschema.Schema, error) {
	raw := t.Schema().Parameters
	if len(bytes.TrimSpace(raw)) == 0 || string(raw) == "null" {
		return nil, nil
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := "mem://tools/" + t.Name() + ".json"
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("tool %q: load schema: %w", t.Name(), err)
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("tool %q: compile schema: %w", t.Name(), err)
	}
	return s, nil
}

// checkParams returns an error result when params do not satisfy schema,
// and nil when the call may proceed.
func checkParams(schema *jsonschema.Schema, params json.RawMessage) *domain.ToolResult {
	if schema == nil {
		return nil
	}
	var doc any
	if err := json.Unmarshal(params, &doc); err != nil {
		return ErrResult("invalid JSON: %v", err)
	}
	if err := schema.Validate(doc); err != nil {
		return ErrResult("%v: %s", domain.ErrValidation, schemaReason(err))
	}
	return nil
}

// schemaReason flattens a validation error to its innermost causes, which
// name the offending field.
func schemaReason(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}
	leaf := ve
	for len(leaf.Causes) == 1 {
		leaf = leaf.Causes[0]
	}
	if len(leaf.Causes) == 0 {
		return fmt.Sprintf("%s: %s", pointer(leaf.InstanceLocation), leaf.Message)
	}
	var buf bytes.Buffer
	for i, c := range leaf.Causes {
		if i > 0 {
			buf.WriteString("; ")
		}
		fmt.Fprintf(&buf, "%s: %s", pointer(c.InstanceLocation), c.Message)
	}
	return buf.String()
}

func pointer(loc string) string {
	if loc == "" {
		return "/"
	}
	return loc
}
