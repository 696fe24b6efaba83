package surface

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

const schemaDialect = "https://json-schema.org/draft/2020-12/schema"

// InferSchema derives a JSON schema from a sample state value. Object keys
// present in the sample are listed as required; arrays take the schema of
// their first element.
func InferSchema(state json.RawMessage) (json.RawMessage, error) {
	var v any
	if err := json.Unmarshal(state, &v); err != nil {
		return nil, fmt.Errorf("infer schema: %w", err)
	}
	root := schemaOf(v)
	root["$schema"] = schemaDialect
	return json.Marshal(root)
}

func schemaOf(v any) map[string]any {
	switch t := v.(type) {
	case nil:
		return map[string]any{"type": "null"}
	case bool:
		return map[string]any{"type": "boolean"}
	case float64:
		if t == math.Trunc(t) && !math.IsInf(t, 0) {
			return map[string]any{"type": "integer"}
		}
		return map[string]any{"type": "number"}
	case string:
		return map[string]any{"type": "string"}
	case []any:
		s := map[string]any{"type": "array"}
		if len(t) > 0 {
			s["items"] = schemaOf(t[0])
		}
		return s
	case map[string]any:
		props := make(map[string]any, len(t))
		required := make([]string, 0, len(t))
		for k, child := range t {
			props[k] = schemaOf(child)
			required = append(required, k)
		}
		sort.Strings(required)
		return map[string]any{
			"type":       "object",
			"properties": props,
			"required":   required,
		}
	default:
		return map[string]any{}
	}
}
