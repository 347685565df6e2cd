package toolschema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ArgumentError reports why a tool call's arguments were rejected. The bridge
// converts it into a failed tool result instead of dispatching the call.
type ArgumentError struct {
	Tool   string
	Field  string
	Reason string
}

func (e *ArgumentError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("tool %q: %s", e.Tool, e.Reason)
	}
	return fmt.Sprintf("tool %q field %q: %s", e.Tool, e.Field, e.Reason)
}

// SanitizeArguments validates raw model-produced arguments against the
// translated tool schema. Unknown fields, missing required fields and type
// mismatches are all rejected; the model is not trusted to emit well-formed
// arguments.
func SanitizeArguments(raw json.RawMessage, tool RemoteTool) (map[string]any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var args map[string]any
	if err := dec.Decode(&args); err != nil {
		return nil, &ArgumentError{Tool: tool.Name, Reason: "arguments are not a JSON object"}
	}

	byName := make(map[string]RemoteField, len(tool.Fields))
	for _, f := range tool.Fields {
		byName[f.Name] = f
	}

	for name := range args {
		if _, ok := byName[name]; !ok {
			return nil, &ArgumentError{Tool: tool.Name, Field: name, Reason: "unknown field"}
		}
	}

	out := make(map[string]any, len(args))
	for _, f := range tool.Fields {
		v, present := args[f.Name]
		if !present || v == nil {
			if f.Required {
				return nil, &ArgumentError{Tool: tool.Name, Field: f.Name, Reason: "missing required field"}
			}
			continue
		}
		coerced, err := coerceValue(tool.Name, f.Name, f.Type, f.Elem, v)
		if err != nil {
			return nil, err
		}
		out[f.Name] = coerced
	}
	return out, nil
}

func coerceValue(tool, field string, t, elem FieldType, v any) (any, error) {
	switch t {
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return nil, &ArgumentError{Tool: tool, Field: field, Reason: "expected string"}
		}
		return s, nil

	case TypeBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, &ArgumentError{Tool: tool, Field: field, Reason: "expected boolean"}
		}
		return b, nil

	case TypeNumber:
		n, ok := v.(json.Number)
		if !ok {
			return nil, &ArgumentError{Tool: tool, Field: field, Reason: "expected number"}
		}
		f, err := n.Float64()
		if err != nil {
			return nil, &ArgumentError{Tool: tool, Field: field, Reason: "expected number"}
		}
		return f, nil

	case TypeInteger:
		n, ok := v.(json.Number)
		if !ok {
			return nil, &ArgumentError{Tool: tool, Field: field, Reason: "expected integer"}
		}
		// Models frequently emit "3.0" for integer fields; accept only
		// values with no fractional part.
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		if err != nil || f != float64(int64(f)) {
			return nil, &ArgumentError{Tool: tool, Field: field, Reason: "expected integer"}
		}
		return int64(f), nil

	case TypeArray:
		items, ok := v.([]any)
		if !ok {
			return nil, &ArgumentError{Tool: tool, Field: field, Reason: "expected array"}
		}
		out := make([]any, 0, len(items))
		for i, item := range items {
			c, err := coerceValue(tool, fmt.Sprintf("%s[%d]", field, i), elem, "", item)
			if err != nil {
				return nil, err
			}
			out = append(out, c)
		}
		return out, nil

	default:
		return nil, &ArgumentError{Tool: tool, Field: field, Reason: "unsupported field type " + strings.TrimSpace(string(t))}
	}
}
