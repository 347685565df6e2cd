package toolschema

import (
	"encoding/json"
	"fmt"
)

// FieldType is the set of parameter types the voice service accepts. The
// service rejects nested objects, unions and const constraints, so richer
// tool schemas must be flattened to these primitives before session start.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeInteger FieldType = "integer"
	TypeBoolean FieldType = "boolean"
	TypeArray   FieldType = "array"
	TypeObject  FieldType = "object"
)

// Field describes one parameter of a tool as advertised by the tool server.
type Field struct {
	Name        string    `json:"name"`
	Type        FieldType `json:"type"`
	Description string    `json:"description,omitempty"`
	Required    bool      `json:"required"`
	// Elem is the element type for arrays. Only primitive elements are
	// representable remotely.
	Elem FieldType `json:"elem,omitempty"`
	// Children holds nested object fields. One level of nesting is
	// flattened during translation; deeper nesting is dropped.
	Children []Field `json:"children,omitempty"`
	// Enum restricts string values. Carried through as a description hint
	// because the remote schema language has no enum construct.
	Enum []string `json:"enum,omitempty"`
}

// ToolDefinition is a tool as advertised by the tool-invocation server.
type ToolDefinition struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Fields      []Field `json:"fields"`
}

// RemoteField is a flattened, primitive-typed parameter in the shape the
// voice service accepts.
type RemoteField struct {
	Name        string    `json:"name"`
	Type        FieldType `json:"type"`
	Description string    `json:"description,omitempty"`
	Required    bool      `json:"required"`
	Elem        FieldType `json:"elem,omitempty"`
}

// RemoteTool is the translated tool advertisement sent in session.update.
type RemoteTool struct {
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Fields      []RemoteField `json:"fields"`
}

func isPrimitive(t FieldType) bool {
	switch t {
	case TypeString, TypeNumber, TypeInteger, TypeBoolean:
		return true
	default:
		return false
	}
}

// Translate converts tool definitions into the restricted remote shape.
// Nested object fields are flattened one level using underscore-joined names;
// fields that still cannot be expressed are dropped from the tool. A tool
// that loses every field is dropped entirely, as is a tool whose translated
// advertisement serializes above maxBytes (the voice service rejects the
// whole session.update on an oversized payload); maxBytes <= 0 disables the
// cap. Translating to zero tools when the input had at least one is an
// error, since the session would silently lose all tooling.
func Translate(defs []ToolDefinition, maxBytes int) ([]RemoteTool, []string, error) {
	var out []RemoteTool
	var dropped []string

	for _, def := range defs {
		var fields []RemoteField
		lost := false
		for _, f := range def.Fields {
			flat, ok := flattenField(f, "")
			if !ok {
				lost = true
				continue
			}
			fields = append(fields, flat...)
		}
		if len(fields) == 0 && len(def.Fields) > 0 && lost {
			dropped = append(dropped, def.Name)
			continue
		}
		tool := RemoteTool{
			Name:        def.Name,
			Description: def.Description,
			Fields:      fields,
		}
		if maxBytes > 0 {
			raw, err := json.Marshal(tool)
			if err != nil || len(raw) > maxBytes {
				dropped = append(dropped, def.Name)
				continue
			}
		}
		out = append(out, tool)
	}

	if len(out) == 0 && len(defs) > 0 {
		return nil, dropped, fmt.Errorf("no tool survived translation (%d dropped)", len(dropped))
	}
	return out, dropped, nil
}

// flattenField renders one field into zero or more remote fields. Object
// fields are expanded into their children prefixed with the parent name;
// grandchildren are not expanded and make the subtree unrepresentable.
func flattenField(f Field, prefix string) ([]RemoteField, bool) {
	name := f.Name
	if prefix != "" {
		name = prefix + "_" + f.Name
	}

	switch {
	case isPrimitive(f.Type):
		desc := f.Description
		if len(f.Enum) > 0 {
			desc = appendEnumHint(desc, f.Enum)
		}
		return []RemoteField{{
			Name:        name,
			Type:        f.Type,
			Description: desc,
			Required:    f.Required,
		}}, true

	case f.Type == TypeArray:
		if !isPrimitive(f.Elem) {
			return nil, false
		}
		return []RemoteField{{
			Name:        name,
			Type:        TypeArray,
			Description: f.Description,
			Required:    f.Required,
			Elem:        f.Elem,
		}}, true

	case f.Type == TypeObject:
		// Only one level of flattening: children must be directly
		// representable without further object expansion.
		if prefix != "" {
			return nil, false
		}
		var out []RemoteField
		for _, child := range f.Children {
			if child.Type == TypeObject {
				return nil, false
			}
			flat, ok := flattenField(child, f.Name)
			if !ok {
				return nil, false
			}
			// A child is only required when the whole object is.
			if !f.Required {
				for i := range flat {
					flat[i].Required = false
				}
			}
			out = append(out, flat...)
		}
		return out, len(out) > 0

	default:
		return nil, false
	}
}

func appendEnumHint(desc string, enum []string) string {
	hint := "one of:"
	for i, v := range enum {
		if i > 0 {
			hint += ","
		}
		hint += " " + v
	}
	if desc == "" {
		return hint
	}
	return desc + " (" + hint + ")"
}
