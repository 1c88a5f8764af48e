package registry

import (
	"fmt"
	"math"

	"github.com/google/jsonschema-go/jsonschema"
)

// SimpleSchema builds an object schema from a map of property name to Go-ish
// type name. All listed properties are required.
//
// Type mappings:
//   - "string"            → {"type": "string"}
//   - "int", "int64"      → {"type": "integer"}
//   - "float64", "number" → {"type": "number"}
//   - "bool"              → {"type": "boolean"}
//   - "[]string"          → {"type": "array", "items": {"type": "string"}}
//   - "object", "any"     → {"type": "object"}
func SimpleSchema(props map[string]string) *jsonschema.Schema {
	properties := make(map[string]*jsonschema.Schema, len(props))
	required := make([]string, 0, len(props))
	for name, typ := range props {
		properties[name] = simpleType(typ)
		required = append(required, name)
	}
	return &jsonschema.Schema{
		Type:       "object",
		Properties: properties,
		Required:   required,
	}
}

func simpleType(typ string) *jsonschema.Schema {
	switch typ {
	case "string":
		return &jsonschema.Schema{Type: "string"}
	case "int", "int8", "int16", "int32", "int64", "uint", "uint8", "uint16", "uint32", "uint64", "integer":
		return &jsonschema.Schema{Type: "integer"}
	case "float32", "float64", "float", "number":
		return &jsonschema.Schema{Type: "number"}
	case "bool", "boolean":
		return &jsonschema.Schema{Type: "boolean"}
	case "any", "object", "map[string]any":
		return &jsonschema.Schema{Type: "object"}
	default:
		if len(typ) > 2 && typ[:2] == "[]" {
			return &jsonschema.Schema{Type: "array", Items: simpleType(typ[2:])}
		}
		return &jsonschema.Schema{Type: "string"}
	}
}

// structuralErrors walks the top level of an object schema and collects one
// error per failing field (path + reason). It covers the common subset
// (required, primitive types, enum) so a validation failure can name every
// bad field at once; deeper keywords are left to the resolved-schema
// backstop.
func structuralErrors(schema *jsonschema.Schema, value any) []error {
	if schema == nil || schema.Type != "object" {
		return nil
	}
	obj, ok := value.(map[string]any)
	if !ok {
		return []error{fmt.Errorf("arguments: expected an object, got %T", value)}
	}

	var errs []error
	for _, req := range schema.Required {
		if _, present := obj[req]; !present {
			errs = append(errs, fmt.Errorf("%s: required field is missing", req))
		}
	}
	for name, prop := range schema.Properties {
		v, present := obj[name]
		if !present || prop == nil {
			continue
		}
		if prop.Type != "" && !matchesType(prop.Type, v) {
			errs = append(errs, fmt.Errorf("%s: expected %s, got %s", name, prop.Type, jsonTypeName(v)))
			continue
		}
		if len(prop.Enum) > 0 && !inEnum(prop.Enum, v) {
			errs = append(errs, fmt.Errorf("%s: value is not one of the allowed values", name))
		}
	}
	return errs
}

func matchesType(typ string, v any) bool {
	switch typ {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		_, ok := v.(float64)
		return ok
	case "integer":
		f, ok := v.(float64)
		return ok && f == math.Trunc(f)
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "null":
		return v == nil
	default:
		return true
	}
}

func jsonTypeName(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func inEnum(enum []any, v any) bool {
	for _, e := range enum {
		if e == v {
			return true
		}
	}
	return false
}
