package tools

import (
	"reflect"
	"strings"
)

// BuildSchema generates a JSON Schema from a Go struct using reflection.
// Supported struct tags:
//   - json: field name
//   - jsonschema: extra attributes (description, required, enum, default)
//
// Example:
//
//	type Args struct {
//	    Path string `json:"path" jsonschema:"description=File path,required"`
//	}
//	schema := BuildSchema(Args{})
func BuildSchema(v any) map[string]any {
	t := reflect.TypeOf(v)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}
	}
	return buildObjectSchema(t)
}

func buildObjectSchema(t reflect.Type) map[string]any {
	properties := make(map[string]any)
	var required []string

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}

		fieldName := field.Name
		if jsonTag := field.Tag.Get("json"); jsonTag != "" {
			name := strings.Split(jsonTag, ",")[0]
			if name == "-" {
				continue
			}
			if name != "" {
				fieldName = name
			}
		}

		prop := typeSchema(field.Type)
		if jsTag := field.Tag.Get("jsonschema"); jsTag != "" {
			applySchemaTag(jsTag, prop, fieldName, &required)
		}
		properties[fieldName] = prop
	}

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func typeSchema(t reflect.Type) map[string]any {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.String:
		return map[string]any{"type": "string"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return map[string]any{"type": "integer"}
	case reflect.Float32, reflect.Float64:
		return map[string]any{"type": "number"}
	case reflect.Bool:
		return map[string]any{"type": "boolean"}
	case reflect.Slice, reflect.Array:
		return map[string]any{"type": "array", "items": typeSchema(t.Elem())}
	case reflect.Map:
		return map[string]any{"type": "object"}
	case reflect.Struct:
		return buildObjectSchema(t)
	default:
		return map[string]any{"type": "object"}
	}
}

// applySchemaTag parses a jsonschema struct tag and updates the property.
func applySchemaTag(tag string, schema map[string]any, fieldName string, required *[]string) {
	for _, attr := range strings.Split(tag, ",") {
		attr = strings.TrimSpace(attr)
		switch {
		case attr == "required":
			*required = append(*required, fieldName)
		case strings.HasPrefix(attr, "description="):
			schema["description"] = strings.TrimPrefix(attr, "description=")
		case strings.HasPrefix(attr, "enum="):
			vals := strings.Split(strings.TrimPrefix(attr, "enum="), "|")
			anyVals := make([]any, len(vals))
			for i, v := range vals {
				anyVals[i] = v
			}
			schema["enum"] = anyVals
		case strings.HasPrefix(attr, "default="):
			schema["default"] = strings.TrimPrefix(attr, "default=")
		}
	}
}
