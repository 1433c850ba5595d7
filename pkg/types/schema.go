package types

import (
	"encoding/json"
	"sort"
	"strings"
)

// SchemaKind is the JSON type a Schema node describes.
type SchemaKind string

const (
	KindNull    SchemaKind = "null"
	KindBoolean SchemaKind = "boolean"
	KindNumber  SchemaKind = "number"
	KindString  SchemaKind = "string"
	KindArray   SchemaKind = "array"
	KindObject  SchemaKind = "object"
)

// Schema is a structural description of a JSON value.
//
// Items is set for arrays and describes the first element; it is nil for an
// empty array. Properties and Required are set for objects, and Required
// lists every observed key in sorted order.
type Schema struct {
	Type       SchemaKind         `json:"type"`
	Items      *Schema            `json:"items,omitempty"`
	Properties map[string]*Schema `json:"properties,omitempty"`
	Required   []string           `json:"required,omitempty"`
}

// InferSchema derives a Schema from a value produced by encoding/json.
func InferSchema(v any) *Schema {
	switch val := v.(type) {
	case nil:
		return &Schema{Type: KindNull}
	case bool:
		return &Schema{Type: KindBoolean}
	case float64, json.Number, int, int64:
		return &Schema{Type: KindNumber}
	case string:
		return &Schema{Type: KindString}
	case []any:
		s := &Schema{Type: KindArray}
		if len(val) > 0 {
			s.Items = InferSchema(val[0])
		}
		return s
	case map[string]any:
		s := &Schema{
			Type:       KindObject,
			Properties: make(map[string]*Schema, len(val)),
			Required:   make([]string, 0, len(val)),
		}
		for k, child := range val {
			s.Properties[k] = InferSchema(child)
			s.Required = append(s.Required, k)
		}
		sort.Strings(s.Required)
		return s
	default:
		return &Schema{Type: KindNull}
	}
}

// SchemaFromBody parses body as JSON and infers its schema. It returns false
// when body is empty, not JSON, or a truncation marker.
func SchemaFromBody(body string) (*Schema, bool) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return nil, false
	}
	if IsTruncationMarker(v) {
		return nil, false
	}
	return InferSchema(v), true
}

// TruncationMarker is stored in place of a response body that exceeded the
// size limit.
type TruncationMarker struct {
	Truncated    bool   `json:"_truncated"`
	OriginalSize int64  `json:"_originalSize"`
	Message      string `json:"_message"`
}

// IsTruncationMarker reports whether a decoded JSON value is a TruncationMarker.
func IsTruncationMarker(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	t, ok := m["_truncated"].(bool)
	return ok && t
}
