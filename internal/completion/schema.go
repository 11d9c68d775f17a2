package completion

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/invopop/jsonschema"
)

// SchemaFor reflects T into a closed, inline JSON schema.
func SchemaFor[T any](name, description string) (*Schema, error) {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
		Anonymous:                 true,
	}
	var v T
	schema := reflector.Reflect(v)
	schema.Version = ""

	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("completion: marshal schema %q: %w", name, err)
	}
	return &Schema{Name: name, Description: description, Definition: raw}, nil
}

// MustSchemaFor is SchemaFor for package-level schema variables.
func MustSchemaFor[T any](name, description string) *Schema {
	s, err := SchemaFor[T](name, description)
	if err != nil {
		panic(err)
	}
	return s
}

// DecodeJSON decodes exactly one JSON object from a model reply. Markdown code
// fences and keys outside v are tolerated; callers check required fields.
func DecodeJSON(raw string, v any) error {
	dec := json.NewDecoder(bytes.NewBufferString(stripFences(raw)))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("completion: decode judgment: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("completion: decode judgment: multiple JSON values")
		}
		return fmt.Errorf("completion: decode judgment trailing data: %w", err)
	}
	return nil
}

func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
