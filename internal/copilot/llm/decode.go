package llm

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemasFS embed.FS

// compiled holds every structured-output JSON Schema, compiled once at
// package init. Keys are the schema file names without the .json suffix
// and match the template identifiers they validate.
var compiled = mustCompileSchemas()

func mustCompileSchemas() map[string]*jsonschema.Schema {
	entries, err := fs.ReadDir(schemasFS, "schemas")
	if err != nil {
		panic(fmt.Sprintf("llm: read schemas dir: %v", err))
	}
	out := make(map[string]*jsonschema.Schema, len(entries))
	for _, entry := range entries {
		name := strings.TrimSuffix(entry.Name(), ".json")
		data, err := schemasFS.ReadFile("schemas/" + entry.Name())
		if err != nil {
			panic(fmt.Sprintf("llm: read schema %s: %v", entry.Name(), err))
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(entry.Name(), bytes.NewReader(data)); err != nil {
			panic(fmt.Sprintf("llm: add schema resource %s: %v", entry.Name(), err))
		}
		sch, err := compiler.Compile(entry.Name())
		if err != nil {
			panic(fmt.Sprintf("llm: compile schema %s: %v", entry.Name(), err))
		}
		out[name] = sch
	}
	return out
}

// DecodeInto parses a JSON-mode model reply, validates it against the
// named schema, and unmarshals it into out. Any parse or validation
// failure is reported as ErrMalformedOutput so callers can fail closed
// without inspecting the raw model text.
func DecodeInto(schemaName, text string, out any) error {
	sch, ok := compiled[schemaName]
	if !ok {
		return fmt.Errorf("llm: no schema registered for %q", schemaName)
	}

	// Some models wrap JSON-mode output in code fences despite
	// instructions; strip them before parsing.
	text = stripFences(text)

	var raw any
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v (raw: %.200s)", ErrMalformedOutput, err, text)
	}
	if err := sch.Validate(raw); err != nil {
		return fmt.Errorf("%w: schema %q: %v", ErrMalformedOutput, schemaName, err)
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrMalformedOutput, err)
	}
	return nil
}

// stripFences removes a surrounding markdown code fence, if present.
func stripFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
