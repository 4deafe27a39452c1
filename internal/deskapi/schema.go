package deskapi

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://deskrelay.dev/schemas/"

const (
	SchemaWorkspace = "workspace.json"
	SchemaMember    = "member.json"
	SchemaMembers   = "members.json"
	SchemaMetrics   = "metrics.json"
	SchemaThreads   = "threads.json"
	SchemaLabels    = "labels.json"
	SchemaPats      = "pats.json"
)

// Validator checks raw response bodies against the embedded response schemas.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

var (
	defaultValidatorOnce sync.Once
	defaultValidator     *Validator
	defaultValidatorErr  error
)

// DefaultValidator compiles the embedded schemas once per process.
func DefaultValidator() (*Validator, error) {
	defaultValidatorOnce.Do(func() {
		defaultValidator, defaultValidatorErr = NewValidator()
	})
	return defaultValidator, defaultValidatorErr
}

func NewValidator() (*Validator, error) {
	entries, err := fs.ReadDir(schemaFS, "schemas")
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		raw, err := schemaFS.ReadFile(path.Join("schemas", entry.Name()))
		if err != nil {
			return nil, err
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", entry.Name(), err)
		}
		if err := compiler.AddResource(schemaBaseURL+entry.Name(), doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", entry.Name(), err)
		}
		names = append(names, entry.Name())
	}
	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(names))}
	for _, name := range names {
		sch, err := compiler.Compile(schemaBaseURL + name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		v.schemas[name] = sch
	}
	return v, nil
}

// Validate checks body against the named schema.
func (v *Validator) Validate(name string, body []byte) error {
	sch, ok := v.schemas[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return err
	}
	return sch.Validate(inst)
}
