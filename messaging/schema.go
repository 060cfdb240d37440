package messaging

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"net/url"
	"sort"
	"sync"

	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-ossa"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaBaseURL = "mem://ossa/schemas/"

// SchemaRegistry holds compiled JSON schemas keyed by name (a channel name,
// or a command input/output key).
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
	raw     map[string]map[string]any
}

func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{
		schemas: make(map[string]*jsonschema.Schema),
		raw:     make(map[string]map[string]any),
	}
}

// Register compiles schema and stores it under name, replacing any previous
// schema. A nil schema removes the entry.
func (r *SchemaRegistry) Register(name string, schema map[string]any) error {
	if schema == nil {
		r.Remove(name)
		return nil
	}
	compiled, err := compileSchema(name, schema)
	if err != nil {
		return ossa.NewError(ossa.ErrConfiguration, "invalid schema for "+name, err, map[string]any{
			"schema": name,
		})
	}
	r.mu.Lock()
	r.schemas[name] = compiled
	r.raw[name] = schema
	r.mu.Unlock()
	return nil
}

func (r *SchemaRegistry) Remove(name string) {
	r.mu.Lock()
	delete(r.schemas, name)
	delete(r.raw, name)
	r.mu.Unlock()
}

func (r *SchemaRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.schemas[name]
	return ok
}

// Schema returns the source document registered under name.
func (r *SchemaRegistry) Schema(name string) (map[string]any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.raw[name]
	return s, ok
}

func (r *SchemaRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Validate checks payload against the schema registered under name. A name
// without a schema accepts any payload.
func (r *SchemaRegistry) Validate(name string, payload any) error {
	r.mu.RLock()
	compiled, ok := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	inst, err := toJSONValue(payload)
	if err != nil {
		return ossa.NewError(ossa.ErrValidation, "payload for "+name+" is not JSON encodable", err, map[string]any{
			"schema": name,
		})
	}
	if err := compiled.Validate(inst); err != nil {
		return validationError(name, err)
	}
	return nil
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	doc, err := toJSONValue(schema)
	if err != nil {
		return nil, err
	}
	loc := schemaBaseURL + url.PathEscape(name) + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(loc, doc); err != nil {
		return nil, err
	}
	return c.Compile(loc)
}

// toJSONValue normalizes v to the shapes encoding/json produces so Go
// structs and YAML-decoded maps validate the same way.
func toJSONValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(raw))
}

func validationError(name string, err error) error {
	out := errors.NewValidation("payload does not match schema for " + name).
		WithTextCode(ossa.ErrCodeValidation).
		WithMetadata(map[string]any{"schema": name})
	out.Source = err

	var ve *jsonschema.ValidationError
	if !stderrors.As(err, &ve) {
		return out
	}
	unit := ve.BasicOutput()
	units := unit.Errors
	if len(units) == 0 {
		units = []jsonschema.OutputUnit{*unit}
	}
	for _, u := range units {
		if u.Error == nil {
			continue
		}
		field := u.InstanceLocation
		if field == "" {
			field = "/"
		}
		out.ValidationErrors = append(out.ValidationErrors, errors.FieldError{
			Field:   field,
			Message: u.Error.String(),
		})
	}
	return out
}
