// Package schema is the versioned registry of typed event payload schemas.
//
// A Registry is built explicitly (from built-ins or a compiled ledger
// manifest) and handed to the EventStore and the ProjectionEngine at
// construction time. There is no package-level registry.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Misty4119/nds-api/internal/ir"
)

// Spec declares one schema version.
type Spec struct {
	Name        string         `json:"name" yaml:"name"`
	Version     string         `json:"version" yaml:"version"`
	Types       []ir.EventType `json:"types,omitempty" yaml:"types,omitempty"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	JSONSchema  []byte         `json:"-" yaml:"-"`
}

// Definition is a registered, compiled schema version.
type Definition struct {
	Spec
	version  *semver.Version
	compiled *jsonschema.Schema
}

// SemVer returns the parsed version.
func (d *Definition) SemVer() *semver.Version {
	return d.version
}

// Allows reports whether events of type t may use this schema.
// An empty type list allows every type.
func (d *Definition) Allows(t ir.EventType) bool {
	return len(d.Types) == 0 || slices.Contains(d.Types, t)
}

// Registry holds schema definitions keyed by name, each with one or more versions.
type Registry struct {
	mu   sync.RWMutex
	defs map[string][]*Definition // sorted ascending by version
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string][]*Definition)}
}

// NewDefaultRegistry returns a registry preloaded with the built-in schemas.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, spec := range Builtin() {
		if err := r.Register(spec); err != nil {
			panic(fmt.Sprintf("builtin schema %s: %v", spec.Name, err))
		}
	}
	return r
}

// Register compiles and adds a schema version. Registering the same
// name+version twice is an error.
func (r *Registry) Register(spec Spec) error {
	if spec.Name == "" {
		return fmt.Errorf("register schema: name is required")
	}
	v, err := semver.NewVersion(spec.Version)
	if err != nil {
		return fmt.Errorf("register schema %s: version %q: %w", spec.Name, spec.Version, err)
	}
	for _, t := range spec.Types {
		if !t.Valid() {
			return fmt.Errorf("register schema %s@%s: unknown event type %q", spec.Name, spec.Version, t)
		}
	}

	def := &Definition{Spec: spec, version: v}
	if len(spec.JSONSchema) > 0 {
		def.compiled, err = compile(spec.Name, v.String(), spec.JSONSchema)
		if err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.defs[spec.Name] {
		if existing.version.Equal(v) {
			return fmt.Errorf("register schema %s@%s: already registered", spec.Name, v)
		}
	}
	versions := append(r.defs[spec.Name], def)
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].version.LessThan(versions[j].version)
	})
	r.defs[spec.Name] = versions
	return nil
}

func compile(name, version string, raw []byte) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://nds.schemas.local/%s/%s.schema.json", name, version)
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("schema %s@%s: load: %w", name, version, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schema %s@%s: compile: %w", name, version, err)
	}
	return compiled, nil
}

// Lookup returns an exact version. An empty version means the latest.
func (r *Registry) Lookup(name, version string) (*Definition, error) {
	if version == "" {
		return r.Latest(name)
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return nil, &ValidationError{Schema: name, Version: version, Err: err}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, def := range r.defs[name] {
		if def.version.Equal(v) {
			return def, nil
		}
	}
	return nil, &ValidationError{Schema: name, Version: version, Err: ErrUnknownSchema}
}

// Latest returns the highest registered version of name.
func (r *Registry) Latest(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions := r.defs[name]
	if len(versions) == 0 {
		return nil, &ValidationError{Schema: name, Err: ErrUnknownSchema}
	}
	return versions[len(versions)-1], nil
}

// Resolve returns the highest version satisfying a semver constraint such as "^1.2".
func (r *Registry) Resolve(name, constraint string) (*Definition, error) {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return nil, &ValidationError{Schema: name, Version: constraint, Err: err}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions := r.defs[name]
	for i := len(versions) - 1; i >= 0; i-- {
		if c.Check(versions[i].version) {
			return versions[i], nil
		}
	}
	return nil, &ValidationError{Schema: name, Version: constraint, Err: ErrUnknownSchema}
}

// Names returns all registered schema names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks an event's payload against the schema version it names.
func (r *Registry) Validate(ev ir.Event) error {
	def, err := r.Lookup(ev.Schema, ev.SchemaVersion)
	if err != nil {
		return err
	}
	if !def.Allows(ev.Type) {
		return &ValidationError{
			Schema:  ev.Schema,
			Version: def.version.String(),
			Err:     fmt.Errorf("event type %s not allowed", ev.Type),
		}
	}
	if def.compiled == nil {
		return nil
	}
	doc, err := toJSONDocument(ev.Payload)
	if err != nil {
		return &ValidationError{Schema: ev.Schema, Version: def.version.String(), Err: err}
	}
	if err := def.compiled.Validate(doc); err != nil {
		return &ValidationError{Schema: ev.Schema, Version: def.version.String(), Err: err}
	}
	return nil
}

// toJSONDocument re-decodes the payload the way the validator expects:
// numbers as json.Number, objects as map[string]any.
func toJSONDocument(payload ir.Object) (any, error) {
	if payload == nil {
		payload = ir.Object{}
	}
	raw, err := payload.MarshalJSON()
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}
