package reconciler

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/SharmARohitt/Hypnos/pkg/contracts"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// DefaultSchemaConstraint accepts every 1.x payload.
const DefaultSchemaConstraint = "^1.0.0"

// Validator decides whether an envelope can be applied. Anything it rejects
// is dead-lettered rather than retried.
type Validator struct {
	constraint *semver.Constraints
	schemas    map[contracts.EventKind]*jsonschema.Schema
}

// NewValidator compiles the payload schemas and the schema version constraint.
func NewValidator(constraint string) (*Validator, error) {
	if constraint == "" {
		constraint = DefaultSchemaConstraint
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return nil, fmt.Errorf("schema version constraint %q: %w", constraint, err)
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	v := &Validator{constraint: c, schemas: make(map[contracts.EventKind]*jsonschema.Schema)}
	for _, kind := range contracts.EventKinds {
		raw, err := schemaFS.ReadFile("schemas/" + string(kind) + ".json")
		if err != nil {
			return nil, fmt.Errorf("load schema for %s: %w", kind, err)
		}
		url := fmt.Sprintf("https://hypnos.schemas.local/events/%s.schema.json", kind)
		if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("add schema for %s: %w", kind, err)
		}
		compiled, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", kind, err)
		}
		v.schemas[kind] = compiled
	}
	return v, nil
}

// Check validates the envelope's schema version and payload and decodes it.
func (v *Validator) Check(env contracts.Envelope) (contracts.Event, error) {
	version, err := semver.NewVersion(env.SchemaVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: %q at %s: %v", contracts.ErrUnsupportedSchema, env.SchemaVersion, env.Key(), err)
	}
	if !v.constraint.Check(version) {
		return nil, fmt.Errorf("%w: %s not in %s at %s", contracts.ErrUnsupportedSchema, version, v.constraint, env.Key())
	}

	schema, ok := v.schemas[env.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown kind %q at %s", contracts.ErrMalformedEvent, env.Kind, env.Key())
	}
	dec := json.NewDecoder(bytes.NewReader(env.Payload))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %s at %s: %v", contracts.ErrMalformedEvent, env.Kind, env.Key(), err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %s at %s: %v", contracts.ErrMalformedEvent, env.Kind, env.Key(), err)
	}

	return contracts.Open(env)
}
