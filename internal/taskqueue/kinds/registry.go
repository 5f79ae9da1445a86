package kinds

import (
	"fmt"

	"swallowtail/pkg/validation"
)

// Kind names shipped with the service.
const (
	KindEcho   = "echo"
	KindScript = "script"
)

// Spec describes one task kind: its name and the JSON schema its params
// must satisfy. An empty schema accepts any params.
type Spec struct {
	Kind        string
	Description string
	ParamSchema string
}

// Registry maps task kind to its Spec. It is built explicitly at startup
// and passed to whoever needs it; there is no ambient global registry.
type Registry struct {
	specs map[string]Spec
}

// NewRegistry builds a registry from the given specs. Duplicate kinds are
// rejected so wiring mistakes surface at startup rather than at dispatch.
func NewRegistry(specs ...Spec) (*Registry, error) {
	r := &Registry{specs: make(map[string]Spec, len(specs))}
	for _, spec := range specs {
		if spec.Kind == "" {
			return nil, fmt.Errorf("task kind name cannot be empty")
		}
		if _, exists := r.specs[spec.Kind]; exists {
			return nil, fmt.Errorf("task kind %q registered twice", spec.Kind)
		}
		r.specs[spec.Kind] = spec
	}
	return r, nil
}

// Get returns the spec for a kind.
func (r *Registry) Get(kind string) (Spec, error) {
	spec, exists := r.specs[kind]
	if !exists {
		return Spec{}, fmt.Errorf("unknown task kind: %s", kind)
	}
	return spec, nil
}

// ValidateParams checks params against the kind's schema. Unknown kinds and
// schema violations are both errors; both are permanent (no retry will fix
// a malformed payload).
func (r *Registry) ValidateParams(kind, params string) error {
	spec, err := r.Get(kind)
	if err != nil {
		return err
	}
	if spec.ParamSchema == "" {
		return nil
	}
	if err := validation.ValidateJSONWithSchema(spec.ParamSchema, params); err != nil {
		return fmt.Errorf("params for kind %s rejected: %w", kind, err)
	}
	return nil
}

// BuiltinSpecs returns the specs for the kinds this service ships with.
func BuiltinSpecs() []Spec {
	return []Spec{
		{
			Kind:        KindEcho,
			Description: "Logs and echoes its params back as the result",
			ParamSchema: `{"type":"object","properties":{"message":{"type":"string"}},"required":["message"]}`,
		},
		{
			Kind:        KindScript,
			Description: "Runs a script in a subprocess and captures stdout",
			ParamSchema: `{"type":"object","properties":{"code":{"type":"string"}},"required":["code"]}`,
		},
	}
}
