package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/labctrl/cmdlist"
	"github.com/c360/labctrl/errors"
	"github.com/c360/labctrl/health"
	"github.com/c360/labctrl/metric"
	"github.com/c360/labctrl/source"
)

// MaxParamsSize bounds the construction parameters of a single source.
const MaxParamsSize = 64 * 1024

var typeNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,31}$`)

// Dependencies are the shared services handed to every source factory.
type Dependencies struct {
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry // can be nil
	Health          *health.Monitor         // can be nil
	Compiler        cmdlist.Compiler        // can be nil
}

// GetLogger returns the configured logger or slog.Default()
func (d Dependencies) GetLogger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// LoggerFor returns a logger tagged with the component name
func (d Dependencies) LoggerFor(component string) *slog.Logger {
	return d.GetLogger().With("component", component)
}

// Factory builds a source with the given id from raw construction
// parameters. Factories must not block on I/O; connections are opened in
// the background.
type Factory func(id string, params json.RawMessage, deps Dependencies) (source.Source, error)

// Registration describes one source type
type Registration struct {
	Type        string          `json:"type"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema,omitempty"`
	Factory     Factory         `json:"-"`
}

// Registry maps source type names to their factories.
type Registry struct {
	mu      sync.RWMutex
	types   map[string]*Registration
	schemas map[string]*gojsonschema.Schema
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		types:   make(map[string]*Registration),
		schemas: make(map[string]*gojsonschema.Schema),
	}
}

// Register adds a source type. The schema, when given, must be a valid
// JSON schema; construction parameters are checked against it.
func (r *Registry) Register(reg Registration) error {
	if !typeNamePattern.MatchString(reg.Type) {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register",
			fmt.Sprintf("type name %q validation", reg.Type))
	}
	if reg.Factory == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "factory function validation")
	}

	var schema *gojsonschema.Schema
	if len(reg.Schema) > 0 {
		var err error
		schema, err = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(reg.Schema))
		if err != nil {
			return errors.WrapInvalid(err, "Registry", "Register", fmt.Sprintf("compile schema of %q", reg.Type))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.types[reg.Type]; exists {
		return errors.WrapInvalid(fmt.Errorf("source type %q is already registered", reg.Type),
			"Registry", "Register", "duplicate type check")
	}
	r.types[reg.Type] = &reg
	if schema != nil {
		r.schemas[reg.Type] = schema
	}
	return nil
}

// Has reports whether typ is a known source type
func (r *Registry) Has(typ string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[typ]
	return ok
}

// Types lists the registered types sorted by name
func (r *Registry) Types() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Registration, 0, len(r.types))
	for _, reg := range r.types {
		out = append(out, *reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Validate checks params against the schema of typ.
func (r *Registry) Validate(typ string, params json.RawMessage) error {
	r.mu.RLock()
	_, known := r.types[typ]
	schema := r.schemas[typ]
	r.mu.RUnlock()

	if !known {
		return errors.WrapInvalid(errors.ErrUnknownSourceType, "Registry", "Validate", fmt.Sprintf("lookup %q", typ))
	}
	if len(params) > MaxParamsSize {
		return errors.WrapInvalid(
			fmt.Errorf("%w: params size %d exceeds maximum %d", errors.ErrInvalidParams, len(params), MaxParamsSize),
			"Registry", "Validate", "size check")
	}
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	if schema == nil {
		if !json.Valid(params) {
			return errors.WrapInvalid(errors.ErrInvalidParams, "Registry", "Validate", "JSON parsing")
		}
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(params))
	if err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidParams, err), "Registry", "Validate", "JSON parsing")
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrInvalidParams, strings.Join(msgs, "; ")),
			"Registry", "Validate", fmt.Sprintf("schema check of %q", typ))
	}
	return nil
}

// Create validates params and builds a source of type typ.
func (r *Registry) Create(typ, id string, params json.RawMessage, deps Dependencies) (source.Source, error) {
	if err := r.Validate(typ, params); err != nil {
		return nil, err
	}

	r.mu.RLock()
	reg := r.types[typ]
	r.mu.RUnlock()

	src, err := reg.Factory(id, params, deps)
	if err != nil {
		return nil, errors.Wrap(err, "Registry", "Create", fmt.Sprintf("build %s source %q", typ, id))
	}
	deps.LoggerFor("registry").Debug("Source created", "type", typ, "source", id)
	return src, nil
}
