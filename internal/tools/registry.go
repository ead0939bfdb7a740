package tools

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"drover/internal/apperr"
)

// Registry is the ordered tool catalog. It is populated at boot and read-only
// afterwards; Freeze makes later registration a programming error.
type Registry struct {
	mu       sync.RWMutex
	order    []*Tool
	byName   map[string]*Tool
	compiled map[string]*jsonschema.Schema
	frozen   bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:   map[string]*Tool{},
		compiled: map[string]*jsonschema.Schema{},
	}
}

// Register adds a tool and compiles its input schema. Duplicate names and
// registration after Freeze panic: both are wiring bugs, not runtime states.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		panic(fmt.Sprintf("tool %q registered after freeze", t.Name))
	}
	if _, exists := r.byName[t.Name]; exists {
		panic(fmt.Sprintf("tool %q registered twice", t.Name))
	}
	schema, err := compileSchema(t.Name, t.InputSchema)
	if err != nil {
		panic(fmt.Sprintf("tool %q schema: %v", t.Name, err))
	}
	r.order = append(r.order, t)
	r.byName[t.Name] = t
	r.compiled[t.Name] = schema
}

// Freeze marks the catalog complete.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Get resolves a tool by name.
func (r *Registry) Get(name string) (*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	if !ok {
		return nil, apperr.New(apperr.KindUnknownTool, "unknown tool %q", name)
	}
	return t, nil
}

// List returns tools in registration order.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, len(r.order))
	copy(out, r.order)
	return out
}

// Len reports the catalog size.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// ValidateInput checks args against the tool's compiled schema.
func (r *Registry) ValidateInput(name string, args map[string]any) error {
	r.mu.RLock()
	schema := r.compiled[name]
	r.mu.RUnlock()
	if schema == nil {
		return apperr.New(apperr.KindUnknownTool, "unknown tool %q", name)
	}
	if args == nil {
		args = map[string]any{}
	}
	// Round-trip so handler-supplied Go ints validate the same way as
	// wire-decoded JSON numbers.
	raw, err := json.Marshal(args)
	if err != nil {
		return apperr.Wrap(apperr.KindBadInput, err, "input for %s is not valid JSON", name)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return apperr.Wrap(apperr.KindBadInput, err, "input for %s is not valid JSON", name)
	}
	if err := schema.Validate(doc); err != nil {
		return apperr.Wrap(apperr.KindBadInput, err, "input for %s does not match schema", name)
	}
	return nil
}

// compileSchema round-trips the schema document through JSON so numeric
// literals take the form the validator expects, then compiles it.
func compileSchema(name string, doc map[string]any) (*jsonschema.Schema, error) {
	if doc == nil {
		doc = emptySchema()
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	url := name + ".schema.json"
	if err := c.AddResource(url, normalized); err != nil {
		return nil, err
	}
	return c.Compile(url)
}
