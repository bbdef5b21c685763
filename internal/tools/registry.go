// Package tools implements the tool registry, tool-call validation, and the
// parallel executor that dispatches LLM-requested tool calls.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/defipilot/defipilot/internal/llm"
)

// ErrUnknownTool is returned when a call names a tool that is not registered.
var ErrUnknownTool = errors.New("unknown tool")

// Handler executes one tool call. Arguments are guaranteed to be a JSON
// object that validated against the tool's schema.
type Handler func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Definition describes one registered tool.
type Definition struct {
	Name        string
	Description string

	// Schema is a JSON Schema for the tool's arguments object.
	Schema json.RawMessage

	Handler Handler
}

type compiledTool struct {
	def    Definition
	schema *jsonschema.Schema
}

// Registry holds the registered tools and their compiled argument schemas.
// Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*compiledTool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*compiledTool)}
}

// Register adds a tool, compiling its argument schema. Registering the same
// name twice is an error.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return errors.New("tool name is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %s: handler is required", def.Name)
	}
	if len(def.Schema) == 0 {
		def.Schema = json.RawMessage(`{"type":"object"}`)
	}

	schema, err := jsonschema.CompileString(def.Name+".json", string(def.Schema))
	if err != nil {
		return fmt.Errorf("tool %s: invalid schema: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("tool %s: already registered", def.Name)
	}
	r.tools[def.Name] = &compiledTool{def: def, schema: schema}
	return nil
}

// MustRegister registers all definitions, panicking on error. Used at
// startup where a bad schema is a programming mistake.
func (r *Registry) MustRegister(defs ...Definition) {
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			panic(err)
		}
	}
}

// Get returns a tool definition by name.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	if !ok {
		return Definition{}, false
	}
	return tool.def, true
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Specs returns the tool specifications offered to the LLM, in name order.
func (r *Registry) Specs() []llm.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	specs := make([]llm.ToolSpec, 0, len(names))
	for _, name := range names {
		def := r.tools[name].def
		specs = append(specs, llm.ToolSpec{
			Name:        def.Name,
			Description: def.Description,
			Schema:      def.Schema,
		})
	}
	return specs
}

// ValidateArguments checks args against the tool's schema. Returns
// ErrUnknownTool for unregistered names.
func (r *Registry) ValidateArguments(name string, args json.RawMessage) error {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	var value any
	if err := json.Unmarshal(args, &value); err != nil {
		return fmt.Errorf("tool %s: arguments are not valid JSON: %w", name, err)
	}
	if err := tool.schema.Validate(value); err != nil {
		return fmt.Errorf("tool %s: %w", name, err)
	}
	return nil
}
