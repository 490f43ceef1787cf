// Package tools implements the built-in tools the speech model can call
// mid-conversation. Two tools are provided out of the box:
//
//   - "getDateAndTimeTool" — the current date and time in the app's
//     reference timezone (America/Los_Angeles).
//   - "getWeatherTool"     — a live weather lookup for a coordinate pair,
//     backed by the Open-Meteo forecast API.
//
// Tools are collected in a [Registry] keyed by lower-cased name; the speech
// service is free to vary the casing of the tool names it emits in toolUse
// events. Each [Handler] receives the raw JSON argument string produced by
// the model and returns a JSON-encoded result string. Handlers must be safe
// for concurrent use and must respect context cancellation.
package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MrWong99/sonicbridge/pkg/sonic"
)

// ErrUnsupportedTool is returned by [Registry.Invoke] when no tool is
// registered under the requested name.
var ErrUnsupportedTool = errors.New("tools: unsupported tool")

// Handler executes a tool with JSON-encoded args and returns a JSON-encoded
// result string on success, or a descriptive error.
type Handler func(ctx context.Context, args string) (string, error)

// Tool bundles a tool's model-facing schema with the handler that runs when
// the model calls it.
type Tool struct {
	// Spec is the schema advertised to the speech service in the prompt's
	// tool configuration: name, description, and JSON Schema input spec.
	Spec sonic.ToolSpec

	// Handler is invoked for every toolUse event naming this tool.
	Handler Handler
}

// Registry holds the tools available to a conversation. It is safe for
// concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool // keyed by lower-cased name
	order []string        // registration order, for stable Specs output
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// DefaultRegistry returns a registry pre-loaded with the built-in date/time
// and weather tools.
func DefaultRegistry(weatherOpts ...WeatherOption) *Registry {
	r := NewRegistry()
	// Built-in names never collide, so Register cannot fail here.
	_ = r.Register(NewDateTimeTool())
	_ = r.Register(NewWeatherTool(weatherOpts...))
	return r
}

// Register adds a tool to the registry. It fails if the tool has no name or
// a tool with the same (case-insensitive) name is already registered.
func (r *Registry) Register(t Tool) error {
	if t.Spec.Name == "" {
		return errors.New("tools: cannot register a tool without a name")
	}
	if t.Handler == nil {
		return fmt.Errorf("tools: tool %q has no handler", t.Spec.Name)
	}

	key := strings.ToLower(t.Spec.Name)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[key]; exists {
		return fmt.Errorf("tools: tool %q is already registered", t.Spec.Name)
	}
	r.tools[key] = t
	r.order = append(r.order, key)
	return nil
}

// Specs returns the schemas of all registered tools in registration order,
// ready to embed in a promptStart tool configuration.
func (r *Registry) Specs() []sonic.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]sonic.Tool, 0, len(r.order))
	for _, key := range r.order {
		specs = append(specs, sonic.Tool{ToolSpec: r.tools[key].Spec})
	}
	return specs
}

// Names returns the declared names of all registered tools in registration
// order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.order))
	for _, key := range r.order {
		names = append(names, r.tools[key].Spec.Name)
	}
	return names
}

// Invoke looks up the named tool (case-insensitively) and runs its handler.
// An unknown name yields an error wrapping [ErrUnsupportedTool].
func (r *Registry) Invoke(ctx context.Context, name, args string) (string, error) {
	r.mu.RLock()
	t, ok := r.tools[strings.ToLower(name)]
	r.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("tools: no tool named %q: %w", name, ErrUnsupportedTool)
	}
	return t.Handler(ctx, args)
}
