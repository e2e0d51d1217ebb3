package tools

import (
	"fmt"
	"sync"

	"github.com/oldeucryptoboi/karnevil9/pkg/plan"
)

// Registry holds the tools a kernel may dispatch to. Registries are injected,
// never global, so tests and multi-tenant hosts can run several kernels in
// one process.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool under its declared name.
func (r *Registry) Register(t Tool) error {
	info := t.Info()
	if info.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[info.Name]; exists {
		return fmt.Errorf("tool %q already registered", info.Name)
	}
	r.tools[info.Name] = t
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns the info of every registered tool.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]Info, 0, len(r.tools))
	for _, t := range r.tools {
		infos = append(infos, t.Info())
	}
	return infos
}

// Schemas returns the critic view of the registry.
func (r *Registry) Schemas() map[string]plan.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]plan.ToolSchema, len(r.tools))
	for name, t := range r.tools {
		out[name] = plan.ToolSchema{Name: name, InputSchema: t.Info().InputSchema}
	}
	return out
}
