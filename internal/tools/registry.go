package tools

import (
	"sync"

	"loom/internal/provider"
)

// Registry manages a collection of tools. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string // registration order, for stable schema listings
}

// NewRegistry creates a new empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
	}
}

// Register adds a tool to the registry.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return NewInvalidArgsError("registry", "tool cannot be nil", nil)
	}
	name := tool.Name()
	if name == "" {
		return NewInvalidArgsError("registry", "tool name cannot be empty", nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return ErrToolAlreadyExists
	}
	r.tools[name] = tool
	r.order = append(r.order, name)
	return nil
}

// MustRegister adds a tool and panics on error. For built-in tools during
// initialisation.
func (r *Registry) MustRegister(tool Tool) {
	if err := r.Register(tool); err != nil {
		panic(err)
	}
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Unregister removes a tool from the registry.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; !exists {
		return NewToolNotFoundError(name)
	}
	delete(r.tools, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// FilterByTags returns a copy of the registry without any tool carrying
// one of the excluded tags. Used to build per-session tool sets from the
// feature toggles, and to strip sub-agent tools from child agents.
func (r *Registry) FilterByTags(excluded ...Tag) *Registry {
	drop := make(map[Tag]struct{}, len(excluded))
	for _, t := range excluded {
		drop[t] = struct{}{}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := NewRegistry()
	for _, name := range r.order {
		tool := r.tools[name]
		skip := false
		for _, tag := range tool.Tags() {
			if _, ok := drop[tag]; ok {
				skip = true
				break
			}
		}
		if !skip {
			out.tools[name] = tool
			out.order = append(out.order, name)
		}
	}
	return out
}

// Schemas converts all registered tools into provider tool schemas, in
// registration order.
func (r *Registry) Schemas() []provider.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]provider.ToolSchema, 0, len(r.order))
	for _, name := range r.order {
		tool := r.tools[name]
		out = append(out, provider.ToolSchema{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  tool.Parameters(),
		})
	}
	return out
}

// Meta returns the short UI label for a call, if the tool provides one.
func (r *Registry) Meta(name string, args map[string]any) string {
	tool, ok := r.Get(name)
	if !ok {
		return ""
	}
	if mp, ok := tool.(MetaProvider); ok {
		return mp.Meta(args)
	}
	return ""
}
