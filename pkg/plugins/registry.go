package plugins

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/yamplus/yam/pkg/engine"
)

// Plugin is implemented by compiled-in plugins.
type Plugin interface {
	// Name returns the registered plugin name.
	Name() string

	// Schema returns the JSON-Schema fragment the plugin contributes.
	Schema() map[string]interface{}

	// Handlers returns the plugin's matcher-scoped handlers in declaration order.
	Handlers() []engine.HandlerSpec
}

// CapabilityOf converts a Plugin into the capability record the composer consumes.
func CapabilityOf(p Plugin) *engine.Capability {
	return &engine.Capability{
		Name:     p.Name(),
		Schema:   p.Schema(),
		Handlers: p.Handlers(),
	}
}

// Factory builds a plugin instance for one descriptor.
type Factory func(desc engine.Plugin) (Plugin, error)

// Loader resolves a plugin descriptor into its capability.
type Loader interface {
	Load(ctx context.Context, desc engine.Plugin, workingDir string) (*engine.Capability, error)
}

// Registry holds compiled-in plugin factories.
type Registry struct {
	// mu protects the registry state.
	mu sync.RWMutex

	// factories maps plugin name to factory.
	factories map[string]Factory
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a plugin factory under name.
func (r *Registry) Register(name string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" {
		return fmt.Errorf("plugin name is required")
	}
	if factory == nil {
		return fmt.Errorf("plugin %s has no factory", name)
	}
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("plugin %s already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// Has returns true if a factory is registered under name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Names lists the registered plugins in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load implements Loader for compiled-in plugins.
func (r *Registry) Load(_ context.Context, desc engine.Plugin, _ string) (*engine.Capability, error) {
	r.mu.RLock()
	factory, ok := r.factories[desc.Name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("plugin %s is not registered", desc.Name)
	}
	p, err := factory(desc)
	if err != nil {
		return nil, fmt.Errorf("failed to create plugin %s: %w", desc.Name, err)
	}
	return CapabilityOf(p), nil
}

// ChainLoader picks the registry for built-in plugins and plugins without a
// script, and the Starlark loader for plugin directories holding a script.
type ChainLoader struct {
	registry *Registry
	scripts  *StarlarkLoader
}

// NewChainLoader combines the compiled-in registry with the Starlark loader.
func NewChainLoader(registry *Registry, scripts *StarlarkLoader) *ChainLoader {
	return &ChainLoader{registry: registry, scripts: scripts}
}

// Load implements Loader.
func (l *ChainLoader) Load(ctx context.Context, desc engine.Plugin, workingDir string) (*engine.Capability, error) {
	if desc.BuiltIn || l.scripts == nil {
		return l.registry.Load(ctx, desc, workingDir)
	}
	if desc.Directory != "" {
		script := filepath.Join(resolveDir(workingDir, desc.Directory), ScriptFile)
		if _, err := os.Stat(script); err == nil {
			return l.scripts.Load(ctx, desc, workingDir)
		}
	}
	return l.registry.Load(ctx, desc, workingDir)
}

func resolveDir(workingDir, dir string) string {
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(workingDir, dir)
}
