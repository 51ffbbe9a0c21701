package plugin

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/GoCodeAlone/pipeline-engine/vars"
)

// Resolved is a plugin ready to contribute to a command or task.
type Resolved struct {
	Plugin *Plugin
	// Dir is the plugin's directory on disk, empty for in-memory plugins.
	Dir string
}

// Resolver looks plugins up by name. Resolve validates inputs against the
// plugin's declared inputs and fills in defaults for absent ones. It returns
// an error matching ErrNotFound or ErrValidation on failure. Implementations
// must be safe for concurrent use.
type Resolver interface {
	Resolve(ctx context.Context, name string, inputs *vars.Vars) (*Resolved, error)
}

// Lister enumerates the plugins a resolver can serve.
type Lister interface {
	List() ([]string, error)
}

var (
	_ Lister = (*DirResolver)(nil)
	_ Lister = (*StaticResolver)(nil)
)

// applyInputs checks inputs against p and writes defaults for missing ones.
func applyInputs(p *Plugin, inputs *vars.Vars) error {
	if inputs == nil {
		inputs = &vars.Vars{}
	}
	var missing []string
	for _, in := range p.Inputs {
		value, ok := inputs.Get(in.Name)
		if !ok {
			if in.Default != "" {
				inputs.Put(in.Name, in.Default)
				continue
			}
			if in.Required {
				missing = append(missing, in.Name)
			}
			continue
		}
		if err := in.check(value); err != nil {
			return fmt.Errorf("plugin %s: %w", p.Name, err)
		}
	}
	if len(missing) > 0 {
		return &MissingInputsError{Plugin: p.Name, Missing: missing}
	}
	return nil
}

// DirResolver loads plugins from <root>/<name>/plugin.yml. Manifests are
// read on every call so edits take effect without a restart.
type DirResolver struct {
	root   string
	logger *slog.Logger
}

// NewDirResolver creates a resolver over root. A nil logger uses slog.Default.
func NewDirResolver(root string, logger *slog.Logger) *DirResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &DirResolver{root: root, logger: logger}
}

// Resolve implements Resolver.
func (r *DirResolver) Resolve(ctx context.Context, name string, inputs *vars.Vars) (*Resolved, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !isValidPluginName(name) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	dir := filepath.Join(r.root, name)
	manifest := filepath.Join(dir, ManifestFile)
	if _, err := os.Stat(manifest); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("stat plugin %s: %w", name, err)
	}

	p, err := LoadManifest(manifest)
	if err != nil {
		return nil, err
	}
	if p.Name != name {
		return nil, fmt.Errorf("%w: directory %s holds plugin %s", ErrValidation, name, p.Name)
	}
	if err := applyInputs(p, inputs); err != nil {
		return nil, err
	}

	r.logger.Debug("Plugin resolved", "plugin", name, "version", p.Version, "dir", dir)
	return &Resolved{Plugin: p, Dir: dir}, nil
}

// List returns the names of all plugin directories under root that carry a
// manifest, sorted.
func (r *DirResolver) List() ([]string, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return nil, fmt.Errorf("read plugin dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(r.root, e.Name(), ManifestFile)); err == nil {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)
	return names, nil
}

// StaticResolver serves plugins registered in memory.
type StaticResolver struct {
	mu      sync.RWMutex
	plugins map[string]*Plugin
}

// NewStaticResolver creates a resolver holding plugins. It panics if a plugin
// fails validation; use Register to handle the error.
func NewStaticResolver(plugins ...*Plugin) *StaticResolver {
	r := &StaticResolver{plugins: make(map[string]*Plugin, len(plugins))}
	for _, p := range plugins {
		if err := r.Register(p); err != nil {
			panic(err)
		}
	}
	return r
}

// Register validates p and makes it resolvable, replacing any plugin of the
// same name.
func (r *StaticResolver) Register(p *Plugin) error {
	if err := p.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins[p.Name] = p
	return nil
}

// List returns the registered plugin names, sorted.
func (r *StaticResolver) List() ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

// Resolve implements Resolver. The returned plugin is a copy.
func (r *StaticResolver) Resolve(ctx context.Context, name string, inputs *vars.Vars) (*Resolved, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	p, ok := r.plugins[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	cp := *p
	cp.Inputs = slices.Clone(p.Inputs)
	cp.Exports = slices.Clone(p.Exports)
	cp.Docker = p.Docker.Copy()
	if err := applyInputs(&cp, inputs); err != nil {
		return nil, err
	}
	return &Resolved{Plugin: &cp}, nil
}
