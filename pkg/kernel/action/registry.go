package action

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
)

// Registry maps module keys to action modules and caches resolved actions by
// their canonical reference. It satisfies config.ActionResolver.
type Registry struct {
	mu         sync.Mutex
	modules    map[string]Module
	cache      map[string]*Action
	extensions []*Extension
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		modules: make(map[string]Module),
		cache:   make(map[string]*Action),
	}
}

// Register binds an action module to key, e.g. "pipewright/stages".
func (r *Registry) Register(key string, m Module) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[key] = m
}

// JoinLoader resolves a loader path against the identity of the module that
// references it. Relative loaders ("./x", "../x") are joined to module; any
// other loader is kept as written.
func JoinLoader(module, loader string) string {
	if !strings.HasPrefix(loader, "./") && !strings.HasPrefix(loader, "../") {
		return loader
	}
	if filepath.IsAbs(module) {
		return filepath.Join(module, filepath.FromSlash(loader))
	}
	return path.Join(module, loader)
}

// Resolve loads the action ref refers to from within module and returns its
// canonical key. Registered modules take precedence; otherwise an executable
// file at the loader path is wrapped as an extension action.
func (r *Registry) Resolve(module, ref string) (string, error) {
	parsed := ParseRef(ref)
	parsed.Loader = JoinLoader(module, parsed.Loader)
	key := parsed.String()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cache[key]; ok {
		return key, nil
	}

	a, err := r.loadLocked(parsed)
	if err != nil {
		return "", err
	}
	a.Key = key
	r.cache[key] = a
	return key, nil
}

// Get returns the action cached under key, resolving key as a reference when
// it was not seen before.
func (r *Registry) Get(key string) (*Action, error) {
	r.mu.Lock()
	a, ok := r.cache[key]
	r.mu.Unlock()
	if ok {
		return a, nil
	}
	resolved, err := r.Resolve("", key)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache[resolved], nil
}

func (r *Registry) loadLocked(ref Ref) (*Action, error) {
	if m, ok := r.modules[ref.Loader]; ok {
		a, ok := m[ref.Export]
		if !ok || (a.Run == nil && a.Watch == nil) {
			return nil, fmt.Errorf("%w: %s", ErrNotCallable, ref)
		}
		return &a, nil
	}

	info, err := os.Stat(ref.Loader)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("%w: %s", ErrUnknownModule, ref.Loader)
	case err != nil:
		return nil, err
	case !info.Mode().IsRegular() || info.Mode().Perm()&0o111 == 0:
		return nil, fmt.Errorf("%w: %s is not an executable", ErrNotCallable, ref.Loader)
	}

	ext := NewExtension(ref.Loader)
	r.extensions = append(r.extensions, ext)
	return &Action{Run: ext.Action(ref.Export)}, nil
}

// Close shuts down every extension process started by the registry.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	exts := r.extensions
	r.extensions = nil
	r.mu.Unlock()

	var errs []error
	for _, ext := range exts {
		if err := ext.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
