package instance

import (
	"slices"
	"strings"
	"sync"
)

// Registry tracks the configurations registered per canonical path and
// whether each path's schema has been validated in this process.
//
// All methods are safe for concurrent use.
type Registry struct {
	mu    sync.Mutex
	paths map[string]*pathEntry
}

type pathEntry struct {
	keyHash   string
	modelHash string
	version   int64
	configs   map[ConfigKey]*registration
	validated bool
}

type registration struct {
	config *Config
	refs   int
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{paths: make(map[string]*pathEntry)}
}

// Register records cfg for its path and returns the configuration to use:
// the already registered equal value if there is one, otherwise cfg.
//
// Fails with ErrConfigConflict if a configuration registered for the same
// path differs in encryption key, model set or schema version.
func (r *Registry) Register(cfg *Config) (*Config, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := cfg.Key()
	e, ok := r.paths[cfg.path]
	if !ok {
		e = &pathEntry{
			keyHash:   key.KeyHash,
			modelHash: key.ModelHash,
			version:   key.SchemaVersion,
			configs:   make(map[ConfigKey]*registration),
		}
		r.paths[cfg.path] = e
	}

	if len(e.configs) > 0 {
		switch {
		case e.keyHash != key.KeyHash:
			return nil, newError(CodeConfigConflict, cfg.path, "encryption key differs from the open configuration")
		case e.modelHash != key.ModelHash:
			return nil, newError(CodeConfigConflict, cfg.path, "model set differs from the open configuration")
		case e.version != key.SchemaVersion:
			return nil, newError(CodeConfigConflict, cfg.path,
				"schema version %d differs from the open configuration's %d", key.SchemaVersion, e.version)
		}
	} else {
		e.keyHash, e.modelHash, e.version = key.KeyHash, key.ModelHash, key.SchemaVersion
	}

	reg, ok := e.configs[key]
	if !ok {
		reg = &registration{config: cfg}
		e.configs[key] = reg
	}
	reg.refs++
	return reg.config, nil
}

// Unregister drops one registration of cfg. The path entry stays until
// UnregisterIfLastForPath removes it.
func (r *Registry) Unregister(cfg *Config) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.paths[cfg.path]
	if !ok {
		return
	}
	key := cfg.Key()
	if reg, ok := e.configs[key]; ok {
		reg.refs--
		if reg.refs <= 0 {
			delete(e.configs, key)
		}
	}
}

// UnregisterIfLastForPath forgets a path's bookkeeping, including its
// validated flag, when no configuration is registered for it any more.
// Reports whether the path was removed.
func (r *Registry) UnregisterIfLastForPath(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.paths[path]
	if !ok || len(e.configs) > 0 {
		return false
	}
	delete(r.paths, path)
	return true
}

// Validated reports whether path's schema was validated since it was last
// opened.
func (r *Registry) Validated(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.paths[path]
	return ok && e.validated
}

// MarkValidated records that path's schema has been brought up to date.
func (r *Registry) MarkValidated(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.paths[path]; ok {
		e.validated = true
	}
}

// Configs returns the configurations registered for path.
func (r *Registry) Configs(path string) []*Config {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.paths[path]
	if !ok {
		return nil
	}
	out := make([]*Config, 0, len(e.configs))
	for _, reg := range e.configs {
		out = append(out, reg.config)
	}
	slices.SortFunc(out, func(a, b *Config) int { return strings.Compare(a.String(), b.String()) })
	return out
}

// Paths returns every registered path in sorted order.
func (r *Registry) Paths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.paths))
	for p := range r.paths {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}
