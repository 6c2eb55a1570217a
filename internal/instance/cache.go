package instance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/roach88/keel/internal/querysql"
)

// Cache hands out handles and counts references to them.
//
// The owner-local tier (one handle per owner per configuration, with a
// count) lives on each Owner and is only touched from that owner's
// goroutine. The process-wide tier (live handles per path, the open file,
// the registry) lives here, guarded by the cache mutex and one mutex per
// path. A path mutex is held only across acquire, release, migration and
// file operations, never across transaction bodies or observer callbacks.
type Cache struct {
	storage  Storage
	queries  QueryEngine
	registry *Registry
	tokens   clock

	mu         sync.Mutex
	paths      map[string]*pathState
	defaultCfg *Config
}

// pathState is the process-wide state of one canonical path.
type pathState struct {
	path string

	// mu serializes opening, migrating and closing the file.
	mu   sync.Mutex
	file File
	// stopWatch cancels auto refresh; guarded by mu.
	stopWatch context.CancelFunc

	// Guarded by Cache.mu; refs is only changed while mu is also held.
	users   int
	refs    int
	handles map[*Handle]struct{}
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithStorage replaces the SQLite storage.
func WithStorage(s Storage) CacheOption {
	return func(c *Cache) {
		c.storage = s
	}
}

// WithQueryEngine replaces the SQL query engine.
func WithQueryEngine(q QueryEngine) CacheOption {
	return func(c *Cache) {
		c.queries = q
	}
}

// NewCache creates a Cache backed by SQLite storage and the SQL query
// engine unless options say otherwise.
func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{
		storage:  SQLite{},
		queries:  querysql.NewEngine(),
		registry: NewRegistry(),
		paths:    make(map[string]*pathState),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registry returns the cache's configuration registry.
func (c *Cache) Registry() *Registry {
	return c.registry
}

// lockPath returns path's state with its mutex held, creating it if needed.
func (c *Cache) lockPath(path string) *pathState {
	c.mu.Lock()
	ps, ok := c.paths[path]
	if !ok {
		ps = &pathState{path: path, handles: make(map[*Handle]struct{})}
		c.paths[path] = ps
	}
	ps.users++
	c.mu.Unlock()

	ps.mu.Lock()
	return ps
}

// unlockPath releases ps and forgets it when nothing uses the path.
func (c *Cache) unlockPath(ps *pathState) {
	ps.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	ps.users--
	if ps.users == 0 && ps.refs == 0 {
		delete(c.paths, ps.path)
	}
}

// Acquire returns o's handle for cfg, opening one if o holds none.
//
// A cached handle is returned without I/O or locking. Otherwise cfg is
// registered, the file is opened if no handle in the process uses it yet,
// and the schema is brought up to date if the path has not been validated.
// Any failure releases everything acquired on the way.
func (c *Cache) Acquire(ctx context.Context, o *Owner, cfg *Config) (*Handle, error) {
	if o == nil || cfg == nil {
		return nil, fmt.Errorf("acquire: nil owner or config")
	}
	key := cfg.Key()
	if e, ok := o.handles[key]; ok {
		e.refs++
		return e.handle, nil
	}

	ps := c.lockPath(cfg.path)
	defer c.unlockPath(ps)

	registered, err := c.registry.Register(cfg)
	if err != nil {
		return nil, err
	}

	h, err := c.open(ctx, o, ps, registered)
	if err != nil {
		c.registry.Unregister(registered)
		if c.pathRefs(ps) == 0 {
			c.registry.UnregisterIfLastForPath(ps.path)
		}
		return nil, err
	}

	o.handles[key] = &ownerEntry{handle: h, refs: 1}
	slog.Debug("handle acquired",
		"path", ps.path,
		"handle", h.id,
		"owner", o.name,
		"version", h.session.Version(),
	)
	return h, nil
}

// open creates a handle on ps. Called with ps.mu held.
func (c *Cache) open(ctx context.Context, o *Owner, ps *pathState, cfg *Config) (*Handle, error) {
	if ps.file == nil {
		f, err := c.storage.Open(ctx, ps.path, cfg.key)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", ps.path, err)
		}
		ps.file = f
		slog.Info("database opened", "path", ps.path)
	}

	fail := func(err error) (*Handle, error) {
		if c.pathRefs(ps) == 0 {
			err = errors.Join(err, c.closeFile(ps))
		}
		return nil, err
	}

	sess, err := ps.file.NewSession(ctx)
	if err != nil {
		return fail(fmt.Errorf("open %s: %w", ps.path, err))
	}
	h := newHandle(c, o, cfg, ps, sess)

	if !c.registry.Validated(ps.path) {
		if err := c.migrate(ctx, ps, h, cfg.migration); err != nil {
			return fail(errors.Join(err, h.closeSession()))
		}
		c.registry.MarkValidated(ps.path)
	}

	c.mu.Lock()
	ps.refs++
	ps.handles[h] = struct{}{}
	first := ps.refs == 1
	c.mu.Unlock()

	if first {
		c.startWatch(ps, cfg)
	}
	return h, nil
}

// Release drops one of o's acquisitions of cfg. The handle is torn down when
// o's count reaches zero, and the file is closed when no handle in the
// process uses it any more.
func (c *Cache) Release(o *Owner, cfg *Config) error {
	key := cfg.Key()
	e, ok := o.handles[key]
	if !ok {
		return newError(CodeDoubleClose, cfg.path, "release without an outstanding acquisition")
	}
	e.refs--
	if e.refs > 0 {
		return nil
	}
	delete(o.handles, key)
	return c.teardown(e.handle)
}

// teardown closes h and, if it was the last handle on its path, the file.
func (c *Cache) teardown(h *Handle) error {
	ps := c.lockPath(h.ps.path)
	defer c.unlockPath(ps)

	err := h.shutdown()

	c.mu.Lock()
	delete(ps.handles, h)
	ps.refs--
	last := ps.refs == 0
	c.mu.Unlock()

	c.registry.Unregister(h.config)
	slog.Debug("handle closed", "path", ps.path, "handle", h.id)

	if last {
		err = errors.Join(err, c.closeFile(ps))
		c.registry.UnregisterIfLastForPath(ps.path)
	}
	return err
}

// closeFile stops auto refresh and closes the file. Called with ps.mu held.
func (c *Cache) closeFile(ps *pathState) error {
	if ps.stopWatch != nil {
		ps.stopWatch()
		ps.stopWatch = nil
	}
	if ps.file == nil {
		return nil
	}
	err := ps.file.Close()
	ps.file = nil
	if err != nil {
		return fmt.Errorf("close %s: %w", ps.path, err)
	}
	slog.Info("database closed", "path", ps.path)
	return nil
}

// startWatch turns on auto refresh for ps if cfg asks for it. Called with
// ps.mu held.
func (c *Cache) startWatch(ps *pathState, cfg *Config) {
	on, interval := cfg.AutoRefresh()
	if !on || ps.stopWatch != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := c.storage.Watch(ctx, ps.path, interval, func() { c.postRefresh(ps, nil) }); err != nil {
		cancel()
		slog.Warn("auto refresh unavailable", "path", ps.path, "err", err)
		return
	}
	ps.stopWatch = cancel
}

func (c *Cache) pathRefs(ps *pathState) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ps.refs
}

// postRefresh posts a refresh to every live handle on ps except one.
func (c *Cache) postRefresh(ps *pathState, except *Handle) {
	c.mu.Lock()
	targets := make([]*Handle, 0, len(ps.handles))
	for h := range ps.handles {
		if h != except {
			targets = append(targets, h)
		}
	}
	c.mu.Unlock()

	slices.SortFunc(targets, func(a, b *Handle) int { return strings.Compare(a.id, b.id) })
	for _, h := range targets {
		h.postRefresh()
	}
}

// Refs returns the number of live handles on path across all owners.
func (c *Cache) Refs(path string) int {
	if canonical, err := CanonicalPath(path); err == nil {
		path = canonical
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ps, ok := c.paths[path]; ok {
		return ps.refs
	}
	return 0
}

// SetDefaultConfig sets the configuration AcquireDefault uses.
func (c *Cache) SetDefaultConfig(cfg *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaultCfg = cfg
}

// DefaultConfig returns the default configuration, if set.
func (c *Cache) DefaultConfig() (*Config, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.defaultCfg, c.defaultCfg != nil
}

// RemoveDefaultConfig clears the default configuration. Open handles are
// not affected.
func (c *Cache) RemoveDefaultConfig() {
	c.SetDefaultConfig(nil)
}

// AcquireDefault acquires a handle for the default configuration.
func (c *Cache) AcquireDefault(ctx context.Context, o *Owner) (*Handle, error) {
	cfg, ok := c.DefaultConfig()
	if !ok {
		return nil, ErrNoDefaultConfig
	}
	return c.Acquire(ctx, o, cfg)
}

// withIdlePath runs fn with cfg's path locked, failing with ErrPathInUse if
// any handle in the process has it open.
func (c *Cache) withIdlePath(cfg *Config, op string, fn func(ps *pathState) error) error {
	ps := c.lockPath(cfg.path)
	defer c.unlockPath(ps)

	if n := c.pathRefs(ps); n > 0 {
		return newError(CodePathInUse, ps.path, "%s: %d open handle(s)", op, n)
	}
	return fn(ps)
}

// Delete removes cfg's file and its companion files. No handle may be open
// on the path.
func (c *Cache) Delete(cfg *Config) error {
	return c.withIdlePath(cfg, "delete", func(ps *pathState) error {
		if err := c.storage.Delete(ps.path); err != nil {
			return fmt.Errorf("delete %s: %w", ps.path, err)
		}
		slog.Info("database deleted", "path", ps.path)
		return nil
	})
}

// Compact rewrites cfg's file to its minimal size. No handle may be open on
// the path.
func (c *Cache) Compact(ctx context.Context, cfg *Config) error {
	return c.withIdlePath(cfg, "compact", func(ps *pathState) error {
		if err := c.storage.Compact(ctx, ps.path, cfg.key); err != nil {
			return fmt.Errorf("compact %s: %w", ps.path, err)
		}
		slog.Info("database compacted", "path", ps.path)
		return nil
	})
}

// Migrate runs the schema state machine on cfg's file with migration in
// place of the configured callback. No handle may be open on the path.
func (c *Cache) Migrate(ctx context.Context, cfg *Config, migration Migration) error {
	if migration == nil {
		migration = cfg.migration
	}
	return c.withIdlePath(cfg, "migrate", func(ps *pathState) error {
		f, err := c.storage.Open(ctx, ps.path, cfg.key)
		if err != nil {
			return fmt.Errorf("migrate %s: %w", ps.path, err)
		}
		ps.file = f

		sess, err := f.NewSession(ctx)
		if err != nil {
			return errors.Join(fmt.Errorf("migrate %s: %w", ps.path, err), c.closeFile(ps))
		}
		h := newHandle(c, nil, cfg, ps, sess)
		err = c.migrate(ctx, ps, h, migration)
		return errors.Join(err, h.closeSession(), c.closeFile(ps))
	})
}
