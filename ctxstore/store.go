// Package ctxstore keeps hierarchical key/value state for a host application
// in Redis. Every scope is a flat namespace of root keys; each root key holds
// one JSON document, and nested paths such as `foo.bar[2].baz` are read and
// written inside it. Nested writes run as server-side procedures so that
// concurrent writers never lose each other's updates, and every Set call is
// applied as one transaction.
package ctxstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/zot/ctxstore/internal/codec"
	"github.com/zot/ctxstore/internal/config"
	"github.com/zot/ctxstore/internal/keyspace"
	"github.com/zot/ctxstore/internal/planner"
	"github.com/zot/ctxstore/internal/procedure"
	"github.com/zot/ctxstore/internal/storage"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Config is the store configuration.
type Config = config.Config

// DefaultConfig returns a Config with all default values.
func DefaultConfig() *Config {
	return config.DefaultConfig()
}

// LoadConfig loads a TOML file and the CTXSTORE_* environment on top of the
// defaults. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// Store is a context store. It is safe for concurrent use; the backing store
// serializes operations on the same root key.
type Store struct {
	config   *config.Config
	dial     func(*config.Config) (storage.Backend, error)
	registry *procedure.Registry

	mu      sync.RWMutex
	backend storage.Backend

	// root keys whose last write elided a cycle
	circularMu sync.Mutex
	circular   map[string]bool
}

// New creates a store for cfg. It does not connect until Open.
func New(cfg *config.Config) *Store {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Store{
		config:   cfg,
		dial:     storage.Open,
		registry: procedure.NewRegistry(),
		circular: make(map[string]bool),
	}
}

// NewWithBackend creates a store that opens on b instead of dialing.
func NewWithBackend(cfg *config.Config, b storage.Backend) *Store {
	s := New(cfg)
	s.dial = func(*config.Config) (storage.Backend, error) { return b, nil }
	return s
}

// Config returns the store configuration.
func (s *Store) Config() *Config {
	return s.config
}

// Open connects to the backing store and registers both procedures. If either
// registration fails the connection is closed again. Opening an open store
// does nothing.
func (s *Store) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backend != nil {
		return nil
	}

	b, err := s.dial(s.config)
	if err != nil {
		return err
	}
	if err := b.Ping(ctx); err != nil {
		b.Close()
		return &TransportError{Op: "open", Err: err}
	}
	if err := s.registry.Register(ctx, b); err != nil {
		b.Close()
		return &TransportError{Op: "register", Err: err}
	}

	s.backend = b
	s.config.Log(1, "ctxstore: opened %s store (prefix %q)", storeType(s.config), s.config.Store.Prefix)
	return nil
}

// Close releases the connection and forgets the procedure handles. Closing a
// closed store does nothing.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backend == nil {
		return nil
	}

	err := s.backend.Close()
	s.backend = nil
	s.registry.Reset()
	s.circularMu.Lock()
	s.circular = make(map[string]bool)
	s.circularMu.Unlock()
	s.config.Log(1, "ctxstore: closed")
	if err != nil {
		return &TransportError{Op: "close", Err: err}
	}
	return nil
}

// IsOpen reports whether the store is connected.
func (s *Store) IsOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backend != nil
}

// session returns the open backend. The caller must call release when done,
// which keeps Close from pulling the connection out from under a call.
func (s *Store) session() (storage.Backend, func(), error) {
	s.mu.RLock()
	if s.backend == nil {
		s.mu.RUnlock()
		return nil, nil, ErrNotConnected
	}
	return s.backend, s.mu.RUnlock, nil
}

func (s *Store) namespace(scope string) keyspace.Namespace {
	return keyspace.New(s.config.Store.Prefix, scope)
}

// Get reads paths from scope. The result has one value per path; paths that
// hold nothing, including paths into data that is not valid JSON, yield
// Undefined. A root key named by several paths is read once.
func (s *Store) Get(ctx context.Context, scope string, paths ...string) ([]any, error) {
	b, release, err := s.session()
	if err != nil {
		return nil, err
	}
	defer release()

	read, err := planner.New(s.namespace(scope)).Get(paths)
	if err != nil {
		return nil, err
	}
	s.config.Log(2, "ctxstore: get %s %v", scope, paths)
	if len(read.Keys) == 0 {
		return []any{}, nil
	}

	entries, err := b.MGet(ctx, read.Keys...)
	if err != nil {
		return nil, &TransportError{Op: "get", Err: err}
	}
	values := read.Resolve(entries)
	s.config.Log(4, "ctxstore: get %s %v = %v", scope, paths, values)
	return values, nil
}

// GetValue reads a single path.
func (s *Store) GetValue(ctx context.Context, scope, path string) (any, error) {
	values, err := s.Get(ctx, scope, path)
	if err != nil {
		return nil, err
	}
	return values[0], nil
}

// Set writes values to paths of scope as one transaction. A value of
// Undefined deletes its path. Every path is checked before anything is sent,
// so a malformed path leaves the store untouched.
func (s *Store) Set(ctx context.Context, scope string, paths []string, values Values) error {
	b, release, err := s.session()
	if err != nil {
		return err
	}
	defer release()

	expanded := values.expand(len(paths))
	muts := make([]planner.Mutation, len(paths))
	for i, p := range paths {
		muts[i] = planner.Mutation{Path: p, Value: expanded[i]}
	}

	steps, err := planner.New(s.namespace(scope)).Set(muts, planner.EncoderFunc(s.encode))
	if err != nil {
		return err
	}
	if len(steps) == 0 {
		return nil
	}
	s.config.Log(2, "ctxstore: set %s %v in %d commands", scope, paths, len(steps))
	return s.apply(ctx, b, steps)
}

// SetValue writes one value to one path.
func (s *Store) SetValue(ctx context.Context, scope, path string, value any) error {
	return s.Set(ctx, scope, []string{path}, Single(value))
}

// apply runs steps as one transaction. Procedure calls that fail because the
// store no longer knows the procedure are replayed once after the procedures
// are registered again, along with the later steps on the same keys so the
// transaction's order of writes holds.
func (s *Store) apply(ctx context.Context, b storage.Backend, steps []planner.Step) error {
	replies, err := s.exec(ctx, b, steps)
	if err != nil {
		return err
	}

	var errs []error
	evicted := false
	for i, reply := range replies {
		switch {
		case reply.Err == nil:
		case errors.Is(reply.Err, storage.ErrNoScript):
			evicted = true
		default:
			errs = append(errs, commandError(steps[i], reply.Err))
		}
	}
	if !evicted {
		return errors.Join(errs...)
	}

	replay := replaySteps(steps, replies)
	s.config.Log(1, "ctxstore: procedures evicted, registering again for %d commands", len(replay))
	if err := s.registry.Register(ctx, b); err != nil {
		return &TransportError{Op: "register", Err: err}
	}
	replies, err = s.exec(ctx, b, replay)
	if err != nil {
		return err
	}
	for i, reply := range replies {
		switch {
		case reply.Err == nil:
		case errors.Is(reply.Err, storage.ErrNoScript):
			errs = append(errs, fmt.Errorf("%w: %s on %s", ErrProcedureMissing, replay[i].Procedure(), replay[i].Keys[0]))
		default:
			errs = append(errs, commandError(replay[i], reply.Err))
		}
	}
	return errors.Join(errs...)
}

// replaySteps selects what to run again once evicted procedures are
// registered: every call that failed with NOSCRIPT, and every later step
// that shares a key with a step already selected, in their original order.
func replaySteps(steps []planner.Step, replies []storage.Reply) []planner.Step {
	var out []planner.Step
	dirty := make(map[string]bool)
	for i, step := range steps {
		if !errors.Is(replies[i].Err, storage.ErrNoScript) {
			if replies[i].Err != nil || !touches(step, dirty) {
				continue
			}
		}
		out = append(out, step)
		for _, key := range step.Keys {
			dirty[key] = true
		}
	}
	return out
}

func touches(step planner.Step, keys map[string]bool) bool {
	for _, key := range step.Keys {
		if keys[key] {
			return true
		}
	}
	return false
}

func (s *Store) exec(ctx context.Context, b storage.Backend, steps []planner.Step) ([]storage.Reply, error) {
	cmds, err := planner.Commands(steps, s.registry)
	if err != nil {
		return nil, err
	}
	for _, cmd := range cmds {
		s.config.Log(3, "ctxstore: %s %v %v", cmd.Kind, cmd.Keys, cmd.Args)
	}
	replies, err := b.Exec(ctx, cmds)
	if err != nil {
		return nil, &TransportError{Op: "set", Err: err}
	}
	return replies, nil
}

func commandError(step planner.Step, err error) error {
	return fmt.Errorf("ctxstore: %s %v: %w", step.Kind, step.Keys, err)
}

// encode serializes a value written under storeKey and warns once per key
// about elided cycles until the key is written again without one.
func (s *Store) encode(storeKey string, v any) (string, error) {
	data, circular, err := codec.Encode(v)
	if err != nil {
		return "", err
	}

	s.circularMu.Lock()
	warn := circular && !s.circular[storeKey]
	if circular {
		s.circular[storeKey] = true
	} else {
		delete(s.circular, storeKey)
	}
	s.circularMu.Unlock()

	if warn {
		s.config.Warn("ctxstore: value for %s contains a circular reference; the cyclic part is not stored", storeKey)
	}
	return string(data), nil
}

// Keys returns the sorted root key names stored in scope.
func (s *Store) Keys(ctx context.Context, scope string) ([]string, error) {
	b, release, err := s.session()
	if err != nil {
		return nil, err
	}
	defer release()

	ns := s.namespace(scope)
	storeKeys, err := s.scan(ctx, b, ns.Pattern())
	if err != nil {
		return nil, err
	}

	roots := make(map[string]struct{}, len(storeKeys))
	for _, key := range storeKeys {
		if root, ok := ns.RootKey(key); ok {
			roots[root] = struct{}{}
		}
	}
	names := maps.Keys(roots)
	slices.Sort(names)
	s.config.Log(2, "ctxstore: keys %s = %d", scope, len(names))
	return names, nil
}

// Delete removes every key of scope.
func (s *Store) Delete(ctx context.Context, scope string) error {
	b, release, err := s.session()
	if err != nil {
		return err
	}
	defer release()

	storeKeys, err := s.scan(ctx, b, s.namespace(scope).Pattern())
	if err != nil {
		return err
	}
	s.config.Log(2, "ctxstore: delete scope %s (%d keys)", scope, len(storeKeys))
	return s.remove(ctx, b, storeKeys)
}

// Clean removes every scope under the prefix that is neither the global
// scope nor listed in active. An active scope also keeps the scopes nested
// under it, so "node" keeps "node:flow".
func (s *Store) Clean(ctx context.Context, active []string) error {
	b, release, err := s.session()
	if err != nil {
		return err
	}
	defer release()

	prefix := s.config.Store.Prefix
	storeKeys, err := s.scan(ctx, b, keyspace.PrefixPattern(prefix))
	if err != nil {
		return err
	}
	orphans := keyspace.Orphaned(prefix, storeKeys, active)
	s.config.Log(2, "ctxstore: clean keeps %v, removing %d of %d keys", active, len(orphans), len(storeKeys))
	return s.remove(ctx, b, orphans)
}

// scan collects every key matching match. Keys a scan reports more than once
// are returned once.
func (s *Store) scan(ctx context.Context, b storage.Backend, match string) ([]string, error) {
	var keys []string
	seen := make(map[string]bool)
	var cursor uint64
	for {
		page, next, err := b.Scan(ctx, cursor, match, s.config.Store.ScanCount)
		if err != nil {
			return nil, &TransportError{Op: "scan", Err: err}
		}
		for _, key := range page {
			if !seen[key] {
				seen[key] = true
				keys = append(keys, key)
			}
		}
		s.config.Log(3, "ctxstore: scan %s cursor %d -> %d (%d keys)", match, cursor, next, len(page))
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// remove deletes storeKeys in one command.
func (s *Store) remove(ctx context.Context, b storage.Backend, storeKeys []string) error {
	if len(storeKeys) == 0 {
		return nil
	}
	replies, err := b.Exec(ctx, []storage.Command{{Kind: storage.CmdDel, Keys: storeKeys}})
	if err != nil {
		return &TransportError{Op: "delete", Err: err}
	}
	if replies[0].Err != nil {
		return &TransportError{Op: "delete", Err: replies[0].Err}
	}

	s.circularMu.Lock()
	for _, key := range storeKeys {
		delete(s.circular, key)
	}
	s.circularMu.Unlock()
	return nil
}

func storeType(cfg *config.Config) string {
	if cfg.Store.Type == "" {
		return "redis"
	}
	return cfg.Store.Type
}
