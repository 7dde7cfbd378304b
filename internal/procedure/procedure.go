// Package procedure holds the two server-side scripts that mutate one nested
// property of a stored JSON document atomically, and tracks the handles the
// store returns when they are registered.
package procedure

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/yuin/gopher-lua/parse"
	"github.com/zot/ctxstore/internal/path"
)

//go:embed set_nested.lua
var setNestedSource string

//go:embed delete_nested.lua
var deleteNestedSource string

// Procedure identifies one of the registered scripts.
type Procedure int

const (
	SetNested    Procedure = iota // KEYS[1], ARGV = tail..., json
	DeleteNested                  // KEYS[1], ARGV = tail...
)

// All lists every procedure in registration order.
var All = []Procedure{SetNested, DeleteNested}

func (p Procedure) String() string {
	switch p {
	case SetNested:
		return "set_nested"
	case DeleteNested:
		return "delete_nested"
	default:
		return "procedure(" + strconv.Itoa(int(p)) + ")"
	}
}

// Source returns the Lua source of the procedure.
func (p Procedure) Source() string {
	switch p {
	case SetNested:
		return setNestedSource
	case DeleteNested:
		return deleteNestedSource
	default:
		return ""
	}
}

// Check parses the procedure source without running it.
func (p Procedure) Check() error {
	src := p.Source()
	if src == "" {
		return fmt.Errorf("procedure: unknown procedure %d", int(p))
	}
	if _, err := parse.Parse(strings.NewReader(src), p.String()); err != nil {
		return fmt.Errorf("procedure: %s does not parse: %w", p, err)
	}
	return nil
}

// EncodeTail turns the segments after the root into script arguments:
// "." + name for a property, "[" + index for an array index.
func EncodeTail(tail []path.Segment) []string {
	args := make([]string, len(tail))
	for i, seg := range tail {
		if seg.Type == path.SegmentIndex {
			args[i] = "[" + strconv.Itoa(seg.Index)
		} else {
			args[i] = "." + seg.Value
		}
	}
	return args
}

// Loader registers a script with the store and returns its handle.
type Loader interface {
	ScriptLoad(ctx context.Context, source string) (string, error)
}

// Registry holds the handles of the registered procedures.
type Registry struct {
	handles map[Procedure]string
	mu      sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[Procedure]string)}
}

// Register loads every procedure and records the handles. Nothing is recorded
// unless all of them load.
func (r *Registry) Register(ctx context.Context, loader Loader) error {
	handles := make(map[Procedure]string, len(All))
	for _, p := range All {
		if err := p.Check(); err != nil {
			return err
		}
		handle, err := loader.ScriptLoad(ctx, p.Source())
		if err != nil {
			return fmt.Errorf("procedure: register %s: %w", p, err)
		}
		handles[p] = handle
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles = handles
	return nil
}

// Handle returns the handle of a registered procedure.
func (r *Registry) Handle(p Procedure) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[p]
	return h, ok
}

// Reset forgets every handle.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles = make(map[Procedure]string)
}
