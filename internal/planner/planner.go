// Package planner turns the paths and values of one get or set call into the
// shortest ordered list of store commands that preserves the caller's order.
package planner

import (
	"fmt"

	"github.com/zot/ctxstore/internal/codec"
	"github.com/zot/ctxstore/internal/keyspace"
	"github.com/zot/ctxstore/internal/path"
	"github.com/zot/ctxstore/internal/procedure"
	"github.com/zot/ctxstore/internal/storage"
)

// StepKind identifies the store command a step becomes.
type StepKind int

const (
	StepMSet         StepKind = iota // bulk write of whole root keys
	StepDel                          // bulk delete of whole root keys
	StepSetNested                    // one SetNested procedure call
	StepDeleteNested                 // one DeleteNested procedure call
)

func (k StepKind) String() string {
	switch k {
	case StepMSet:
		return "mset"
	case StepDel:
		return "del"
	case StepSetNested:
		return "set-nested"
	case StepDeleteNested:
		return "delete-nested"
	default:
		return fmt.Sprintf("StepKind(%d)", int(k))
	}
}

// Step is one planned store command.
type Step struct {
	Kind   StepKind
	Keys   []string       // store keys
	Values []string       // JSON, parallel to Keys for StepMSet; one value for StepSetNested
	Tail   []path.Segment // path below the root for nested steps
}

// Nested reports whether the step runs a procedure.
func (s Step) Nested() bool {
	return s.Kind == StepSetNested || s.Kind == StepDeleteNested
}

// Procedure returns the procedure a nested step runs.
func (s Step) Procedure() procedure.Procedure {
	if s.Kind == StepDeleteNested {
		return procedure.DeleteNested
	}
	return procedure.SetNested
}

// Mutation is one (path, value) pair of a set call. A value of
// codec.Undefined deletes the path.
type Mutation struct {
	Path  string
	Value any
}

// Encoder serializes a value about to be written under storeKey.
type Encoder interface {
	Encode(storeKey string, v any) (string, error)
}

// EncoderFunc adapts a function to Encoder.
type EncoderFunc func(storeKey string, v any) (string, error)

// Encode calls f.
func (f EncoderFunc) Encode(storeKey string, v any) (string, error) {
	return f(storeKey, v)
}

// Handles resolves procedure handles.
type Handles interface {
	Handle(p procedure.Procedure) (string, bool)
}

// Planner plans calls for one namespace.
type Planner struct {
	ns keyspace.Namespace
}

// New creates a planner for ns.
func New(ns keyspace.Namespace) *Planner {
	return &Planner{ns: ns}
}

// Set plans a batch of mutations. Every path is parsed before anything is
// encoded, so a malformed path fails the whole batch.
//
// Consecutive whole-key writes share one MSET and consecutive whole-key
// deletes share one DEL; a nested mutation closes the running bulk step and
// becomes its own procedure call.
func (p *Planner) Set(muts []Mutation, enc Encoder) ([]Step, error) {
	paths := make([]*path.Path, len(muts))
	for i, m := range muts {
		parsed, err := path.Parse(m.Path)
		if err != nil {
			return nil, err
		}
		paths[i] = parsed
	}

	var steps []Step
	var bulk *Step
	flush := func() {
		if bulk != nil {
			steps = append(steps, *bulk)
			bulk = nil
		}
	}

	for i, m := range muts {
		parsed := paths[i]
		key := p.ns.Key(parsed.Root())
		del := codec.IsUndefined(m.Value)

		if parsed.IsRoot() {
			kind := StepMSet
			if del {
				kind = StepDel
			}
			if bulk != nil && bulk.Kind != kind {
				flush()
			}
			if bulk == nil {
				bulk = &Step{Kind: kind}
			}
			bulk.Keys = append(bulk.Keys, key)
			if !del {
				data, err := enc.Encode(key, m.Value)
				if err != nil {
					return nil, fmt.Errorf("planner: encode %q: %w", m.Path, err)
				}
				bulk.Values = append(bulk.Values, data)
			}
			continue
		}

		flush()
		step := Step{Kind: StepDeleteNested, Keys: []string{key}, Tail: parsed.Tail()}
		if !del {
			data, err := enc.Encode(key, m.Value)
			if err != nil {
				return nil, fmt.Errorf("planner: encode %q: %w", m.Path, err)
			}
			step.Kind = StepSetNested
			step.Values = []string{data}
		}
		steps = append(steps, step)
	}
	flush()

	return steps, nil
}

// Commands converts steps into store commands using the current handles.
func Commands(steps []Step, handles Handles) ([]storage.Command, error) {
	cmds := make([]storage.Command, len(steps))
	for i, step := range steps {
		switch step.Kind {
		case StepMSet:
			cmds[i] = storage.Command{Kind: storage.CmdMSet, Keys: step.Keys, Args: step.Values}
		case StepDel:
			cmds[i] = storage.Command{Kind: storage.CmdDel, Keys: step.Keys}
		default:
			proc := step.Procedure()
			handle, ok := handles.Handle(proc)
			if !ok {
				return nil, fmt.Errorf("planner: %s is not registered", proc)
			}
			args := procedure.EncodeTail(step.Tail)
			args = append(args, step.Values...)
			cmds[i] = storage.Command{Kind: storage.CmdEvalSha, Handle: handle, Keys: step.Keys, Args: args}
		}
	}
	return cmds, nil
}

// Lookup locates one requested path in a Read.
type Lookup struct {
	Key  int // index into Read.Keys
	Tail []path.Segment
}

// Read is a planned bulk read.
type Read struct {
	Keys    []string // unique store keys in first-seen order
	Lookups []Lookup // one per requested path
}

// Get plans a read of paths. A root key referenced by several paths is read
// once.
func (p *Planner) Get(paths []string) (*Read, error) {
	r := &Read{Lookups: make([]Lookup, len(paths))}
	seen := make(map[string]int)
	for i, expr := range paths {
		parsed, err := path.Parse(expr)
		if err != nil {
			return nil, err
		}
		key := p.ns.Key(parsed.Root())
		idx, ok := seen[key]
		if !ok {
			idx = len(r.Keys)
			seen[key] = idx
			r.Keys = append(r.Keys, key)
		}
		r.Lookups[i] = Lookup{Key: idx, Tail: parsed.Tail()}
	}
	return r, nil
}

// Resolve evaluates every requested path against the documents read for
// r.Keys. Missing keys, missing properties and documents that are not valid
// JSON all resolve to codec.Undefined.
func (r *Read) Resolve(entries []storage.Entry) []any {
	docs := make([]any, len(r.Keys))
	for i := range docs {
		docs[i] = codec.Undefined
		if i >= len(entries) || !entries[i].Found {
			continue
		}
		if doc, err := codec.Decode([]byte(entries[i].Value)); err == nil {
			docs[i] = doc
		}
	}

	values := make([]any, len(r.Lookups))
	for i, l := range r.Lookups {
		doc := docs[l.Key]
		if codec.IsUndefined(doc) {
			values[i] = codec.Undefined
			continue
		}
		values[i] = codec.Lookup(doc, l.Tail)
	}
	return values
}
