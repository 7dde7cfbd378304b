package storage

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// workItem represents a unit of work for the executor.
type workItem struct {
	fn     func() (any, error)
	result chan workResult
}

// workResult holds the result of a work item.
type workResult struct {
	value any
	err   error
}

// MemoryBackend is an in-process store. A single executor goroutine owns the
// data, the script cache and the Lua state, so every command, script and
// transaction runs without interleaving, the way a single-threaded store does.
type MemoryBackend struct {
	data      map[string]string
	scripts   map[string]*lua.FunctionProto
	cursors   map[uint64]string // last key of each unfinished scan round
	lastScan  uint64
	state     *lua.LState
	work      chan workItem
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryBackend creates an empty in-memory store and starts its executor.
func NewMemoryBackend() *MemoryBackend {
	m := &MemoryBackend{
		data:    make(map[string]string),
		scripts: make(map[string]*lua.FunctionProto),
		cursors: make(map[uint64]string),
		work:    make(chan workItem, 100),
		done:    make(chan struct{}),
	}
	m.state = m.newState()
	m.startExecutor()
	return m
}

// newState creates the Lua state scripts run in.
func (m *MemoryBackend) newState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}

	redis := L.NewTable()
	L.SetField(redis, "call", L.NewFunction(m.luaCall))
	L.SetGlobal("redis", redis)
	openCJSON(L)
	return L
}

// startExecutor creates the goroutine that processes work items.
func (m *MemoryBackend) startExecutor() {
	go func() {
		for {
			select {
			case <-m.done:
				m.state.Close()
				return
			case work := <-m.work:
				value, err := work.fn()
				work.result <- workResult{value: value, err: err}
			}
		}
	}()
}

// execute queues a function on the executor and blocks until complete.
func (m *MemoryBackend) execute(ctx context.Context, fn func() (any, error)) (any, error) {
	select {
	case <-m.done:
		return nil, ErrClosed
	default:
	}

	result := make(chan workResult, 1)
	select {
	case m.work <- workItem{fn: fn, result: result}:
	case <-m.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-result:
		return res.value, res.err
	case <-m.done:
		return nil, ErrClosed
	}
}

// Ping checks that the backend is open.
func (m *MemoryBackend) Ping(ctx context.Context) error {
	_, err := m.execute(ctx, func() (any, error) { return nil, nil })
	return err
}

// MGet reads keys in order.
func (m *MemoryBackend) MGet(ctx context.Context, keys ...string) ([]Entry, error) {
	res, err := m.execute(ctx, func() (any, error) {
		entries := make([]Entry, len(keys))
		for i, key := range keys {
			entries[i].Value, entries[i].Found = m.data[key]
		}
		return entries, nil
	})
	if err != nil {
		return nil, err
	}
	return res.([]Entry), nil
}

// Scan examines up to count keys in key order. A cursor resumes after the
// last key the previous round examined, so keys deleted between rounds never
// cause others to be skipped.
func (m *MemoryBackend) Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	if count <= 0 {
		count = 10
	}
	type page struct {
		keys []string
		next uint64
	}
	res, err := m.execute(ctx, func() (any, error) {
		all := make([]string, 0, len(m.data))
		for key := range m.data {
			all = append(all, key)
		}
		sort.Strings(all)

		start := 0
		if cursor != 0 {
			after, ok := m.cursors[cursor]
			if !ok {
				return nil, fmt.Errorf("storage: invalid cursor %d", cursor)
			}
			delete(m.cursors, cursor)
			start = sort.SearchStrings(all, after)
			if start < len(all) && all[start] == after {
				start++
			}
		}

		p := page{}
		end := start + int(count)
		if end >= len(all) {
			end = len(all)
		} else {
			m.lastScan++
			p.next = m.lastScan
			m.cursors[p.next] = all[end-1]
		}
		for _, key := range all[start:end] {
			if match == "" || matchGlob(match, key) {
				p.keys = append(p.keys, key)
			}
		}
		return p, nil
	})
	if err != nil {
		return nil, 0, err
	}
	p := res.(page)
	return p.keys, p.next, nil
}

// ScriptLoad compiles a script and returns its SHA1 handle.
func (m *MemoryBackend) ScriptLoad(ctx context.Context, source string) (string, error) {
	sum := sha1.Sum([]byte(source))
	handle := hex.EncodeToString(sum[:])
	chunk, err := parse.Parse(strings.NewReader(source), handle)
	if err != nil {
		return "", fmt.Errorf("storage: script does not compile: %w", err)
	}
	proto, err := lua.Compile(chunk, handle)
	if err != nil {
		return "", fmt.Errorf("storage: script does not compile: %w", err)
	}
	_, err = m.execute(ctx, func() (any, error) {
		m.scripts[handle] = proto
		return nil, nil
	})
	if err != nil {
		return "", err
	}
	return handle, nil
}

// FlushScripts empties the script cache, invalidating every handle.
func (m *MemoryBackend) FlushScripts(ctx context.Context) error {
	_, err := m.execute(ctx, func() (any, error) {
		m.scripts = make(map[string]*lua.FunctionProto)
		return nil, nil
	})
	return err
}

// Exec runs cmds back to back on the executor. A failing command does not
// stop the ones after it.
func (m *MemoryBackend) Exec(ctx context.Context, cmds []Command) ([]Reply, error) {
	res, err := m.execute(ctx, func() (any, error) {
		replies := make([]Reply, len(cmds))
		for i, cmd := range cmds {
			replies[i] = m.run(cmd)
		}
		return replies, nil
	})
	if err != nil {
		return nil, err
	}
	return res.([]Reply), nil
}

// run applies one command; must be called on the executor.
func (m *MemoryBackend) run(cmd Command) Reply {
	switch cmd.Kind {
	case CmdMSet:
		if len(cmd.Keys) != len(cmd.Args) {
			return Reply{Err: fmt.Errorf("storage: MSET with %d keys and %d values", len(cmd.Keys), len(cmd.Args))}
		}
		for i, key := range cmd.Keys {
			m.data[key] = cmd.Args[i]
		}
		return Reply{Value: "OK"}
	case CmdDel:
		return Reply{Value: m.del(cmd.Keys)}
	case CmdEvalSha:
		value, err := m.evalSha(cmd.Handle, cmd.Keys, cmd.Args)
		return Reply{Value: value, Err: err}
	default:
		return Reply{Err: fmt.Errorf("storage: unsupported command %s", cmd.Kind)}
	}
}

func (m *MemoryBackend) del(keys []string) int64 {
	var n int64
	for _, key := range keys {
		if _, ok := m.data[key]; ok {
			delete(m.data, key)
			n++
		}
	}
	return n
}

// evalSha runs a cached script with KEYS and ARGV set.
func (m *MemoryBackend) evalSha(handle string, keys, args []string) (any, error) {
	proto, ok := m.scripts[handle]
	if !ok {
		return nil, ErrNoScript
	}

	L := m.state
	L.SetGlobal("KEYS", stringTable(L, keys))
	L.SetGlobal("ARGV", stringTable(L, args))
	L.Push(L.NewFunctionFromProto(proto))
	if err := L.PCall(0, 1, nil); err != nil {
		return nil, fmt.Errorf("storage: script %s: %w", handle, err)
	}
	ret := L.Get(-1)
	L.Pop(1)

	switch v := ret.(type) {
	case lua.LNumber:
		return int64(v), nil
	case lua.LString:
		return string(v), nil
	case lua.LBool:
		if v {
			return int64(1), nil
		}
		return nil, nil
	default:
		return nil, nil
	}
}

// luaCall implements redis.call for the commands the procedures use.
func (m *MemoryBackend) luaCall(L *lua.LState) int {
	cmd := strings.ToUpper(L.CheckString(1))
	args := make([]string, 0, L.GetTop()-1)
	for i := 2; i <= L.GetTop(); i++ {
		args = append(args, L.CheckString(i))
	}

	switch cmd {
	case "GET":
		if len(args) != 1 {
			L.RaiseError("wrong number of arguments for 'get' command")
			return 0
		}
		if v, ok := m.data[args[0]]; ok {
			L.Push(lua.LString(v))
		} else {
			L.Push(lua.LFalse)
		}
	case "SET":
		if len(args) != 2 {
			L.RaiseError("wrong number of arguments for 'set' command")
			return 0
		}
		m.data[args[0]] = args[1]
		L.Push(lua.LString("OK"))
	case "DEL":
		L.Push(lua.LNumber(m.del(args)))
	default:
		L.RaiseError("unknown command '%s'", cmd)
		return 0
	}
	return 1
}

// Close stops the executor. The data is discarded.
func (m *MemoryBackend) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
	})
	return nil
}

func stringTable(L *lua.LState, items []string) *lua.LTable {
	tbl := L.CreateTable(len(items), 0)
	for i, item := range items {
		L.RawSetInt(tbl, i+1, lua.LString(item))
	}
	return tbl
}
