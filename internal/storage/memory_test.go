package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/zot/ctxstore/internal/config"
	"github.com/zot/ctxstore/internal/path"
	"github.com/zot/ctxstore/internal/procedure"
)

// scriptHarness registers the procedures on a memory backend.
type scriptHarness struct {
	t       *testing.T
	backend *MemoryBackend
	reg     *procedure.Registry
}

func newScriptHarness(t *testing.T) *scriptHarness {
	t.Helper()
	m := NewMemoryBackend()
	t.Cleanup(func() { m.Close() })
	reg := procedure.NewRegistry()
	if err := reg.Register(context.Background(), m); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return &scriptHarness{t: t, backend: m, reg: reg}
}

func (h *scriptHarness) call(p procedure.Procedure, key, expr string, value ...string) Reply {
	h.t.Helper()
	parsed, err := path.Parse(expr)
	if err != nil {
		h.t.Fatalf("Parse(%q) failed: %v", expr, err)
	}
	handle, _ := h.reg.Handle(p)
	args := append(procedure.EncodeTail(parsed.Tail()), value...)
	replies, err := h.backend.Exec(context.Background(), []Command{{Kind: CmdEvalSha, Handle: handle, Keys: []string{key}, Args: args}})
	if err != nil {
		h.t.Fatalf("Exec failed: %v", err)
	}
	return replies[0]
}

func (h *scriptHarness) set(key, expr, value string) {
	h.t.Helper()
	if reply := h.call(procedure.SetNested, key, expr, value); reply.Err != nil {
		h.t.Fatalf("set %s failed: %v", expr, reply.Err)
	}
}

func (h *scriptHarness) del(key, expr string) int64 {
	h.t.Helper()
	reply := h.call(procedure.DeleteNested, key, expr)
	if reply.Err != nil {
		h.t.Fatalf("delete %s failed: %v", expr, reply.Err)
	}
	n, _ := reply.Value.(int64)
	return n
}

func (h *scriptHarness) raw(key string) (string, bool) {
	h.t.Helper()
	entries, err := h.backend.MGet(context.Background(), key)
	if err != nil {
		h.t.Fatalf("MGet failed: %v", err)
	}
	return entries[0].Value, entries[0].Found
}

func TestSetNestedProcedure(t *testing.T) {
	t.Run("creates intermediate objects", func(t *testing.T) {
		h := newScriptHarness(t)
		h.set("k", "foo.bar.baz", `"v"`)
		raw, ok := h.raw("k")
		assert.Equal(t, true, ok)
		assert.Equal(t, `{"bar":{"baz":"v"}}`, raw)
	})

	t.Run("keeps siblings", func(t *testing.T) {
		h := newScriptHarness(t)
		h.set("k", "foo.a", `1`)
		h.set("k", "foo.b", `{"c":[1,2]}`)
		raw, _ := h.raw("k")
		assert.Equal(t, `{"a":1,"b":{"c":[1,2]}}`, raw)
	})

	t.Run("empty tail replaces document", func(t *testing.T) {
		h := newScriptHarness(t)
		h.set("k", "foo.a", `1`)
		h.set("k", "foo", `[true,null]`)
		raw, _ := h.raw("k")
		assert.Equal(t, `[true,null]`, raw)
	})

	t.Run("writes array elements and pads with null", func(t *testing.T) {
		h := newScriptHarness(t)
		h.set("k", "foo.list", `[1,2]`)
		h.set("k", "foo.list[0]", `"first"`)
		h.set("k", "foo.list[3]", `4`)
		raw, _ := h.raw("k")
		assert.Equal(t, `{"list":["first",2,null,4]}`, raw)
	})

	t.Run("rejects indices far past the end of an array", func(t *testing.T) {
		h := newScriptHarness(t)
		h.set("k", "foo.list", `[1,2]`)

		reply := h.call(procedure.SetNested, "k", "foo.list[20000000]", `1`)
		if reply.Err == nil {
			t.Fatal("expected an error for a huge index")
		}
		assert.Equal(t, true, strings.Contains(reply.Err.Error(), "past the end of the array"))
		raw, _ := h.raw("k")
		assert.Equal(t, `{"list":[1,2]}`, raw)

		reply = h.call(procedure.SetNested, "fresh", "foo[20000000].x", `1`)
		assert.NotEqual(t, nil, reply.Err)
		_, ok := h.raw("fresh")
		assert.Equal(t, false, ok)

		// the backend keeps serving after the failed script
		h.set("k", "foo.next", `true`)
	})

	t.Run("re-encodes numbers with fourteen significant digits", func(t *testing.T) {
		h := newScriptHarness(t)
		h.set("k", "foo", `{"pi":3.141592653589793,"n":12}`)
		h.set("k", "foo.big", `1e20`)
		raw, _ := h.raw("k")
		assert.Equal(t, `{"big":1e+20,"n":12,"pi":3.1415926535898}`, raw)
	})

	t.Run("pads up to the gap limit", func(t *testing.T) {
		h := newScriptHarness(t)
		h.set("k", "foo.list[1024]", `"last"`)
		reply := h.call(procedure.SetNested, "k", "foo.other[1025]", `"x"`)
		assert.NotEqual(t, nil, reply.Err)

		raw, _ := h.raw("k")
		var doc map[string][]any
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			t.Fatalf("stored document is not JSON: %v", err)
		}
		assert.Equal(t, 1025, len(doc["list"]))
		assert.Equal(t, nil, doc["list"][1023])
		assert.Equal(t, "last", doc["list"][1024])
	})

	t.Run("index on object replaces it with an array", func(t *testing.T) {
		h := newScriptHarness(t)
		h.set("k", "foo.x", `{"a":1}`)
		h.set("k", "foo.x[1]", `"b"`)
		raw, _ := h.raw("k")
		assert.Equal(t, `{"x":[null,"b"]}`, raw)
	})

	t.Run("field on array replaces it with an object", func(t *testing.T) {
		h := newScriptHarness(t)
		h.set("k", "foo.x", `[1,2]`)
		h.set("k", "foo.x.y", `3`)
		raw, _ := h.raw("k")
		assert.Equal(t, `{"x":{"y":3}}`, raw)
	})

	t.Run("numeric field name is not an index", func(t *testing.T) {
		h := newScriptHarness(t)
		h.set("k", "foo.x", `[1,2]`)
		h.set("k", "foo.x.0", `5`)
		raw, _ := h.raw("k")
		assert.Equal(t, `{"x":{"0":5}}`, raw)
	})

	t.Run("primitive intermediate is replaced", func(t *testing.T) {
		h := newScriptHarness(t)
		h.set("k", "foo", `"text"`)
		h.set("k", "foo.a.b", `null`)
		raw, _ := h.raw("k")
		assert.Equal(t, `{"a":{"b":null}}`, raw)
	})
}

func TestDeleteNestedProcedure(t *testing.T) {
	t.Run("removes a field and leaves the empty parent", func(t *testing.T) {
		h := newScriptHarness(t)
		h.set("k", "foo.abc", `{"bar1":1,"bar2":2}`)
		assert.Equal(t, int64(1), h.del("k", "foo.abc.bar1"))
		assert.Equal(t, int64(1), h.del("k", "foo.abc.bar2"))
		raw, _ := h.raw("k")
		assert.Equal(t, `{"abc":{}}`, raw)
	})

	t.Run("compacts arrays", func(t *testing.T) {
		h := newScriptHarness(t)
		h.set("k", "foo.list", `["a","b","c"]`)
		assert.Equal(t, int64(1), h.del("k", "foo.list[1]"))
		raw, _ := h.raw("k")
		assert.Equal(t, `{"list":["a","c"]}`, raw)
	})

	t.Run("missing paths are a no-op", func(t *testing.T) {
		h := newScriptHarness(t)
		assert.Equal(t, int64(0), h.del("absent", "foo.bar"))
		_, ok := h.raw("absent")
		assert.Equal(t, false, ok)

		h.set("k", "foo.a", `1`)
		assert.Equal(t, int64(0), h.del("k", "foo.b"))
		assert.Equal(t, int64(0), h.del("k", "foo.a.deeper"))
		assert.Equal(t, int64(0), h.del("k", "foo.z[0]"))
		raw, _ := h.raw("k")
		assert.Equal(t, `{"a":1}`, raw)
	})

	t.Run("corrupt document is left alone", func(t *testing.T) {
		h := newScriptHarness(t)
		if _, err := h.backend.Exec(context.Background(), []Command{{Kind: CmdMSet, Keys: []string{"k"}, Args: []string{"{broken"}}}); err != nil {
			t.Fatalf("Exec failed: %v", err)
		}
		assert.Equal(t, int64(0), h.del("k", "foo.a"))
		raw, _ := h.raw("k")
		assert.Equal(t, "{broken", raw)
	})
}

func TestMemoryBackend(t *testing.T) {
	ctx := context.Background()

	t.Run("transaction commands", func(t *testing.T) {
		m := NewMemoryBackend()
		defer m.Close()

		replies, err := m.Exec(ctx, []Command{
			{Kind: CmdMSet, Keys: []string{"a", "b", "c"}, Args: []string{"1", "2", "3"}},
			{Kind: CmdDel, Keys: []string{"b", "missing"}},
		})
		if err != nil {
			t.Fatalf("Exec failed: %v", err)
		}
		assert.Equal(t, "OK", replies[0].Value)
		assert.Equal(t, int64(1), replies[1].Value)

		entries, err := m.MGet(ctx, "a", "b", "c")
		if err != nil {
			t.Fatalf("MGet failed: %v", err)
		}
		assert.Equal(t, []Entry{{Value: "1", Found: true}, {}, {Value: "3", Found: true}}, entries)
	})

	t.Run("unknown handle reports NOSCRIPT and later commands still run", func(t *testing.T) {
		m := NewMemoryBackend()
		defer m.Close()

		replies, err := m.Exec(ctx, []Command{
			{Kind: CmdEvalSha, Handle: "deadbeef", Keys: []string{"k"}},
			{Kind: CmdMSet, Keys: []string{"k"}, Args: []string{"v"}},
		})
		if err != nil {
			t.Fatalf("Exec failed: %v", err)
		}
		assert.Equal(t, true, errors.Is(replies[0].Err, ErrNoScript))
		assert.Equal(t, nil, replies[1].Err)
	})

	t.Run("flushed scripts", func(t *testing.T) {
		m := NewMemoryBackend()
		defer m.Close()

		handle, err := m.ScriptLoad(ctx, "return 7")
		if err != nil {
			t.Fatalf("ScriptLoad failed: %v", err)
		}
		replies, _ := m.Exec(ctx, []Command{{Kind: CmdEvalSha, Handle: handle}})
		assert.Equal(t, int64(7), replies[0].Value)

		if err := m.FlushScripts(ctx); err != nil {
			t.Fatalf("FlushScripts failed: %v", err)
		}
		replies, _ = m.Exec(ctx, []Command{{Kind: CmdEvalSha, Handle: handle}})
		assert.Equal(t, true, errors.Is(replies[0].Err, ErrNoScript))
	})

	t.Run("script errors are per command", func(t *testing.T) {
		m := NewMemoryBackend()
		defer m.Close()

		_, err := m.ScriptLoad(ctx, "this is not lua")
		assert.NotEqual(t, nil, err)

		handle, err := m.ScriptLoad(ctx, "return redis.call('NOPE')")
		if err != nil {
			t.Fatalf("ScriptLoad failed: %v", err)
		}
		replies, err := m.Exec(ctx, []Command{{Kind: CmdEvalSha, Handle: handle}})
		if err != nil {
			t.Fatalf("Exec failed: %v", err)
		}
		assert.NotEqual(t, nil, replies[0].Err)
	})

	t.Run("scan pages through matches", func(t *testing.T) {
		m := NewMemoryBackend()
		defer m.Close()

		keys := []string{"p:s:a", "p:s:b", "p:t:c", "p:s:d", "q:s:e"}
		values := []string{"1", "1", "1", "1", "1"}
		if _, err := m.Exec(ctx, []Command{{Kind: CmdMSet, Keys: keys, Args: values}}); err != nil {
			t.Fatalf("Exec failed: %v", err)
		}

		var found []string
		var cursor uint64
		rounds := 0
		for {
			page, next, err := m.Scan(ctx, cursor, "p:s:*", 2)
			if err != nil {
				t.Fatalf("Scan failed: %v", err)
			}
			found = append(found, page...)
			rounds++
			if next == 0 {
				break
			}
			cursor = next
		}
		assert.Equal(t, []string{"p:s:a", "p:s:b", "p:s:d"}, found)
		assert.Equal(t, 3, rounds)
	})

	t.Run("scan resumes after deletions between rounds", func(t *testing.T) {
		m := NewMemoryBackend()
		defer m.Close()

		keys := []string{"a", "b", "c", "d", "e"}
		if _, err := m.Exec(ctx, []Command{{Kind: CmdMSet, Keys: keys, Args: []string{"1", "1", "1", "1", "1"}}}); err != nil {
			t.Fatalf("Exec failed: %v", err)
		}

		found, cursor, err := m.Scan(ctx, 0, "", 2)
		if err != nil {
			t.Fatalf("Scan failed: %v", err)
		}
		assert.Equal(t, []string{"a", "b"}, found)
		if _, err := m.Exec(ctx, []Command{{Kind: CmdDel, Keys: []string{"a", "b"}}}); err != nil {
			t.Fatalf("Exec failed: %v", err)
		}
		for cursor != 0 {
			var page []string
			page, cursor, err = m.Scan(ctx, cursor, "", 2)
			if err != nil {
				t.Fatalf("Scan failed: %v", err)
			}
			found = append(found, page...)
		}
		assert.Equal(t, keys, found)
	})

	t.Run("scan rejects unknown cursors", func(t *testing.T) {
		m := NewMemoryBackend()
		defer m.Close()
		_, _, err := m.Scan(ctx, 42, "", 2)
		assert.NotEqual(t, nil, err)
	})

	t.Run("closed backend", func(t *testing.T) {
		m := NewMemoryBackend()
		m.Close()
		assert.Equal(t, nil, m.Close())
		assert.Equal(t, ErrClosed, m.Ping(ctx))
	})
}

func TestMatchGlob(t *testing.T) {
	cases := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"*", "anything", true},
		{"p:s:*", "p:s:", true},
		{"p:s:*", "p:s:foo", true},
		{"p:s:*", "p:st:foo", false},
		{"p:?:*", "p:x:y", true},
		{"p:[ab]:*", "p:b:y", true},
		{"p:[^ab]:*", "p:b:y", false},
		{"p:[a-c]x", "p:bx", true},
		{`a\*b:*`, "a*b:k", true},
		{`a\*b:*`, "aXb:k", false},
		{`\[x\]:*`, "[x]:k", true},
		{"exact", "exact", true},
		{"exact", "exactly", false},
	}
	for _, c := range cases {
		if got := matchGlob(c.pattern, c.key); got != c.want {
			t.Errorf("matchGlob(%q, %q) = %v, want %v", c.pattern, c.key, got, c.want)
		}
	}
}

func TestOpen(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Store.Type = "memory"
	b, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer b.Close()
	_, ok := b.(*MemoryBackend)
	assert.Equal(t, true, ok)

	cfg.Store.Type = "etcd"
	_, err = Open(cfg)
	assert.NotEqual(t, nil, err)
}
