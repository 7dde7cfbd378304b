package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/zot/ctxstore/ctxstore"
	"github.com/zot/ctxstore/internal/storage"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	cfg := ctxstore.DefaultConfig()
	cfg.Store.Type = "memory"
	store := ctxstore.NewWithBackend(cfg, storage.NewMemoryBackend())
	if err := store.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewHandler(store)
}

func call(t *testing.T, fn func(context.Context, mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error), args map[string]any) (string, bool) {
	t.Helper()
	var req mcpgo.CallToolRequest
	req.Params.Arguments = args
	res, err := fn(context.Background(), req)
	if err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	text, ok := res.Content[0].(mcpgo.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", res.Content[0])
	}
	return text.Text, res.IsError
}

func TestTools(t *testing.T) {
	h := newTestHandler(t)

	_, isErr := call(t, h.Set, map[string]any{
		"scope":  "n1",
		"paths":  []any{"foo", "abc.def"},
		"values": []any{"bar", map[string]any{"x": 1.0}},
	})
	assert.Equal(t, false, isErr)

	text, isErr := call(t, h.Get, map[string]any{"scope": "n1", "paths": []any{"foo", "abc.def.x", "nope"}})
	assert.Equal(t, false, isErr)
	var got map[string]any
	if err := json.Unmarshal([]byte(text), &got); err != nil {
		t.Fatalf("bad get result %q: %v", text, err)
	}
	assert.Equal(t, map[string]any{"foo": "bar", "abc.def.x": 1.0}, got["values"])
	assert.Equal(t, []any{"nope"}, got["missing"])

	text, _ = call(t, h.Keys, map[string]any{"scope": "n1"})
	assert.Equal(t, `["abc","foo"]`, text)

	_, isErr = call(t, h.Set, map[string]any{"scope": "n2", "paths": []any{"a", "b"}, "values": []any{true}, "single": true})
	assert.Equal(t, false, isErr)
	text, _ = call(t, h.Keys, map[string]any{"scope": "n2"})
	assert.Equal(t, `["a","b"]`, text)

	_, isErr = call(t, h.Clean, map[string]any{"active": []any{"n2"}})
	assert.Equal(t, false, isErr)
	text, _ = call(t, h.Keys, map[string]any{"scope": "n1"})
	assert.Equal(t, `[]`, text)

	_, isErr = call(t, h.DeleteScope, map[string]any{"scope": "n2"})
	assert.Equal(t, false, isErr)
	text, _ = call(t, h.Keys, map[string]any{"scope": "n2"})
	assert.Equal(t, `[]`, text)
}

func TestToolErrors(t *testing.T) {
	h := newTestHandler(t)

	_, isErr := call(t, h.Get, map[string]any{"paths": []any{"a"}})
	assert.Equal(t, true, isErr)

	_, isErr = call(t, h.Set, map[string]any{"scope": "s", "paths": []any{"bad..path"}, "values": []any{1.0}})
	assert.Equal(t, true, isErr)

	_, isErr = call(t, h.DeleteScope, map[string]any{})
	assert.Equal(t, true, isErr)
}

func TestSetValues(t *testing.T) {
	paths := []string{"a", "b"}
	values := []any{"x"}
	h := newTestHandler(t)
	ctx := context.Background()

	if err := h.store.Set(ctx, "s", paths, SetValues(values, true)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, _ := h.store.Get(ctx, "s", paths...)
	assert.Equal(t, []any{"x", "x"}, got)

	if err := h.store.Set(ctx, "s", paths, SetValues(values, false)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, _ = h.store.Get(ctx, "s", paths...)
	assert.Equal(t, "x", got[0])
	assert.Equal(t, true, ctxstore.IsUndefined(got[1]))
}

func TestRenderValues(t *testing.T) {
	out := RenderValues([]string{"a", "b"}, []any{nil, ctxstore.Undefined})
	assert.Equal(t, map[string]any{"a": nil}, out["values"])
	assert.Equal(t, []string{"b"}, out["missing"])
}

func TestNewServer(t *testing.T) {
	h := newTestHandler(t)
	s := NewServer(h.store)
	assert.Equal(t, 5, len(s.ListTools()))
}
