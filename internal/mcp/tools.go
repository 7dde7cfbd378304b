package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/zot/ctxstore/ctxstore"
)

// GetTool reads paths from a scope.
func GetTool() mcpgo.Tool {
	return mcpgo.NewTool("get",
		mcpgo.WithDescription("Read property paths such as foo.bar[2] from a scope"),
		mcpgo.WithString("scope", mcpgo.Required(), mcpgo.Description("Scope to read")),
		mcpgo.WithArray("paths", mcpgo.Required(), mcpgo.WithStringItems(), mcpgo.Description("Property paths")),
	)
}

// SetTool writes values to paths of a scope in one transaction.
func SetTool() mcpgo.Tool {
	return mcpgo.NewTool("set",
		mcpgo.WithDescription("Write JSON values to property paths of a scope. Paths without a value are deleted."),
		mcpgo.WithString("scope", mcpgo.Required(), mcpgo.Description("Scope to write")),
		mcpgo.WithArray("paths", mcpgo.Required(), mcpgo.WithStringItems(), mcpgo.Description("Property paths")),
		mcpgo.WithArray("values", mcpgo.Description("One JSON value per path")),
		mcpgo.WithBoolean("single", mcpgo.Description("Apply the first value to every path")),
	)
}

// KeysTool lists the root keys of a scope.
func KeysTool() mcpgo.Tool {
	return mcpgo.NewTool("keys",
		mcpgo.WithDescription("List the root keys stored in a scope"),
		mcpgo.WithString("scope", mcpgo.Required(), mcpgo.Description("Scope to list")),
	)
}

// DeleteScopeTool removes a whole scope.
func DeleteScopeTool() mcpgo.Tool {
	return mcpgo.NewTool("delete_scope",
		mcpgo.WithDescription("Delete every key of a scope"),
		mcpgo.WithString("scope", mcpgo.Required(), mcpgo.Description("Scope to delete")),
	)
}

// CleanTool removes every scope that is not global or active.
func CleanTool() mcpgo.Tool {
	return mcpgo.NewTool("clean",
		mcpgo.WithDescription("Delete every scope except the global scope and the active ones"),
		mcpgo.WithArray("active", mcpgo.WithStringItems(), mcpgo.Description("Scopes to keep")),
	)
}

// Handler serves the tools from a store.
type Handler struct {
	store *ctxstore.Store
}

// NewHandler creates a handler for store.
func NewHandler(store *ctxstore.Store) *Handler {
	return &Handler{store: store}
}

// RegisterStandardTools adds every store tool to s.
func RegisterStandardTools(s *server.MCPServer, h *Handler) {
	s.AddTool(GetTool(), h.Get)
	s.AddTool(SetTool(), h.Set)
	s.AddTool(KeysTool(), h.Keys)
	s.AddTool(DeleteScopeTool(), h.DeleteScope)
	s.AddTool(CleanTool(), h.Clean)
}

// Get handles the get tool. The result maps each path to its value; paths
// that hold nothing are listed under "missing".
func (h *Handler) Get(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	scope, err := req.RequireString("scope")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	paths, err := req.RequireStringSlice("paths")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}

	values, err := h.store.Get(ctx, scope, paths...)
	if err != nil {
		return mcpgo.NewToolResultErrorFromErr("get failed", err), nil
	}
	return jsonResult(RenderValues(paths, values))
}

// Set handles the set tool.
func (h *Handler) Set(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	scope, err := req.RequireString("scope")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	paths, err := req.RequireStringSlice("paths")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	raw, _ := req.GetArguments()["values"].([]any)

	if err := h.store.Set(ctx, scope, paths, SetValues(raw, req.GetBool("single", false))); err != nil {
		return mcpgo.NewToolResultErrorFromErr("set failed", err), nil
	}
	return mcpgo.NewToolResultText(fmt.Sprintf("set %d paths in %s", len(paths), scope)), nil
}

// Keys handles the keys tool.
func (h *Handler) Keys(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	scope, err := req.RequireString("scope")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	keys, err := h.store.Keys(ctx, scope)
	if err != nil {
		return mcpgo.NewToolResultErrorFromErr("keys failed", err), nil
	}
	return jsonResult(keys)
}

// DeleteScope handles the delete_scope tool.
func (h *Handler) DeleteScope(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	scope, err := req.RequireString("scope")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	if err := h.store.Delete(ctx, scope); err != nil {
		return mcpgo.NewToolResultErrorFromErr("delete failed", err), nil
	}
	return mcpgo.NewToolResultText("deleted " + scope), nil
}

// Clean handles the clean tool.
func (h *Handler) Clean(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	active := req.GetStringSlice("active", nil)
	if err := h.store.Clean(ctx, active); err != nil {
		return mcpgo.NewToolResultErrorFromErr("clean failed", err), nil
	}
	return mcpgo.NewToolResultText(fmt.Sprintf("cleaned, kept global and %d active scopes", len(active))), nil
}

// SetValues builds the value side of a set call from tool arguments.
func SetValues(raw []any, single bool) ctxstore.Values {
	if single && len(raw) > 0 {
		return ctxstore.Single(raw[0])
	}
	return ctxstore.Many(raw...)
}

// RenderValues pairs paths with their values for a JSON reply.
func RenderValues(paths []string, values []any) map[string]any {
	found := make(map[string]any, len(paths))
	missing := []string{}
	for i, p := range paths {
		if ctxstore.IsUndefined(values[i]) {
			missing = append(missing, p)
			continue
		}
		found[p] = values[i]
	}
	return map[string]any{"values": found, "missing": missing}
}

func jsonResult(v any) (*mcpgo.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcpgo.NewToolResultErrorFromErr("encode failed", err), nil
	}
	return mcpgo.NewToolResultText(string(data)), nil
}
