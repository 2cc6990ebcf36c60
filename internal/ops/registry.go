// Package ops implements the Operation Registry: a name -> {schema,
// handler} table backing GET /api/tools and POST /api/tools/{name}.
// Grounded on the teacher's internal/mcp/mcp.go + tools.go tool/schema
// definition pattern, but stripped of the MCP wire transport
// (mcpserver.MCPServer, stdio/SSE protocol framing) — this module's only
// external surface for operations is plain HTTP, so only mcp-go's
// typed-schema tool-builder helpers are reused, not the protocol server.
package ops

import (
	"context"
	"fmt"
	"sort"
	"sync"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/hantei-ai/hantei/internal/model"
)

// Handler executes one registered operation given its JSON-decoded
// arguments, returning a JSON-serializable result.
type Handler func(ctx context.Context, args map[string]any) (any, error)

type operation struct {
	tool    mcplib.Tool
	handler Handler
}

// Registry is safe for concurrent Register/List/Invoke calls, though in
// practice every operation is registered once at startup before the HTTP
// server starts accepting requests.
type Registry struct {
	mu  sync.RWMutex
	ops map[string]operation
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{ops: make(map[string]operation)}
}

// Register adds an operation under name, building its input schema from
// mcp-go tool options (mcplib.WithString, mcplib.WithNumber, ...).
func (r *Registry) Register(name string, handler Handler, opts ...mcplib.ToolOption) {
	tool := mcplib.NewTool(name, opts...)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops[name] = operation{tool: tool, handler: handler}
}

// List returns every registered operation's descriptor, sorted by name, for
// GET /api/tools.
func (r *Registry) List() []model.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.ToolDescriptor, 0, len(r.ops))
	for _, op := range r.ops {
		out = append(out, model.ToolDescriptor{
			Name:        op.tool.Name,
			Description: op.tool.Description,
			InputSchema: op.tool.InputSchema,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Describe returns a single operation's descriptor, for a detail view of
// GET /api/tools/{name} if one is added later.
func (r *Registry) Describe(name string) (model.ToolDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.ops[name]
	if !ok {
		return model.ToolDescriptor{}, false
	}
	return model.ToolDescriptor{Name: op.tool.Name, Description: op.tool.Description, InputSchema: op.tool.InputSchema}, true
}

// Invoke runs the named operation's handler. Returns an error if name is
// not registered; the caller (the /api/tools/{name} HTTP handler) is
// expected to translate that into apierr.NotFound.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	r.mu.RLock()
	op, ok := r.ops[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("ops: unknown operation %q", name)
	}
	return op.handler(ctx, args)
}
