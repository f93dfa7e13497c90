package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/voxplane/voxplane/pkg/types"
)

// ToolHandler executes one tool invocation. args is the JSON-encoded
// argument string from the LLM; the returned string is JSON-encoded and
// appended to the conversation as a tool message.
type ToolHandler func(ctx context.Context, args string) (string, error)

// ToolRegistry maps tool names to their definitions and handlers. The
// session's caller populates it from the agent configuration before the
// pipeline starts; the orchestrator only reads it. Safe for concurrent
// use.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]registeredTool
}

type registeredTool struct {
	def     types.ToolDefinition
	handler ToolHandler
}

// NewToolRegistry returns an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]registeredTool)}
}

// Register adds or replaces a tool under def.Name.
func (r *ToolRegistry) Register(def types.ToolDefinition, h ToolHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[def.Name] = registeredTool{def: def, handler: h}
}

// Definitions returns the tool definitions offered to the LLM.
func (r *ToolRegistry) Definitions() []types.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]types.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.def)
	}
	return defs
}

// Len returns the number of registered tools.
func (r *ToolRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Dispatch executes the tool named by call. Unknown tools return an
// error so the orchestrator can report the failure back to the LLM as
// the tool result rather than crashing the turn.
func (r *ToolRegistry) Dispatch(ctx context.Context, call types.ToolCall) (string, error) {
	r.mu.RLock()
	t, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("pipeline: unknown tool %q", call.Name)
	}
	result, err := t.handler(ctx, call.Arguments)
	if err != nil {
		return "", fmt.Errorf("pipeline: tool %q: %w", call.Name, err)
	}
	return result, nil
}
