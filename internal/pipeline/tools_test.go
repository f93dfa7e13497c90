package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/voxplane/voxplane/pkg/types"
)

func TestToolRegistryDispatch(t *testing.T) {
	t.Parallel()

	r := NewToolRegistry()
	r.Register(types.ToolDefinition{Name: "lookup_order"}, func(_ context.Context, args string) (string, error) {
		if args != `{"id":"42"}` {
			t.Errorf("args = %q", args)
		}
		return `{"status":"shipped"}`, nil
	})

	got, err := r.Dispatch(context.Background(), types.ToolCall{
		ID:        "call-1",
		Name:      "lookup_order",
		Arguments: `{"id":"42"}`,
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got != `{"status":"shipped"}` {
		t.Errorf("result = %q", got)
	}
}

func TestToolRegistryUnknownTool(t *testing.T) {
	t.Parallel()

	r := NewToolRegistry()
	_, err := r.Dispatch(context.Background(), types.ToolCall{Name: "nope"})
	if err == nil || !strings.Contains(err.Error(), "unknown tool") {
		t.Fatalf("err = %v, want unknown tool", err)
	}
}

func TestToolRegistryHandlerError(t *testing.T) {
	t.Parallel()

	boom := errors.New("backend down")
	r := NewToolRegistry()
	r.Register(types.ToolDefinition{Name: "flaky"}, func(context.Context, string) (string, error) {
		return "", boom
	})

	_, err := r.Dispatch(context.Background(), types.ToolCall{Name: "flaky"})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped %v", err, boom)
	}
}

func TestToolRegistryDefinitions(t *testing.T) {
	t.Parallel()

	r := NewToolRegistry()
	if r.Len() != 0 {
		t.Fatalf("Len() = %d for empty registry", r.Len())
	}
	r.Register(types.ToolDefinition{Name: "a"}, func(context.Context, string) (string, error) { return "", nil })
	r.Register(types.ToolDefinition{Name: "b"}, func(context.Context, string) (string, error) { return "", nil })
	r.Register(types.ToolDefinition{Name: "a", Description: "replaced"}, func(context.Context, string) (string, error) { return "", nil })

	defs := r.Definitions()
	if len(defs) != 2 {
		t.Fatalf("len(Definitions()) = %d, want 2", len(defs))
	}
	for _, d := range defs {
		if d.Name == "a" && d.Description != "replaced" {
			t.Error("re-registering did not replace the definition")
		}
	}
}
