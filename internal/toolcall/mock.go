package toolcall

import (
	"context"
	"encoding/json"

	"github.com/opencontextgraph/voicebridge/internal/toolschema"
)

// MockInvoker is a test double for the tool server.
type MockInvoker struct {
	ListFn func(ctx context.Context) ([]toolschema.ToolDefinition, error)
	CallFn func(ctx context.Context, name string, args map[string]any) (json.RawMessage, error)
}

func (m *MockInvoker) ListTools(ctx context.Context) ([]toolschema.ToolDefinition, error) {
	if m.ListFn == nil {
		return nil, nil
	}
	return m.ListFn(ctx)
}

func (m *MockInvoker) Call(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	if m.CallFn == nil {
		return json.RawMessage(`{}`), nil
	}
	return m.CallFn(ctx, name, args)
}
