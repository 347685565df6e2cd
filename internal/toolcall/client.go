package toolcall

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/opencontextgraph/voicebridge/internal/toolschema"
)

// Invoker executes tools on the external tool-invocation server.
type Invoker interface {
	ListTools(ctx context.Context) ([]toolschema.ToolDefinition, error)
	Call(ctx context.Context, name string, args map[string]any) (json.RawMessage, error)
}

// HTTPClient talks to the tool server's JSON API: GET /tools for the
// catalogue, POST /tools/{name}/call for execution.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client: &http.Client{
			// Per-call deadlines come from the dispatcher context; this is
			// a hard ceiling for runaway connections.
			Timeout: 30 * time.Second,
		},
	}
}

func (c *HTTPClient) ListTools(ctx context.Context) ([]toolschema.ToolDefinition, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tools", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return nil, fmt.Errorf("tool server status %d: %s", res.StatusCode, string(body))
	}

	var out struct {
		Tools []toolschema.ToolDefinition `json:"tools"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode tool list: %w", err)
	}
	return out.Tools, nil
}

func (c *HTTPClient) Call(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	payload, err := json.Marshal(map[string]any{"arguments": args})
	if err != nil {
		return nil, fmt.Errorf("marshal arguments: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tools/"+name+"/call", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call tool %s: %w", name, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return nil, fmt.Errorf("tool server status %d: %s", res.StatusCode, string(body))
	}

	var out struct {
		Output json.RawMessage `json:"output"`
		Error  string          `json:"error"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode tool result: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("tool %s failed: %s", name, out.Error)
	}
	return out.Output, nil
}
