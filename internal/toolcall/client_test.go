package toolcall

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPClientListTools(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/tools" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"tools":[{"name":"lookup","fields":[{"name":"q","type":"string","required":true}]}]}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL + "/")
	tools, err := c.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "lookup" {
		t.Fatalf("tools = %+v", tools)
	}
	if len(tools[0].Fields) != 1 || tools[0].Fields[0].Name != "q" {
		t.Fatalf("fields = %+v", tools[0].Fields)
	}
}

func TestHTTPClientCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/tools/lookup/call" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var body struct {
			Arguments map[string]any `json:"arguments"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Arguments["q"] != "weather" {
			t.Errorf("body arguments = %v (%v)", body.Arguments, err)
		}
		_, _ = w.Write([]byte(`{"output":{"answer":"sunny"}}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	out, err := c.Call(context.Background(), "lookup", map[string]any{"q": "weather"})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if string(out) != `{"answer":"sunny"}` {
		t.Fatalf("output = %s", out)
	}
}

func TestHTTPClientCallToolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":"no such city"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	_, err := c.Call(context.Background(), "lookup", nil)
	if err == nil || !strings.Contains(err.Error(), "no such city") {
		t.Fatalf("Call() error = %v, want tool error detail", err)
	}
}

func TestHTTPClientCallServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	if _, err := c.Call(context.Background(), "lookup", nil); err == nil {
		t.Fatalf("Call() should fail on 500")
	}
}
