package toolcall

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestDispatcher(invoker Invoker, timeout time.Duration) *Dispatcher {
	return NewDispatcher(invoker, timeout, zap.NewNop(), nil, nil)
}

func TestDispatchSuccess(t *testing.T) {
	inv := &MockInvoker{
		CallFn: func(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
			if name != "lookup" || args["q"] != "weather" {
				t.Errorf("unexpected call: %s %v", name, args)
			}
			return json.RawMessage(`{"answer":"sunny"}`), nil
		},
	}
	d := newTestDispatcher(inv, time.Second)

	res := d.Dispatch(context.Background(), Request{CallID: "c1", Name: "lookup", Args: map[string]any{"q": "weather"}})
	if res.Failed() {
		t.Fatalf("result failed: %+v", res)
	}
	if string(res.Output) != `{"answer":"sunny"}` {
		t.Fatalf("output = %s", res.Output)
	}
	if res.CallID != "c1" {
		t.Fatalf("call_id = %q", res.CallID)
	}
}

func TestDispatchTimeout(t *testing.T) {
	inv := &MockInvoker{
		CallFn: func(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	d := newTestDispatcher(inv, 20*time.Millisecond)

	start := time.Now()
	res := d.Dispatch(context.Background(), Request{CallID: "c2", Name: "slow"})
	if res.Kind != ErrorKindTimeout {
		t.Fatalf("kind = %q, want timeout", res.Kind)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("dispatch did not respect the per-call timeout")
	}
}

func TestDispatchExecutionFailure(t *testing.T) {
	inv := &MockInvoker{
		CallFn: func(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
			return nil, errors.New("calendar backend down")
		},
	}
	d := newTestDispatcher(inv, time.Second)

	res := d.Dispatch(context.Background(), Request{CallID: "c3", Name: "create_event"})
	if res.Kind != ErrorKindExecutionFailed {
		t.Fatalf("kind = %q, want execution_failed", res.Kind)
	}
	if res.Detail == "" {
		t.Fatalf("detail should carry the error")
	}
}

func TestDispatchSessionCancelIsNotTimeout(t *testing.T) {
	inv := &MockInvoker{
		CallFn: func(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	d := newTestDispatcher(inv, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	res := d.Dispatch(ctx, Request{CallID: "c4", Name: "slow"})
	if res.Kind != ErrorKindExecutionFailed {
		t.Fatalf("kind = %q, want execution_failed for session teardown", res.Kind)
	}
}
