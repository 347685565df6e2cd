package toolcall

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/opencontextgraph/voicebridge/internal/observability"
)

// ErrorKind classifies a failed tool call for the voice model. The model
// uses the kind to decide how to explain the failure to the user.
type ErrorKind string

const (
	ErrorKindNone            ErrorKind = ""
	ErrorKindTimeout         ErrorKind = "timeout"
	ErrorKindInvalidArgument ErrorKind = "invalid_argument"
	ErrorKindExecutionFailed ErrorKind = "execution_failed"
)

// Request is one sanitized tool invocation.
type Request struct {
	CallID string
	Name   string
	Args   map[string]any
}

// Result is the terminal outcome of a dispatch. A timed-out or failed call
// still produces a Result; dispatch never retries and never loses a call.
type Result struct {
	CallID  string
	Output  json.RawMessage
	Kind    ErrorKind
	Detail  string
	Elapsed time.Duration
}

// Failed reports whether the result carries an error.
func (r Result) Failed() bool { return r.Kind != ErrorKindNone }

// Dispatcher executes tool calls against the tool server with a per-call
// timeout. Tool calls may have side effects, so a failed or timed-out call is
// reported to the model rather than silently retried.
type Dispatcher struct {
	invoker Invoker
	timeout time.Duration
	log     *zap.Logger
	metrics *observability.Metrics
	stages  *observability.StageWindow
}

func NewDispatcher(invoker Invoker, timeout time.Duration, log *zap.Logger, metrics *observability.Metrics, stages *observability.StageWindow) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		invoker: invoker,
		timeout: timeout,
		log:     log,
		metrics: metrics,
		stages:  stages,
	}
}

// Dispatch runs one tool call to completion. The parent context bounds the
// session lifetime; the per-call timeout is layered on top.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Result {
	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	output, err := d.invoker.Call(callCtx, req.Name, req.Args)
	elapsed := time.Since(start)

	d.stages.Observe(observability.StageToolDispatch, elapsed)
	if d.metrics != nil {
		d.metrics.ObserveToolCallLatency(elapsed)
	}

	res := Result{CallID: req.CallID, Elapsed: elapsed}
	switch {
	case err == nil:
		res.Output = output
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		res.Kind = ErrorKindTimeout
		res.Detail = "tool call exceeded " + d.timeout.String()
		d.log.Warn("tool call timed out",
			zap.String("tool", req.Name),
			zap.String("call_id", req.CallID),
			zap.Duration("timeout", d.timeout))
	default:
		res.Kind = ErrorKindExecutionFailed
		res.Detail = err.Error()
		d.log.Warn("tool call failed",
			zap.String("tool", req.Name),
			zap.String("call_id", req.CallID),
			zap.Error(err))
	}

	if d.metrics != nil {
		kind := string(res.Kind)
		if kind == "" {
			kind = "ok"
		}
		d.metrics.ToolCallResults.WithLabelValues(kind).Inc()
	}
	return res
}
