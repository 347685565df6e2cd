package bridge

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/opencontextgraph/voicebridge/internal/observability"
	"github.com/opencontextgraph/voicebridge/internal/persist"
	"github.com/opencontextgraph/voicebridge/internal/protocol"
	"github.com/opencontextgraph/voicebridge/internal/reliability"
	"github.com/opencontextgraph/voicebridge/internal/signaling"
	"github.com/opencontextgraph/voicebridge/internal/toolcall"
	"github.com/opencontextgraph/voicebridge/internal/transport"
)

// SignalChannel is the signaling surface the runner drives. Satisfied by
// *signaling.Channel.
type SignalChannel interface {
	Events() <-chan signaling.Event
	SendSessionUpdate(cfg protocol.SessionConfig) error
	SendFunctionCallResult(res protocol.FunctionCallResult) error
	SendFiller(text string) error
	SendClose(code int, reason string) error
	Close() error
}

// SignalDialer opens a fresh signaling channel, used at start and on
// reconnect.
type SignalDialer func(ctx context.Context) (SignalChannel, error)

// MediaTransport is the transport surface the runner observes. Satisfied by
// *transport.Negotiator.
type MediaTransport interface {
	Events() <-chan transport.Event
	Renegotiate(ctx context.Context) error
	Close() error
}

// ToolRunner executes sanitized tool calls. Satisfied by
// *toolcall.Dispatcher.
type ToolRunner interface {
	Dispatch(ctx context.Context, req toolcall.Request) toolcall.Result
}

// TurnSink receives completed turns. Satisfied by *persist.Sink.
type TurnSink interface {
	Append(t persist.Turn)
	FlushSession(sessionID string)
}

// RunnerConfig wires one session's runner.
type RunnerConfig struct {
	SessionID     string
	UserID        string
	SessionConfig protocol.SessionConfig
	FillerDelay   time.Duration
	Reconnect     reliability.RetryPolicy
	Stages        *observability.StageWindow

	// Lifecycle hooks for the session registry.
	OnActive       func()
	OnReconnecting func()
	OnClosed       func(reason string, fatal bool)
	OnActivity     func()
}

// internal loop messages that are not machine events
type chanRestored struct{ ch SignalChannel }
type reconnectFailed struct{ err error }
type renegotiateFailed struct{ err error }
type transportFault struct{ detail string }

// Runner owns one session: a single goroutine consumes signaling, transport
// and tool-result events, applies them to the turn machine, and executes the
// resulting effects. All session state lives on that goroutine; there is no
// shared mutable state and no locking.
type Runner struct {
	cfg     RunnerConfig
	dial    SignalDialer
	media   MediaTransport
	tools   ToolRunner
	sink    TurnSink
	machine *Machine
	log     *zap.Logger
	metrics *observability.Metrics

	async       chan any
	toolResults chan toolcall.Result
	turnSeq     int
}

func NewRunner(cfg RunnerConfig, dial SignalDialer, media MediaTransport, tools ToolRunner, sink TurnSink, machine *Machine, log *zap.Logger, metrics *observability.Metrics) *Runner {
	if cfg.FillerDelay <= 0 {
		cfg.FillerDelay = 400 * time.Millisecond
	}
	if cfg.Reconnect.MaxAttempts <= 0 {
		cfg.Reconnect = reliability.DefaultRetryPolicy()
	}
	return &Runner{
		cfg:         cfg,
		dial:        dial,
		media:       media,
		tools:       tools,
		sink:        sink,
		machine:     machine,
		log:         log.With(zap.String("session_id", cfg.SessionID)),
		metrics:     metrics,
		async:       make(chan any, 8),
		toolResults: make(chan toolcall.Result, 8),
	}
}

// Run drives the session until it closes or the context ends. In-flight
// tool calls and flushes are abandoned on cancellation.
func (r *Runner) Run(ctx context.Context) error {
	ch, err := r.dial(ctx)
	if err != nil {
		r.closeOut("signaling dial failed: "+err.Error(), true, nil)
		return err
	}
	if err := ch.SendSessionUpdate(r.cfg.SessionConfig); err != nil {
		r.closeOut("session config rejected: "+err.Error(), true, ch)
		return err
	}
	r.hook(r.cfg.OnActive)

	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	// Cancellation fires before the wait so helper goroutines (tool
	// dispatches, reconnects) are abandoned, not awaited.
	defer func() { _ = g.Wait() }()
	defer cancel()

	st := NewState()
	fillerTimer := time.NewTimer(time.Hour)
	stopTimer(fillerTimer)
	defer stopTimer(fillerTimer)
	var armedCallID string

	var resultReady time.Time

	sigEvents := ch.Events()
	var mediaEvents <-chan transport.Event
	if r.media != nil {
		mediaEvents = r.media.Events()
	}

	for {
		var mev any

		select {
		case <-ctx.Done():
			// Cancellation goes through the machine so the close effect
			// carries the same teardown as any other terminal transition.
			mev = EvEndRequested{}

		case ev, ok := <-sigEvents:
			if !ok {
				sigEvents = nil
				continue
			}
			r.hook(r.cfg.OnActivity)
			mev = r.signalEvent(ev)

		case tev := <-mediaEvents:
			switch tev.Kind {
			case transport.EventConnected:
				r.countEvent("transport_connected")
				continue
			case transport.EventDegraded:
				r.countEvent("transport_degraded")
				mev = EvTransportDegraded{Detail: tev.Detail}
			case transport.EventFailed:
				r.countEvent("transport_failed")
				mev = EvTransportFailed{Detail: tev.Detail}
			}

		case res := <-r.toolResults:
			resultReady = time.Now()
			mev = EvToolResult{Result: res}

		case <-fillerTimer.C:
			mev = EvFillerDue{CallID: armedCallID}

		case a := <-r.async:
			switch msg := a.(type) {
			case chanRestored:
				ch = msg.ch
				sigEvents = ch.Events()
				r.countEvent("signaling_restored")
				r.hook(r.cfg.OnActive)
				mev = EvSignalingRestored{}
			case reconnectFailed:
				r.closeOut("reconnect failed: "+msg.err.Error(), true, nil)
				return msg.err
			case renegotiateFailed:
				mev = EvTransportFailed{Detail: msg.err.Error()}
			case transportFault:
				r.countEvent("transport_fault")
				mev = EvTransportDegraded{Detail: msg.detail}
			default:
				continue
			}
		}

		if mev == nil {
			continue
		}

		var effects []any
		st, effects = r.machine.Step(st, mev)

		for _, fx := range effects {
			switch f := fx.(type) {
			case FxSendFiller:
				if err := ch.SendFiller(f.Text); err != nil {
					r.log.Warn("filler send failed", zap.Error(err))
				} else if r.metrics != nil {
					r.metrics.FillerEmissions.Inc()
				}

			case FxDispatchTool:
				req := f.Req
				g.Go(func() error {
					res := r.tools.Dispatch(ctx, req)
					select {
					case r.toolResults <- res:
					case <-ctx.Done():
					}
					return nil
				})

			case FxSendResult:
				if err := ch.SendFunctionCallResult(f.Result); err != nil {
					r.log.Warn("result send failed",
						zap.String("call_id", f.Result.CallID), zap.Error(err))
				}
				if !resultReady.IsZero() {
					r.cfg.Stages.Observe(observability.StageResultToForward, time.Since(resultReady))
					resultReady = time.Time{}
				}

			case FxAppendTurn:
				r.appendTurn(f)

			case FxArmFiller:
				armedCallID = f.CallID
				stopTimer(fillerTimer)
				fillerTimer.Reset(r.cfg.FillerDelay)

			case FxDisarmFiller:
				stopTimer(fillerTimer)

			case FxRenegotiate:
				g.Go(func() error {
					if r.media == nil {
						return nil
					}
					if err := r.media.Renegotiate(ctx); err != nil && ctx.Err() == nil {
						select {
						case r.async <- renegotiateFailed{err: err}:
						case <-ctx.Done():
						}
					}
					return nil
				})

			case FxReconnect:
				r.countEvent("signaling_reconnect")
				r.hook(r.cfg.OnReconnecting)
				g.Go(func() error {
					r.reconnect(ctx)
					return nil
				})

			case FxClose:
				r.closeOut(f.Reason, f.Fatal, ch)
				return nil
			}
		}
	}
}

// NotifyTransportFault injects an out-of-band transport fault, such as the
// relay credential expiring with no replacement, into the session loop. The
// session reacts as it would to a degraded peer connection: renegotiate,
// and close when recovery is exhausted.
func (r *Runner) NotifyTransportFault(detail string) {
	select {
	case r.async <- transportFault{detail: detail}:
	default:
		// The loop is already saturated with faults; this one adds nothing.
	}
}

// signalEvent converts a signaling event into a machine event.
func (r *Runner) signalEvent(ev signaling.Event) any {
	if ev.Close != nil {
		return EvSignalingClosed{Code: ev.Close.Code, Reason: ev.Close.Reason, Retryable: ev.Close.Retryable}
	}
	switch msg := ev.Message.(type) {
	case protocol.TranscriptDelta:
		if msg.Role == protocol.RoleUser {
			return EvUserTranscript{Text: msg.Text, Final: msg.Final}
		}
		return EvAgentTranscript{Text: msg.Text, Final: msg.Final}
	case protocol.FunctionCallRequest:
		return EvFunctionCall{CallID: msg.CallID, Name: msg.Name, Args: msg.Arguments}
	default:
		return nil
	}
}

// appendTurn assigns the next sequence number and hands the turn to the
// sink. The runner goroutine is the only writer, so ordering matches the
// signaling event order exactly.
func (r *Runner) appendTurn(f FxAppendTurn) {
	r.turnSeq++
	r.sink.Append(persist.Turn{
		SessionID:  r.cfg.SessionID,
		UserID:     r.cfg.UserID,
		Seq:        r.turnSeq,
		Role:       f.Role,
		Kind:       persist.TurnKind(f.Kind),
		Content:    f.Content,
		ToolName:   f.ToolName,
		ToolCallID: f.CallID,
		CreatedAt:  time.Now().UTC(),
	})
}

// reconnect redials signaling with bounded retry and replays the session
// config. Failure is terminal for the session.
func (r *Runner) reconnect(ctx context.Context) {
	var newCh SignalChannel
	err := reliability.Retry(ctx, r.cfg.Reconnect, func(ctx context.Context) error {
		ch, err := r.dial(ctx)
		if err != nil {
			return err
		}
		if err := ch.SendSessionUpdate(r.cfg.SessionConfig); err != nil {
			_ = ch.Close()
			return reliability.Permanent{Err: err}
		}
		newCh = ch
		return nil
	})

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		select {
		case r.async <- reconnectFailed{err: err}:
		case <-ctx.Done():
		}
		return
	}
	select {
	case r.async <- chanRestored{ch: newCh}:
	case <-ctx.Done():
		_ = newCh.Close()
	}
}

func (r *Runner) closeOut(reason string, fatal bool, ch SignalChannel) {
	if ch != nil {
		if !fatal {
			_ = ch.SendClose(1000, reason)
		}
		_ = ch.Close()
	}
	if r.media != nil {
		_ = r.media.Close()
	}
	r.sink.FlushSession(r.cfg.SessionID)
	r.countEvent("closed")
	if r.cfg.OnClosed != nil {
		r.cfg.OnClosed(reason, fatal)
	}
	r.log.Info("session closed", zap.String("reason", reason), zap.Bool("fatal", fatal))
}

func (r *Runner) hook(fn func()) {
	if fn != nil {
		fn()
	}
}

func (r *Runner) countEvent(event string) {
	if r.metrics != nil {
		r.metrics.SessionEvents.WithLabelValues(event).Inc()
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
