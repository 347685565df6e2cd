package bridge

import (
	"encoding/json"
	"fmt"

	"github.com/opencontextgraph/voicebridge/internal/protocol"
	"github.com/opencontextgraph/voicebridge/internal/toolcall"
	"github.com/opencontextgraph/voicebridge/internal/toolschema"
)

// Phase is the conversational phase of a session.
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseListening     Phase = "listening"
	PhaseThinking      Phase = "thinking"
	PhaseToolExecuting Phase = "tool_executing"
	PhaseSpeaking      Phase = "speaking"
	PhaseReconnecting  Phase = "reconnecting"
	PhaseClosed        Phase = "closed"
)

// Machine events. Exactly one event is applied at a time by the session
// loop, which is the sole owner of the State.

type EvUserTranscript struct {
	Text  string
	Final bool
}

type EvAgentTranscript struct {
	Text  string
	Final bool
}

type EvFunctionCall struct {
	CallID string
	Name   string
	Args   json.RawMessage
}

type EvToolResult struct {
	Result toolcall.Result
}

type EvFillerDue struct {
	CallID string
}

type EvTransportDegraded struct{ Detail string }
type EvTransportFailed struct{ Detail string }

type EvSignalingClosed struct {
	Code      int
	Reason    string
	Retryable bool
}

type EvSignalingRestored struct{}

type EvEndRequested struct{}

// Effects the session loop must carry out after a step. The machine never
// performs I/O itself.

type FxSendFiller struct{ Text string }

type FxDispatchTool struct{ Req toolcall.Request }

type FxSendResult struct{ Result protocol.FunctionCallResult }

type FxAppendTurn struct {
	Role     string
	Kind     string
	Content  string
	ToolName string
	// CallID links tool and filler turns back to the function call that
	// produced them.
	CallID string
}

type FxArmFiller struct{ CallID string }

type FxDisarmFiller struct{}

type FxRenegotiate struct{}

type FxReconnect struct{}

type FxClose struct {
	Reason string
	Fatal  bool
}

type pendingCall struct {
	CallID string
	Name   string
	Args   json.RawMessage
}

// State is the complete mutable state of one session's turn machine. It is
// a value: Step returns the successor rather than mutating in place, which
// keeps every transition testable as a pure function.
type State struct {
	Phase       Phase
	resumePhase Phase

	// At most one call is ever outstanding; later requests wait in Queue.
	Outstanding *pendingCall
	Queue       []pendingCall

	// FillerSent guards the at-most-one-filler-per-call property.
	FillerSent bool

	userBuf  string
	agentBuf string
}

func NewState() State {
	return State{Phase: PhaseIdle}
}

// Machine holds the per-session constants the transition function needs.
type Machine struct {
	Tools        map[string]toolschema.RemoteTool
	FillerPhrase string
}

// Step applies one event. It is total: events that make no sense in the
// current phase are ignored rather than crashing the session.
func (m *Machine) Step(st State, ev any) (State, []any) {
	if st.Phase == PhaseClosed {
		return st, nil
	}

	switch e := ev.(type) {
	case EvUserTranscript:
		return m.stepUserTranscript(st, e)
	case EvAgentTranscript:
		return m.stepAgentTranscript(st, e)
	case EvFunctionCall:
		return m.stepFunctionCall(st, e)
	case EvToolResult:
		return m.stepToolResult(st, e)
	case EvFillerDue:
		return m.stepFillerDue(st, e)
	case EvTransportDegraded:
		return st, []any{FxRenegotiate{}}
	case EvTransportFailed:
		st.Phase = PhaseClosed
		return st, []any{FxClose{Reason: "transport failed: " + e.Detail, Fatal: true}}
	case EvSignalingClosed:
		return m.stepSignalingClosed(st, e)
	case EvSignalingRestored:
		if st.Phase == PhaseReconnecting {
			// The voice service starts a fresh response cycle after
			// session.update is replayed, so mid-turn phases do not resume.
			switch st.resumePhase {
			case PhaseToolExecuting, PhaseSpeaking, PhaseThinking, "":
				st.Phase = PhaseIdle
			default:
				st.Phase = st.resumePhase
			}
			st.resumePhase = ""
		}
		return st, nil
	case EvEndRequested:
		st.Phase = PhaseClosed
		return st, []any{FxClose{Reason: "session ended"}}
	default:
		return st, nil
	}
}

func (m *Machine) stepUserTranscript(st State, e EvUserTranscript) (State, []any) {
	var effects []any

	switch st.Phase {
	case PhaseIdle, PhaseListening:
		st.Phase = PhaseListening
	case PhaseSpeaking:
		// Barge-in: the user talks over the agent. Agent speech is cut and
		// its partial transcript is recorded as an interrupted turn.
		if st.agentBuf != "" {
			effects = append(effects, FxAppendTurn{Role: protocol.RoleAgent, Kind: "speech", Content: st.agentBuf})
			st.agentBuf = ""
		}
		st.Phase = PhaseListening
	case PhaseThinking, PhaseToolExecuting, PhaseReconnecting:
		// Transcript fragments buffer; the phase advances on its own
		// triggers.
	}

	st.userBuf += e.Text
	if e.Final {
		if st.userBuf != "" {
			effects = append(effects, FxAppendTurn{Role: protocol.RoleUser, Kind: "speech", Content: st.userBuf})
			st.userBuf = ""
		}
		if st.Phase == PhaseListening {
			st.Phase = PhaseThinking
		}
	}
	return st, effects
}

func (m *Machine) stepAgentTranscript(st State, e EvAgentTranscript) (State, []any) {
	var effects []any

	if st.Phase == PhaseThinking || st.Phase == PhaseIdle {
		st.Phase = PhaseSpeaking
	}
	st.agentBuf += e.Text
	if e.Final {
		if st.agentBuf != "" {
			effects = append(effects, FxAppendTurn{Role: protocol.RoleAgent, Kind: "speech", Content: st.agentBuf})
			st.agentBuf = ""
		}
		if st.Phase == PhaseSpeaking {
			st.Phase = PhaseIdle
		}
	}
	return st, effects
}

func (m *Machine) stepFunctionCall(st State, e EvFunctionCall) (State, []any) {
	if st.Outstanding != nil {
		// One call in flight at a time; later requests run in arrival order.
		st.Queue = append(st.Queue, pendingCall{CallID: e.CallID, Name: e.Name, Args: e.Args})
		return st, nil
	}
	return m.startCall(st, pendingCall{CallID: e.CallID, Name: e.Name, Args: e.Args})
}

// startCall validates and dispatches a call, falling through to the next
// queued call when validation rejects one. Rejected calls become failed
// results so the model can recover verbally; they are never dispatched.
func (m *Machine) startCall(st State, call pendingCall) (State, []any) {
	var effects []any
	for {
		var reject string
		tool, ok := m.Tools[call.Name]
		if !ok {
			reject = fmt.Sprintf("unknown tool %q", call.Name)
		} else if args, err := toolschema.SanitizeArguments(call.Args, tool); err != nil {
			reject = err.Error()
		} else {
			c := call
			st.Phase = PhaseToolExecuting
			st.Outstanding = &c
			st.FillerSent = false
			return st, append(effects,
				FxDispatchTool{Req: toolcall.Request{CallID: c.CallID, Name: c.Name, Args: args}},
				FxArmFiller{CallID: c.CallID},
			)
		}

		effects = append(effects,
			FxSendResult{Result: protocol.NewFunctionCallError(call.CallID, reject)},
			FxAppendTurn{Role: protocol.RoleAgent, Kind: "tool", Content: reject, ToolName: call.Name, CallID: call.CallID},
		)
		if len(st.Queue) == 0 {
			if st.Phase == PhaseToolExecuting {
				st.Phase = PhaseThinking
			}
			st.Outstanding = nil
			return st, effects
		}
		call = st.Queue[0]
		st.Queue = st.Queue[1:]
	}
}

func (m *Machine) stepToolResult(st State, e EvToolResult) (State, []any) {
	if st.Outstanding == nil || st.Outstanding.CallID != e.Result.CallID {
		// Result for a cancelled or unknown call; nothing to forward.
		return st, nil
	}

	call := *st.Outstanding
	st.Outstanding = nil

	var res protocol.FunctionCallResult
	var turnContent string
	if e.Result.Failed() {
		res = protocol.NewFunctionCallError(call.CallID, string(e.Result.Kind)+": "+e.Result.Detail)
		turnContent = e.Result.Detail
	} else {
		res = protocol.NewFunctionCallResult(call.CallID, e.Result.Output)
		turnContent = string(e.Result.Output)
	}

	effects := []any{
		FxDisarmFiller{},
		FxSendResult{Result: res},
		FxAppendTurn{Role: protocol.RoleAgent, Kind: "tool", Content: turnContent, ToolName: call.Name, CallID: call.CallID},
	}

	if len(st.Queue) > 0 {
		next := st.Queue[0]
		st.Queue = st.Queue[1:]
		var startFx []any
		st, startFx = m.startCall(st, next)
		return st, append(effects, startFx...)
	}

	st.Phase = PhaseThinking
	return st, effects
}

func (m *Machine) stepFillerDue(st State, e EvFillerDue) (State, []any) {
	if st.Phase != PhaseToolExecuting || st.Outstanding == nil || st.Outstanding.CallID != e.CallID || st.FillerSent {
		return st, nil
	}
	st.FillerSent = true
	return st, []any{
		FxSendFiller{Text: m.FillerPhrase},
		FxAppendTurn{Role: protocol.RoleAgent, Kind: "filler", Content: m.FillerPhrase, CallID: e.CallID},
	}
}

func (m *Machine) stepSignalingClosed(st State, e EvSignalingClosed) (State, []any) {
	if !e.Retryable {
		st.Phase = PhaseClosed
		return st, []any{FxClose{Reason: fmt.Sprintf("signaling closed (%d): %s", e.Code, e.Reason), Fatal: true}}
	}
	if st.Phase != PhaseReconnecting {
		st.resumePhase = st.Phase
	}
	st.Phase = PhaseReconnecting
	return st, []any{FxReconnect{}}
}
