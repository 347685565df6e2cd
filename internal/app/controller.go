package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opencontextgraph/voicebridge/internal/bridge"
	"github.com/opencontextgraph/voicebridge/internal/config"
	"github.com/opencontextgraph/voicebridge/internal/credentials"
	"github.com/opencontextgraph/voicebridge/internal/observability"
	"github.com/opencontextgraph/voicebridge/internal/persist"
	"github.com/opencontextgraph/voicebridge/internal/protocol"
	"github.com/opencontextgraph/voicebridge/internal/session"
	"github.com/opencontextgraph/voicebridge/internal/signaling"
	"github.com/opencontextgraph/voicebridge/internal/toolcall"
	"github.com/opencontextgraph/voicebridge/internal/toolschema"
	"github.com/opencontextgraph/voicebridge/internal/transport"
)

var errSessionNotRunning = errors.New("session not running")

type runningSession struct {
	cancel     context.CancelFunc
	negotiator *transport.Negotiator
}

// Controller owns the live bridge sessions: for each created session it
// builds the credential refresher, media negotiator, signaling dialer and
// runner, and supervises their lifetime.
type Controller struct {
	cfg        config.Config
	log        *zap.Logger
	metrics    *observability.Metrics
	stages     *observability.StageWindow
	sessions   *session.Manager
	sink       *persist.Sink
	creds      *credentials.Client
	invoker    toolcall.Invoker
	dispatcher *toolcall.Dispatcher

	rootCtx context.Context

	mu      sync.Mutex
	running map[string]*runningSession

	toolsOnce   sync.Once
	toolsErr    error
	remoteTools []toolschema.RemoteTool
	toolIndex   map[string]toolschema.RemoteTool
}

func NewController(rootCtx context.Context, cfg config.Config, sessions *session.Manager, sink *persist.Sink, creds *credentials.Client, invoker toolcall.Invoker, dispatcher *toolcall.Dispatcher, log *zap.Logger, metrics *observability.Metrics, stages *observability.StageWindow) *Controller {
	c := &Controller{
		cfg:        cfg,
		log:        log,
		metrics:    metrics,
		stages:     stages,
		sessions:   sessions,
		sink:       sink,
		creds:      creds,
		invoker:    invoker,
		dispatcher: dispatcher,
		rootCtx:    rootCtx,
		running:    make(map[string]*runningSession),
	}
	sessions.SetExpireHook(func(s *session.Session) {
		log.Info("ending idle session", zap.String("session_id", s.ID))
		c.stop(s.ID)
	})
	return c
}

// loadTools fetches the tool catalogue once and translates it to the remote
// shape. Tools that cannot be expressed are logged and dropped.
func (c *Controller) loadTools(ctx context.Context) error {
	c.toolsOnce.Do(func() {
		defs, err := c.invoker.ListTools(ctx)
		if err != nil {
			c.toolsErr = fmt.Errorf("fetch tool catalogue: %w", err)
			return
		}
		tools, dropped, err := toolschema.Translate(defs, c.cfg.MaxToolSchema)
		if err != nil {
			c.toolsErr = fmt.Errorf("translate tool catalogue: %w", err)
			return
		}
		for _, name := range dropped {
			c.log.Warn("tool not expressible remotely, dropped", zap.String("tool", name))
		}
		c.remoteTools = tools
		c.toolIndex = make(map[string]toolschema.RemoteTool, len(tools))
		for _, t := range tools {
			c.toolIndex[t.Name] = t
		}
	})
	return c.toolsErr
}

// StartSession boots the full per-session pipeline. The session stays in
// Initializing until the runner reports the signaling channel up.
func (c *Controller) StartSession(s *session.Session) error {
	ctx, cancel := context.WithCancel(c.rootCtx)

	if err := c.loadTools(ctx); err != nil {
		cancel()
		return err
	}

	// Relay credential up front: media negotiation must never start
	// without one when an endpoint is configured.
	var cred *credentials.RelayCredential
	if c.cfg.CredentialEndpoint != "" {
		fetchStart := time.Now()
		var err error
		cred, err = c.creds.Acquire(ctx)
		if err != nil {
			cancel()
			return err
		}
		c.stages.Observe(observability.StageCredentialFetch, time.Since(fetchStart))
	}

	negotiator, err := transport.NewNegotiator(transport.Config{
		GatherTimeout:        c.cfg.GatherTimeout,
		JitterBufferTarget:   c.cfg.JitterBufferTarget,
		RenegotiateAttempts:  c.cfg.RenegotiateAttempts,
		RenegotiateBaseDelay: c.cfg.RenegotiateBaseDelay,
	}, cred, c.log, c.metrics, c.stages)
	if err != nil {
		cancel()
		return err
	}

	persona, _ := bridge.LookupPersona(s.Persona)
	sessionConfig := protocol.SessionConfig{
		Voice:        persona.Voice,
		Instructions: persona.Instructions,
		Modalities:   []string{"audio", "text"},
		TurnDetection: &protocol.TurnDetection{
			Mode:              "server_vad",
			Threshold:         c.cfg.VADThreshold,
			PrefixPaddingMs:   int(c.cfg.VADPrefixPadding.Milliseconds()),
			SilenceDurationMs: int(c.cfg.VADSilenceDuration.Milliseconds()),
		},
		Tools: c.remoteTools,
	}

	sessionID := s.ID
	runnerCfg := bridge.RunnerConfig{
		SessionID:     sessionID,
		UserID:        s.UserID,
		SessionConfig: sessionConfig,
		FillerDelay:   c.cfg.FillerDelay,
		Stages:        c.stages,
		OnActive: func() {
			if err := c.sessions.Activate(sessionID); err != nil {
				c.log.Warn("activate failed", zap.String("session_id", sessionID), zap.Error(err))
			}
		},
		OnReconnecting: func() {
			_ = c.sessions.MarkReconnecting(sessionID)
		},
		OnActivity: func() {
			_ = c.sessions.Touch(sessionID)
		},
		OnClosed: func(reason string, fatal bool) {
			c.cleanup(sessionID)
			if _, err := c.sessions.End(sessionID); err != nil && !errors.Is(err, session.ErrTerminated) {
				c.log.Warn("end failed", zap.String("session_id", sessionID), zap.Error(err))
			}
		},
	}

	dialer := func(ctx context.Context) (bridge.SignalChannel, error) {
		return signaling.Dial(ctx, signaling.Config{
			URL:            c.cfg.VoiceServiceURL,
			APIKey:         c.cfg.VoiceAPIKey,
			Heartbeat:      c.cfg.SignalingHeartbeat,
			MaxConfigBytes: c.cfg.MaxConfigBytes,
			EventBuffer:    c.cfg.EventBufferSize,
		}, c.log, c.metrics)
	}

	machine := &bridge.Machine{Tools: c.toolIndex, FillerPhrase: c.cfg.FillerPhrase}
	runner := bridge.NewRunner(runnerCfg, dialer, negotiator, c.dispatcher, c.sink, machine, c.log, c.metrics)

	if c.cfg.CredentialEndpoint != "" {
		refresher := credentials.NewRefresher(c.creds, c.cfg.CredentialMargin, c.log, c.metrics)
		go func() { _ = refresher.Run(ctx) }()
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case u := <-refresher.Updates():
					if u.Err != nil {
						// The active credential expired with no replacement;
						// the relay allocation is about to die under the call.
						runner.NotifyTransportFault("relay credential expired: " + u.Err.Error())
						continue
					}
					negotiator.UpdateCredential(u.Credential)
				}
			}
		}()
	}

	c.mu.Lock()
	c.running[sessionID] = &runningSession{cancel: cancel, negotiator: negotiator}
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ActiveSessions.Inc()
	}
	go func() {
		if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
			c.log.Warn("session runner exited", zap.String("session_id", sessionID), zap.Error(err))
		}
	}()
	return nil
}

// EndSession cancels a running session. The runner's close path handles
// teardown and registry state.
func (c *Controller) EndSession(sessionID string) error {
	if !c.stop(sessionID) {
		// Not running: still terminate registry state if present.
		if _, err := c.sessions.End(sessionID); err != nil && !errors.Is(err, session.ErrTerminated) {
			return err
		}
	}
	return nil
}

// HandleOffer relays media negotiation to the session's transport.
func (c *Controller) HandleOffer(ctx context.Context, sessionID, offerSDP string) (string, error) {
	rs := c.get(sessionID)
	if rs == nil {
		return "", errSessionNotRunning
	}
	return rs.negotiator.HandleOffer(ctx, offerSDP)
}

// AddCandidate relays a trickled ICE candidate.
func (c *Controller) AddCandidate(sessionID, candidate, mid string, mlineIndex uint16) error {
	rs := c.get(sessionID)
	if rs == nil {
		return errSessionNotRunning
	}
	return rs.negotiator.AddRemoteCandidate(candidate, mid, mlineIndex)
}

func (c *Controller) get(sessionID string) *runningSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running[sessionID]
}

func (c *Controller) stop(sessionID string) bool {
	c.mu.Lock()
	rs := c.running[sessionID]
	c.mu.Unlock()
	if rs == nil {
		return false
	}
	rs.cancel()
	return true
}

func (c *Controller) cleanup(sessionID string) {
	c.mu.Lock()
	rs := c.running[sessionID]
	delete(c.running, sessionID)
	c.mu.Unlock()
	if rs != nil {
		rs.cancel()
		if c.metrics != nil {
			c.metrics.ActiveSessions.Dec()
		}
	}
}
