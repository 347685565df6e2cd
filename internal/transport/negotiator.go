package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/opencontextgraph/voicebridge/internal/credentials"
	"github.com/opencontextgraph/voicebridge/internal/observability"
	"github.com/opencontextgraph/voicebridge/internal/reliability"
)

var (
	// ErrCandidateGathering is fatal: without relay candidates there is no
	// media path, and retrying the whole session will not change that.
	ErrCandidateGathering = errors.New("candidate gathering failed")
	// ErrDegraded is returned when renegotiation attempts are exhausted.
	ErrDegraded = errors.New("transport degraded beyond recovery")
)

// EventKind classifies transport state changes for the session loop.
type EventKind string

const (
	EventConnected EventKind = "connected"
	EventDegraded  EventKind = "degraded"
	EventFailed    EventKind = "failed"
)

type Event struct {
	Kind   EventKind
	Detail string
}

// Config tunes the negotiator.
type Config struct {
	GatherTimeout        time.Duration
	JitterBufferTarget   time.Duration
	RenegotiateAttempts  int
	RenegotiateBaseDelay time.Duration
}

func (c *Config) applyDefaults() {
	if c.GatherTimeout <= 0 {
		c.GatherTimeout = 10 * time.Second
	}
	if c.JitterBufferTarget <= 0 {
		c.JitterBufferTarget = 200 * time.Millisecond
	}
	if c.RenegotiateAttempts <= 0 {
		c.RenegotiateAttempts = 3
	}
	if c.RenegotiateBaseDelay <= 0 {
		c.RenegotiateBaseDelay = 500 * time.Millisecond
	}
}

// Negotiator owns one peer connection to the end user. When a relay
// credential is present the ICE policy is forced to relay so negotiation
// never wastes time probing direct paths that the deployment blocks.
type Negotiator struct {
	cfg     Config
	pc      *webrtc.PeerConnection
	events  chan Event
	log     *zap.Logger
	metrics *observability.Metrics
	stages  *observability.StageWindow

	mu   sync.Mutex
	cred *credentials.RelayCredential

	// OnLocalOffer receives the ICE-restart offer produced during
	// renegotiation, to be relayed to the client out of band.
	OnLocalOffer func(sdp string)

	// OnAudioFrame receives in-order audio payloads from the user's track,
	// after jitter-buffer reordering. Set before HandleOffer.
	OnAudioFrame func(payload []byte)
}

// ICEConfiguration builds the peer connection configuration for a credential.
// A nil credential yields an unrestricted policy for local development.
func ICEConfiguration(cred *credentials.RelayCredential) webrtc.Configuration {
	if cred == nil {
		return webrtc.Configuration{ICETransportPolicy: webrtc.ICETransportPolicyAll}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{
			URLs:       cred.URLs,
			Username:   cred.Username,
			Credential: cred.Token,
		}},
		ICETransportPolicy: webrtc.ICETransportPolicyRelay,
	}
}

func NewNegotiator(cfg Config, cred *credentials.RelayCredential, log *zap.Logger, metrics *observability.Metrics, stages *observability.StageWindow) (*Negotiator, error) {
	cfg.applyDefaults()

	media := &webrtc.MediaEngine{}
	if err := media.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(media))

	pc, err := api.NewPeerConnection(ICEConfiguration(cred))
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	}); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("add audio transceiver: %w", err)
	}

	n := &Negotiator{
		cfg:     cfg,
		pc:      pc,
		events:  make(chan Event, 8),
		log:     log,
		metrics: metrics,
		stages:  stages,
		cred:    cred,
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		go n.readTrack(track)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		n.countState(state.String())
		switch state {
		case webrtc.PeerConnectionStateConnected:
			n.emit(Event{Kind: EventConnected})
		case webrtc.PeerConnectionStateDisconnected:
			n.emit(Event{Kind: EventDegraded, Detail: "peer connection disconnected"})
		case webrtc.PeerConnectionStateFailed:
			n.emit(Event{Kind: EventFailed, Detail: "peer connection failed"})
		}
	})

	return n, nil
}

// Events delivers transport state changes to the session loop.
func (n *Negotiator) Events() <-chan Event {
	return n.events
}

// JitterCapacity converts the configured buffer target into a packet count,
// assuming 20ms audio frames.
func (n *Negotiator) JitterCapacity() int {
	frames := int(n.cfg.JitterBufferTarget / (20 * time.Millisecond))
	if frames < 1 {
		frames = 1
	}
	return frames
}

// readTrack drains the remote audio track through the jitter buffer until
// the track ends, delivering payloads in sequence order.
func (n *Negotiator) readTrack(track *webrtc.TrackRemote) {
	buf := NewJitterBuffer(n.JitterCapacity())
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			for _, p := range buf.Flush() {
				n.deliverFrame(p.Payload)
			}
			return
		}
		for _, p := range buf.Push(AudioPacket{Seq: pkt.SequenceNumber, Payload: pkt.Payload}) {
			n.deliverFrame(p.Payload)
		}
	}
}

func (n *Negotiator) deliverFrame(payload []byte) {
	if n.OnAudioFrame != nil {
		n.OnAudioFrame(payload)
	}
}

// HandleOffer performs the non-trickle offer/answer exchange: the answer is
// returned only after candidate gathering completes, so the client receives
// a complete SDP. Gathering gets one extra timeout window before failing
// with ErrCandidateGathering.
func (n *Negotiator) HandleOffer(ctx context.Context, offerSDP string) (string, error) {
	start := time.Now()

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := n.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("set remote offer: %w", err)
	}

	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}

	gathered := webrtc.GatheringCompletePromise(n.pc)
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local answer: %w", err)
	}

	// First window plus one retry window before the fatal error.
	for attempt := 0; attempt < 2; attempt++ {
		timer := time.NewTimer(n.cfg.GatherTimeout)
		select {
		case <-gathered:
			timer.Stop()
			local := n.pc.LocalDescription()
			if local == nil {
				return "", ErrCandidateGathering
			}
			n.stages.Observe(observability.StageOfferToAnswer, time.Since(start))
			return local.SDP, nil
		case <-timer.C:
			if attempt == 0 {
				n.log.Warn("candidate gathering slow, extending wait",
					zap.Duration("timeout", n.cfg.GatherTimeout))
			}
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		}
	}
	return "", ErrCandidateGathering
}

// AddRemoteCandidate applies a trickled ICE candidate from the client.
func (n *Negotiator) AddRemoteCandidate(candidate, mid string, mlineIndex uint16) error {
	init := webrtc.ICECandidateInit{
		Candidate:     candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &mlineIndex,
	}
	if err := n.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add remote candidate: %w", err)
	}
	return nil
}

// UpdateCredential stores a refreshed relay credential. It takes effect at
// the next renegotiation; the live ICE session keeps its current allocation.
func (n *Negotiator) UpdateCredential(cred *credentials.RelayCredential) {
	n.mu.Lock()
	n.cred = cred
	n.mu.Unlock()
}

// Renegotiate attempts ICE restarts with backoff after the transport
// degraded. Each attempt produces a restart offer delivered via OnLocalOffer.
// Exhaustion returns ErrDegraded and the session should surface a fatal
// transport error.
func (n *Negotiator) Renegotiate(ctx context.Context) error {
	n.mu.Lock()
	cred := n.cred
	n.mu.Unlock()
	if cred != nil {
		if err := n.pc.SetConfiguration(ICEConfiguration(cred)); err != nil {
			// Not fatal: restart proceeds with the previous servers.
			n.log.Warn("could not apply refreshed relay credential", zap.Error(err))
		}
	}

	for attempt := 0; attempt < n.cfg.RenegotiateAttempts; attempt++ {
		if attempt > 0 {
			delay := reliability.ExponentialBackoff(attempt-1, n.cfg.RenegotiateBaseDelay, 8*time.Second)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		offer, err := n.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
		if err != nil {
			n.log.Warn("ice restart offer failed", zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}
		if err := n.pc.SetLocalDescription(offer); err != nil {
			n.log.Warn("ice restart local description failed", zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}
		if n.OnLocalOffer != nil {
			n.OnLocalOffer(offer.SDP)
		}

		// Wait one backoff window for recovery before the next restart.
		wait := reliability.ExponentialBackoff(attempt, n.cfg.RenegotiateBaseDelay, 8*time.Second)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if n.pc.ConnectionState() == webrtc.PeerConnectionStateConnected {
			return nil
		}
	}
	return ErrDegraded
}

// Close releases the peer connection.
func (n *Negotiator) Close() error {
	return n.pc.Close()
}

func (n *Negotiator) emit(ev Event) {
	select {
	case n.events <- ev:
	default:
		// The session loop has fallen behind; drop the oldest event so the
		// newest state wins.
		select {
		case <-n.events:
		default:
		}
		select {
		case n.events <- ev:
		default:
		}
	}
}

func (n *Negotiator) countState(state string) {
	if n.metrics != nil {
		n.metrics.TransportStates.WithLabelValues(state).Inc()
	}
}
