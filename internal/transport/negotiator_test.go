package transport

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/opencontextgraph/voicebridge/internal/credentials"
)

func TestICEConfigurationForcesRelayWithCredential(t *testing.T) {
	cred := &credentials.RelayCredential{
		Token:    "tok",
		URLs:     []string{"turn:relay.example:3478"},
		Username: "u1",
	}
	cfg := ICEConfiguration(cred)
	if cfg.ICETransportPolicy != webrtc.ICETransportPolicyRelay {
		t.Fatalf("policy = %v, want relay", cfg.ICETransportPolicy)
	}
	if len(cfg.ICEServers) != 1 || cfg.ICEServers[0].Username != "u1" {
		t.Fatalf("servers = %+v", cfg.ICEServers)
	}
}

func TestICEConfigurationWithoutCredential(t *testing.T) {
	cfg := ICEConfiguration(nil)
	if cfg.ICETransportPolicy != webrtc.ICETransportPolicyAll {
		t.Fatalf("policy = %v, want all", cfg.ICETransportPolicy)
	}
	if len(cfg.ICEServers) != 0 {
		t.Fatalf("servers = %+v, want none", cfg.ICEServers)
	}
}

func TestJitterCapacity(t *testing.T) {
	n := &Negotiator{cfg: Config{JitterBufferTarget: 200 * time.Millisecond}}
	if got := n.JitterCapacity(); got != 10 {
		t.Fatalf("JitterCapacity() = %d, want 10 (200ms of 20ms frames)", got)
	}

	n = &Negotiator{cfg: Config{JitterBufferTarget: time.Millisecond}}
	if got := n.JitterCapacity(); got != 1 {
		t.Fatalf("JitterCapacity() = %d, want floor of 1", got)
	}
}

func TestHandleOfferProducesCompleteAnswer(t *testing.T) {
	n, err := NewNegotiator(Config{GatherTimeout: 5 * time.Second}, nil, zap.NewNop(), nil, nil)
	if err != nil {
		t.Fatalf("NewNegotiator() error = %v", err)
	}
	defer n.Close()

	// A plain pion peer stands in for the browser client.
	client, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("client peer: %v", err)
	}
	defer client.Close()
	if _, err := client.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio); err != nil {
		t.Fatalf("client transceiver: %v", err)
	}

	offer, err := client.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	gathered := webrtc.GatheringCompletePromise(client)
	if err := client.SetLocalDescription(offer); err != nil {
		t.Fatalf("set local offer: %v", err)
	}
	<-gathered

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	answer, err := n.HandleOffer(ctx, client.LocalDescription().SDP)
	if err != nil {
		t.Fatalf("HandleOffer() error = %v", err)
	}
	if !strings.Contains(answer, "m=audio") {
		t.Fatalf("answer missing audio section:\n%s", answer)
	}
}
