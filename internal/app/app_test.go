package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/opencontextgraph/voicebridge/internal/config"
	"github.com/opencontextgraph/voicebridge/internal/persist"
	"github.com/opencontextgraph/voicebridge/internal/session"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// startVoiceStub runs an in-process voice service that accepts the signaling
// handshake and drains whatever the bridge sends.
func startVoiceStub(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func startToolStub(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tools" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"tools":[{"name":"lookup","description":"find a thing","fields":[{"name":"q","type":"string","required":true}]}]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// startCredentialStub issues short-lived relay credentials for the first
// okCalls requests and fails every request after that.
func startCredentialStub(t *testing.T, okCalls int) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		ok := calls <= okCalls
		mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token":"tok","username":"relay-user","urls":["turn:127.0.0.1:3478?transport=udp"],"ttl_seconds":1}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

var namespaceSeq int

// testConfig builds a config pointing at the stubs. Each call gets its own
// metrics namespace because promauto registers into the global registry.
func testConfig(t *testing.T) config.Config {
	t.Helper()
	namespaceSeq++
	return config.Config{
		MetricsNamespace:         fmt.Sprintf("voicebridge_apptest_%d", namespaceSeq),
		VoiceServiceURL:          "ws" + strings.TrimPrefix(startVoiceStub(t).URL, "http"),
		ToolServerURL:            startToolStub(t).URL,
		DefaultPersona:           "elena",
		TurnStoreMode:            "memory",
		FillerDelay:              400 * time.Millisecond,
		FillerPhrase:             "One moment.",
		SessionInactivityTimeout: time.Minute,
		ToolCallTimeout:          time.Second,
		VADThreshold:             0.6,
	}
}

func TestBuildStoreSelection(t *testing.T) {
	log := zap.NewNop()
	ctx := context.Background()

	store, err := buildStore(ctx, config.Config{TurnStoreMode: "memory"}, log)
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	if _, ok := store.(*persist.MemoryStore); !ok {
		t.Fatalf("store = %T, want MemoryStore", store)
	}

	store, err = buildStore(ctx, config.Config{TurnStoreMode: "auto"}, log)
	if err != nil {
		t.Fatalf("auto store: %v", err)
	}
	if _, ok := store.(*persist.MemoryStore); !ok {
		t.Fatalf("auto without urls = %T, want MemoryStore", store)
	}

	store, err = buildStore(ctx, config.Config{
		TurnStoreMode:        "auto",
		ConversationStoreURL: "https://history.example",
	}, log)
	if err != nil {
		t.Fatalf("auto http store: %v", err)
	}
	if _, ok := store.(*persist.HTTPStore); !ok {
		t.Fatalf("auto with store url = %T, want HTTPStore", store)
	}

	if _, err := buildStore(ctx, config.Config{TurnStoreMode: "http"}, log); err == nil {
		t.Fatalf("http mode without url should fail")
	}
	if _, err := buildStore(ctx, config.Config{TurnStoreMode: "postgres"}, log); err == nil {
		t.Fatalf("postgres mode without url should fail")
	}
}

func TestControllerStartAndEndSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := Build(ctx, testConfig(t), zap.NewNop())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer a.Close()
	a.Start(ctx)

	sess := a.Sessions.Create("u1", "elena", "alloy")
	if err := a.Controller.StartSession(sess); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}

	waitForState(t, a.Sessions, sess.ID, session.StateActive)

	if err := a.Controller.EndSession(sess.ID); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	waitForState(t, a.Sessions, sess.ID, session.StateTerminated)

	// The runner has been torn down; media negotiation must now fail.
	if _, err := a.Controller.HandleOffer(ctx, sess.ID, "v=0"); !errors.Is(err, errSessionNotRunning) {
		t.Fatalf("HandleOffer() after end = %v, want errSessionNotRunning", err)
	}
}

func TestSessionEndsWhenRelayCredentialExpiresUnreplaced(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig(t)
	// Two issuances: the session's initial fetch plus the refresher's. Every
	// renewal after that fails, so the credential expires unreplaced.
	cfg.CredentialEndpoint = startCredentialStub(t, 2).URL
	cfg.CredentialMargin = 0.2
	cfg.CredentialDefaultTTL = time.Second
	cfg.CredentialMaxAttempts = 1
	cfg.RenegotiateAttempts = 1
	cfg.RenegotiateBaseDelay = 5 * time.Millisecond

	a, err := Build(ctx, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer a.Close()
	a.Start(ctx)

	sess := a.Sessions.Create("u1", "elena", "alloy")
	if err := a.Controller.StartSession(sess); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	waitForState(t, a.Sessions, sess.ID, session.StateActive)

	// The expiry fault feeds the runner, renegotiation cannot recover on a
	// dead relay, and the session must tear down instead of staying active.
	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		s, err := a.Sessions.Get(sess.ID)
		if err == nil && s.State == session.StateTerminated {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	s, _ := a.Sessions.Get(sess.ID)
	t.Fatalf("session state = %+v, want terminated after credential expiry", s)
}

func TestControllerLoadsToolCatalogueOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := Build(ctx, testConfig(t), zap.NewNop())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer a.Close()

	if err := a.Controller.loadTools(ctx); err != nil {
		t.Fatalf("loadTools() error = %v", err)
	}
	if err := a.Controller.loadTools(ctx); err != nil {
		t.Fatalf("loadTools() second call error = %v", err)
	}
	if _, ok := a.Controller.toolIndex["lookup"]; !ok {
		t.Fatalf("toolIndex = %v, want lookup", a.Controller.toolIndex)
	}
}

func TestEndSessionUnknownID(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := Build(ctx, testConfig(t), zap.NewNop())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer a.Close()

	if err := a.Controller.EndSession("missing"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("EndSession() = %v, want ErrNotFound", err)
	}
}

func waitForState(t *testing.T, m *session.Manager, id string, want session.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s, err := m.Get(id)
		if err == nil && s.State == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	s, _ := m.Get(id)
	t.Fatalf("session state = %+v, want %s", s, want)
}
