package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/opencontextgraph/voicebridge/internal/config"
	"github.com/opencontextgraph/voicebridge/internal/credentials"
	"github.com/opencontextgraph/voicebridge/internal/httpapi"
	"github.com/opencontextgraph/voicebridge/internal/observability"
	"github.com/opencontextgraph/voicebridge/internal/persist"
	"github.com/opencontextgraph/voicebridge/internal/reliability"
	"github.com/opencontextgraph/voicebridge/internal/session"
	"github.com/opencontextgraph/voicebridge/internal/toolcall"
)

// App is the assembled bridge service.
type App struct {
	Config     config.Config
	Log        *zap.Logger
	Metrics    *observability.Metrics
	Stages     *observability.StageWindow
	Sessions   *session.Manager
	Store      persist.TurnStore
	Sink       *persist.Sink
	Controller *Controller
	HTTP       *httpapi.Server
}

// Build wires the service: metrics, turn store, persistence sink, tool
// dispatcher, session registry, controller and HTTP surface. The sink and
// janitor are started by Start, not here.
func Build(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	stages := observability.NewStageWindow(256)

	store, err := buildStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	persistRetry := reliability.DefaultRetryPolicy()
	persistRetry.MaxAttempts = cfg.PersistMaxAttempts
	sink := persist.NewSink(store, persist.SinkConfig{
		Workers:       cfg.PersistWorkers,
		BatchSize:     cfg.PersistBatchSize,
		FlushInterval: cfg.PersistFlushInterval,
		Retry:         persistRetry,
	}, log, metrics, stages)

	invoker := toolcall.NewHTTPClient(cfg.ToolServerURL)
	dispatcher := toolcall.NewDispatcher(invoker, cfg.ToolCallTimeout, log, metrics, stages)

	credRetry := reliability.DefaultRetryPolicy()
	credRetry.MaxAttempts = cfg.CredentialMaxAttempts
	creds := credentials.NewClient(cfg.CredentialEndpoint, cfg.VoiceAPIKey, credRetry, cfg.CredentialDefaultTTL)

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	controller := NewController(ctx, cfg, sessions, sink, creds, invoker, dispatcher, log, metrics, stages)

	return &App{
		Config:     cfg,
		Log:        log,
		Metrics:    metrics,
		Stages:     stages,
		Sessions:   sessions,
		Store:      store,
		Sink:       sink,
		Controller: controller,
		HTTP:       httpapi.New(cfg, sessions, controller, metrics, stages),
	}, nil
}

// Start launches the background workers: the persistence sink pool and the
// session janitor. Both stop when ctx ends.
func (a *App) Start(ctx context.Context) {
	go func() {
		if err := a.Sink.Run(ctx); err != nil && ctx.Err() == nil {
			a.Log.Error("persistence sink stopped", zap.Error(err))
		}
	}()
	a.Sessions.StartJanitor(ctx, 5*time.Second)
}

// Close releases the turn store.
func (a *App) Close() {
	if err := a.Store.Close(); err != nil {
		a.Log.Warn("turn store close", zap.Error(err))
	}
}

// buildStore picks the turn store for the configured mode. In auto mode
// postgres wins when DATABASE_URL is set, then the HTTP conversation store,
// then in-memory for local development.
func buildStore(ctx context.Context, cfg config.Config, log *zap.Logger) (persist.TurnStore, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.TurnStoreMode))
	if mode == "auto" {
		switch {
		case cfg.DatabaseURL != "":
			mode = "postgres"
		case cfg.ConversationStoreURL != "":
			mode = "http"
		default:
			mode = "memory"
		}
	}

	switch mode {
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("TURN_STORE_MODE=postgres requires DATABASE_URL")
		}
		store, err := persist.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres turn store: %w", err)
		}
		log.Info("turn store: postgres")
		return store, nil
	case "http":
		if cfg.ConversationStoreURL == "" {
			return nil, fmt.Errorf("TURN_STORE_MODE=http requires CONVERSATION_STORE_URL")
		}
		log.Info("turn store: http", zap.String("url", cfg.ConversationStoreURL))
		return persist.NewHTTPStore(cfg.ConversationStoreURL, cfg.VoiceAPIKey), nil
	case "memory":
		log.Warn("turn store: in-memory, conversation history is not durable")
		return persist.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("invalid turn store mode: %q", mode)
	}
}
