package persist

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/opencontextgraph/voicebridge/internal/observability"
	"github.com/opencontextgraph/voicebridge/internal/policy"
	"github.com/opencontextgraph/voicebridge/internal/reliability"
)

// SinkConfig tunes the persistence pipeline.
type SinkConfig struct {
	Workers       int
	BatchSize     int
	FlushInterval time.Duration
	Buffer        int
	Retry         reliability.RetryPolicy
}

func (c *SinkConfig) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 2 * time.Second
	}
	if c.Buffer <= 0 {
		c.Buffer = 256
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = reliability.DefaultRetryPolicy()
	}
}

type flushJob struct {
	sessionID string
	turns     []Turn
}

// Sink accepts completed turns from every session and writes them to the
// turn store in batches. Persistence is strictly off the conversational
// path: a full buffer or a failing store never blocks a session loop, it
// only loses history.
type Sink struct {
	cfg     SinkConfig
	store   TurnStore
	log     *zap.Logger
	metrics *observability.Metrics
	stages  *observability.StageWindow

	input   chan Turn
	flushes chan string
}

func NewSink(store TurnStore, cfg SinkConfig, log *zap.Logger, metrics *observability.Metrics, stages *observability.StageWindow) *Sink {
	cfg.applyDefaults()
	return &Sink{
		cfg:     cfg,
		store:   store,
		log:     log,
		metrics: metrics,
		stages:  stages,
		input:   make(chan Turn, cfg.Buffer),
		flushes: make(chan string, 16),
	}
}

// Append enqueues a turn after redaction. It never blocks; when the buffer
// is full the turn is dropped and counted.
func (s *Sink) Append(t Turn) {
	redacted, changed := policy.RedactTranscript(t.Content)
	t.Content = redacted
	t.PIIRedacted = changed
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	select {
	case s.input <- t:
	default:
		s.countDrop(1)
		s.log.Warn("persistence buffer full, dropping turn",
			zap.String("session_id", t.SessionID),
			zap.Int("seq", t.Seq))
	}
}

// FlushSession asks the collector to flush a session's pending turns ahead
// of the interval, typically at session close.
func (s *Sink) FlushSession(sessionID string) {
	select {
	case s.flushes <- sessionID:
	default:
	}
}

// Run operates the collector and worker pool until the context ends.
// In-flight batches are abandoned on shutdown, not awaited.
func (s *Sink) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	jobs := make(chan flushJob)

	for i := 0; i < s.cfg.Workers; i++ {
		g.Go(func() error {
			return s.worker(ctx, jobs)
		})
	}
	g.Go(func() error {
		return s.collect(ctx, jobs)
	})
	return g.Wait()
}

// collect groups incoming turns per session and emits flush jobs when a
// batch fills or the interval elapses.
func (s *Sink) collect(ctx context.Context, jobs chan<- flushJob) error {
	pending := make(map[string][]Turn)
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	dispatch := func(sessionID string) error {
		turns := pending[sessionID]
		if len(turns) == 0 {
			return nil
		}
		delete(pending, sessionID)
		select {
		case jobs <- flushJob{sessionID: sessionID, turns: turns}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-s.input:
			pending[t.SessionID] = append(pending[t.SessionID], t)
			if len(pending[t.SessionID]) >= s.cfg.BatchSize {
				if err := dispatch(t.SessionID); err != nil {
					return err
				}
			}
		case sessionID := <-s.flushes:
			if err := dispatch(sessionID); err != nil {
				return err
			}
		case <-ticker.C:
			for sessionID := range pending {
				if err := dispatch(sessionID); err != nil {
					return err
				}
			}
		}
	}
}

func (s *Sink) worker(ctx context.Context, jobs <-chan flushJob) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job := <-jobs:
			s.flush(ctx, job)
		}
	}
}

func (s *Sink) flush(ctx context.Context, job flushJob) {
	start := time.Now()
	err := reliability.Retry(ctx, s.cfg.Retry, func(ctx context.Context) error {
		return s.store.AppendTurns(ctx, job.sessionID, job.turns)
	})
	s.stages.Observe(observability.StagePersistFlush, time.Since(start))

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		// Retries exhausted: the batch is gone. The conversation continues;
		// durable history takes the loss.
		s.countFlush("dropped")
		s.countDrop(len(job.turns))
		s.log.Error("dropping turn batch after persistence retries",
			zap.String("session_id", job.sessionID),
			zap.Int("turns", len(job.turns)),
			zap.Error(err))
		return
	}
	s.countFlush("ok")
}

func (s *Sink) countFlush(outcome string) {
	if s.metrics != nil {
		s.metrics.PersistFlushes.WithLabelValues(outcome).Inc()
	}
}

func (s *Sink) countDrop(n int) {
	if s.metrics != nil {
		s.metrics.PersistDroppedTurn.Add(float64(n))
	}
}
