package credentials

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/opencontextgraph/voicebridge/internal/observability"
)

// Acquirer fetches a fresh relay credential.
type Acquirer interface {
	Acquire(ctx context.Context) (*RelayCredential, error)
}

// Update is published by the refresher. Credential is nil only when the
// active credential expired before a replacement could be fetched; the
// session should treat that as a transport fault and reconnect.
type Update struct {
	Credential *RelayCredential
	Err        error
}

// Refresher keeps a valid relay credential available for the lifetime of a
// session by re-acquiring before expiry instead of reacting to transport
// failures.
type Refresher struct {
	acquirer Acquirer
	margin   float64
	retryGap time.Duration
	log      *zap.Logger
	metrics  *observability.Metrics
	updates  chan Update

	// now is swapped in tests.
	now func() time.Time
}

func NewRefresher(acquirer Acquirer, margin float64, log *zap.Logger, metrics *observability.Metrics) *Refresher {
	if margin <= 0 || margin >= 1 {
		margin = 0.2
	}
	return &Refresher{
		acquirer: acquirer,
		margin:   margin,
		retryGap: 2 * time.Second,
		log:      log,
		metrics:  metrics,
		updates:  make(chan Update, 1),
	}
}

// Updates delivers fresh credentials and expiry faults. The channel has a
// buffer of one; a slow consumer only ever misses intermediate credentials,
// never the latest.
func (r *Refresher) Updates() <-chan Update {
	return r.updates
}

// Run acquires the initial credential and then renews it ahead of expiry
// until the context ends. The renewal point is expiry minus a safety margin
// (a fraction of the TTL) so renegotiation never races the deadline.
func (r *Refresher) Run(ctx context.Context) error {
	cred, err := r.acquirer.Acquire(ctx)
	if err != nil {
		r.countRefresh("failure")
		r.publish(ctx, Update{Err: err})
		return err
	}
	r.countRefresh("success")
	r.publish(ctx, Update{Credential: cred})

	for {
		wait := r.untilRefresh(cred)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		next, err := r.acquirer.Acquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.countRefresh("failure")
			if cred.Expired(r.clock()) {
				// Nothing valid left; the session has to reconnect.
				r.log.Warn("relay credential expired without replacement",
					zap.Error(err))
				r.publish(ctx, Update{Err: err})
			} else {
				r.log.Warn("relay credential refresh failed, retrying before expiry",
					zap.Duration("remaining", cred.TTL(r.clock())),
					zap.Error(err))
			}
			// Keep trying on a short cadence while any validity remains.
			timer := time.NewTimer(r.retryGap)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			continue
		}

		r.countRefresh("success")
		cred = next
		r.publish(ctx, Update{Credential: cred})
	}
}

// untilRefresh computes how long to wait before renewing: 80% of the
// remaining TTL with a 20% margin. Already-expired credentials renew
// immediately.
func (r *Refresher) untilRefresh(cred *RelayCredential) time.Duration {
	ttl := cred.TTL(r.clock())
	if ttl <= 0 {
		return 0
	}
	return time.Duration(float64(ttl) * (1 - r.margin))
}

// publish replaces a stale pending update so the consumer always sees the
// newest credential.
func (r *Refresher) publish(ctx context.Context, u Update) {
	for {
		select {
		case r.updates <- u:
			return
		case <-ctx.Done():
			return
		default:
			select {
			case <-r.updates:
			default:
			}
		}
	}
}

func (r *Refresher) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now().UTC()
}

func (r *Refresher) countRefresh(outcome string) {
	if r.metrics != nil {
		r.metrics.CredentialRefresh.WithLabelValues(outcome).Inc()
	}
}
