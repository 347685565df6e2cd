package credentials

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeAcquirer struct {
	mu    sync.Mutex
	ttl   time.Duration
	errs  []error
	calls int
}

func (f *fakeAcquirer) Acquire(ctx context.Context) (*RelayCredential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &RelayCredential{
		Token:     "tok",
		ExpiresAt: time.Now().UTC().Add(f.ttl),
	}, nil
}

func (f *fakeAcquirer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestRefresherRenewsBeforeExpiry(t *testing.T) {
	fa := &fakeAcquirer{ttl: 50 * time.Millisecond}
	r := NewRefresher(fa, 0.2, zap.NewNop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	select {
	case u := <-r.Updates():
		if u.Err != nil || u.Credential == nil {
			t.Fatalf("first update = %+v", u)
		}
	case <-time.After(time.Second):
		t.Fatalf("no initial credential")
	}

	// Renewal fires at ~80% of the 50ms TTL, well before expiry.
	select {
	case u := <-r.Updates():
		if u.Err != nil || u.Credential == nil {
			t.Fatalf("renewal update = %+v", u)
		}
		if time.Now().UTC().After(u.Credential.ExpiresAt) {
			t.Fatalf("renewed credential already expired")
		}
	case <-time.After(time.Second):
		t.Fatalf("no renewal before expiry")
	}

	if fa.callCount() < 2 {
		t.Fatalf("calls = %d, want at least 2", fa.callCount())
	}
}

func TestRefresherReportsExpiryWithoutReplacement(t *testing.T) {
	fa := &fakeAcquirer{
		ttl: 20 * time.Millisecond,
		// Initial acquire succeeds, every renewal fails.
		errs: []error{nil, ErrUnavailable, ErrUnavailable, ErrUnavailable},
	}
	r := NewRefresher(fa, 0.2, zap.NewNop(), nil)
	r.retryGap = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	first := <-r.Updates()
	if first.Err != nil {
		t.Fatalf("first update = %+v", first)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case u := <-r.Updates():
			if u.Err != nil {
				if !errors.Is(u.Err, ErrUnavailable) {
					t.Fatalf("expiry update error = %v", u.Err)
				}
				return
			}
		case <-deadline:
			t.Fatalf("no expiry fault published")
		}
	}
}

func TestRefresherInitialFailurePropagates(t *testing.T) {
	fa := &fakeAcquirer{ttl: time.Minute, errs: []error{ErrUnavailable}}
	r := NewRefresher(fa, 0.2, zap.NewNop(), nil)

	err := r.Run(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Run() error = %v, want ErrUnavailable", err)
	}

	u := <-r.Updates()
	if u.Err == nil || u.Credential != nil {
		t.Fatalf("update = %+v, want error update", u)
	}
}
