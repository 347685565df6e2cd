package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/opencontextgraph/voicebridge/internal/reliability"
)

// ErrUnavailable is returned when the credential endpoint could not produce
// a usable credential within the bounded retry budget. Callers must not
// fall back to unauthenticated transport.
var ErrUnavailable = errors.New("relay credentials unavailable")

// RelayCredential is a short-lived token for the media relay, together with
// the relay URLs it is valid for.
type RelayCredential struct {
	Token      string    `json:"token"`
	URLs       []string  `json:"urls"`
	Username   string    `json:"username"`
	ExpiresAt  time.Time `json:"expires_at"`
	TTLSeconds int       `json:"ttl_seconds"`
}

// TTL reports the remaining lifetime of the credential.
func (c *RelayCredential) TTL(now time.Time) time.Duration {
	return c.ExpiresAt.Sub(now)
}

// Expired reports whether the credential is no longer usable.
func (c *RelayCredential) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Client fetches relay credentials from the issuing endpoint.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	policy     reliability.RetryPolicy
	defaultTTL time.Duration
}

func NewClient(endpoint, apiKey string, policy reliability.RetryPolicy, defaultTTL time.Duration) *Client {
	if defaultTTL <= 0 {
		defaultTTL = 60 * time.Second
	}
	return &Client{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		policy:     policy,
		defaultTTL: defaultTTL,
	}
}

// Acquire fetches a fresh credential with bounded retry. Client errors from
// the endpoint (bad auth, bad request) abort immediately; transient errors
// are retried up to the policy budget. Exhaustion yields ErrUnavailable.
func (c *Client) Acquire(ctx context.Context) (*RelayCredential, error) {
	var cred *RelayCredential

	err := reliability.Retry(ctx, c.policy, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/relay/credentials", nil)
		if err != nil {
			return reliability.Permanent{Err: err}
		}
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("credential endpoint returned %d", resp.StatusCode)
			if !reliability.IsRetryableHTTPStatus(resp.StatusCode) {
				return reliability.Permanent{Err: err}
			}
			return err
		}

		var rc RelayCredential
		if err := json.NewDecoder(resp.Body).Decode(&rc); err != nil {
			return fmt.Errorf("decode credential response: %w", err)
		}
		if rc.Token == "" {
			return reliability.Permanent{Err: errors.New("credential response missing token")}
		}
		cred = &rc
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	c.fillExpiry(cred)
	return cred, nil
}

// fillExpiry normalises the expiry: some deployments return expires_at, some
// only ttl_seconds. With neither, assume the configured default TTL.
func (c *Client) fillExpiry(cred *RelayCredential) {
	if !cred.ExpiresAt.IsZero() {
		return
	}
	ttl := c.defaultTTL
	if cred.TTLSeconds > 0 {
		ttl = time.Duration(cred.TTLSeconds) * time.Second
	}
	cred.ExpiresAt = time.Now().UTC().Add(ttl)
}
