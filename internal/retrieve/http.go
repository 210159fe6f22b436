package retrieve

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/AIAleph/flowtrace/internal/metrics"
)

// Doer is the subset of *http.Client the ledger adapters use.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ProviderLabel reduces an endpoint to a host suitable for logs and metric
// labels; credentials and paths (which may carry API keys) are dropped.
func ProviderLabel(endpoint string) string {
	if endpoint == "" {
		return ""
	}
	if u, err := url.Parse(endpoint); err == nil {
		u.User = nil
		if u.Host != "" {
			return u.Host
		}
		if u.Scheme == "" {
			return endpoint
		}
		return u.String()
	}
	return endpoint
}

// StatusError maps a non-2xx HTTP status onto the fetcher error set.
// 429 becomes a RateLimitError honoring Retry-After, 400 an invalid address,
// 404 not found; everything else is treated as a transient outage.
func StatusError(resp *http.Response, body string) error {
	switch sc := resp.StatusCode; {
	case sc == http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())}
	case sc == http.StatusBadRequest:
		return fmt.Errorf("%w: http %d: %s", ErrInvalidAddress, sc, strings.TrimSpace(body))
	case sc == http.StatusNotFound:
		return fmt.Errorf("%w: http %d", ErrNotFound, sc)
	default:
		return fmt.Errorf("%w: http %d: %s", ErrUnavailable, sc, strings.TrimSpace(body))
	}
}

// TransportError wraps a failed round trip. Context errors pass through so
// the caller can tell a deadline from an outage.
func TransportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// ParseRetryAfter reads a Retry-After header given in seconds or as an HTTP
// date. Unparseable or past values yield zero.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// ObserveResponse counts one upstream response.
func ObserveResponse(provider string, code int) {
	metrics.Init()
	metrics.UpstreamResponses.WithLabelValues(provider, strconv.Itoa(code)).Inc()
}
