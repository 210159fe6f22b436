package retrieve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/AIAleph/flowtrace/internal/chain"
	"github.com/AIAleph/flowtrace/internal/logging"
	"github.com/AIAleph/flowtrace/internal/metrics"
)

const (
	DefaultMaxAttempts      = 3
	DefaultBackoff          = 100 * time.Millisecond
	DefaultRateLimitBackoff = time.Second
	DefaultMaxBackoff       = 10 * time.Second
	DefaultMaxPages         = 10
	DefaultCacheTTL         = 10 * time.Minute
	DefaultCacheSize        = 4096
)

// Options tune a Client. Zero values take the defaults above.
type Options struct {
	// MaxAttempts bounds calls per page, first try included.
	MaxAttempts int
	// Backoff is the base delay after a generic failure; it doubles per attempt.
	Backoff time.Duration
	// RateLimitBackoff is the base delay after a rate-limit response when the
	// server sent no Retry-After.
	RateLimitBackoff time.Duration
	MaxBackoff       time.Duration
	MaxPages         int
	// RateLimit is the fetcher request budget per second (0 = unlimited).
	RateLimit int
	CacheTTL  time.Duration
	CacheSize uint64
	// DisableCache turns the record cache off; coalescing stays on.
	DisableCache bool
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Backoff <= 0 {
		o.Backoff = DefaultBackoff
	}
	if o.RateLimitBackoff <= 0 {
		o.RateLimitBackoff = DefaultRateLimitBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	if o.MaxPages <= 0 {
		o.MaxPages = DefaultMaxPages
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = DefaultCacheTTL
	}
	if o.CacheSize == 0 {
		o.CacheSize = DefaultCacheSize
	}
	return o
}

type cached struct {
	records []chain.Record
	partial bool
}

// Client resolves address histories through a Fetcher. It is safe for
// concurrent use and may be shared by concurrent analyses; at most one fetch
// per address is in flight at any time.
type Client struct {
	f       Fetcher
	opts    Options
	limiter Limiter
	flight  singleflight.Group
	cache   *ttlcache.Cache[chain.Address, cached]
	log     *slog.Logger
	// sleep is a test seam for backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient wraps f with the retry, rate-limit, coalescing and cache policy in opts.
func NewClient(f Fetcher, opts Options) *Client {
	metrics.Init()
	opts = opts.withDefaults()
	c := &Client{
		f:       f,
		opts:    opts,
		limiter: NewLimiter(opts.RateLimit),
		log:     logging.Component("retrieve"),
		sleep:   sleepCtx,
	}
	if !opts.DisableCache {
		c.cache = ttlcache.New[chain.Address, cached](
			ttlcache.WithTTL[chain.Address, cached](opts.CacheTTL),
			ttlcache.WithCapacity[chain.Address, cached](opts.CacheSize),
			ttlcache.WithDisableTouchOnHit[chain.Address, cached](),
		)
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Resolve returns the full (page-capped) history of addr.
func (c *Client) Resolve(ctx context.Context, addr chain.Address) Result {
	if c.cache != nil {
		if item := c.cache.Get(addr); item != nil {
			metrics.CacheHits.Inc()
			v := item.Value()
			c.count(StatusResolved)
			return Result{Records: v.records, Status: StatusResolved, Partial: v.partial}
		}
		metrics.CacheMisses.Inc()
	}

	ch := c.flight.DoChan(string(addr.Chain())+":"+addr.String(), func() (interface{}, error) {
		// Detached from the first caller so a canceled run does not fail
		// other runs waiting on the same address.
		fctx := context.WithoutCancel(ctx)
		if dl, ok := ctx.Deadline(); ok {
			var cancel context.CancelFunc
			fctx, cancel = context.WithDeadline(fctx, dl)
			defer cancel()
		}
		records, partial, err := c.fetchAll(fctx, addr)
		if err != nil {
			return nil, err
		}
		v := cached{records: records, partial: partial}
		if c.cache != nil {
			c.cache.Set(addr, v, ttlcache.DefaultTTL)
		}
		return v, nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		c.count(StatusSkipped)
		return Result{Status: StatusSkipped, Err: ctx.Err()}
	case res = <-ch:
	}
	if res.Shared {
		metrics.CoalescedFetches.Inc()
	}
	if res.Err != nil {
		out := Result{Status: classify(ctx, res.Err), Err: res.Err}
		c.count(out.Status)
		c.log.Warn("fetch_failed", "address", addr.String(), "chain", string(addr.Chain()), "status", out.Status.String(), "error", res.Err.Error())
		return out
	}
	v := res.Val.(cached)
	c.count(StatusResolved)
	return Result{Records: v.records, Status: StatusResolved, Partial: v.partial}
}

func classify(ctx context.Context, err error) Status {
	switch {
	case ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return StatusSkipped
	case errors.Is(err, ErrInvalidAddress):
		return StatusInvalid
	default:
		return StatusUnavailable
	}
}

func (c *Client) count(s Status) {
	metrics.FetchTotal.WithLabelValues(s.String()).Inc()
}

// ResolveAll resolves one hop level with at most concurrency fetches in
// flight. It returns only after every address has an outcome, so callers
// merge results in their own order regardless of completion order.
func (c *Client) ResolveAll(ctx context.Context, addrs []chain.Address, concurrency int) map[chain.Address]Result {
	if concurrency <= 0 {
		concurrency = 1
	}
	results := make([]Result, len(addrs))
	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, a := range addrs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i] = Result{Status: StatusSkipped, Err: err}
				return nil
			}
			results[i] = c.Resolve(ctx, a)
			return nil
		})
	}
	_ = g.Wait()
	out := make(map[chain.Address]Result, len(addrs))
	for i, a := range addrs {
		out[a] = results[i]
	}
	return out
}

func (c *Client) fetchAll(ctx context.Context, addr chain.Address) ([]chain.Record, bool, error) {
	start := time.Now()
	var (
		out    []chain.Record
		cursor string
		pages  int
	)
	for {
		if pages >= c.opts.MaxPages {
			c.log.Info("fetch_page_cap", "address", addr.String(), "pages", pages, "records", len(out))
			return out, true, nil
		}
		p, err := c.fetchPage(ctx, addr, cursor)
		if err != nil {
			return nil, false, err
		}
		pages++
		out = append(out, p.Records...)
		if p.NextCursor == "" || p.NextCursor == cursor {
			break
		}
		cursor = p.NextCursor
	}
	c.log.Debug("fetch_done",
		"address", addr.String(),
		"chain", string(addr.Chain()),
		"pages", pages,
		"records", len(out),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return out, false, nil
}

func (c *Client) fetchPage(ctx context.Context, addr chain.Address, cursor string) (Page, error) {
	var lastErr error
	for attempt := 0; attempt < c.opts.MaxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return Page{}, err
		}
		metrics.FetchAttempts.Inc()
		p, err := c.f.Fetch(ctx, addr, cursor)
		switch {
		case err == nil:
			return p, nil
		case errors.Is(err, ErrNotFound):
			return Page{}, nil
		case errors.Is(err, ErrInvalidAddress):
			return Page{}, err
		case ctx.Err() != nil:
			return Page{}, ctx.Err()
		}
		lastErr = err
		if attempt == c.opts.MaxAttempts-1 {
			break
		}
		d := c.backoff(attempt, err)
		c.log.Debug("fetch_retry", "address", addr.String(), "attempt", attempt+1, "backoff_ms", d.Milliseconds(), "error", err.Error())
		if err := c.sleep(ctx, d); err != nil {
			return Page{}, err
		}
	}
	return Page{}, fmt.Errorf("%w: %s after %d attempts: %w", ErrDataUnavailable, addr, c.opts.MaxAttempts, lastErr)
}

// backoff picks the wait before attempt+1. Rate-limit responses use their
// own base (or the server hint) so they back off harder than generic failures.
func (c *Client) backoff(attempt int, err error) time.Duration {
	base := c.opts.Backoff
	cause := "failure"
	if errors.Is(err, ErrRateLimited) {
		cause = "rate_limited"
		base = c.opts.RateLimitBackoff
		var rl *RateLimitError
		if errors.As(err, &rl) && rl.RetryAfter > 0 {
			metrics.FetchBackoffs.WithLabelValues(cause).Inc()
			return min(rl.RetryAfter, c.opts.MaxBackoff)
		}
	}
	metrics.FetchBackoffs.WithLabelValues(cause).Inc()
	d := base << attempt
	if d <= 0 || d > c.opts.MaxBackoff {
		d = c.opts.MaxBackoff
	}
	return d
}
