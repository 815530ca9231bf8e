// Package publicip resolves the host's public address for status listings.
//
// The lookup goes to an external service and takes a few hundred milliseconds,
// so results are cached process-wide and refreshed at most once per TTL.
// Concurrent refreshes collapse into one request. A failed lookup never fails
// the caller: the last known address (or "") is returned instead.
package publicip

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultURL returns the caller's address as plain text.
const DefaultURL = "https://ipinfo.io/ip"

// LookupFunc fetches the public address. It is swappable for tests.
type LookupFunc func(ctx context.Context) (string, error)

// Resolver caches the public address.
type Resolver struct {
	static  string
	lookup  LookupFunc
	ttl     time.Duration
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time

	flight singleflight.Group

	mu        sync.RWMutex
	address   string
	fetchedAt time.Time
	retryAt   time.Time // after a failure, no new lookup before this
}

// failureBackoff caps how long a failed lookup suppresses new attempts.
const failureBackoff = 30 * time.Second

// Options configure a Resolver.
type Options struct {
	Static  string        // when set, returned verbatim and no lookup is made
	URL     string        // lookup endpoint, DefaultURL when empty
	TTL     time.Duration // cache lifetime, 10m when zero
	Timeout time.Duration // per-lookup bound, 1.5s when zero
	Logger  *slog.Logger
}

// New creates a Resolver doing HTTP lookups against opts.URL.
func New(opts Options) *Resolver {
	if opts.URL == "" {
		opts.URL = DefaultURL
	}
	client := &http.Client{}
	url := opts.URL
	return NewWithLookup(opts, func(ctx context.Context) (string, error) {
		return httpLookup(ctx, client, url)
	})
}

// NewWithLookup creates a Resolver with a custom lookup function (for testing).
func NewWithLookup(opts Options, lookup LookupFunc) *Resolver {
	if opts.TTL <= 0 {
		opts.TTL = 10 * time.Minute
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 1500 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Resolver{
		static:  opts.Static,
		lookup:  lookup,
		ttl:     opts.TTL,
		timeout: opts.Timeout,
		logger:  opts.Logger,
		now:     time.Now,
	}
}

// Get returns the cached address, refreshing it first when stale. The wait is
// bounded by the lookup timeout and by ctx.
func (r *Resolver) Get(ctx context.Context) string {
	if r.static != "" {
		return r.static
	}

	now := r.now()
	r.mu.RLock()
	addr := r.address
	fresh := (!r.fetchedAt.IsZero() && now.Sub(r.fetchedAt) < r.ttl) || now.Before(r.retryAt)
	r.mu.RUnlock()
	if fresh {
		return addr
	}

	ch := r.flight.DoChan("refresh", func() (interface{}, error) {
		return r.refresh(), nil
	})
	select {
	case res := <-ch:
		return res.Val.(string)
	case <-ctx.Done():
		return addr
	}
}

// Warm refreshes the address now and then once per TTL until ctx is done.
func (r *Resolver) Warm(ctx context.Context) {
	if r.static != "" {
		return
	}
	r.flight.Do("refresh", func() (interface{}, error) { return r.refresh(), nil })

	ticker := time.NewTicker(r.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.flight.Do("refresh", func() (interface{}, error) { return r.refresh(), nil })
		}
	}
}

// refresh performs one lookup with its own timeout, detached from any single
// request, and returns the address to use.
func (r *Resolver) refresh() string {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	addr, err := r.lookup(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.logger.Warn("public address lookup failed", "err", err)
		r.retryAt = r.now().Add(min(r.ttl, failureBackoff))
		return r.address
	}
	r.address = addr
	r.fetchedAt = r.now()
	return addr
}

func httpLookup(ctx context.Context, client *http.Client, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("lookup %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", err
	}
	addr := strings.TrimSpace(string(body))
	if net.ParseIP(addr) == nil {
		return "", fmt.Errorf("lookup %s: not an IP address: %q", url, addr)
	}
	return addr, nil
}
