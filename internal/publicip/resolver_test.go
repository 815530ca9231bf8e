package publicip

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStaticAddressSkipsLookup(t *testing.T) {
	var calls int32
	r := NewWithLookup(Options{Static: "203.0.113.7"}, func(ctx context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "198.51.100.1", nil
	})

	assert.Equal(t, "203.0.113.7", r.Get(context.Background()))
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestCachesWithinTTL(t *testing.T) {
	var calls int32
	r := NewWithLookup(Options{TTL: time.Hour}, func(ctx context.Context) (string, error) {
		n := atomic.AddInt32(&calls, 1)
		return fmt.Sprintf("198.51.100.%d", n), nil
	})

	assert.Equal(t, "198.51.100.1", r.Get(context.Background()))
	assert.Equal(t, "198.51.100.1", r.Get(context.Background()))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestRefreshesAfterTTL(t *testing.T) {
	var calls int32
	r := NewWithLookup(Options{TTL: time.Minute}, func(ctx context.Context) (string, error) {
		n := atomic.AddInt32(&calls, 1)
		return fmt.Sprintf("198.51.100.%d", n), nil
	})
	now := time.Now()
	r.now = func() time.Time { return now }

	assert.Equal(t, "198.51.100.1", r.Get(context.Background()))
	now = now.Add(2 * time.Minute)
	assert.Equal(t, "198.51.100.2", r.Get(context.Background()))
}

func TestFailureKeepsLastKnownAddress(t *testing.T) {
	fail := false
	r := NewWithLookup(Options{TTL: time.Minute}, func(ctx context.Context) (string, error) {
		if fail {
			return "", errors.New("network down")
		}
		return "198.51.100.9", nil
	})
	now := time.Now()
	r.now = func() time.Time { return now }

	assert.Equal(t, "198.51.100.9", r.Get(context.Background()))
	fail = true
	now = now.Add(time.Hour)
	assert.Equal(t, "198.51.100.9", r.Get(context.Background()))
}

func TestFailureWithoutHistoryReturnsEmpty(t *testing.T) {
	r := NewWithLookup(Options{}, func(ctx context.Context) (string, error) {
		return "", errors.New("network down")
	})
	assert.Equal(t, "", r.Get(context.Background()))
}

func TestSlowLookupIsBoundedByTimeout(t *testing.T) {
	r := NewWithLookup(Options{Timeout: 50 * time.Millisecond}, func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})

	start := time.Now()
	assert.Equal(t, "", r.Get(context.Background()))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestConcurrentGetsShareOneLookup(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	r := NewWithLookup(Options{TTL: time.Hour, Timeout: 5 * time.Second}, func(ctx context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "198.51.100.3", nil
	})

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.Get(context.Background())
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	for _, got := range results {
		assert.Equal(t, "198.51.100.3", got)
	}
}

func TestHTTPLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "192.0.2.44")
	}))
	defer srv.Close()

	r := New(Options{URL: srv.URL})
	assert.Equal(t, "192.0.2.44", r.Get(context.Background()))
}

func TestHTTPLookupRejectsGarbage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>rate limited</html>")
	}))
	defer srv.Close()

	r := New(Options{URL: srv.URL})
	assert.Equal(t, "", r.Get(context.Background()))
}

func TestFailureBacksOff(t *testing.T) {
	var calls int32
	r := NewWithLookup(Options{TTL: time.Hour}, func(ctx context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "", errors.New("network down")
	})
	now := time.Now()
	r.now = func() time.Time { return now }

	r.Get(context.Background())
	r.Get(context.Background())
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	now = now.Add(failureBackoff + time.Second)
	r.Get(context.Background())
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}
