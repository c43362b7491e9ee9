package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func recordSleeps(c *Client) *[]time.Duration {
	var delays []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return &delays
}

func TestGet_SendsIdentityHeader(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><body>ok</body></html>"))
	}))
	defer srv.Close()

	c := &Client{UserAgent: "Example Corp ops@example.com", PerRequestTimeout: 2 * time.Second}
	body, ct, err := c.Get(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ct == "" || len(body) == 0 {
		t.Fatalf("expected content type and body")
	}
	if gotUA != "Example Corp ops@example.com" {
		t.Fatalf("expected identity header, got %q", gotUA)
	}
}

func TestGet_MissingIdentityFailsBeforeNetwork(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	c := &Client{}
	_, err := c.Fetch(context.Background(), srv.URL)
	if !errors.Is(err, ErrMissingIdentity) {
		t.Fatalf("expected ErrMissingIdentity, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("expected no request to be sent")
	}
}

func TestGet_NotFoundIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := &Client{UserAgent: "test ops@example.com", MaxAttempts: 4}
	delays := recordSleeps(c)
	_, err := c.Fetch(context.Background(), srv.URL)
	if err == nil {
		t.Fatalf("expected error for 404")
	}
	if IsTransient(err) {
		t.Fatalf("404 must be permanent: %v", err)
	}
	if StatusOf(err) != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", StatusOf(err))
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("expected exactly one request, got %d", n)
	}
	if len(*delays) != 0 {
		t.Fatalf("expected no backoff, got %v", *delays)
	}
}

func TestGet_ThrottledRetriesWithIncreasingDelayThenFails(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := &Client{UserAgent: "test ops@example.com", MaxAttempts: 4, BaseBackoff: 10 * time.Millisecond, MaxBackoff: time.Second}
	delays := recordSleeps(c)
	_, err := c.Fetch(context.Background(), srv.URL)
	if err == nil {
		t.Fatalf("expected failure after exhausting attempts")
	}
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FetchError, got %T", err)
	}
	if !fe.Transient || fe.Status != http.StatusTooManyRequests || fe.Attempts != 4 {
		t.Fatalf("unexpected error detail: %+v", fe)
	}
	if n := atomic.LoadInt32(&calls); n != 4 {
		t.Fatalf("expected 4 requests, got %d", n)
	}
	if len(*delays) != 3 {
		t.Fatalf("expected 3 backoff waits, got %v", *delays)
	}
	for i := 1; i < len(*delays); i++ {
		if (*delays)[i] <= (*delays)[i-1] {
			t.Fatalf("expected increasing delays, got %v", *delays)
		}
	}
}

func TestGet_RetryAfterHonored(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := &Client{UserAgent: "test ops@example.com", MaxAttempts: 2, BaseBackoff: 10 * time.Millisecond, MaxBackoff: 5 * time.Second}
	delays := recordSleeps(c)
	if _, err := c.Fetch(context.Background(), srv.URL); err != nil {
		t.Fatalf("expected success after retry, got %v", err)
	}
	if len(*delays) != 1 || (*delays)[0] != 2*time.Second {
		t.Fatalf("expected a single 2s wait, got %v", *delays)
	}
}

func TestGet_RetryOn5xx(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html>ok</html>"))
	}))
	defer srv.Close()

	c := &Client{UserAgent: "test ops@example.com", MaxAttempts: 2}
	recordSleeps(c)
	if _, err := c.Fetch(context.Background(), srv.URL); err != nil {
		t.Fatalf("expected success after retry, got %v", err)
	}
}

func TestGet_PerRequestDeadlineIsTransient(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		select {
		case <-r.Context().Done():
		case <-time.After(500 * time.Millisecond):
		}
	}))
	defer srv.Close()

	c := &Client{UserAgent: "test ops@example.com", MaxAttempts: 2, PerRequestTimeout: 50 * time.Millisecond}
	recordSleeps(c)
	_, err := c.Fetch(context.Background(), srv.URL)
	if !IsTransient(err) {
		t.Fatalf("expected transient timeout error, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("expected 2 attempts, got %d", n)
	}
}

func TestGet_RejectsNonHTTP(t *testing.T) {
	c := &Client{UserAgent: "test ops@example.com", MaxAttempts: 3}
	delays := recordSleeps(c)
	_, err := c.Fetch(context.Background(), "file:///etc/hosts")
	if err == nil || IsTransient(err) {
		t.Fatalf("expected permanent error for non-http scheme, got %v", err)
	}
	if len(*delays) != 0 {
		t.Fatalf("expected no retries")
	}
}

func TestGet_ContentTypeGating(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.7"))
	}))
	defer srv.Close()

	c := &Client{UserAgent: "test ops@example.com", MaxAttempts: 1}
	if _, err := c.Fetch(context.Background(), srv.URL); err == nil {
		t.Fatalf("expected error for unsupported content type")
	}
}

func TestGet_RedirectLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			http.Redirect(w, r, "/next", http.StatusFound)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := &Client{UserAgent: "test ops@example.com", MaxAttempts: 1, RedirectMaxHops: 1}
	if _, err := c.Fetch(context.Background(), srv.URL); err == nil {
		t.Fatalf("expected redirect limit error")
	}
}

func TestGate_SharedAcrossClients(t *testing.T) {
	var mu sync.Mutex
	var stamps []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		stamps = append(stamps, time.Now())
		mu.Unlock()
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	gate := NewGate(40 * time.Millisecond)
	a := &Client{UserAgent: "a ops@example.com", Gate: gate}
	b := &Client{UserAgent: "b ops@example.com", Gate: gate}

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		c := a
		if i%2 == 1 {
			c = b
		}
		go func(c *Client) {
			defer wg.Done()
			if _, err := c.Fetch(context.Background(), srv.URL); err != nil {
				t.Errorf("fetch: %v", err)
			}
		}(c)
	}
	wg.Wait()

	// Six requests through one gate need at least five intervals.
	if elapsed := time.Since(start); elapsed < 5*40*time.Millisecond {
		t.Fatalf("expected shared throttle to space requests, took %v", elapsed)
	}
	if len(stamps) != 6 {
		t.Fatalf("expected 6 requests, got %d", len(stamps))
	}
}

func TestGate_WaitHonorsCancellation(t *testing.T) {
	gate := NewGate(time.Hour)
	if err := gate.Wait(context.Background()); err != nil {
		t.Fatalf("first wait should pass: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := gate.Wait(ctx); err == nil {
		t.Fatalf("expected cancelled wait to fail")
	}
}
