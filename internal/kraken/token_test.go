package kraken

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeTokenSource struct {
	mu    sync.Mutex
	calls int32
	next  WebSocketsToken
	err   error
	gate  chan struct{}
}

func (f *fakeTokenSource) GetWebSocketsToken(ctx context.Context) (WebSocketsToken, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.next, f.err
}

func TestTokenCacheSharesInFlightRefresh(t *testing.T) {
	src := &fakeTokenSource{
		next: WebSocketsToken{Token: "tok-1", ExpiresIn: 15 * time.Minute, IssuedAt: time.Now()},
		gate: make(chan struct{}),
	}
	cache := NewTokenCache(src, TokenCacheOptions{})

	const waiters = 8
	var wg sync.WaitGroup
	results := make([]string, waiters)
	errs := make([]error, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = cache.Token(context.Background())
		}(i)
	}
	// All waiters are parked on the single refresh before it completes.
	time.Sleep(50 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	for i := 0; i < waiters; i++ {
		if errs[i] != nil {
			t.Fatalf("waiter %d: %v", i, errs[i])
		}
		if results[i] != "tok-1" {
			t.Fatalf("waiter %d token = %q", i, results[i])
		}
	}
	if n := atomic.LoadInt32(&src.calls); n != 1 {
		t.Fatalf("refresh calls = %d, want 1", n)
	}
}

func TestTokenCacheReusesFreshToken(t *testing.T) {
	now := time.Unix(1700000000, 0)
	src := &fakeTokenSource{
		next: WebSocketsToken{Token: "tok-1", ExpiresIn: 15 * time.Minute, IssuedAt: now},
	}
	cache := NewTokenCache(src, TokenCacheOptions{
		Margin: time.Minute,
		Now:    func() time.Time { return now },
	})
	for i := 0; i < 3; i++ {
		tok, err := cache.Token(context.Background())
		if err != nil {
			t.Fatalf("token: %v", err)
		}
		if tok != "tok-1" {
			t.Fatalf("token = %q", tok)
		}
	}
	if n := atomic.LoadInt32(&src.calls); n != 1 {
		t.Fatalf("refresh calls = %d, want 1", n)
	}
}

func TestTokenCacheRefreshesInsideMargin(t *testing.T) {
	issued := time.Unix(1700000000, 0)
	current := issued
	src := &fakeTokenSource{
		next: WebSocketsToken{Token: "tok-1", ExpiresIn: 15 * time.Minute, IssuedAt: issued},
	}
	cache := NewTokenCache(src, TokenCacheOptions{
		Margin: time.Minute,
		Now:    func() time.Time { return current },
	})
	if _, err := cache.Token(context.Background()); err != nil {
		t.Fatalf("token: %v", err)
	}

	// 14m30s in: inside the one minute margin of the 15m lifetime.
	current = issued.Add(14*time.Minute + 30*time.Second)
	src.mu.Lock()
	src.next = WebSocketsToken{Token: "tok-2", ExpiresIn: 15 * time.Minute, IssuedAt: current}
	src.mu.Unlock()

	tok, err := cache.Token(context.Background())
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if tok != "tok-2" {
		t.Fatalf("token = %q, want refreshed tok-2", tok)
	}
	if n := atomic.LoadInt32(&src.calls); n != 2 {
		t.Fatalf("refresh calls = %d, want 2", n)
	}
}

func TestTokenCacheInvalidateForcesSingleRefresh(t *testing.T) {
	now := time.Unix(1700000000, 0)
	src := &fakeTokenSource{
		next: WebSocketsToken{Token: "tok-1", ExpiresIn: 15 * time.Minute, IssuedAt: now},
	}
	cache := NewTokenCache(src, TokenCacheOptions{
		Margin: time.Minute,
		Now:    func() time.Time { return now },
	})
	if _, err := cache.Token(context.Background()); err != nil {
		t.Fatalf("token: %v", err)
	}
	cache.Invalidate()
	src.mu.Lock()
	src.next = WebSocketsToken{Token: "tok-2", ExpiresIn: 15 * time.Minute, IssuedAt: now}
	src.mu.Unlock()

	tok, err := cache.Token(context.Background())
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if tok != "tok-2" {
		t.Fatalf("token = %q", tok)
	}
	if n := atomic.LoadInt32(&src.calls); n != 2 {
		t.Fatalf("refresh calls = %d, want 2", n)
	}
}

func TestTokenCacheRefreshErrorNotCached(t *testing.T) {
	now := time.Unix(1700000000, 0)
	src := &fakeTokenSource{err: errors.New("rest down")}
	cache := NewTokenCache(src, TokenCacheOptions{
		Margin: time.Minute,
		Now:    func() time.Time { return now },
	})
	if _, err := cache.Token(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	src.mu.Lock()
	src.err = nil
	src.next = WebSocketsToken{Token: "tok-1", ExpiresIn: 15 * time.Minute, IssuedAt: now}
	src.mu.Unlock()
	tok, err := cache.Token(context.Background())
	if err != nil {
		t.Fatalf("token after recovery: %v", err)
	}
	if tok != "tok-1" {
		t.Fatalf("token = %q", tok)
	}
}
