package kraken

import (
	"context"
	"sync"
	"time"
)

// TokenSource issues fresh WebSocket tokens. *RESTClient satisfies it.
type TokenSource interface {
	GetWebSocketsToken(ctx context.Context) (WebSocketsToken, error)
}

// TokenCache hands out a cached token while it is still comfortably inside
// its validity window and refreshes it otherwise. Concurrent callers share a
// single in-flight refresh; a failed refresh is returned to every waiter and
// the next call starts a new one.
type TokenCache struct {
	source TokenSource
	margin time.Duration
	now    func() time.Time

	mu      sync.Mutex
	current WebSocketsToken
	valid   bool
	flight  *tokenFlight
}

type tokenFlight struct {
	done  chan struct{}
	token WebSocketsToken
	err   error
}

// TokenCacheOptions: Margin is subtracted from the venue-reported lifetime,
// so a token within Margin of expiry is treated as already stale.
type TokenCacheOptions struct {
	Margin time.Duration
	Now    func() time.Time
}

func NewTokenCache(source TokenSource, opts TokenCacheOptions) *TokenCache {
	if opts.Margin <= 0 {
		opts.Margin = 60 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &TokenCache{source: source, margin: opts.Margin, now: opts.Now}
}

func (c *TokenCache) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.valid && c.fresh(c.current) {
		tok := c.current.Token
		c.mu.Unlock()
		return tok, nil
	}
	if c.flight == nil {
		c.flight = &tokenFlight{done: make(chan struct{})}
		go c.refresh(c.flight)
	}
	fl := c.flight
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-fl.done:
	}
	if fl.err != nil {
		return "", fl.err
	}
	return fl.token.Token, nil
}

// Invalidate discards the cached token. The next Token call refreshes exactly
// once regardless of how many senders hit the auth rejection.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.valid = false
	c.mu.Unlock()
}

func (c *TokenCache) fresh(tok WebSocketsToken) bool {
	deadline := tok.IssuedAt.Add(tok.ExpiresIn - c.margin)
	return c.now().Before(deadline)
}

func (c *TokenCache) refresh(fl *tokenFlight) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	tok, err := c.source.GetWebSocketsToken(ctx)

	c.mu.Lock()
	if err == nil {
		c.current = tok
		c.valid = true
	}
	c.flight = nil
	c.mu.Unlock()

	fl.token = tok
	fl.err = err
	close(fl.done)
}
