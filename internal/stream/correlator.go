package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rjkroon/brackd/internal/kraken"
)

// ErrAckTimeout means the venue never answered a method call inside the ack
// window. The order may still exist; callers resolve by client id.
var ErrAckTimeout = errors.New("ack timeout")

// ErrSessionReset means the transport dropped while a call was pending.
var ErrSessionReset = errors.New("session reset")

type pendingCall struct {
	reqID  int64
	method string
	ch     chan kraken.Frame
}

// AckCorrelator routes inbound frames: method replies to the waiter that sent
// the request, channel events to their subscribed inlets. Replies match by
// req_id first and fall back to the oldest pending call for the same method
// when the venue echoes only the method name. Duplicate replies for already
// resolved ids are dropped.
type AckCorrelator struct {
	mu      sync.Mutex
	pending map[int64]*pendingCall
	order   []*pendingCall
	inlets  map[string]chan kraken.Frame
	nextID  int64
	timeout time.Duration
}

func NewAckCorrelator(ackTimeout time.Duration) *AckCorrelator {
	if ackTimeout <= 0 {
		ackTimeout = 12 * time.Second
	}
	return &AckCorrelator{
		pending: make(map[int64]*pendingCall),
		inlets:  make(map[string]chan kraken.Frame),
		timeout: ackTimeout,
	}
}

func (c *AckCorrelator) NextReqID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	return c.nextID
}

// Register creates the one-shot reply channel for a request about to be sent.
func (c *AckCorrelator) Register(reqID int64, method string) <-chan kraken.Frame {
	call := &pendingCall{reqID: reqID, method: method, ch: make(chan kraken.Frame, 1)}
	c.mu.Lock()
	c.pending[reqID] = call
	c.order = append(c.order, call)
	c.mu.Unlock()
	return call.ch
}

// Inlet returns the event channel for a push channel name, creating it on
// first use. Events overflowing the buffer are dropped rather than blocking
// the read loop.
func (c *AckCorrelator) Inlet(channel string) <-chan kraken.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.inlets[channel]
	if !ok {
		ch = make(chan kraken.Frame, 256)
		c.inlets[channel] = ch
	}
	return ch
}

// Dispatch routes one decoded frame. It reports whether the frame found a
// consumer.
func (c *AckCorrelator) Dispatch(f kraken.Frame) bool {
	switch f.Kind {
	case kraken.FrameMethodReply:
		return c.dispatchReply(f)
	case kraken.FrameChannelEvent, kraken.FrameStatus:
		c.mu.Lock()
		ch, ok := c.inlets[f.Channel]
		c.mu.Unlock()
		if !ok {
			return false
		}
		select {
		case ch <- f:
		default:
		}
		return true
	case kraken.FrameHeartbeat:
		return true
	}
	return false
}

func (c *AckCorrelator) dispatchReply(f kraken.Frame) bool {
	c.mu.Lock()
	var call *pendingCall
	if f.HasReqID {
		call = c.pending[f.ReqID]
	} else {
		for _, p := range c.order {
			if p.method == f.Method {
				call = p
				break
			}
		}
	}
	if call != nil {
		c.remove(call)
	}
	c.mu.Unlock()
	if call == nil {
		return false
	}
	call.ch <- f
	return true
}

// Await blocks for the reply to reqID, bounded by the ack timeout.
func (c *AckCorrelator) Await(ctx context.Context, reqID int64, replies <-chan kraken.Frame) (kraken.Frame, error) {
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case f, ok := <-replies:
		if !ok {
			return kraken.Frame{}, ErrSessionReset
		}
		return f, nil
	case <-timer.C:
		c.drop(reqID)
		return kraken.Frame{}, ErrAckTimeout
	case <-ctx.Done():
		c.drop(reqID)
		return kraken.Frame{}, ctx.Err()
	}
}

// Reset fails every pending call. Called when the transport drops so waiters
// do not sit out the full ack timeout for a reply that can never arrive.
func (c *AckCorrelator) Reset() {
	c.mu.Lock()
	calls := c.order
	c.pending = make(map[int64]*pendingCall)
	c.order = nil
	c.mu.Unlock()
	for _, call := range calls {
		close(call.ch)
	}
}

func (c *AckCorrelator) drop(reqID int64) {
	c.mu.Lock()
	if call, ok := c.pending[reqID]; ok {
		c.remove(call)
	}
	c.mu.Unlock()
}

// remove must run with c.mu held.
func (c *AckCorrelator) remove(call *pendingCall) {
	delete(c.pending, call.reqID)
	for i, p := range c.order {
		if p == call {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}
