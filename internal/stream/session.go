package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/rjkroon/brackd/internal/kraken"
)

const DefaultPrivateWSURL = "wss://ws-auth.kraken.com/v2"

// ErrNotConnected means a send was attempted while the transport is down.
// The caller's ledger state decides whether a retry is safe.
var ErrNotConnected = errors.New("stream not connected")

type SessionState int32

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateConnected
	StateAuthenticating
	StateReady
	StateDegraded
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateReady:
		return "READY"
	case StateDegraded:
		return "DEGRADED"
	}
	return "UNKNOWN"
}

// TokenProvider hands out the private-stream token. *kraken.TokenCache
// satisfies it.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

type SessionOptions struct {
	URL    string
	Dialer *websocket.Dialer
	Tokens TokenProvider
	Log    *logrus.Entry

	Backoff    BackoffPolicy
	AckTimeout time.Duration

	// Order-mutating sends per window.
	OrderSendLimit  int
	OrderSendWindow time.Duration

	// Alive is called for every inbound frame; the heartbeat writer
	// throttles it to its own cadence.
	Alive func(time.Time)
	Now   func() time.Time
}

// Session owns one private WebSocket connection: a single writer, a read
// loop that decodes frames once and hands them to the correlator, and a
// reconnect loop that re-authenticates and re-subscribes after a drop.
// Transport errors are retried forever; protocol rejections surface to the
// caller and are never retried here.
type Session struct {
	url     string
	dialer  *websocket.Dialer
	tokens  TokenProvider
	log     *logrus.Entry
	backoff BackoffPolicy
	limiter *SendLimiter
	alive   func(time.Time)
	now     func() time.Time

	corr  *AckCorrelator
	state atomic.Int32

	mu      sync.Mutex
	conn    *websocket.Conn
	subs    map[string]kraken.SubscribeParams
	writeMu sync.Mutex
}

func NewSession(opts SessionOptions) *Session {
	if opts.URL == "" {
		opts.URL = DefaultPrivateWSURL
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.Backoff.Base == 0 && opts.Backoff.Cap == 0 {
		opts.Backoff = DefaultBackoff()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Session{
		url:     opts.URL,
		dialer:  opts.Dialer,
		tokens:  opts.Tokens,
		log:     opts.Log,
		backoff: opts.Backoff,
		limiter: NewSendLimiter(opts.OrderSendLimit, opts.OrderSendWindow),
		alive:   opts.Alive,
		now:     opts.Now,
		corr:    NewAckCorrelator(opts.AckTimeout),
		subs:    make(map[string]kraken.SubscribeParams),
	}
	s.state.Store(int32(StateDisconnected))
	return s
}

func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) setState(st SessionState) {
	old := SessionState(s.state.Swap(int32(st)))
	if old != st {
		s.log.WithFields(logrus.Fields{"from": old.String(), "to": st.String()}).Info("stream state")
	}
}

// Run drives the connect/reconnect loop until ctx is canceled.
func (s *Session) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			s.setState(StateDisconnected)
			return err
		}
		if err := s.connectOnce(ctx); err != nil {
			s.setState(StateDegraded)
			delay := s.backoff.Delay(attempt)
			attempt++
			s.log.WithError(err).WithField("retry_in", delay.String()).Warn("stream degraded")
			select {
			case <-ctx.Done():
				s.setState(StateDisconnected)
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		attempt = 0

		err := s.readLoop(ctx)
		s.corr.Reset()
		s.closeConn()
		if ctx.Err() != nil {
			s.setState(StateDisconnected)
			return ctx.Err()
		}
		s.setState(StateDegraded)
		s.log.WithError(err).Warn("stream read loop ended")
	}
}

func (s *Session) connectOnce(ctx context.Context) error {
	s.setState(StateConnecting)
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.setState(StateConnected)

	if err := s.resubscribe(ctx); err != nil {
		s.closeConn()
		return err
	}
	s.setState(StateReady)
	return nil
}

// resubscribe replays every recorded subscription on the fresh connection,
// fetching a fresh token for private channels.
func (s *Session) resubscribe(ctx context.Context) error {
	s.mu.Lock()
	subs := make([]kraken.SubscribeParams, 0, len(s.subs))
	for _, p := range s.subs {
		subs = append(subs, p)
	}
	s.mu.Unlock()
	if len(subs) == 0 {
		return nil
	}
	s.setState(StateAuthenticating)
	for _, p := range subs {
		if err := s.sendSubscribe(ctx, p); err != nil {
			return fmt.Errorf("resubscribe %s: %w", p.Channel, err)
		}
	}
	return nil
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return ErrNotConnected
		}
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if s.alive != nil {
			s.alive(s.now())
		}
		frame, err := kraken.DecodeFrame(payload)
		if err != nil {
			s.log.WithError(err).Warn("undecodable frame")
			continue
		}
		if frame.Kind == kraken.FrameUnknown {
			continue
		}
		if !s.corr.Dispatch(frame) && frame.Kind == kraken.FrameMethodReply {
			s.log.WithField("method", frame.Method).Debug("reply with no waiter dropped")
		}
	}
}

// Subscribe records the subscription for replay on reconnect and returns the
// event inlet for its channel.
func (s *Session) Subscribe(ctx context.Context, params kraken.SubscribeParams) (<-chan kraken.Frame, error) {
	s.mu.Lock()
	s.subs[params.Channel] = params
	s.mu.Unlock()
	if err := s.sendSubscribe(ctx, params); err != nil {
		return nil, err
	}
	return s.corr.Inlet(params.Channel), nil
}

// Events returns the inlet for a channel without subscribing, for callers
// that attach before Run establishes the first connection.
func (s *Session) Events(channel string) <-chan kraken.Frame {
	return s.corr.Inlet(channel)
}

func (s *Session) sendSubscribe(ctx context.Context, params kraken.SubscribeParams) error {
	private := params.Channel == kraken.ChannelExecutions || params.Channel == kraken.ChannelBalances
	if private && s.tokens != nil {
		tok, err := s.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("subscribe token: %w", err)
		}
		params.Token = tok
	}
	_, err := s.call(ctx, kraken.MethodSubscribe, params, false)
	return err
}

// Call sends one method request and waits for its ack. Order-mutating
// methods are rate limited. A success=false reply comes back as a
// *kraken.ProtocolError.
func (s *Session) Call(ctx context.Context, method string, params any) (kraken.Frame, error) {
	mutating := method == kraken.MethodAddOrder || method == kraken.MethodAmendOrder || method == kraken.MethodCancelOrder
	return s.call(ctx, method, params, mutating)
}

func (s *Session) call(ctx context.Context, method string, params any, mutating bool) (kraken.Frame, error) {
	if tc, ok := params.(kraken.TokenCarrier); ok && s.tokens != nil {
		tok, err := s.tokens.Token(ctx)
		if err != nil {
			return kraken.Frame{}, fmt.Errorf("%s token: %w", method, err)
		}
		tc.SetToken(tok)
	}
	if mutating {
		if delay := s.limiter.Wait(s.now()); delay > 0 {
			select {
			case <-ctx.Done():
				return kraken.Frame{}, ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	reqID := s.corr.NextReqID()
	replies := s.corr.Register(reqID, method)
	if err := s.write(kraken.Request{Method: method, Params: params, ReqID: reqID}); err != nil {
		s.corr.drop(reqID)
		return kraken.Frame{}, err
	}
	frame, err := s.corr.Await(ctx, reqID, replies)
	if err != nil {
		return kraken.Frame{}, err
	}
	if !frame.Success {
		if isAuthError(frame.ErrorMsg) && s.tokens != nil {
			s.tokens.Invalidate()
		}
		return frame, &kraken.ProtocolError{Method: method, Message: frame.ErrorMsg}
	}
	return frame, nil
}

func (s *Session) write(req kraken.Request) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s: %w", req.Method, err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write %s: %w", req.Method, err)
	}
	return nil
}

func (s *Session) closeConn() {
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()
}

func isAuthError(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "token") || strings.Contains(lower, "eapi") || strings.Contains(lower, "egeneral:invalid session")
}
