// Package messenger layers correlated request/response and fire-and-forget
// events on top of a single channel transport.
package messenger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HsiangNianian/walletbridge/internal/protocol"
	"github.com/HsiangNianian/walletbridge/internal/transport"
	"github.com/rs/zerolog"
)

const DefaultTimeout = 30 * time.Second

type ReplyHandler func(ctx context.Context, req *Request) (any, error)

type EventHandler func(payload json.RawMessage)

type Option func(*Messenger)

func WithTimeout(d time.Duration) Option {
	return func(m *Messenger) {
		if d > 0 {
			m.timeout = d
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(m *Messenger) { m.log = logger }
}

// Messenger is bound to the channel of its transport for its whole life.
type Messenger struct {
	channel string
	t       transport.Transport
	timeout time.Duration
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	closed    bool
	pending   map[string]chan protocol.Envelope
	replies   map[string]ReplyHandler
	listeners map[string][]EventHandler
}

func New(t transport.Transport, opts ...Option) *Messenger {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Messenger{
		channel:   t.Name(),
		t:         t,
		timeout:   DefaultTimeout,
		log:       zerolog.Nop(),
		ctx:       ctx,
		cancel:    cancel,
		pending:   make(map[string]chan protocol.Envelope),
		replies:   make(map[string]ReplyHandler),
		listeners: make(map[string][]EventHandler),
	}
	for _, opt := range opts {
		opt(m)
	}
	t.OnMessage(m.receive)
	go m.watch()
	return m
}

func (m *Messenger) Channel() string { return m.channel }

func (m *Messenger) Done() <-chan struct{} { return m.t.Done() }

func (m *Messenger) Close() error { return m.t.Close() }

// Send issues a request and waits for its correlated response. The correlation is
// dropped on every return path.
func (m *Messenger) Send(ctx context.Context, topic string, payload any) (json.RawMessage, error) {
	env, err := protocol.Encode(topic, payload, protocol.KindRequest)
	if err != nil {
		return nil, err
	}

	ch := make(chan protocol.Envelope, 1)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, &ChannelClosedError{Channel: m.channel}
	}
	m.pending[env.ID] = ch
	m.mu.Unlock()
	defer m.forget(env.ID)

	if err := m.t.Send(env); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return nil, &ChannelClosedError{Channel: m.channel}
		}
		return nil, fmt.Errorf("send %s: %w", topic, err)
	}

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, &ChannelClosedError{Channel: m.channel}
		}
		if resp.Error != nil {
			return nil, &RemoteError{Topic: topic, Code: resp.Error.Code, Message: resp.Error.Message}
		}
		return resp.Payload, nil
	case <-timer.C:
		return nil, &TimeoutError{Channel: m.channel, Topic: topic, ID: env.ID, After: m.timeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Call is Send with the response decoded into Resp.
func Call[Resp any](ctx context.Context, m *Messenger, topic string, payload any) (Resp, error) {
	var out Resp
	raw, err := m.Send(ctx, topic, payload)
	if err != nil {
		return out, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return out, fmt.Errorf("decode %s response: %w", topic, err)
		}
	}
	return out, nil
}

// Reply installs h for requests on topic and returns the handler it replaced, if
// any. Only the last registration for a topic is active. A nil h removes it.
func (m *Messenger) Reply(topic string, h ReplyHandler) ReplyHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.replies[topic]
	if h == nil {
		delete(m.replies, topic)
	} else {
		m.replies[topic] = h
	}
	return prev
}

func (m *Messenger) Emit(topic string, payload any) error {
	env, err := protocol.Encode(topic, payload, protocol.KindEvent)
	if err != nil {
		return err
	}
	if err := m.t.Send(env); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return &ChannelClosedError{Channel: m.channel}
		}
		return err
	}
	return nil
}

// On adds h to the handlers of topic; they run in registration order.
func (m *Messenger) On(topic string, h EventHandler) {
	m.mu.Lock()
	m.listeners[topic] = append(m.listeners[topic], h)
	m.mu.Unlock()
}

func (m *Messenger) receive(env protocol.Envelope) {
	switch env.Kind {
	case protocol.KindResponse:
		m.mu.Lock()
		ch, ok := m.pending[env.ID]
		delete(m.pending, env.ID)
		m.mu.Unlock()
		if !ok {
			m.log.Debug().Str("channel", m.channel).Str("topic", env.Topic).Str("id", env.ID).Msg("ignore uncorrelated response")
			return
		}
		ch <- env

	case protocol.KindRequest:
		m.mu.Lock()
		h := m.replies[env.Topic]
		m.mu.Unlock()
		go m.serve(h, env)

	case protocol.KindEvent:
		m.mu.Lock()
		list := append([]EventHandler(nil), m.listeners[env.Topic]...)
		m.mu.Unlock()
		for _, h := range list {
			m.notify(h, env)
		}
	}
}

func (m *Messenger) serve(h ReplyHandler, env protocol.Envelope) {
	req := &Request{ID: env.ID, Topic: env.Topic, Payload: env.Payload, m: m, env: env}
	if h == nil {
		m.log.Warn().Str("channel", m.channel).Str("topic", env.Topic).Msg("request for unhandled topic")
		_ = req.Respond(nil, &noHandlerError{topic: env.Topic})
		return
	}

	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Str("channel", m.channel).Str("topic", env.Topic).Str("panic", fmt.Sprint(r)).Msg("reply handler panicked")
			_ = req.Respond(nil, fmt.Errorf("handler panicked"))
		}
	}()

	v, err := h(m.ctx, req)
	if errors.Is(err, ErrDeferred) {
		return
	}
	if sendErr := req.Respond(v, err); sendErr != nil && !errors.Is(sendErr, ErrAlreadyAnswered) {
		m.log.Warn().Err(sendErr).Str("channel", m.channel).Str("topic", env.Topic).Str("id", env.ID).Msg("send response failed")
	}
}

func (m *Messenger) notify(h EventHandler, env protocol.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Str("channel", m.channel).Str("topic", env.Topic).Str("panic", fmt.Sprint(r)).Msg("event handler panicked")
		}
	}()
	h(env.Payload)
}

func (m *Messenger) forget(id string) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

// watch fails every waiting Send once the transport goes away.
func (m *Messenger) watch() {
	<-m.t.Done()
	m.mu.Lock()
	m.closed = true
	for id, ch := range m.pending {
		close(ch)
		delete(m.pending, id)
	}
	m.mu.Unlock()
	m.cancel()
}

func (m *Messenger) pendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Request is an inbound request. It is answered exactly once, either by the value
// its ReplyHandler returns or by an explicit Respond after ErrDeferred.
type Request struct {
	ID      string
	Topic   string
	Payload json.RawMessage

	m        *Messenger
	env      protocol.Envelope
	answered atomic.Bool
}

// Channel is the channel the request arrived on.
func (r *Request) Channel() string { return r.m.channel }

// Context ends when the channel the request arrived on is torn down.
func (r *Request) Context() context.Context { return r.m.ctx }

func (r *Request) Respond(payload any, err error) error {
	if !r.answered.CompareAndSwap(false, true) {
		return ErrAlreadyAnswered
	}

	var failure *protocol.ErrorPayload
	if err != nil {
		failure = &protocol.ErrorPayload{Code: errorCode(err), Message: err.Error()}
	}
	env, encErr := protocol.Reply(r.env, payload, failure)
	if encErr != nil {
		env, _ = protocol.Reply(r.env, nil, &protocol.ErrorPayload{Code: "internal", Message: encErr.Error()})
	}
	if sendErr := r.m.t.Send(env); sendErr != nil {
		if errors.Is(sendErr, transport.ErrClosed) {
			return &ChannelClosedError{Channel: r.m.channel}
		}
		return sendErr
	}
	return nil
}
