// Package transport carries envelopes over one duplex channel between two
// contexts. Every transport keeps send order as receive order.
package transport

import (
	"errors"
	"fmt"
	"sync"

	"github.com/HsiangNianian/walletbridge/internal/protocol"
	"github.com/rs/zerolog"
)

var ErrClosed = errors.New("transport closed")

type Handler func(env protocol.Envelope)

type Transport interface {
	// Name is the channel identity, e.g. "background:inpage".
	Name() string
	// Send schedules env for delivery and returns without waiting for the peer.
	Send(env protocol.Envelope) error
	// OnMessage registers h for every envelope that arrives, whatever its topic.
	OnMessage(h Handler)
	// Done is closed once the transport is torn down from either side.
	Done() <-chan struct{}
	Close() error
}

// handlers fans one decoded frame out to every registered Handler in order.
type handlers struct {
	name string
	log  zerolog.Logger

	mu   sync.RWMutex
	list []Handler
}

func (h *handlers) add(fn Handler) {
	h.mu.Lock()
	h.list = append(h.list, fn)
	h.mu.Unlock()
}

func (h *handlers) dispatch(raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		h.log.Warn().Err(err).Str("channel", h.name).Int("bytes", len(raw)).Msg("drop malformed frame")
		return
	}

	h.mu.RLock()
	list := append([]Handler(nil), h.list...)
	h.mu.RUnlock()

	for i, fn := range list {
		h.call(i, fn, env)
	}
}

func (h *handlers) call(i int, fn Handler, env protocol.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().
				Str("channel", h.name).
				Int("handler", i).
				Str("topic", env.Topic).
				Str("panic", fmt.Sprint(r)).
				Msg("message handler panicked")
		}
	}()
	fn(env)
}

// queue is an unbounded FIFO of frames so Send never waits on a slow peer.
type queue struct {
	mu     sync.Mutex
	items  [][]byte
	signal chan struct{}
}

func newQueue() *queue {
	return &queue{signal: make(chan struct{}, 1)}
}

func (q *queue) push(b []byte) {
	q.mu.Lock()
	q.items = append(q.items, b)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// drain hands queued frames to fn in order until done is closed or fn fails.
func (q *queue) drain(done <-chan struct{}, fn func([]byte) error) {
	for {
		q.mu.Lock()
		batch := q.items
		q.items = nil
		q.mu.Unlock()

		for _, b := range batch {
			if err := fn(b); err != nil {
				return
			}
		}

		select {
		case <-done:
			return
		case <-q.signal:
		}
	}
}
