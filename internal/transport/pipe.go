package transport

import (
	"encoding/json"
	"sync"

	"github.com/HsiangNianian/walletbridge/internal/protocol"
	"github.com/rs/zerolog"
)

// PipeEnd is one side of an in-process channel. Envelopes are marshalled on
// send so the two sides never share memory.
type PipeEnd struct {
	handlers
	peer  *PipeEnd
	inbox *queue

	done      chan struct{}
	closeOnce *sync.Once
}

// Pipe returns two connected ends of channel name.
func Pipe(name string, logger zerolog.Logger) (*PipeEnd, *PipeEnd) {
	done := make(chan struct{})
	once := &sync.Once{}
	a := &PipeEnd{handlers: handlers{name: name, log: logger}, inbox: newQueue(), done: done, closeOnce: once}
	b := &PipeEnd{handlers: handlers{name: name, log: logger}, inbox: newQueue(), done: done, closeOnce: once}
	a.peer, b.peer = b, a
	go a.inbox.drain(done, deliver(a))
	go b.inbox.drain(done, deliver(b))
	return a, b
}

func deliver(end *PipeEnd) func([]byte) error {
	return func(b []byte) error {
		end.dispatch(b)
		return nil
	}
}

func (p *PipeEnd) Name() string { return p.name }

func (p *PipeEnd) Send(env protocol.Envelope) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	p.peer.inbox.push(b)
	return nil
}

// SendRaw pushes an undecoded frame to the peer.
func (p *PipeEnd) SendRaw(b []byte) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	p.peer.inbox.push(append([]byte(nil), b...))
	return nil
}

func (p *PipeEnd) OnMessage(h Handler) { p.add(h) }

func (p *PipeEnd) Done() <-chan struct{} { return p.done }

// Close tears down both ends.
func (p *PipeEnd) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}
