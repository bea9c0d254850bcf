// Package approval turns pendingRequest calls from page contexts into store
// records and sends each decision back to the caller that is still waiting.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/HsiangNianian/walletbridge/internal/messenger"
	"github.com/HsiangNianian/walletbridge/internal/protocol"
	"github.com/HsiangNianian/walletbridge/internal/rpc"
	"github.com/HsiangNianian/walletbridge/internal/store"
	"github.com/rs/zerolog"
)

// Invalidator is a side effect to run once a request has been approved, such as
// dropping a cached pending-block view.
type Invalidator func(ctx context.Context, res store.Resolution)

// Submission is the payload of a pendingRequest request.
type Submission struct {
	Request rpc.Call `json:"request"`
	Origin  string   `json:"origin,omitempty"`
}

type ApproveParams struct {
	Token   store.Token     `json:"token"`
	Request *rpc.Call       `json:"request,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

type RejectParams struct {
	Token store.Token `json:"token"`
}

// parkedCall is a pendingRequest waiting for its decision.
type parkedCall struct {
	req    *messenger.Request
	owner  *messenger.Messenger
	expiry *time.Timer
}

type Option func(*Pipeline)

// WithExpiry rejects any request still undecided after d. Zero keeps requests
// until their page goes away.
func WithExpiry(d time.Duration) Option {
	return func(p *Pipeline) { p.expiry = d }
}

type Pipeline struct {
	store  store.Store
	log    zerolog.Logger
	expiry time.Duration

	// mu orders enqueue+park against resolve+unpark.
	mu           sync.Mutex
	parked       map[store.Token]*parkedCall
	invalidators []Invalidator

	walletMu sync.RWMutex
	wallets  map[*messenger.Messenger]struct{}
}

func New(st store.Store, logger zerolog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:   st,
		log:     logger,
		parked:  make(map[store.Token]*parkedCall),
		wallets: make(map[*messenger.Messenger]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OnApproved registers inv to run after every approval.
func (p *Pipeline) OnApproved(inv Invalidator) {
	p.mu.Lock()
	p.invalidators = append(p.invalidators, inv)
	p.mu.Unlock()
}

// Attach serves pendingRequest on an inpage messenger. A non-empty origin is the
// one observed by the transport and overrides whatever the page claims. When the
// channel closes, every request it still has waiting is rejected.
func (p *Pipeline) Attach(m *messenger.Messenger, origin string) {
	if prev := m.Reply(protocol.TopicPendingRequest, p.submit(m, origin)); prev != nil {
		p.log.Warn().Str("channel", m.Channel()).Msg("replaced existing pendingRequest handler")
	}

	go func() {
		<-m.Done()
		p.abandon(m)
	}()
}

// AttachWallet serves the queue to a wallet UI and pushes change events to it
// until its channel closes.
func (p *Pipeline) AttachWallet(m *messenger.Messenger) {
	m.Reply(protocol.TopicPendingRequestsList, func(ctx context.Context, _ *messenger.Request) (any, error) {
		return p.List(ctx)
	})
	m.Reply(protocol.TopicPendingRequestApprove, func(ctx context.Context, req *messenger.Request) (any, error) {
		var params ApproveParams
		if err := json.Unmarshal(req.Payload, &params); err != nil {
			return nil, err
		}
		var mutated rpc.Request
		if params.Request != nil {
			mutated = params.Request.Request
		}
		return p.Approve(ctx, params.Token, mutated, params.Result)
	})
	m.Reply(protocol.TopicPendingRequestReject, func(ctx context.Context, req *messenger.Request) (any, error) {
		var params RejectParams
		if err := json.Unmarshal(req.Payload, &params); err != nil {
			return nil, err
		}
		return p.Reject(ctx, params.Token)
	})

	p.walletMu.Lock()
	p.wallets[m] = struct{}{}
	p.walletMu.Unlock()

	go func() {
		<-m.Done()
		p.walletMu.Lock()
		delete(p.wallets, m)
		p.walletMu.Unlock()
	}()
}

func (p *Pipeline) submit(m *messenger.Messenger, origin string) messenger.ReplyHandler {
	return func(ctx context.Context, req *messenger.Request) (any, error) {
		var sub Submission
		if err := json.Unmarshal(req.Payload, &sub); err != nil {
			return nil, err
		}
		if sub.Request.Request == nil {
			return nil, store.ErrNilRequest
		}
		if origin != "" {
			sub.Origin = origin
		}

		p.mu.Lock()
		// Once Done is closed abandon may already have run.
		select {
		case <-m.Done():
			p.mu.Unlock()
			return nil, &messenger.ChannelClosedError{Channel: m.Channel()}
		default:
		}
		token, err := p.store.Enqueue(ctx, sub.Request.Request, sub.Origin)
		if err != nil {
			p.mu.Unlock()
			return nil, fmt.Errorf("enqueue: %w", err)
		}
		call := &parkedCall{req: req, owner: m}
		if p.expiry > 0 {
			call.expiry = time.AfterFunc(p.expiry, func() { p.release(token, "expired") })
		}
		p.parked[token] = call
		p.mu.Unlock()

		account, _ := rpc.Account(sub.Request.Request)
		p.log.Info().
			Str("token", string(token)).
			Str("method", string(sub.Request.Request.Method())).
			Str("account", account.Hex()).
			Str("origin", sub.Origin).
			Msg("request queued for approval")
		p.changed()
		return nil, messenger.ErrDeferred
	}
}

func (p *Pipeline) List(ctx context.Context) ([]store.Record, error) {
	return p.store.List(ctx)
}

func (p *Pipeline) Approve(ctx context.Context, token store.Token, mutated rpc.Request, result json.RawMessage) (store.Resolution, error) {
	return p.Resolve(ctx, token, store.StatusApproved, mutated, result)
}

func (p *Pipeline) Reject(ctx context.Context, token store.Token) (store.Resolution, error) {
	return p.Resolve(ctx, token, store.StatusRejected, nil, nil)
}

// Resolve records the decision, answers the waiting caller on its original
// correlation id and, for approvals only, runs the invalidators once each.
func (p *Pipeline) Resolve(ctx context.Context, token store.Token, outcome store.Status, mutated rpc.Request, result json.RawMessage) (store.Resolution, error) {
	p.mu.Lock()
	res, err := p.store.Resolve(ctx, token, outcome, mutated)
	if err != nil {
		p.mu.Unlock()
		return store.Resolution{}, err
	}
	if outcome == store.StatusApproved {
		res.Result = result
	}
	call := p.parked[token]
	delete(p.parked, token)
	invalidators := append([]Invalidator(nil), p.invalidators...)
	p.mu.Unlock()
	if call != nil && call.expiry != nil {
		call.expiry.Stop()
	}

	logger := p.log.With().Str("token", string(token)).Str("status", string(res.Status)).Logger()
	switch {
	case call == nil:
		logger.Warn().Msg("resolved request has no waiting caller")
	default:
		if err := call.req.Respond(res, nil); err != nil {
			logger.Warn().Err(err).Str("channel", call.req.Channel()).Msg("deliver resolution failed")
		} else {
			logger.Info().Msg("request resolved")
		}
	}

	if res.Status == store.StatusApproved {
		for i, inv := range invalidators {
			p.invalidate(ctx, i, inv, res)
		}
	}
	p.changed()
	return res, nil
}

// Sweep rejects every stored request whose caller is gone, including records
// left over from an earlier process in a persistent store.
func (p *Pipeline) Sweep(ctx context.Context) (int, error) {
	records, err := p.store.List(ctx)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, rec := range records {
		p.mu.Lock()
		call := p.parked[rec.Token]
		p.mu.Unlock()
		if call != nil && call.req.Context().Err() == nil {
			continue
		}
		if _, err := p.Reject(ctx, rec.Token); err != nil {
			p.log.Warn().Err(err).Str("token", string(rec.Token)).Msg("sweep orphaned request failed")
			continue
		}
		swept++
	}
	return swept, nil
}

// abandon rejects every request parked by m.
func (p *Pipeline) abandon(m *messenger.Messenger) {
	p.mu.Lock()
	var tokens []store.Token
	for token, call := range p.parked {
		if call.owner == m {
			tokens = append(tokens, token)
		}
	}
	p.mu.Unlock()

	for _, token := range tokens {
		p.release(token, "caller gone")
	}
}

// release rejects token on the pipeline's own initiative. Losing the race to a
// wallet decision is fine.
func (p *Pipeline) release(token store.Token, reason string) {
	_, err := p.Reject(context.Background(), token)
	var already *store.AlreadyResolvedError
	var unknown *store.UnknownTokenError
	switch {
	case err == nil:
		p.log.Info().Str("token", string(token)).Str("reason", reason).Msg("request rejected without a decision")
	case errors.As(err, &already), errors.As(err, &unknown):
		p.log.Debug().Err(err).Str("token", string(token)).Msg("request already settled")
	default:
		p.log.Warn().Err(err).Str("token", string(token)).Str("reason", reason).Msg("release request failed")
	}
}

// Broadcast emits an event to every attached wallet UI.
func (p *Pipeline) Broadcast(topic string, payload any) {
	p.walletMu.RLock()
	defer p.walletMu.RUnlock()
	for m := range p.wallets {
		if err := m.Emit(topic, payload); err != nil {
			p.log.Debug().Err(err).Str("topic", topic).Msg("broadcast to wallet failed")
		}
	}
}

func (p *Pipeline) changed() {
	p.Broadcast(protocol.TopicPendingRequestsChange, nil)
}

func (p *Pipeline) invalidate(ctx context.Context, i int, inv Invalidator, res store.Resolution) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Int("invalidator", i).Str("panic", fmt.Sprint(r)).Msg("invalidator panicked")
		}
	}()
	inv(ctx, res)
}
