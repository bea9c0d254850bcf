// Package provider is the page-facing side of the wallet: it turns a page's
// request(method, params) into a pendingRequest call and settles it with the
// user's decision. It holds no wallet state.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/HsiangNianian/walletbridge/internal/approval"
	"github.com/HsiangNianian/walletbridge/internal/messenger"
	"github.com/HsiangNianian/walletbridge/internal/protocol"
	"github.com/HsiangNianian/walletbridge/internal/rpc"
	"github.com/HsiangNianian/walletbridge/internal/store"
	"github.com/rs/zerolog"
)

const (
	GlobalName       = "ethereum"
	InitializedEvent = "ethereum#initialized"
)

// EIP-1193 provider error codes.
const (
	CodeUserRejected      = 4001
	CodeUnsupportedMethod = 4200
)

// RPCError is what a page sees when a call does not produce a result.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return fmt.Sprintf("%s (code %d)", e.Message, e.Code) }

var ErrUserRejected = &RPCError{Code: CodeUserRejected, Message: "User rejected the request."}

// Page is the host page a provider is injected into.
type Page interface {
	Bind(name string, v any)
	DispatchEvent(name string)
}

type Shim struct {
	m      *messenger.Messenger
	origin string
	log    zerolog.Logger
}

// New binds a shim to the inpage channel of one page load.
func New(m *messenger.Messenger, origin string, logger zerolog.Logger) *Shim {
	return &Shim{m: m, origin: origin, log: logger}
}

func (s *Shim) Origin() string { return s.origin }

// Request submits method for approval and waits for the decision.
func (s *Shim) Request(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	req, err := rpc.Parse(method, params)
	if err != nil {
		var unsupported *rpc.UnsupportedMethodError
		if errors.As(err, &unsupported) {
			return nil, &RPCError{Code: CodeUnsupportedMethod, Message: err.Error()}
		}
		return nil, err
	}

	s.log.Debug().Str("method", method).Str("origin", s.origin).Msg("submit request")
	res, err := messenger.Call[store.Resolution](ctx, s.m, protocol.TopicPendingRequest, approval.Submission{
		Request: rpc.Call{Request: req},
		Origin:  s.origin,
	})
	if err != nil {
		return nil, err
	}

	switch res.Status {
	case store.StatusApproved:
		if len(res.Result) > 0 {
			return res.Result, nil
		}
		return json.Marshal(rpc.Call{Request: res.Request})
	case store.StatusRejected:
		return nil, ErrUserRejected
	default:
		return nil, fmt.Errorf("unexpected resolution status %q", res.Status)
	}
}

// Inject exposes s as the page's ethereum global and announces it.
func Inject(page Page, s *Shim) {
	page.Bind(GlobalName, s)
	page.DispatchEvent(InitializedEvent)
}
