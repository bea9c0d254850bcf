package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/HsiangNianian/walletbridge/internal/rpc"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Token identifies one pending request for its whole life, and for a while after.
type Token string

type Record struct {
	Token     Token
	Request   rpc.Request
	Status    Status
	Origin    string
	CreatedAt time.Time
}

type recordJSON struct {
	Token     Token     `json:"token"`
	Request   rpc.Call  `json:"request"`
	Status    Status    `json:"status"`
	Origin    string    `json:"origin,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(recordJSON{
		Token:     r.Token,
		Request:   rpc.Call{Request: r.Request},
		Status:    r.Status,
		Origin:    r.Origin,
		CreatedAt: r.CreatedAt,
	})
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var w recordJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = Record{Token: w.Token, Request: w.Request.Request, Status: w.Status, Origin: w.Origin, CreatedAt: w.CreatedAt}
	return nil
}

// Resolution is the outcome sent back to whoever submitted the request. Result is
// whatever the approver produced for the page, e.g. a signature or tx hash.
type Resolution struct {
	Status  Status
	Request rpc.Request
	Result  json.RawMessage
}

type resolutionJSON struct {
	Status  Status          `json:"status"`
	Request rpc.Call        `json:"request"`
	Result  json.RawMessage `json:"result,omitempty"`
}

func (r Resolution) MarshalJSON() ([]byte, error) {
	return json.Marshal(resolutionJSON{Status: r.Status, Request: rpc.Call{Request: r.Request}, Result: r.Result})
}

func (r *Resolution) UnmarshalJSON(data []byte) error {
	var w resolutionJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = Resolution{Status: w.Status, Request: w.Request.Request, Result: w.Result}
	return nil
}

var (
	ErrInvalidOutcome = errors.New("outcome must be approved or rejected")
	ErrMethodMismatch = errors.New("mutated request changes the method")
	ErrNilRequest     = errors.New("nil request")
)

type UnknownTokenError struct {
	Token Token
}

func (e *UnknownTokenError) Error() string     { return fmt.Sprintf("unknown token %q", e.Token) }
func (e *UnknownTokenError) ErrorCode() string { return "unknown_token" }

type AlreadyResolvedError struct {
	Token  Token
	Status Status
}

func (e *AlreadyResolvedError) Error() string {
	return fmt.Sprintf("token %q already %s", e.Token, e.Status)
}

func (e *AlreadyResolvedError) ErrorCode() string { return "already_resolved" }

// resolution checks an outcome against the stored record and picks the request to
// send back.
func resolution(rec Record, outcome Status, mutated rpc.Request) (Resolution, error) {
	req := rec.Request
	if mutated != nil {
		if mutated.Method() != rec.Request.Method() {
			return Resolution{}, ErrMethodMismatch
		}
		req = mutated
	}
	return Resolution{Status: outcome, Request: req}, nil
}

func validOutcome(outcome Status) error {
	if outcome != StatusApproved && outcome != StatusRejected {
		return fmt.Errorf("%w: %q", ErrInvalidOutcome, outcome)
	}
	return nil
}
