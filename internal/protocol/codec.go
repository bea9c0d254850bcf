package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// DecodeError reports a frame that is not a valid envelope.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode envelope: %s: %v", e.Reason, e.Err)
	}
	return "decode envelope: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Encode builds an envelope of the given kind. Requests get a fresh id.
func Encode(topic string, payload any, kind Kind) (Envelope, error) {
	if topic == "" {
		return Envelope{}, fmt.Errorf("encode envelope: empty topic")
	}
	if !kind.Valid() {
		return Envelope{}, fmt.Errorf("encode envelope: unknown kind %q", kind)
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode envelope %s: %w", topic, err)
	}
	env := Envelope{Topic: topic, Kind: kind, Payload: raw}
	if kind == KindRequest {
		env.ID = uuid.NewString()
	}
	return env, nil
}

// Reply builds the response to req. A non-nil failure is carried in the error field
// instead of the payload.
func Reply(req Envelope, payload any, failure *ErrorPayload) (Envelope, error) {
	env := Envelope{Topic: req.Topic, ID: req.ID, Kind: KindResponse, Error: failure}
	if failure != nil {
		return env, nil
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode response %s: %w", req.Topic, err)
	}
	env.Payload = raw
	return env, nil
}

// Decode validates raw as an envelope. It never panics; every failure is a *DecodeError.
func Decode(raw []byte) (Envelope, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Envelope{}, &DecodeError{Reason: "not an object"}
	}
	var env Envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return Envelope{}, &DecodeError{Reason: "malformed json", Err: err}
	}
	if env.Topic == "" {
		return Envelope{}, &DecodeError{Reason: "missing topic"}
	}
	if !env.Kind.Valid() {
		return Envelope{}, &DecodeError{Reason: fmt.Sprintf("unknown kind %q", env.Kind)}
	}
	if env.Kind != KindEvent && env.ID == "" {
		return Envelope{}, &DecodeError{Reason: fmt.Sprintf("%s without id", env.Kind)}
	}
	return env, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	return json.Marshal(payload)
}
