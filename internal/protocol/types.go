package protocol

import "encoding/json"

// Channel names one duplex link between two contexts.
type Channel string

const (
	ChannelBackgroundWallet Channel = "background:wallet"
	ChannelBackgroundInpage Channel = "background:inpage"
)

// Kind tells a receiver whether an envelope expects, answers or ignores correlation.
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindEvent    Kind = "event"
)

func (k Kind) Valid() bool {
	switch k {
	case KindRequest, KindResponse, KindEvent:
		return true
	}
	return false
}

// Topics shared by the background, inpage and wallet contexts.
const (
	TopicPendingRequest        = "pendingRequest"
	TopicPendingRequestsList   = "pendingRequests.list"
	TopicPendingRequestApprove = "pendingRequest.approve"
	TopicPendingRequestReject  = "pendingRequest.reject"
	TopicPendingRequestsChange = "pendingRequests.changed"
	TopicCacheInvalidate       = "cache.invalidate"
)

type Envelope struct {
	Topic   string          `json:"topic"`
	ID      string          `json:"id,omitempty"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorPayload   `json:"error,omitempty"`
}

// ErrorPayload is set on a response whose handler failed.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
