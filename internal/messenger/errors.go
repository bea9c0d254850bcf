package messenger

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDeferred is returned by a ReplyHandler that will answer later through Request.Respond.
	ErrDeferred = errors.New("reply deferred")
	// ErrAlreadyAnswered is returned by Request.Respond after the first answer.
	ErrAlreadyAnswered = errors.New("request already answered")
)

type TimeoutError struct {
	Channel string
	Topic   string
	ID      string
	After   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: no response to %s (%s) within %s", e.Channel, e.Topic, e.ID, e.After)
}

func (e *TimeoutError) ErrorCode() string { return "timeout" }

type ChannelClosedError struct {
	Channel string
}

func (e *ChannelClosedError) Error() string {
	return fmt.Sprintf("channel %s closed", e.Channel)
}

func (e *ChannelClosedError) ErrorCode() string { return "channel_closed" }

// RemoteError is a failure reported by the handler on the other side.
type RemoteError struct {
	Topic   string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s failed: %s (%s)", e.Topic, e.Message, e.Code)
}

func (e *RemoteError) ErrorCode() string { return e.Code }

type noHandlerError struct {
	topic string
}

func (e *noHandlerError) Error() string     { return "no handler for topic " + e.topic }
func (e *noHandlerError) ErrorCode() string { return "no_handler" }

func errorCode(err error) string {
	var coded interface{ ErrorCode() string }
	if errors.As(err, &coded) {
		return coded.ErrorCode()
	}
	return "internal"
}
