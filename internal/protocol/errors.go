package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport reports an open, write or read failure on the transport.
	ErrTransport = errors.New("transport error")
	// ErrMalformedReply reports a line that could not be decoded.
	ErrMalformedReply = errors.New("malformed reply")
	// ErrProtocolViolation reports a send while another command is pending or
	// while a stream occupies the transport. Nothing is written.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrStreamEnded is passed to a StreamHandler when the controller ends the
	// stream or the host abandons it.
	ErrStreamEnded = errors.New("stream ended")
	// ErrClosed is the cause reported after Close.
	ErrClosed = errors.New("router closed")
)

// CommandError wraps a well-formed reply whose success flag is false.
type CommandError struct {
	Reply   Reply
	Message string
}

func (e *CommandError) Error() string {
	if e.Message == "" {
		return "command failed"
	}
	return fmt.Sprintf("command failed: %s", e.Message)
}
