package nsq

import "fmt"

// ErrNotConnected is returned when a publish command is made against a
// Producer that is not connected to any nsqd
var ErrNotConnected = fmt.Errorf("not connected")

// ErrStopped is returned when a publish command is made against a
// Producer that has been stopped
var ErrStopped = fmt.Errorf("stopped")

// ErrProtocol is returned when a command cannot be constructed because one
// of its arguments (most commonly a topic or channel name) fails wire-level
// validation. It is reported synchronously, before any bytes are written.
type ErrProtocol struct {
	Reason string
}

func (e ErrProtocol) Error() string {
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

// ErrIdentify is returned from Conn as part of the IDENTIFY handshake
type ErrIdentify struct {
	Reason string
}

func (e ErrIdentify) Error() string {
	return fmt.Sprintf("failed to IDENTIFY - %s", e.Reason)
}

// ErrIntegrity is returned when a frame or a JSON payload received from
// nsqd cannot be decoded
type ErrIntegrity struct {
	Reason string
}

func (e ErrIntegrity) Error() string {
	return fmt.Sprintf("integrity error - %s", e.Reason)
}

// ErrSend is returned when a command could not be written to the
// underlying connection
type ErrSend struct {
	Reason string
}

func (e ErrSend) Error() string {
	return fmt.Sprintf("send error - %s", e.Reason)
}

// ErrConnectionClosed is set on any Producer transaction still pending
// when its connection closes
var ErrConnectionClosed = fmt.Errorf("connection closed")

// ErrClosing is returned when a command is attempted while a Conn is
// closing
var ErrClosing = fmt.Errorf("closing")

// ErrAlreadyConnected is returned from ConnectToNSQD when the address is
// already connected (ConnectToNSQLookupd returns nil for an address it
// already knows)
var ErrAlreadyConnected = fmt.Errorf("already connected")

// ErrThrottled is returned from connectToNSQD when an identical connect
// attempt happened too recently
var ErrThrottled = fmt.Errorf("too many connection attempts")

// ErrMissingEndpoints is returned at Producer construction when no nsqd
// endpoint is given. NewConsumer does not check for endpoints; they are
// added after construction.
var ErrMissingEndpoints = fmt.Errorf("specify at least one NSQD or NSQLookupd endpoint")

// Error represents an error that was transmitted as part of the NSQ
// protocol, e.g. one of the E_* codes in the protocol spec. Code carries
// the leading ASCII token of the ERROR frame (e.g. "E_INVALID"), Desc the
// full payload.
type Error struct {
	Code string
	Desc string
}

func (e *Error) Error() string {
	return e.Desc
}

// IsFatal indicates whether the error code warrants closing the
// connection that produced it (a failed handshake) as opposed to being
// merely logged (an otherwise non-fatal server ERROR frame).
func (e *Error) IsFatal() bool {
	switch e.Code {
	case "E_BAD_BODY", "E_BAD_TOPIC", "E_BAD_CHANNEL", "E_AUTH_FAILED", "E_UNAUTHORIZED":
		return true
	}
	return false
}
