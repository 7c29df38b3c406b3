package nsq

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

// MsgIDLength is the number of bytes for a Message.ID
const MsgIDLength = 16

// MessageID is the ASCII encoded, 16-byte message ID as set by nsqd
type MessageID [MsgIDLength]byte

// Message is the fundamental data type containing the id, body, and
// metadata of a message received off a Conn. A Message carries exactly
// one terminal response (Finish or Requeue); Touch is non-terminal and
// may be called any number of times before the terminal response.
type Message struct {
	ID        MessageID
	Body      []byte
	Timestamp int64
	Attempts  uint16

	NSQDAddress string

	Delegate MessageDelegate

	autoResponseDisabled int32
	responded            int32
}

// MessageDelegate is used to send to a Conn when a message is ready for
// delivery or has reached a terminal or non-terminal state
type MessageDelegate interface {
	// OnFinish is called when the Finish() method is triggered
	OnFinish(*Message)

	// OnRequeue is called when the Requeue() method is triggered
	OnRequeue(m *Message, delay time.Duration, backoff bool)

	// OnTouch is called when the Touch() method is triggered
	OnTouch(*Message)
}

// NewMessage creates a Message, initializes some metadata, and returns
// a pointer
func NewMessage(id MessageID, body []byte) *Message {
	return &Message{
		ID:        id,
		Body:      body,
		Timestamp: time.Now().UnixNano(),
	}
}

// DisableAutoResponse disables the automatic response that would normally
// be sent when a handler.HandleMessage returns (see Handler). This is
// useful if you want to batch, buffer, or asynchronously respond to
// messages.
func (m *Message) DisableAutoResponse() {
	atomic.StoreInt32(&m.autoResponseDisabled, 1)
}

// IsAutoResponseDisabled indicates whether or not this message will be
// responded to automatically
func (m *Message) IsAutoResponseDisabled() bool {
	return atomic.LoadInt32(&m.autoResponseDisabled) == 1
}

// HasResponded indicates whether or not this message has already had a
// terminal response sent
func (m *Message) HasResponded() bool {
	return atomic.LoadInt32(&m.responded) == 1
}

// Finish sends a FIN command to the nsqd which sent this message
func (m *Message) Finish() {
	if !atomic.CompareAndSwapInt32(&m.responded, 0, 1) {
		return
	}
	m.Delegate.OnFinish(m)
}

// Touch sends a TOUCH command to the nsqd which sent this message
func (m *Message) Touch() {
	if m.HasResponded() {
		return
	}
	m.Delegate.OnTouch(m)
}

// Requeue sends a REQ command to the nsqd which sent this message,
// using the supplied delay.
//
// A delay of -1 will automatically calculate based on the number of
// attempts and the configured DefaultRequeueDelay.
func (m *Message) Requeue(delay time.Duration) {
	m.doRequeue(delay, true)
}

// RequeueWithoutBackoff sends a REQ command to the nsqd which sent this
// message, using the supplied delay, without incrementing the retry count
// of the backoff controller
func (m *Message) RequeueWithoutBackoff(delay time.Duration) {
	m.doRequeue(delay, false)
}

func (m *Message) doRequeue(delay time.Duration, backoff bool) {
	if !atomic.CompareAndSwapInt32(&m.responded, 0, 1) {
		return
	}
	m.Delegate.OnRequeue(m, delay, backoff)
}

// WriteTo implements the WriterTo interface and serializes the message
// into the supplied writer.
//
// It is suggested that the target Writer is buffered to avoid performing
// many system calls.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	var buf [10]byte
	var total int64

	binary.BigEndian.PutUint64(buf[:8], uint64(m.Timestamp))
	binary.BigEndian.PutUint16(buf[8:10], m.Attempts)

	n, err := w.Write(buf[:])
	total += int64(n)
	if err != nil {
		return total, err
	}

	n, err = w.Write(m.ID[:])
	total += int64(n)
	if err != nil {
		return total, err
	}

	n, err = w.Write(m.Body)
	total += int64(n)
	if err != nil {
		return total, err
	}

	return total, nil
}

// DecodeMessage deserializes data (as []byte) as produced by a MESSAGE
// frame and creates a new Message
func DecodeMessage(b []byte) (*Message, error) {
	if len(b) < 10+MsgIDLength {
		return nil, fmt.Errorf("not enough data to decode valid message")
	}

	var msg Message

	msg.Timestamp = int64(binary.BigEndian.Uint64(b[:8]))
	msg.Attempts = binary.BigEndian.Uint16(b[8:10])

	buf := bytes.NewBuffer(b[10:])

	_, err := io.ReadFull(buf, msg.ID[:])
	if err != nil {
		return nil, err
	}

	msg.Body = buf.Bytes()

	return &msg, nil
}
