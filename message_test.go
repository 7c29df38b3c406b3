package nsq

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingDelegate struct {
	finished bool
	touched  int
	requeued bool
	delay    time.Duration
	backoff  bool
}

func (d *recordingDelegate) OnFinish(m *Message) { d.finished = true }
func (d *recordingDelegate) OnRequeue(m *Message, delay time.Duration, backoff bool) {
	d.requeued = true
	d.delay = delay
	d.backoff = backoff
}
func (d *recordingDelegate) OnTouch(m *Message) { d.touched++ }

func TestMessageWriteAndDecodeRoundTrip(t *testing.T) {
	var id MessageID
	copy(id[:], "0000000000000042")

	msg := NewMessage(id, []byte("hello world"))
	msg.Attempts = 3

	var buf bytes.Buffer
	_, err := msg.WriteTo(&buf)
	require.NoError(t, err)

	decoded, err := DecodeMessage(buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, id, decoded.ID)
	require.Equal(t, []byte("hello world"), decoded.Body)
	require.EqualValues(t, 3, decoded.Attempts)
	require.Equal(t, msg.Timestamp, decoded.Timestamp)
}

func TestDecodeMessageRejectsShortPayload(t *testing.T) {
	_, err := DecodeMessage([]byte("too short"))
	require.Error(t, err)
}

func TestMessageFinishIsTerminalAndIdempotent(t *testing.T) {
	var id MessageID
	d := &recordingDelegate{}
	msg := NewMessage(id, nil)
	msg.Delegate = d

	msg.Finish()
	require.True(t, d.finished)
	require.True(t, msg.HasResponded())

	// a second terminal call (Finish or Requeue) must be a no-op
	d.finished = false
	msg.Finish()
	msg.Requeue(-1)
	require.False(t, d.finished)
	require.False(t, d.requeued)
}

func TestMessageRequeueCarriesBackoffFlag(t *testing.T) {
	var id MessageID
	d := &recordingDelegate{}
	msg := NewMessage(id, nil)
	msg.Delegate = d

	msg.RequeueWithoutBackoff(5 * time.Second)
	require.True(t, d.requeued)
	require.False(t, d.backoff)
	require.Equal(t, 5*time.Second, d.delay)
}

func TestMessageTouchIsNonTerminal(t *testing.T) {
	var id MessageID
	d := &recordingDelegate{}
	msg := NewMessage(id, nil)
	msg.Delegate = d

	msg.Touch()
	msg.Touch()
	require.Equal(t, 2, d.touched)
	require.False(t, msg.HasResponded())

	msg.Finish()
	require.True(t, d.finished)

	// touch after a terminal response must not be delivered
	msg.Touch()
	require.Equal(t, 2, d.touched)
}

func TestMessageAutoResponseDisabled(t *testing.T) {
	var id MessageID
	msg := NewMessage(id, nil)
	require.False(t, msg.IsAutoResponseDisabled())
	msg.DisableAutoResponse()
	require.True(t, msg.IsAutoResponseDisabled())
}
