package nsq

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// recordingConnDelegate captures every ConnDelegate callback for
// assertions, standing in for a real Consumer/Producer in connection-
// level tests.
type recordingConnDelegate struct {
	mtx sync.Mutex

	messages  []*Message
	responses [][]byte
	errors    [][]byte
	finished  []*Message
	requeued  []*Message
	closed    bool
	identify  *IdentifyResponse
}

func (d *recordingConnDelegate) OnIdentifyResponse(c *Conn, resp *IdentifyResponse) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.identify = resp
}
func (d *recordingConnDelegate) OnAuthResponse(c *Conn, data []byte) {}
func (d *recordingConnDelegate) OnResponse(c *Conn, data []byte) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.responses = append(d.responses, data)
}
func (d *recordingConnDelegate) OnError(c *Conn, data []byte) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.errors = append(d.errors, data)
}
func (d *recordingConnDelegate) OnMessage(c *Conn, m *Message) {
	d.mtx.Lock()
	d.messages = append(d.messages, m)
	d.mtx.Unlock()
}
func (d *recordingConnDelegate) OnMessageFinished(c *Conn, m *Message) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.finished = append(d.finished, m)
}
func (d *recordingConnDelegate) OnMessageRequeued(c *Conn, m *Message) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.requeued = append(d.requeued, m)
}
func (d *recordingConnDelegate) OnBackoff(c *Conn)  {}
func (d *recordingConnDelegate) OnContinue(c *Conn) {}
func (d *recordingConnDelegate) OnResume(c *Conn)   {}
func (d *recordingConnDelegate) OnIOError(c *Conn, err error) {}
func (d *recordingConnDelegate) OnHeartbeat(c *Conn)           {}
func (d *recordingConnDelegate) OnClose(c *Conn) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.closed = true
}

func (d *recordingConnDelegate) messageCount() int {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return len(d.messages)
}

func TestConnConnectHandshake(t *testing.T) {
	mock := newMockNSQD(t)
	defer mock.close()

	cfg := NewConfig()
	delegate := &recordingConnDelegate{}
	conn := NewConn(mock.addr(), cfg, delegate)

	resp, err := conn.Connect()
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.EqualValues(t, 2500, resp.MaxRdyCount)
	require.EqualValues(t, 2500, conn.MaxRDY())

	conn.Close()
}

func TestConnReceivesMessage(t *testing.T) {
	mock := newMockNSQD(t)
	defer mock.close()

	cfg := NewConfig()
	delegate := &recordingConnDelegate{}
	conn := NewConn(mock.addr(), cfg, delegate)

	_, err := conn.Connect()
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteCommand(Ready(1)))

	var id MessageID
	copy(id[:], "0000000000000001")
	mock.sendMessage(id, []byte("payload"))

	require.True(t, waitFor(t, time.Second, func() bool { return delegate.messageCount() == 1 }))

	delegate.mtx.Lock()
	msg := delegate.messages[0]
	delegate.mtx.Unlock()

	require.Equal(t, id, msg.ID)
	require.Equal(t, []byte("payload"), msg.Body)
	require.EqualValues(t, 1, conn.InFlight())
}

func TestConnSnappyUpgradeWithAuthDeliversIdenticalBodies(t *testing.T) {
	mock := newMockNSQDWithOpts(t, mockNSQDOpts{snappy: true, authRequired: true})
	defer mock.close()

	cfg := NewConfig()
	cfg.Snappy = true
	cfg.AuthSecret = "super-secret"
	delegate := &recordingConnDelegate{}
	conn := NewConn(mock.addr(), cfg, delegate)

	resp, err := conn.Connect()
	require.NoError(t, err)
	require.True(t, resp.Snappy)
	require.True(t, resp.AuthRequired)
	defer conn.Close()

	mock.mtx.Lock()
	authCount := mock.authCount
	mock.mtx.Unlock()
	require.EqualValues(t, 1, authCount)

	require.NoError(t, conn.WriteCommand(Ready(3)))

	// bodies straddling several reads must come through the
	// compression layer byte-identical
	bodies := [][]byte{
		[]byte("alpha"),
		bytes.Repeat([]byte("0123456789abcdef"), 512),
		[]byte("gamma"),
	}
	for i, body := range bodies {
		mock.sendMessage(newTestMessageID(byte(i + 1)), body)
	}

	require.True(t, waitFor(t, time.Second, func() bool { return delegate.messageCount() == 3 }))

	delegate.mtx.Lock()
	for i, msg := range delegate.messages {
		require.Equal(t, bodies[i], msg.Body)
	}
	msg := delegate.messages[0]
	delegate.mtx.Unlock()

	// the response path must round-trip through the same layer
	msg.Finish()
	require.True(t, waitFor(t, time.Second, func() bool {
		mock.mtx.Lock()
		defer mock.mtx.Unlock()
		return mock.finCount == 1
	}))
}

func TestConnDeflateUpgradeDeliversIdenticalBodies(t *testing.T) {
	mock := newMockNSQDWithOpts(t, mockNSQDOpts{deflate: true})
	defer mock.close()

	cfg := NewConfig()
	cfg.Deflate = true
	delegate := &recordingConnDelegate{}
	conn := NewConn(mock.addr(), cfg, delegate)

	resp, err := conn.Connect()
	require.NoError(t, err)
	require.True(t, resp.Deflate)
	defer conn.Close()

	require.NoError(t, conn.WriteCommand(Ready(2)))

	bodies := [][]byte{
		bytes.Repeat([]byte("deflate me "), 1024),
		[]byte("tail"),
	}
	for i, body := range bodies {
		mock.sendMessage(newTestMessageID(byte(i + 1)), body)
	}

	require.True(t, waitFor(t, time.Second, func() bool { return delegate.messageCount() == 2 }))

	delegate.mtx.Lock()
	defer delegate.mtx.Unlock()
	for i, msg := range delegate.messages {
		require.Equal(t, bodies[i], msg.Body)
	}
}

func TestConnFinishDecrementsInFlight(t *testing.T) {
	mock := newMockNSQD(t)
	defer mock.close()

	cfg := NewConfig()
	delegate := &recordingConnDelegate{}
	conn := NewConn(mock.addr(), cfg, delegate)

	_, err := conn.Connect()
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteCommand(Ready(1)))

	var id MessageID
	copy(id[:], "0000000000000002")
	mock.sendMessage(id, []byte("payload"))

	require.True(t, waitFor(t, time.Second, func() bool { return delegate.messageCount() == 1 }))

	delegate.mtx.Lock()
	msg := delegate.messages[0]
	delegate.mtx.Unlock()
	msg.Delegate = &connMessageDelegate{conn}

	msg.Finish()

	require.True(t, waitFor(t, time.Second, func() bool { return conn.InFlight() == 0 }))
}
