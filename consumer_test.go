package nsq

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingHandler struct {
	mtx    sync.Mutex
	count  int
	fail   bool
	bodies [][]byte
}

func (h *countingHandler) HandleMessage(m *Message) error {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.count++
	h.bodies = append(h.bodies, m.Body)
	if h.fail {
		return fmt.Errorf("synthetic handler failure")
	}
	return nil
}

func (h *countingHandler) handled() int {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return h.count
}

func newTestMessageID(n byte) MessageID {
	var id MessageID
	copy(id[:], fmt.Sprintf("%016d", n))
	return id
}

func TestNewConsumerValidatesTopicAndChannel(t *testing.T) {
	_, err := NewConsumer("", "channel", nil)
	require.Error(t, err)

	_, err = NewConsumer("topic", "bad channel name", nil)
	require.Error(t, err)

	c, err := NewConsumer("test_topic", "test_channel", nil)
	require.NoError(t, err)
	require.NotNil(t, c)
	c.Stop()
}

func TestConsumerRequiresHandlerBeforeConnecting(t *testing.T) {
	c, err := NewConsumer("test_topic", "test_channel", nil)
	require.NoError(t, err)
	defer c.Stop()

	err = c.ConnectToNSQD("127.0.0.1:1")
	require.Error(t, err)
}

func TestConsumerReceivesAndFinishesMessages(t *testing.T) {
	mock := newMockNSQD(t)
	defer mock.close()

	cfg := NewConfig()
	c, err := NewConsumer("test_topic", "test_channel", cfg)
	require.NoError(t, err)
	defer c.Stop()

	handler := &countingHandler{}
	c.AddHandler(handler)

	require.NoError(t, c.ConnectToNSQD(mock.addr()))

	require.True(t, waitFor(t, time.Second, func() bool {
		return len(c.snapshotConns()) == 1
	}))

	mock.sendMessage(newTestMessageID(1), []byte("hello"))

	require.True(t, waitFor(t, time.Second, func() bool { return handler.handled() == 1 }))

	stats := c.Stats()
	require.EqualValues(t, 1, stats.MessagesReceived)

	require.True(t, waitFor(t, time.Second, func() bool {
		mock.mtx.Lock()
		defer mock.mtx.Unlock()
		return mock.finCount == 1
	}))
}

func TestConsumerRequeuesOnHandlerError(t *testing.T) {
	mock := newMockNSQD(t)
	defer mock.close()

	c, err := NewConsumer("test_topic", "test_channel", NewConfig())
	require.NoError(t, err)
	defer c.Stop()

	handler := &countingHandler{fail: true}
	c.AddHandler(handler)

	require.NoError(t, c.ConnectToNSQD(mock.addr()))
	require.True(t, waitFor(t, time.Second, func() bool { return len(c.snapshotConns()) == 1 }))

	mock.sendMessage(newTestMessageID(2), []byte("boom"))

	require.True(t, waitFor(t, time.Second, func() bool {
		mock.mtx.Lock()
		defer mock.mtx.Unlock()
		return mock.reqCount == 1
	}))

	// a single failure must push the backoff state machine into a block
	require.True(t, waitFor(t, time.Second, func() bool {
		return c.Stats().InBackoff
	}))
}

func TestConsumerEnforcesGlobalRDYInvariant(t *testing.T) {
	mockA := newMockNSQD(t)
	defer mockA.close()
	mockB := newMockNSQD(t)
	defer mockB.close()

	cfg := NewConfig()
	cfg.MaxInFlight = 1

	c, err := NewConsumer("test_topic", "test_channel", cfg)
	require.NoError(t, err)
	defer c.Stop()

	c.AddHandler(&countingHandler{})

	require.NoError(t, c.ConnectToNSQD(mockA.addr()))
	require.NoError(t, c.ConnectToNSQD(mockB.addr()))

	require.True(t, waitFor(t, time.Second, func() bool { return len(c.snapshotConns()) == 2 }))

	require.True(t, waitFor(t, time.Second, func() bool {
		var total int64
		for _, conn := range c.snapshotConns() {
			total += conn.RDY()
		}
		return total <= int64(cfg.MaxInFlight)
	}))
}

func TestConsumerSetMaxInFlightZeroStopsAllRDY(t *testing.T) {
	mock := newMockNSQD(t)
	defer mock.close()

	c, err := NewConsumer("test_topic", "test_channel", NewConfig())
	require.NoError(t, err)
	defer c.Stop()
	c.AddHandler(&countingHandler{})

	require.NoError(t, c.ConnectToNSQD(mock.addr()))
	require.True(t, waitFor(t, time.Second, func() bool { return len(c.snapshotConns()) == 1 }))

	require.NoError(t, c.SetMaxInFlight(0))
	require.True(t, waitFor(t, time.Second, func() bool {
		return atomic.LoadInt64(&c.totalRdyCount) == 0
	}))
	require.Equal(t, 0, c.MaxInFlight())
}

func TestConsumerPerConnMaxRDY(t *testing.T) {
	cfg := NewConfig()
	cfg.MaxInFlight = 10

	c, err := NewConsumer("test_topic", "test_channel", cfg)
	require.NoError(t, err)
	defer c.Stop()

	require.EqualValues(t, 10, c.perConnMaxRDYFor(1))
	require.EqualValues(t, 3, c.perConnMaxRDYFor(3))
	// oversubscribed: every connection still gets at least 1
	require.EqualValues(t, 1, c.perConnMaxRDYFor(25))
	require.EqualValues(t, 10, c.perConnMaxRDYFor(0))
}

func TestConsumerIsStarved(t *testing.T) {
	mock := newMockNSQD(t)
	defer mock.close()

	cfg := NewConfig()
	cfg.MaxInFlight = 1

	c, err := NewConsumer("test_topic", "test_channel", cfg)
	require.NoError(t, err)
	defer c.Stop()

	held := make(chan *Message, 1)
	c.AddHandler(HandlerFunc(func(m *Message) error {
		m.DisableAutoResponse()
		held <- m
		return nil
	}))
	require.False(t, c.IsStarved())

	require.NoError(t, c.ConnectToNSQD(mock.addr()))
	require.True(t, waitFor(t, time.Second, func() bool { return len(c.snapshotConns()) == 1 }))

	mock.sendMessage(newTestMessageID(9), []byte("slow"))

	var msg *Message
	select {
	case msg = <-held:
	case <-time.After(time.Second):
		t.Fatal("message was not delivered")
	}

	// with last_rdy=1, a single unresponded in-flight message crosses
	// the 85% threshold
	require.True(t, c.IsStarved())

	msg.Finish()
	require.True(t, waitFor(t, time.Second, func() bool { return !c.IsStarved() }))
}

func TestConsumerStopClosesConnections(t *testing.T) {
	mock := newMockNSQD(t)
	defer mock.close()

	c, err := NewConsumer("test_topic", "test_channel", NewConfig())
	require.NoError(t, err)
	c.AddHandler(&countingHandler{})

	require.NoError(t, c.ConnectToNSQD(mock.addr()))
	require.True(t, waitFor(t, time.Second, func() bool { return len(c.snapshotConns()) == 1 }))

	c.Stop()

	select {
	case <-c.StopChan:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop in time")
	}
}
