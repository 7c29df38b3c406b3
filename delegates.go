package nsq

import "time"

// ConnDelegate is the typed fan-out interface a Conn emits events
// through. A Consumer and a Producer each implement a thin adapter
// satisfying this interface per-connection.
type ConnDelegate interface {
	// OnIdentifyResponse is called after parsing the IDENTIFY response
	OnIdentifyResponse(c *Conn, identifyResponse *IdentifyResponse)

	// OnAuthResponse is called after AUTH negotiation completes
	OnAuthResponse(c *Conn, data []byte)

	// OnResponse is called whenever a FrameTypeResponse (other than the
	// heartbeat sentinel) is received
	OnResponse(c *Conn, data []byte)

	// OnError is called whenever a FrameTypeError is received
	OnError(c *Conn, data []byte)

	// OnMessage is called whenever a FrameTypeMessage is received
	OnMessage(c *Conn, m *Message)

	// OnMessageFinished is called when a message has been locally
	// responded to with FIN
	OnMessageFinished(c *Conn, m *Message)

	// OnMessageRequeued is called when a message has been locally
	// responded to with REQ
	OnMessageRequeued(c *Conn, m *Message)

	// OnBackoff is called when the Conn signals that the consumer
	// should enter a backoff state
	OnBackoff(c *Conn)

	// OnContinue is called when a message has been requeued without
	// backoff
	OnContinue(c *Conn)

	// OnResume is called when the Conn signals that normal throughput
	// (post-backoff) should resume
	OnResume(c *Conn)

	// OnIOError is called when the connection experiences a low-level
	// transport error
	OnIOError(c *Conn, err error)

	// OnHeartbeat is called when the Conn receives a heartbeat from nsqd
	OnHeartbeat(c *Conn)

	// OnClose is called when the Conn finishes closing
	OnClose(c *Conn)
}

// connMessageDelegate bridges Message{Finish,Touch,Requeue} back onto
// the owning Conn
type connMessageDelegate struct {
	c *Conn
}

func (d *connMessageDelegate) OnFinish(m *Message) {
	d.c.onMessageFinish(m)
}

func (d *connMessageDelegate) OnRequeue(m *Message, delay time.Duration, backoff bool) {
	d.c.onMessageRequeue(m, delay, backoff)
}

func (d *connMessageDelegate) OnTouch(m *Message) {
	d.c.onMessageTouch(m)
}
