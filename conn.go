package nsq

import (
	"bufio"
	"bytes"
	"compress/flate"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// IdentifyResponse represents the metadata returned from an IDENTIFY
// command to nsqd
type IdentifyResponse struct {
	MaxRdyCount  int64 `json:"max_rdy_count"`
	TLSv1        bool  `json:"tls_v1"`
	Deflate      bool  `json:"deflate"`
	Snappy       bool  `json:"snappy"`
	AuthRequired bool  `json:"auth_required"`
}

// AuthResponse represents the metadata returned from an AUTH command
type AuthResponse struct {
	Identity        string `json:"identity"`
	IdentityURL     string `json:"identity_url"`
	PermissionCount int64  `json:"permission_count"`
}

// Conn represents a connection to nsqd.
//
// Conn exposes a set of bootstrapping and negotiation behaviors and
// fans out the events it observes (MESSAGE, RESPONSE, ERROR, HEARTBEAT,
// CLOSE, BACKOFF/CONTINUE/RESUME) through a ConnDelegate so that owning
// code (Consumer, Producer) never has to reach into the wire protocol.
type Conn struct {
	messagesInFlight int64
	maxRdyCount      int64
	rdyCount         int64
	lastRdyCount     int64
	lastMsgTimestamp int64
	lastActivity     int64

	mtx sync.Mutex

	config *Config

	conn    net.Conn
	tlsConn *tls.Conn
	addr    string

	delegate ConnDelegate

	logger *logCtx

	r io.Reader
	w io.Writer

	cmdBuf bytes.Buffer

	flateWriter *flate.Writer

	identifyResponse *IdentifyResponse

	rdyRetryTimer *time.Timer

	msgResponseChan chan *msgResponse
	cmdChan         chan *Command
	exitChan        chan int
	drainReady      chan int

	state int32

	stopFlag int32
	stopper  sync.Once
	wg       sync.WaitGroup

	readLoopRunning int32
}

// msgResponse carries a terminal response (FIN or REQ) for a message,
// destined for the write loop and then the owning delegate's
// OnMessageFinished/OnMessageRequeued bookkeeping hook.
type msgResponse struct {
	msg     *Message
	cmd     *Command
	success bool
	backoff bool
}

// NewConn returns a new Conn instance
func NewConn(addr string, config *Config, delegate ConnDelegate) *Conn {
	if config.DialTimeout == 0 {
		config.DialTimeout = time.Second
	}
	maxRdyCount := config.MaxRdyCount
	if maxRdyCount <= 0 {
		maxRdyCount = 2500
	}
	return &Conn{
		addr: addr,

		config:   config,
		delegate: delegate,

		maxRdyCount:      maxRdyCount,
		lastMsgTimestamp: time.Now().UnixNano(),
		lastActivity:     time.Now().UnixNano(),

		msgResponseChan: make(chan *msgResponse),
		cmdChan:         make(chan *Command),
		exitChan:        make(chan int),
		drainReady:      make(chan int),

		logger: newLogCtx(nil, LogLevelInfo, 0, addr),
	}
}

// SetLogger configures the logger and level used by this Conn
func (c *Conn) SetLogger(l Logger, lvl LogLevel) {
	c.logger.logger = l
	c.logger.logLvl = lvl
}

func (c *Conn) log(lvl LogLevel, f string, args ...interface{}) {
	c.logger.ctx = c.String()
	c.logger.log(lvl, f, args...)
}

// Connect dials and bootstraps the nsqd connection (magic bytes +
// IDENTIFY + optional feature upgrades + optional AUTH) and returns the
// negotiated IdentifyResponse.
func (c *Conn) Connect() (*IdentifyResponse, error) {
	atomic.StoreInt32(&c.state, StateConnecting)
	dialer := &net.Dialer{Timeout: c.config.DialTimeout}
	if c.config.LocalAddr != "" {
		laddr, err := net.ResolveTCPAddr("tcp", c.config.LocalAddr)
		if err != nil {
			atomic.StoreInt32(&c.state, StateDisconnected)
			return nil, fmt.Errorf("[%s] failed to resolve local addr %q - %s", c.addr, c.config.LocalAddr, err)
		}
		dialer.LocalAddr = laddr
	}
	conn, err := dialer.Dial("tcp", c.addr)
	if err != nil {
		atomic.StoreInt32(&c.state, StateDisconnected)
		return nil, err
	}
	c.conn = conn
	c.r = conn
	c.w = conn

	_, err = c.Write(MagicV2)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("[%s] failed to write magic - %s", c.addr, err)
	}

	resp, err := c.identify()
	if err != nil {
		c.Close()
		return nil, err
	}

	atomic.StoreInt32(&c.state, StateConnected)

	c.wg.Add(2)
	atomic.StoreInt32(&c.readLoopRunning, 1)
	go c.readLoop()
	go c.writeLoop()
	return resp, nil
}

// State returns the connection's current lifecycle state
func (c *Conn) State() int32 {
	return atomic.LoadInt32(&c.state)
}

// Close idempotently closes the underlying TCP connection
func (c *Conn) Close() error {
	atomic.StoreInt32(&c.stopFlag, 1)
	atomic.StoreInt32(&c.state, StateDisconnected)
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// IsClosing indicates whether this connection is in the process of
// closing
func (c *Conn) IsClosing() bool {
	return atomic.LoadInt32(&c.stopFlag) == 1
}

// RDY returns the current RDY count
func (c *Conn) RDY() int64 {
	return atomic.LoadInt64(&c.rdyCount)
}

// LastRDY returns the previously set RDY count
func (c *Conn) LastRDY() int64 {
	return atomic.LoadInt64(&c.lastRdyCount)
}

// SetRDY stores the specified RDY count without sending a command (the
// Consumer records the count before writing RDY and restores the old
// count if the write fails)
func (c *Conn) SetRDY(rdy int64) {
	atomic.StoreInt64(&c.rdyCount, rdy)
	atomic.StoreInt64(&c.lastRdyCount, rdy)
}

// MaxRDY returns the nsqd-negotiated maximum RDY count this connection
// will accept
func (c *Conn) MaxRDY() int64 {
	return atomic.LoadInt64(&c.maxRdyCount)
}

// InFlight returns the number of messages received but not yet
// responded to
func (c *Conn) InFlight() int64 {
	return atomic.LoadInt64(&c.messagesInFlight)
}

// LastMessageTime returns the time the last MESSAGE frame was received
func (c *Conn) LastMessageTime() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastMsgTimestamp))
}

// LastActivityTime returns the time of the last frame (of any type)
// received on this connection
func (c *Conn) LastActivityTime() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastActivity))
}

// Address returns the configured destination nsqd address
func (c *Conn) Address() string {
	return c.addr
}

// String returns the fully-qualified address of this connection
func (c *Conn) String() string {
	return c.addr
}

// Read performs a deadlined read on the underlying TCP connection
func (c *Conn) Read(p []byte) (int, error) {
	c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	return c.r.Read(p)
}

// Write performs a deadlined write on the underlying TCP connection
func (c *Conn) Write(p []byte) (int, error) {
	c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	return c.w.Write(p)
}

// WriteCommand writes the specified Command directly to the underlying
// connection, bypassing the cmdChan. Writes are serialized by the Conn's
// mutex, so it may be called from any goroutine: the writeLoop uses it
// for FIN/REQ/TOUCH, and the Consumer and Producer call it directly for
// SUB, RDY, CLS and publishes.
func (c *Conn) WriteCommand(cmd *Command) error {
	if c.IsClosing() {
		return ErrClosing
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.cmdBuf.Reset()
	_, err := cmd.WriteTo(&c.cmdBuf)
	if err != nil {
		return err
	}

	_, err = c.cmdBuf.WriteTo(c)
	if err != nil {
		return err
	}

	if c.flateWriter != nil {
		return c.flateWriter.Flush()
	}

	return nil
}

// ReadUnpackedResponse reads and parses a single frame from the
// underlying connection
func (c *Conn) ReadUnpackedResponse() (int32, []byte, error) {
	resp, err := ReadResponse(c)
	if err != nil {
		return -1, nil, err
	}
	atomic.StoreInt64(&c.lastActivity, time.Now().UnixNano())
	return UnpackResponse(resp)
}

func (c *Conn) identify() (*IdentifyResponse, error) {
	ci := make(map[string]interface{})
	ci["client_id"] = c.config.ClientID
	ci["hostname"] = c.config.Hostname
	// deprecated, for nsqd builds pre-dating client_id/hostname
	ci["short_id"] = c.config.ClientID
	ci["long_id"] = c.config.Hostname
	ci["user_agent"] = c.config.UserAgent
	ci["tls_v1"] = c.config.TlsV1
	ci["deflate"] = c.config.Deflate
	ci["deflate_level"] = c.config.DeflateLevel
	ci["snappy"] = c.config.Snappy
	ci["feature_negotiation"] = true
	ci["heartbeat_interval"] = int64(c.config.HeartbeatInterval / time.Millisecond)
	ci["sample_rate"] = c.config.SampleRate
	ci["output_buffer_size"] = c.config.OutputBufferSize
	ci["output_buffer_timeout"] = int64(c.config.OutputBufferTimeout / time.Millisecond)
	ci["msg_timeout"] = int64(c.config.MsgTimeout / time.Millisecond)
	cmd, err := Identify(ci)
	if err != nil {
		return nil, ErrIdentify{Reason: err.Error()}
	}

	err = c.WriteCommand(cmd)
	if err != nil {
		return nil, ErrIdentify{Reason: err.Error()}
	}

	frameType, data, err := c.ReadUnpackedResponse()
	if err != nil {
		return nil, ErrIdentify{Reason: err.Error()}
	}

	if frameType == FrameTypeError {
		return nil, ErrIdentify{Reason: string(data)}
	}

	// a legacy (pre feature-negotiation) nsqd responds with a bare "OK";
	// SUB is still valid, max_rdy_count stays at its default
	if len(data) == 0 || data[0] != '{' {
		return nil, nil
	}

	resp := &IdentifyResponse{}
	err = json.Unmarshal(data, resp)
	if err != nil {
		return nil, ErrIdentify{Reason: err.Error()}
	}

	atomic.StoreInt64(&c.maxRdyCount, resp.MaxRdyCount)
	c.identifyResponse = resp

	c.delegate.OnIdentifyResponse(c, resp)

	if resp.TLSv1 {
		c.log(LogLevelInfo, "upgrading to TLS")
		err := c.upgradeTLS(c.config.TlsConfig)
		if err != nil {
			return nil, ErrIdentify{Reason: err.Error()}
		}
	}

	if resp.Deflate {
		c.log(LogLevelInfo, "upgrading to Deflate")
		err := c.upgradeDeflate(c.config.DeflateLevel)
		if err != nil {
			return nil, ErrIdentify{Reason: err.Error()}
		}
	} else if resp.Snappy {
		c.log(LogLevelInfo, "upgrading to Snappy")
		err := c.upgradeSnappy()
		if err != nil {
			return nil, ErrIdentify{Reason: err.Error()}
		}
	}

	// now that the connection is bootstrapped, enable read buffering
	if _, ok := c.r.(*bufio.Reader); !ok {
		c.r = bufio.NewReader(c.r)
	}

	if resp.AuthRequired {
		if c.config.AuthSecret == "" {
			return nil, ErrIdentify{Reason: "auth required but no auth_secret configured"}
		}
		err := c.auth(c.config.AuthSecret)
		if err != nil {
			return nil, ErrIdentify{Reason: err.Error()}
		}
	}

	return resp, nil
}

func (c *Conn) auth(secret string) error {
	cmd, err := Auth(secret)
	if err != nil {
		return err
	}

	err = c.WriteCommand(cmd)
	if err != nil {
		return err
	}

	frameType, data, err := c.ReadUnpackedResponse()
	if err != nil {
		return err
	}

	if frameType == FrameTypeError {
		return errors.New("error authenticating " + string(data))
	}

	resp := &AuthResponse{}
	err = json.Unmarshal(data, resp)
	if err != nil {
		return err
	}

	c.delegate.OnAuthResponse(c, data)

	c.log(LogLevelInfo, "AUTH accepted identity %q %s", resp.Identity, resp.IdentityURL)

	return nil
}

func (c *Conn) upgradeTLS(conf *tls.Config) error {
	if conf == nil {
		conf = &tls.Config{}
	}
	host, _, _ := net.SplitHostPort(c.addr)
	if conf.ServerName == "" {
		conf = conf.Clone()
		conf.ServerName = host
	}

	c.tlsConn = tls.Client(c.conn, conf)
	err := c.tlsConn.Handshake()
	if err != nil {
		return err
	}
	c.r = c.tlsConn
	c.w = c.tlsConn
	frameType, data, err := c.ReadUnpackedResponse()
	if err != nil {
		return err
	}
	if frameType != FrameTypeResponse || !bytes.Equal(data, []byte("OK")) {
		return errors.New("invalid response from TLS upgrade")
	}
	return nil
}

func (c *Conn) upgradeDeflate(level int) error {
	conn := net.Conn(c.conn)
	if c.tlsConn != nil {
		conn = c.tlsConn
	}
	// drainBuffered (inside newDeflateReader) replays anything already
	// buffered by the prior layer so a message straddling the upgrade
	// boundary on the wire is not dropped
	c.r = newDeflateReader(c.r)
	fw, err := newDeflateWriter(conn, level)
	if err != nil {
		return err
	}
	c.flateWriter = fw
	c.w = fw
	frameType, data, err := c.ReadUnpackedResponse()
	if err != nil {
		return err
	}
	if frameType != FrameTypeResponse || !bytes.Equal(data, []byte("OK")) {
		return errors.New("invalid response from Deflate upgrade")
	}
	return nil
}

func (c *Conn) upgradeSnappy() error {
	conn := net.Conn(c.conn)
	if c.tlsConn != nil {
		conn = c.tlsConn
	}
	c.r = newSnappyReader(c.r)
	c.w = newSnappyWriter(conn)
	frameType, data, err := c.ReadUnpackedResponse()
	if err != nil {
		return err
	}
	if frameType != FrameTypeResponse || !bytes.Equal(data, []byte("OK")) {
		return errors.New("invalid response from Snappy upgrade")
	}
	return nil
}

func (c *Conn) readLoop() {
	for {
		if atomic.LoadInt32(&c.stopFlag) == 1 {
			goto exit
		}

		frameType, data, err := c.ReadUnpackedResponse()
		if err != nil {
			if !c.IsClosing() {
				c.log(LogLevelError, "IO error - %s", err)
				c.delegate.OnIOError(c, err)
			}
			goto exit
		}

		if frameType == FrameTypeResponse && bytes.Equal(data, []byte("_heartbeat_")) {
			c.delegate.OnHeartbeat(c)
			err := c.WriteCommand(Nop())
			if err != nil {
				c.log(LogLevelError, "IO error - %s", err)
				c.delegate.OnIOError(c, err)
				goto exit
			}
			continue
		}

		switch frameType {
		case FrameTypeResponse:
			c.delegate.OnResponse(c, data)
		case FrameTypeMessage:
			msg, err := DecodeMessage(data)
			if err != nil {
				c.log(LogLevelError, "IO error - %s", err)
				c.delegate.OnIOError(c, ErrIntegrity{Reason: err.Error()})
				goto exit
			}
			msg.NSQDAddress = c.addr
			msg.Delegate = &connMessageDelegate{c}

			atomic.AddInt64(&c.rdyCount, -1)
			atomic.AddInt64(&c.messagesInFlight, 1)
			atomic.StoreInt64(&c.lastMsgTimestamp, time.Now().UnixNano())

			c.delegate.OnMessage(c, msg)
		case FrameTypeError:
			c.log(LogLevelError, "protocol error - %s", data)
			c.delegate.OnError(c, data)
		default:
			c.log(LogLevelError, "unknown frame type %d", frameType)
			c.delegate.OnIOError(c, fmt.Errorf("unknown frame type %d", frameType))
		}
	}

exit:
	atomic.StoreInt32(&c.readLoopRunning, 0)
	messagesInFlight := atomic.LoadInt64(&c.messagesInFlight)
	if messagesInFlight == 0 {
		c.close()
	} else {
		c.log(LogLevelWarning, "delaying close, %d outstanding messages", messagesInFlight)
	}
	c.wg.Done()
}

func (c *Conn) writeLoop() {
	heartbeatCheck := c.config.HeartbeatInterval
	if heartbeatCheck <= 0 {
		heartbeatCheck = 30 * time.Second
	}
	staleTicker := time.NewTicker(heartbeatCheck)
	defer staleTicker.Stop()

	for {
		select {
		case <-c.exitChan:
			close(c.drainReady)
			goto exit
		case <-staleTicker.C:
			staleMultiplier := c.config.StaleConnectionTimeoutMultiplier
			if staleMultiplier <= 0 {
				staleMultiplier = 2.0
			}
			if time.Since(c.LastActivityTime()) > time.Duration(float64(heartbeatCheck)*staleMultiplier) {
				c.log(LogLevelError, "stale connection, no activity for %s", time.Since(c.LastActivityTime()))
				c.close()
			}
		case cmd := <-c.cmdChan:
			err := c.WriteCommand(cmd)
			if err != nil {
				c.log(LogLevelError, "error sending command %s - %s", cmd, err)
				c.delegate.OnIOError(c, ErrSend{Reason: err.Error()})
				c.close()
				continue
			}
		case resp := <-c.msgResponseChan:
			msgsInFlight := atomic.AddInt64(&c.messagesInFlight, -1)

			if resp.success {
				c.log(LogLevelDebug, "FIN %s", resp.msg.ID)
				c.delegate.OnMessageFinished(c, resp.msg)
				c.delegate.OnResume(c)
			} else {
				c.log(LogLevelDebug, "REQ %s", resp.msg.ID)
				c.delegate.OnMessageRequeued(c, resp.msg)
				if resp.backoff {
					c.delegate.OnBackoff(c)
				} else {
					c.delegate.OnContinue(c)
				}
			}

			err := c.WriteCommand(resp.cmd)
			if err != nil {
				c.log(LogLevelError, "error sending command %s - %s", resp.cmd, err)
				c.delegate.OnIOError(c, ErrSend{Reason: err.Error()})
				c.close()
				continue
			}

			if msgsInFlight == 0 && atomic.LoadInt32(&c.stopFlag) == 1 {
				c.close()
				continue
			}
		}
	}

exit:
	c.wg.Done()
}

// onMessageFinish is wired up via connMessageDelegate as the target of
// Message.Finish()
func (c *Conn) onMessageFinish(m *Message) {
	select {
	case c.msgResponseChan <- &msgResponse{msg: m, cmd: Finish(m.ID), success: true}:
	case <-c.exitChan:
	}
}

// onMessageRequeue is wired up via connMessageDelegate as the target of
// Message.Requeue()/RequeueWithoutBackoff()
func (c *Conn) onMessageRequeue(m *Message, delay time.Duration, backoff bool) {
	if delay == -1 {
		// requeue delay when unspecified: requeue_delay_base * attempts
		delay = c.config.DefaultRequeueDelay * time.Duration(m.Attempts)
	}
	if c.config.MaxRequeueDelay > 0 && delay > c.config.MaxRequeueDelay {
		delay = c.config.MaxRequeueDelay
	}
	select {
	case c.msgResponseChan <- &msgResponse{msg: m, cmd: Requeue(m.ID, int64(delay/time.Millisecond)), success: false, backoff: backoff}:
	case <-c.exitChan:
	}
}

// onMessageTouch is wired up via connMessageDelegate as the target of
// Message.Touch()
func (c *Conn) onMessageTouch(m *Message) {
	select {
	case c.cmdChan <- Touch(m.ID):
	case <-c.exitChan:
	}
}

func (c *Conn) close() {
	c.stopper.Do(func() {
		c.log(LogLevelInfo, "beginning close")
		atomic.StoreInt32(&c.stopFlag, 1)
		atomic.StoreInt32(&c.state, StateDisconnected)
		close(c.exitChan)
		c.conn.Close()

		c.wg.Add(1)
		go c.cleanup()
	})
}

func (c *Conn) cleanup() {
	<-c.drainReady
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.msgResponseChan:
			atomic.AddInt64(&c.messagesInFlight, -1)
		case <-ticker.C:
			if atomic.LoadInt64(&c.messagesInFlight) == 0 && atomic.LoadInt32(&c.readLoopRunning) == 0 {
				goto exit
			}
		}
	}
exit:
	c.wg.Done()
	go c.waitForCleanup()
}

func (c *Conn) waitForCleanup() {
	c.wg.Wait()
	c.log(LogLevelInfo, "clean close complete")
	c.delegate.OnClose(c)
}
