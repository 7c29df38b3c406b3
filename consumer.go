package nsq

import (
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"
)

var instCount int64

// Handler is the interface that a Consumer's message handler must
// implement. Returning nil finishes the message; returning an error
// requeues it. A handler that wants to respond asynchronously (or not
// at all, yet) should call message.DisableAutoResponse() and is then
// responsible for calling Finish/Requeue itself.
type Handler interface {
	HandleMessage(message *Message) error
}

// HandlerFunc is a convenience type to avoid having to declare a struct
// to implement Handler
type HandlerFunc func(message *Message) error

// HandleMessage implements the Handler interface
func (h HandlerFunc) HandleMessage(m *Message) error {
	return h(m)
}

// ConsumerBehaviorDelegate allows observing messages that exceed
// MaxAttempts and, optionally, hooking in Preprocess/Validate steps
// ahead of the handler. The latter two are detected via optional
// interfaces so a delegate that doesn't need them can implement only
// OnMessageGivingUp.
type ConsumerBehaviorDelegate interface {
	OnMessageGivingUp(message *Message)
}

// ConsumerPreprocessor, if implemented by a ConsumerBehaviorDelegate, is
// invoked before the message handler; returning an error requeues the
// message without invoking the handler.
type ConsumerPreprocessor interface {
	Preprocess(message *Message) error
}

// ConsumerValidator, if implemented by a ConsumerBehaviorDelegate, is
// invoked before the message handler; returning false finishes the
// message without invoking the handler.
type ConsumerValidator interface {
	Validate(message *Message) bool
}

// Consumer is the multi-connection coordination engine of this
// package: it owns a set of Conns (one per nsqd), discovers producers
// either statically or via nsqlookupd polling, apportions a bounded
// global RDY budget fairly across them, drives a single BackoffTimer in
// response to message outcomes, and dispatches each MESSAGE frame to a
// single user Handler.
//
// Concurrency model: each Conn runs its own read/write goroutines and
// invokes the handler inline on its own goroutine (so one slow handler
// only stalls its own connection). Everything that must honor the
// Sum(rdy) <= max_in_flight invariant across connections -- the
// connections map, totalRdyCount, and the backoff state machine -- is
// guarded by Consumer-level locks so that, whichever goroutine is
// running, those mutations are always serialized.
type Consumer struct {
	messagesReceived uint64
	messagesFinished uint64
	messagesRequeued uint64

	totalRdyCount int64
	maxInFlight   int32

	backoffBlock          int32
	backoffBlockCompleted int32
	needRDYRedistributed  int32
	lastHotSwapNano       int64

	stopFlag      int32
	connectedFlag int32

	id int64

	topic   string
	channel string
	config  Config

	logger           *logCtx
	behaviorDelegate ConsumerBehaviorDelegate

	handler Handler

	rngMtx sync.Mutex
	rng    *rand.Rand

	backoffMtx sync.Mutex
	backoff    *BackoffTimer

	mtx         sync.RWMutex
	connections map[string]*Conn

	lookupdHTTPAddrs  []string
	lookupdQueryIndex int
	lookupdHTTPClient *http.Client

	lastConnectAttempt map[string]time.Time

	rdyRetryMtx    sync.Mutex
	rdyRetryTimers map[string]*time.Timer

	wg          sync.WaitGroup
	stopHandler sync.Once

	StopChan chan int
	exitChan chan int
}

// NewConsumer creates a Consumer for the given topic/channel. At least
// one of static (ConnectToNSQD) or discovered (ConnectToNSQLookupd)
// endpoints must be added before messages will flow; config's fields
// are copied so later mutation of the caller's Config has no effect.
func NewConsumer(topic string, channel string, config *Config) (*Consumer, error) {
	if config == nil {
		config = NewConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if !IsValidTopicName(topic) {
		return nil, ErrProtocol{Reason: fmt.Sprintf("invalid topic name %q", topic)}
	}
	if !IsValidChannelName(channel) {
		return nil, ErrProtocol{Reason: fmt.Sprintf("invalid channel name %q", channel)}
	}

	c := &Consumer{
		id: atomic.AddInt64(&instCount, 1),

		topic:   topic,
		channel: channel,
		config:  *config,

		maxInFlight: int32(config.MaxInFlight),

		rng: rand.New(rand.NewSource(time.Now().UnixNano())),

		backoff: NewBackoffTimer(0, config.MaxBackoffDuration),

		connections:        make(map[string]*Conn),
		lastConnectAttempt: make(map[string]time.Time),
		rdyRetryTimers:     make(map[string]*time.Timer),
		lookupdHTTPClient:  newLookupHTTPClient(config.DialTimeout, 2*time.Second),

		StopChan: make(chan int),
		exitChan: make(chan int),

		logger: newLogCtx(nil, LogLevelInfo, 0, fmt.Sprintf("%s/%s", topic, channel)),
	}
	atomic.StoreInt32(&c.backoffBlockCompleted, 1)

	c.wg.Add(1)
	go c.rdyLoop()

	return c, nil
}

// SetLogger configures the logger and level used by this Consumer (and,
// by default, any Conn it creates)
func (c *Consumer) SetLogger(l Logger, lvl LogLevel) {
	c.logger.logger = l
	c.logger.logLvl = lvl
}

// SetBehaviorDelegate configures the optional giving-up/Preprocess/
// Validate hooks invoked around message dispatch
func (c *Consumer) SetBehaviorDelegate(delegate ConsumerBehaviorDelegate) {
	c.behaviorDelegate = delegate
}

// AddHandler sets the single message handler for this Consumer
func (c *Consumer) AddHandler(handler Handler) {
	c.handler = handler
}

func (c *Consumer) log(lvl LogLevel, f string, args ...interface{}) {
	c.logger.log(lvl, f, args...)
}

func (c *Consumer) rngIntn(n int) int {
	if n <= 0 {
		return 0
	}
	c.rngMtx.Lock()
	defer c.rngMtx.Unlock()
	return c.rng.Intn(n)
}

func (c *Consumer) rngFloat64() float64 {
	c.rngMtx.Lock()
	defer c.rngMtx.Unlock()
	return c.rng.Float64()
}

func (c *Consumer) shuffleConns(conns []*Conn) {
	c.rngMtx.Lock()
	defer c.rngMtx.Unlock()
	c.rng.Shuffle(len(conns), func(i, j int) {
		conns[i], conns[j] = conns[j], conns[i]
	})
}

func (c *Consumer) snapshotConns() []*Conn {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	conns := make([]*Conn, 0, len(c.connections))
	for _, conn := range c.connections {
		conns = append(conns, conn)
	}
	return conns
}

// ---------------------------------------------------------------------
// connection lifecycle
// ---------------------------------------------------------------------

// ConnectToNSQD adds a static nsqd connection
func (c *Consumer) ConnectToNSQD(addr string) error {
	if c.handler == nil {
		return fmt.Errorf("no Handler set, cannot ConnectToNSQD")
	}
	atomic.StoreInt32(&c.connectedFlag, 1)
	return c.connectToNSQD(addr)
}

// ConnectToNSQDs adds a set of static nsqd connections
func (c *Consumer) ConnectToNSQDs(addrs []string) error {
	for _, addr := range addrs {
		if err := c.ConnectToNSQD(addr); err != nil {
			return err
		}
	}
	return nil
}

// ConnectToNSQLookupd adds an nsqlookupd address to this Consumer's
// discovery rotation, starting the poll loop on the first call
func (c *Consumer) ConnectToNSQLookupd(addr string) error {
	if c.handler == nil {
		return fmt.Errorf("no Handler set, cannot ConnectToNSQLookupd")
	}
	if _, err := url.Parse(fmt.Sprintf("http://%s", addr)); err != nil {
		return ErrProtocol{Reason: fmt.Sprintf("invalid lookupd address %q", addr)}
	}

	atomic.StoreInt32(&c.connectedFlag, 1)

	c.mtx.Lock()
	for _, x := range c.lookupdHTTPAddrs {
		if x == addr {
			c.mtx.Unlock()
			return nil
		}
	}
	c.lookupdHTTPAddrs = append(c.lookupdHTTPAddrs, addr)
	numLookupd := len(c.lookupdHTTPAddrs)
	c.mtx.Unlock()

	if numLookupd == 1 {
		c.queryLookupd()
		c.wg.Add(1)
		go c.lookupdLoop()
	}
	return nil
}

// ConnectToNSQLookupds adds a set of discovery endpoints
func (c *Consumer) ConnectToNSQLookupds(addrs []string) error {
	for _, addr := range addrs {
		if err := c.ConnectToNSQLookupd(addr); err != nil {
			return err
		}
	}
	return nil
}

func (c *Consumer) lookupdLoop() {
	jitter := time.Duration(c.rngFloat64() * float64(c.config.LookupdPollInterval) * c.config.LookupdPollJitter)
	select {
	case <-time.After(jitter):
	case <-c.exitChan:
		c.wg.Done()
		return
	}

	ticker := time.NewTicker(c.config.LookupdPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.queryLookupd()
		case <-c.exitChan:
			c.wg.Done()
			return
		}
	}
}

func (c *Consumer) queryLookupd() {
	c.mtx.Lock()
	if len(c.lookupdHTTPAddrs) == 0 {
		c.mtx.Unlock()
		return
	}
	if c.lookupdQueryIndex >= len(c.lookupdHTTPAddrs) {
		c.lookupdQueryIndex = 0
	}
	addr := c.lookupdHTTPAddrs[c.lookupdQueryIndex]
	c.lookupdQueryIndex = (c.lookupdQueryIndex + 1) % len(c.lookupdHTTPAddrs)
	c.mtx.Unlock()

	producers, err := queryLookupd(c.lookupdHTTPClient, addr, c.topic)
	if err != nil {
		c.log(LogLevelWarning, "lookupd %s - %s", addr, err)
		return
	}

	for _, p := range producers {
		go func(addr string) {
			err := c.connectToNSQD(addr)
			if err != nil && err != ErrAlreadyConnected && err != ErrThrottled {
				c.log(LogLevelWarning, "(%s) error connecting - %s", addr, err)
			}
		}(p)
	}
}

func (c *Consumer) connectToNSQD(addr string) error {
	if atomic.LoadInt32(&c.stopFlag) == 1 {
		return ErrStopped
	}
	if c.handler == nil {
		return fmt.Errorf("no Handler set, cannot connect")
	}

	c.mtx.Lock()
	if _, ok := c.connections[addr]; ok {
		c.mtx.Unlock()
		return ErrAlreadyConnected
	}
	if last, ok := c.lastConnectAttempt[addr]; ok && time.Since(last) < 10*time.Second {
		c.mtx.Unlock()
		return ErrThrottled
	}
	c.lastConnectAttempt[addr] = time.Now()
	c.mtx.Unlock()

	connConfig := c.config
	conn := NewConn(addr, &connConfig, &consumerConnDelegate{c})
	conn.SetLogger(c.logger.logger, c.logger.logLvl)

	_, err := conn.Connect()
	if err != nil {
		conn.Close()
		return err
	}

	cmd, err := Subscribe(c.topic, c.channel)
	if err != nil {
		conn.Close()
		return err
	}

	err = conn.WriteCommand(cmd)
	if err != nil {
		conn.Close()
		return fmt.Errorf("[%s] failed to subscribe to %s:%s - %s", addr, c.topic, c.channel, err)
	}

	c.mtx.Lock()
	if _, ok := c.connections[addr]; ok {
		// race lost against a concurrent connect to the same address
		c.mtx.Unlock()
		conn.Close()
		return nil
	}
	c.connections[addr] = conn
	numConns := len(c.connections)
	c.mtx.Unlock()

	c.log(LogLevelInfo, "(%s) connected, subscribed to %s/%s", addr, c.topic, c.channel)

	perConnMax := c.perConnMaxRDYFor(numConns)
	for _, other := range c.snapshotConns() {
		if other.Address() != addr && other.RDY() > perConnMax {
			c.sendRDY(other, perConnMax)
		}
	}

	inBackoff := atomic.LoadInt32(&c.backoffBlock) == 1
	if !inBackoff || numConns == 1 {
		c.sendRDY(conn, 1)
	}

	return nil
}

// ---------------------------------------------------------------------
// ConnDelegate plumbing
// ---------------------------------------------------------------------

type consumerConnDelegate struct {
	c *Consumer
}

func (d *consumerConnDelegate) OnIdentifyResponse(conn *Conn, resp *IdentifyResponse) {
	d.c.log(LogLevelDebug, "(%s) IDENTIFY response %+v", conn, resp)
}

func (d *consumerConnDelegate) OnAuthResponse(conn *Conn, data []byte) {
	d.c.log(LogLevelInfo, "(%s) AUTH response %s", conn, data)
}

func (d *consumerConnDelegate) OnResponse(conn *Conn, data []byte) {
	d.c.log(LogLevelDebug, "(%s) response %s", conn, data)
}

func (d *consumerConnDelegate) OnError(conn *Conn, data []byte) {
	d.c.log(LogLevelWarning, "(%s) error %s", conn, data)
	if (&Error{Code: parseErrorCode(data), Desc: string(data)}).IsFatal() {
		conn.Close()
	}
}

func (d *consumerConnDelegate) OnMessage(conn *Conn, m *Message) {
	d.c.onConnMessage(conn, m)
}

func (d *consumerConnDelegate) OnMessageFinished(conn *Conn, m *Message) {
	atomic.AddUint64(&d.c.messagesFinished, 1)
}

func (d *consumerConnDelegate) OnMessageRequeued(conn *Conn, m *Message) {
	atomic.AddUint64(&d.c.messagesRequeued, 1)
}

func (d *consumerConnDelegate) OnBackoff(conn *Conn) {
	d.c.backoffMtx.Lock()
	d.c.backoff.Failure()
	d.c.backoffMtx.Unlock()
	d.c.enterOrContinueOrExitBackoff()
}

func (d *consumerConnDelegate) OnContinue(conn *Conn) {
	// REQ without backoff neither enters nor exits backoff
}

func (d *consumerConnDelegate) OnResume(conn *Conn) {
	d.c.backoffMtx.Lock()
	d.c.backoff.Success()
	d.c.backoffMtx.Unlock()
	d.c.enterOrContinueOrExitBackoff()
}

func (d *consumerConnDelegate) OnIOError(conn *Conn, err error) {
	d.c.log(LogLevelError, "(%s) IO error - %s", conn, err)
}

func (d *consumerConnDelegate) OnHeartbeat(conn *Conn) {
	d.c.log(LogLevelDebug, "(%s) heartbeat", conn)
}

func (d *consumerConnDelegate) OnClose(conn *Conn) {
	d.c.onConnClose(conn)
}

// ---------------------------------------------------------------------
// close / teardown
// ---------------------------------------------------------------------

func (c *Consumer) onConnClose(conn *Conn) {
	addr := conn.Address()
	rdy := conn.RDY()

	c.mtx.Lock()
	delete(c.connections, addr)
	numConns := len(c.connections)
	hasLookupd := len(c.lookupdHTTPAddrs) > 0
	c.mtx.Unlock()

	if rdy > 0 {
		atomic.AddInt64(&c.totalRdyCount, -rdy)
	}
	c.cancelRDYRetry(conn)

	maxInFlight := int(atomic.LoadInt32(&c.maxInFlight))
	inBackoff := atomic.LoadInt32(&c.backoffBlock) == 1
	if rdy > 0 && (numConns == maxInFlight || inBackoff) {
		atomic.StoreInt32(&c.needRDYRedistributed, 1)
	}

	c.log(LogLevelWarning, "(%s) connection closed", addr)

	if !hasLookupd && atomic.LoadInt32(&c.stopFlag) == 0 {
		time.AfterFunc(15*time.Second, func() {
			if atomic.LoadInt32(&c.stopFlag) == 1 {
				return
			}
			err := c.connectToNSQD(addr)
			if err != nil && err != ErrAlreadyConnected && err != ErrThrottled {
				c.log(LogLevelWarning, "(%s) failed to reconnect - %s", addr, err)
			}
		})
	}

	if numConns == 0 && atomic.LoadInt32(&c.stopFlag) == 1 {
		c.exit()
	}
}

// Stop closes all connections and stops all periodic timers. In-flight
// messages are abandoned: nsqd will time them out and requeue them to
// another consumer.
func (c *Consumer) Stop() {
	if !atomic.CompareAndSwapInt32(&c.stopFlag, 0, 1) {
		return
	}

	conns := c.snapshotConns()
	c.log(LogLevelInfo, "stopping, closing %d connections", len(conns))
	for _, conn := range conns {
		conn.WriteCommand(StartClose())
		conn.Close()
	}

	c.rdyRetryMtx.Lock()
	for _, t := range c.rdyRetryTimers {
		t.Stop()
	}
	c.rdyRetryMtx.Unlock()

	if len(conns) == 0 {
		c.exit()
	}
}

func (c *Consumer) exit() {
	c.stopHandler.Do(func() {
		close(c.exitChan)
		c.wg.Wait()
		close(c.StopChan)
	})
}

// ---------------------------------------------------------------------
// RDY arithmetic
// ---------------------------------------------------------------------

func (c *Consumer) isMaxInFlightZero() bool {
	return atomic.LoadInt32(&c.maxInFlight) == 0
}

func (c *Consumer) perConnMaxRDYFor(numConns int) int64 {
	if numConns < 1 {
		numConns = 1
	}
	maxInFlight := int(atomic.LoadInt32(&c.maxInFlight))
	t := maxInFlight / numConns
	if t < 1 {
		t = 1
	}
	return int64(t)
}

func (c *Consumer) perConnMaxRDY() int64 {
	c.mtx.RLock()
	n := len(c.connections)
	c.mtx.RUnlock()
	return c.perConnMaxRDYFor(n)
}

func (c *Consumer) cancelRDYRetry(conn *Conn) {
	c.rdyRetryMtx.Lock()
	defer c.rdyRetryMtx.Unlock()
	if t, ok := c.rdyRetryTimers[conn.Address()]; ok {
		t.Stop()
		delete(c.rdyRetryTimers, conn.Address())
	}
}

func (c *Consumer) scheduleRDYRetry(conn *Conn, count int64, delay time.Duration) {
	c.rdyRetryMtx.Lock()
	defer c.rdyRetryMtx.Unlock()
	if t, ok := c.rdyRetryTimers[conn.Address()]; ok {
		t.Stop()
	}
	c.rdyRetryTimers[conn.Address()] = time.AfterFunc(delay, func() {
		c.rdyRetryMtx.Lock()
		delete(c.rdyRetryTimers, conn.Address())
		c.rdyRetryMtx.Unlock()
		if atomic.LoadInt32(&c.stopFlag) == 1 || conn.IsClosing() {
			return
		}
		c.sendRDY(conn, count)
	})
}

// sendRDY writes an RDY command for conn, enforcing
// Sum(conn.rdy) <= max_in_flight
func (c *Consumer) sendRDY(conn *Conn, count int64) error {
	c.cancelRDYRetry(conn)

	if count > 0 && c.isMaxInFlightZero() {
		c.scheduleRDYRetry(conn, count, 15*time.Second)
		return nil
	}

	if maxRdy := conn.MaxRDY(); maxRdy > 0 && count > maxRdy {
		count = maxRdy
	}

	c.mtx.Lock()
	oldRDY := conn.RDY()
	total := atomic.LoadInt64(&c.totalRdyCount) - oldRDY + count
	maxInFlight := int64(atomic.LoadInt32(&c.maxInFlight))
	if total > maxInFlight {
		c.mtx.Unlock()
		if oldRDY == 0 && count > 0 {
			c.scheduleRDYRetry(conn, count, 5*time.Second)
		}
		return nil
	}
	// reserve the delta before the network write; two concurrent calls
	// must never both pass the check against a stale total
	atomic.AddInt64(&c.totalRdyCount, count-oldRDY)
	conn.SetRDY(count)
	c.mtx.Unlock()

	err := conn.WriteCommand(Ready(int(count)))
	if err != nil {
		c.log(LogLevelError, "(%s) error sending RDY %d - %s", conn, count, err)
		c.mtx.Lock()
		atomic.AddInt64(&c.totalRdyCount, oldRDY-count)
		conn.SetRDY(oldRDY)
		c.mtx.Unlock()
		return err
	}
	return nil
}

func (c *Consumer) randomZeroRDYConn(exclude *Conn) *Conn {
	conns := c.snapshotConns()
	candidates := conns[:0]
	for _, conn := range conns {
		if conn != exclude && conn.RDY() == 0 {
			candidates = append(candidates, conn)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	return candidates[c.rngIntn(len(candidates))]
}

// maybeUpdateRDY is the post-message RDY touch-up: it brings a
// just-probed connection back to full throttle, and every 30s under
// oversubscription hot-swaps the bump onto a random zero-RDY
// connection instead.
func (c *Consumer) maybeUpdateRDY(conn *Conn) {
	if atomic.LoadInt32(&c.backoffBlock) == 1 || c.isMaxInFlightZero() {
		return
	}

	perConnMax := c.perConnMaxRDY()
	rdy := conn.RDY()
	if rdy != 1 && rdy == perConnMax {
		return
	}

	target := conn
	numConns := len(c.snapshotConns())
	if numConns > int(atomic.LoadInt32(&c.maxInFlight)) {
		lastNano := atomic.LoadInt64(&c.lastHotSwapNano)
		if time.Since(time.Unix(0, lastNano)) > 30*time.Second {
			if candidate := c.randomZeroRDYConn(conn); candidate != nil {
				atomic.StoreInt64(&c.lastHotSwapNano, time.Now().UnixNano())
				target = candidate
			}
		}
	}
	c.sendRDY(target, perConnMax)
}

// ---------------------------------------------------------------------
// backoff state machine
// ---------------------------------------------------------------------

func (c *Consumer) enterOrContinueOrExitBackoff() {
	if atomic.LoadInt32(&c.backoffBlock) == 1 {
		return
	}

	c.backoffMtx.Lock()
	interval := c.backoff.GetInterval()
	c.backoffMtx.Unlock()

	if atomic.LoadInt32(&c.backoffBlockCompleted) == 0 && interval == 0 {
		atomic.StoreInt32(&c.backoffBlockCompleted, 1)
		c.log(LogLevelInfo, "backoff exit, resuming normal throughput")
		target := c.perConnMaxRDY()
		for _, conn := range c.snapshotConns() {
			c.sendRDY(conn, target)
		}
		return
	}

	if interval > 0 {
		atomic.StoreInt32(&c.backoffBlock, 1)
		atomic.StoreInt32(&c.backoffBlockCompleted, 0)
		c.log(LogLevelWarning, "backoff entered, interval is %s", interval)
		for _, conn := range c.snapshotConns() {
			c.sendRDY(conn, 0)
		}
		time.AfterFunc(interval, c.finishBackoffBlock)
	}
}

func (c *Consumer) finishBackoffBlock() {
	if atomic.LoadInt32(&c.stopFlag) == 1 {
		return
	}

	atomic.StoreInt32(&c.backoffBlock, 0)

	c.backoffMtx.Lock()
	interval := c.backoff.GetInterval()
	c.backoffMtx.Unlock()

	if interval == 0 {
		atomic.StoreInt32(&c.backoffBlockCompleted, 1)
		target := c.perConnMaxRDY()
		for _, conn := range c.snapshotConns() {
			c.sendRDY(conn, target)
		}
		return
	}

	conns := c.snapshotConns()
	maxInFlight := atomic.LoadInt32(&c.maxInFlight)
	if len(conns) > 0 && maxInFlight > 0 {
		probe := conns[c.rngIntn(len(conns))]
		c.log(LogLevelInfo, "backoff probe, sending RDY 1 to %s", probe)
		c.sendRDY(probe, 1)
	}
}

// ---------------------------------------------------------------------
// RDY redistribution
// ---------------------------------------------------------------------

func (c *Consumer) rdyLoop() {
	ticker := time.NewTicker(c.config.RDYRedistributeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.redistributeRDY()
		case <-c.exitChan:
			c.wg.Done()
			return
		}
	}
}

func (c *Consumer) redistributeRDY() {
	if atomic.LoadInt32(&c.stopFlag) == 1 || c.isMaxInFlightZero() {
		return
	}

	inBackoffBlock := atomic.LoadInt32(&c.backoffBlock) == 1
	conns := c.snapshotConns()
	numConns := len(conns)
	if numConns == 0 {
		return
	}

	maxInFlight := int(atomic.LoadInt32(&c.maxInFlight))
	needed := atomic.CompareAndSwapInt32(&c.needRDYRedistributed, 1, 0) ||
		numConns > maxInFlight || inBackoffBlock
	if !needed {
		return
	}

	now := time.Now()
	for _, conn := range conns {
		if conn.RDY() > 0 && now.Sub(conn.LastMessageTime()) > c.config.LowRdyIdleTimeout {
			c.log(LogLevelDebug, "(%s) idle connection, giving up RDY", conn)
			c.sendRDY(conn, 0)
		}
	}

	availableMax := int64(maxInFlight)
	if inBackoffBlock {
		availableMax = 1
	}

	var inFlightConns, zeroConns []*Conn
	active := 0
	for _, conn := range conns {
		switch {
		case conn.InFlight() > 0:
			active++
			inFlightConns = append(inFlightConns, conn)
		case conn.RDY() > 0:
			active++
		default:
			zeroConns = append(zeroConns, conn)
		}
	}

	available := availableMax - int64(active)

	if available <= 0 && len(inFlightConns) > 0 {
		victim := inFlightConns[c.rngIntn(len(inFlightConns))]
		c.log(LogLevelDebug, "(%s) forcing RDY 0 to break starvation pin", victim)
		c.sendRDY(victim, 0)
	}

	c.shuffleConns(zeroConns)
	for _, conn := range zeroConns {
		if available <= 0 {
			break
		}
		c.sendRDY(conn, 1)
		available--
	}
}

// SetMaxInFlight changes the consumer's global in-flight budget. Setting
// it to 0 immediately drops Sum(rdy) to 0 and pauses all further sends
// (retried via the 15s RDY-retry path) until a positive value restores
// it.
func (c *Consumer) SetMaxInFlight(n int) error {
	if n < 0 {
		return fmt.Errorf("MaxInFlight must be >= 0")
	}

	atomic.StoreInt32(&c.maxInFlight, int32(n))

	if n == 0 {
		for _, conn := range c.snapshotConns() {
			c.sendRDY(conn, 0)
		}
		return nil
	}

	atomic.StoreInt32(&c.needRDYRedistributed, 1)
	c.redistributeRDY()
	return nil
}

// ChangeMaxInFlight is an alias for SetMaxInFlight
func (c *Consumer) ChangeMaxInFlight(n int) error {
	return c.SetMaxInFlight(n)
}

// MaxInFlight returns the currently configured max-in-flight
func (c *Consumer) MaxInFlight() int {
	return int(atomic.LoadInt32(&c.maxInFlight))
}

// IsStarved reports whether any connection is close to having consumed
// its entire advertised RDY window (>= 85%), the signal a batching
// handler uses to know a full cohort has been delivered
func (c *Consumer) IsStarved() bool {
	for _, conn := range c.snapshotConns() {
		lastRDY := conn.LastRDY()
		if lastRDY > 0 && float64(conn.InFlight()) >= float64(lastRDY)*0.85 {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------
// message dispatch
// ---------------------------------------------------------------------

func (c *Consumer) onConnMessage(conn *Conn, msg *Message) {
	atomic.AddUint64(&c.messagesReceived, 1)
	atomic.AddInt64(&c.totalRdyCount, -1)

	c.maybeUpdateRDY(conn)

	if c.config.MaxAttempts > 0 && msg.Attempts > c.config.MaxAttempts {
		c.giveUp(msg)
		return
	}

	if bd, ok := c.behaviorDelegate.(ConsumerPreprocessor); ok {
		if err := bd.Preprocess(msg); err != nil {
			msg.Requeue(-1)
			return
		}
	}

	if bd, ok := c.behaviorDelegate.(ConsumerValidator); ok {
		if !bd.Validate(msg) {
			msg.Finish()
			return
		}
	}

	err := c.handler.HandleMessage(msg)
	if msg.IsAutoResponseDisabled() {
		return
	}
	if err != nil {
		c.log(LogLevelDebug, "requeuing message %s due to handler error - %s", msg.ID, err)
		msg.Requeue(-1)
		return
	}
	msg.Finish()
}

func (c *Consumer) giveUp(msg *Message) {
	c.log(LogLevelWarning, "msg %s attempted %d times, giving up", msg.ID, msg.Attempts)
	if c.behaviorDelegate != nil {
		c.behaviorDelegate.OnMessageGivingUp(msg)
	}
	msg.Finish()
}
