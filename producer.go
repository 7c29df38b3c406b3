package nsq

import (
	"bytes"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// ProducerTransaction is returned by the async publish methods to
// retrieve metadata about the command after the response is received.
// A transaction is always scoped to the producerConn that accepted it.
type ProducerTransaction struct {
	cmd      *Command
	doneChan chan *ProducerTransaction

	FrameType int32
	Data      []byte
	Error     error
	Args      []interface{}
}

func (t *ProducerTransaction) finish() {
	if t.doneChan != nil {
		t.doneChan <- t
	}
}

// producerConn is one nsqd connection in a Producer's pool. Each
// connection owns its own FIFO of in-flight transactions and its own
// router goroutine, so a slow/broken connection only stalls publishes
// routed to it, not the whole pool.
type producerConn struct {
	addr string
	conn *Conn

	transactionChan chan *ProducerTransaction
	transactions    []*ProducerTransaction

	concurrentWriters int32

	responseChan  chan []byte
	errorChan     chan []byte
	heartbeatChan chan int
	ioErrorChan   chan error
	closeChan     chan int

	exitChan chan int

	state int32

	wg sync.WaitGroup
}

func newProducerConn(addr string) *producerConn {
	return &producerConn{
		addr: addr,

		transactionChan: make(chan *ProducerTransaction),
		responseChan:    make(chan []byte),
		errorChan:       make(chan []byte),
		heartbeatChan:   make(chan int),
		ioErrorChan:     make(chan error),
		closeChan:       make(chan int),
		exitChan:        make(chan int),

		state: StateInit,
	}
}

func (pc *producerConn) popTransaction(frameType int32, data []byte) {
	if len(pc.transactions) == 0 {
		return
	}
	t := pc.transactions[0]
	pc.transactions = pc.transactions[1:]
	t.FrameType = frameType
	t.Data = data
	t.Error = nil
	t.finish()
}

func (pc *producerConn) transactionCleanup() {
	for _, t := range pc.transactions {
		t.Error = ErrConnectionClosed
		t.finish()
	}
	pc.transactions = pc.transactions[:0]

	for {
		select {
		case t := <-pc.transactionChan:
			t.Error = ErrConnectionClosed
			t.finish()
		default:
			if atomic.LoadInt32(&pc.concurrentWriters) == 0 {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
}

// Producer publishes messages to a pool of nsqd endpoints: each
// Publish/MultiPublish/DeferredPublish call is routed to a randomly
// chosen, currently-connected member of the pool. Every member is dialed
// at construction and redialed once ReconnectInterval has passed after a
// connection loss; when a publish finds no member connected, idle
// members are dialed on demand.
type Producer struct {
	config Config

	logger *logCtx

	rngMtx sync.Mutex
	rng    *rand.Rand

	mtx   sync.RWMutex
	conns map[string]*producerConn

	stopFlag int32
	exitChan chan int
}

// NewProducer returns a Producer backed by a single nsqd endpoint
func NewProducer(addr string, config *Config) (*Producer, error) {
	return NewProducerPool([]string{addr}, config)
}

// NewProducerPool returns a Producer backed by a pool of nsqd endpoints;
// each Publish call is load-balanced randomly across whichever of them
// are currently connected.
func NewProducerPool(addrs []string, config *Config) (*Producer, error) {
	if config == nil {
		config = NewConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, ErrMissingEndpoints
	}

	p := &Producer{
		config: *config,

		rng: rand.New(rand.NewSource(time.Now().UnixNano())),

		conns: make(map[string]*producerConn, len(addrs)),

		exitChan: make(chan int),

		logger: newLogCtx(nil, LogLevelInfo, 0, "producer"),
	}
	for _, addr := range addrs {
		p.conns[addr] = newProducerConn(addr)
	}

	// dial every pool member up front; an endpoint that is down now is
	// dialed again by pickConnectedConn when a publish finds no member
	// connected
	for _, pc := range p.conns {
		go p.connectProducerConn(pc)
	}
	return p, nil
}

// SetLogger configures the logger and level used by this Producer
func (p *Producer) SetLogger(l Logger, lvl LogLevel) {
	p.logger.logger = l
	p.logger.logLvl = lvl
}

func (p *Producer) log(lvl LogLevel, f string, args ...interface{}) {
	p.logger.log(lvl, f, args...)
}

// AddNSQD adds another nsqd endpoint to this Producer's pool
func (p *Producer) AddNSQD(addr string) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if _, ok := p.conns[addr]; !ok {
		p.conns[addr] = newProducerConn(addr)
	}
}

// Ping verifies connectivity by dialing and connecting to at least one
// pool member, without publishing anything
func (p *Producer) Ping() error {
	_, err := p.pickConnectedConn()
	return err
}

// Publish synchronously publishes a message body to the specified topic
func (p *Producer) Publish(topic string, body []byte) error {
	cmd, err := Publish(topic, body)
	if err != nil {
		return err
	}
	return p.publishCommand(cmd)
}

// MultiPublish synchronously publishes a slice of message bodies to the
// specified topic
func (p *Producer) MultiPublish(topic string, bodies [][]byte) error {
	cmd, err := MultiPublish(topic, bodies)
	if err != nil {
		return err
	}
	return p.publishCommand(cmd)
}

// DeferredPublish synchronously publishes a message body to the
// specified topic where the message will queue at the channel level
// until delay expires
func (p *Producer) DeferredPublish(topic string, delay time.Duration, body []byte) error {
	cmd, err := DeferredPublish(topic, int64(delay/time.Millisecond), body)
	if err != nil {
		return err
	}
	return p.publishCommand(cmd)
}

func (p *Producer) publishCommand(cmd *Command) error {
	frameType, data, err := p.sendCommand(cmd)
	if err != nil {
		return err
	}
	if frameType == FrameTypeError {
		return &Error{Code: parseErrorCode(data), Desc: string(data)}
	}
	return nil
}

// PublishAsync publishes a message body to the specified topic but does
// not wait for the response from nsqd
func (p *Producer) PublishAsync(topic string, body []byte, doneChan chan *ProducerTransaction, args ...interface{}) error {
	cmd, err := Publish(topic, body)
	if err != nil {
		return err
	}
	return p.sendCommandAsync(cmd, doneChan, args)
}

// MultiPublishAsync publishes a slice of message bodies to the specified
// topic but does not wait for the response from nsqd
func (p *Producer) MultiPublishAsync(topic string, bodies [][]byte, doneChan chan *ProducerTransaction, args ...interface{}) error {
	cmd, err := MultiPublish(topic, bodies)
	if err != nil {
		return err
	}
	return p.sendCommandAsync(cmd, doneChan, args)
}

// DeferredPublishAsync publishes a message body to the specified topic,
// deferred by delay, but does not wait for the response from nsqd
func (p *Producer) DeferredPublishAsync(topic string, delay time.Duration, body []byte, doneChan chan *ProducerTransaction, args ...interface{}) error {
	cmd, err := DeferredPublish(topic, int64(delay/time.Millisecond), body)
	if err != nil {
		return err
	}
	return p.sendCommandAsync(cmd, doneChan, args)
}

func (p *Producer) sendCommand(cmd *Command) (int32, []byte, error) {
	// buffered so a synchronous failure can deliver the transaction
	// before this function gets to the receive
	doneChan := make(chan *ProducerTransaction, 1)
	err := p.sendCommandAsync(cmd, doneChan, nil)
	if err != nil {
		return -1, nil, err
	}
	t := <-doneChan
	return t.FrameType, t.Data, t.Error
}

func (p *Producer) sendCommandAsync(cmd *Command, doneChan chan *ProducerTransaction, args []interface{}) error {
	if atomic.LoadInt32(&p.stopFlag) == 1 {
		return ErrStopped
	}

	pc, err := p.pickConnectedConn()
	if err != nil {
		// no open connections fails synchronously rather than hanging
		p.log(LogLevelError, "no open connections - %s", err)
		sendErr := ErrSend{Reason: "no open connections"}
		t := &ProducerTransaction{cmd: cmd, doneChan: doneChan, FrameType: -1, Args: args, Error: sendErr}
		t.finish()
		return sendErr
	}

	atomic.AddInt32(&pc.concurrentWriters, 1)
	defer atomic.AddInt32(&pc.concurrentWriters, -1)

	t := &ProducerTransaction{cmd: cmd, doneChan: doneChan, FrameType: -1, Args: args}
	select {
	case pc.transactionChan <- t:
	case <-pc.exitChan:
		return ErrNotConnected
	case <-p.exitChan:
		return ErrStopped
	}
	return nil
}

// pickConnectedConn returns a randomly chosen, already-connected pool
// member, dialing idle members (in random order) until one succeeds if
// none currently are
func (p *Producer) pickConnectedConn() (*producerConn, error) {
	p.mtx.RLock()
	pcs := make([]*producerConn, 0, len(p.conns))
	for _, pc := range p.conns {
		pcs = append(pcs, pc)
	}
	p.mtx.RUnlock()

	if len(pcs) == 0 {
		return nil, ErrMissingEndpoints
	}

	p.shuffle(pcs)

	var live []*producerConn
	for _, pc := range pcs {
		if atomic.LoadInt32(&pc.state) == StateConnected {
			live = append(live, pc)
		}
	}
	if len(live) > 0 {
		return live[p.rngIntn(len(live))], nil
	}

	var lastErr error = ErrNotConnected
	for _, pc := range pcs {
		if err := p.connectProducerConn(pc); err != nil {
			lastErr = err
			continue
		}
		return pc, nil
	}
	return nil, lastErr
}

func (p *Producer) rngIntn(n int) int {
	if n <= 0 {
		return 0
	}
	p.rngMtx.Lock()
	defer p.rngMtx.Unlock()
	return p.rng.Intn(n)
}

func (p *Producer) shuffle(pcs []*producerConn) {
	p.rngMtx.Lock()
	defer p.rngMtx.Unlock()
	p.rng.Shuffle(len(pcs), func(i, j int) {
		pcs[i], pcs[j] = pcs[j], pcs[i]
	})
}

func (p *Producer) connectProducerConn(pc *producerConn) error {
	if !atomic.CompareAndSwapInt32(&pc.state, StateInit, StateConnected) {
		return ErrNotConnected
	}
	pc.exitChan = make(chan int)

	p.log(LogLevelInfo, "(%s) connecting to nsqd", pc.addr)

	connConfig := p.config
	conn := NewConn(pc.addr, &connConfig, &producerConnDelegate{p: p, pc: pc})
	conn.SetLogger(p.logger.logger, p.logger.logLvl)

	_, err := conn.Connect()
	if err != nil {
		conn.Close()
		// unblock anything already routed here before resetting state
		close(pc.exitChan)
		atomic.StoreInt32(&pc.state, StateInit)
		p.log(LogLevelError, "(%s) failed to connect - %s", pc.addr, err)
		return err
	}

	pc.conn = conn
	pc.wg.Add(1)
	go p.router(pc)

	return nil
}

func (p *Producer) router(pc *producerConn) {
	for {
		select {
		case t := <-pc.transactionChan:
			pc.transactions = append(pc.transactions, t)
			err := pc.conn.WriteCommand(t.cmd)
			if err != nil {
				p.log(LogLevelError, "(%s) sending command - %s", pc.addr, err)
				p.closeProducerConn(pc)
			}
		case data := <-pc.responseChan:
			pc.popTransaction(FrameTypeResponse, data)
		case data := <-pc.errorChan:
			pc.popTransaction(FrameTypeError, data)
		case <-pc.heartbeatChan:
			p.log(LogLevelDebug, "(%s) heartbeat", pc.addr)
		case err := <-pc.ioErrorChan:
			p.log(LogLevelError, "(%s) IO error - %s", pc.addr, err)
			p.closeProducerConn(pc)
		case <-pc.closeChan:
			p.closeProducerConn(pc)
			goto exit
		case <-pc.exitChan:
			goto exit
		case <-p.exitChan:
			goto exit
		}
	}

exit:
	pc.transactionCleanup()
	pc.wg.Done()
}

func (p *Producer) closeProducerConn(pc *producerConn) {
	if !atomic.CompareAndSwapInt32(&pc.state, StateConnected, StateDisconnected) {
		return
	}
	pc.conn.Close()
	close(pc.exitChan)

	go func() {
		pc.wg.Wait()
		if atomic.LoadInt32(&p.stopFlag) == 1 {
			return
		}
		reconnectInterval := p.config.ReconnectInterval
		if reconnectInterval <= 0 {
			reconnectInterval = 15 * time.Second
		}
		time.Sleep(reconnectInterval)
		if atomic.CompareAndSwapInt32(&pc.state, StateDisconnected, StateInit) &&
			atomic.LoadInt32(&p.stopFlag) == 0 {
			p.connectProducerConn(pc)
		}
	}()
}

// Stop disconnects and permanently stops this Producer
func (p *Producer) Stop() {
	if !atomic.CompareAndSwapInt32(&p.stopFlag, 0, 1) {
		return
	}
	close(p.exitChan)

	p.mtx.RLock()
	pcs := make([]*producerConn, 0, len(p.conns))
	for _, pc := range p.conns {
		pcs = append(pcs, pc)
	}
	p.mtx.RUnlock()

	for _, pc := range pcs {
		if atomic.LoadInt32(&pc.state) == StateConnected {
			pc.conn.Close()
		}
		pc.wg.Wait()
	}
}

func parseErrorCode(data []byte) string {
	parts := bytes.SplitN(data, []byte(" "), 2)
	return string(parts[0])
}

// ---------------------------------------------------------------------
// ConnDelegate plumbing
// ---------------------------------------------------------------------

// producerConnDelegate fans Conn events out onto its producerConn's own
// channels, keeping each pool member's response/error bookkeeping
// independent of every other connection in the pool.
type producerConnDelegate struct {
	p  *Producer
	pc *producerConn
}

func (d *producerConnDelegate) OnIdentifyResponse(conn *Conn, resp *IdentifyResponse) {
	d.p.log(LogLevelDebug, "(%s) IDENTIFY response %+v", conn, resp)
}

func (d *producerConnDelegate) OnAuthResponse(conn *Conn, data []byte) {
	d.p.log(LogLevelInfo, "(%s) AUTH response %s", conn, data)
}

func (d *producerConnDelegate) OnResponse(conn *Conn, data []byte) {
	select {
	case d.pc.responseChan <- data:
	case <-d.pc.exitChan:
	case <-d.p.exitChan:
	}
}

func (d *producerConnDelegate) OnError(conn *Conn, data []byte) {
	select {
	case d.pc.errorChan <- data:
	case <-d.pc.exitChan:
	case <-d.p.exitChan:
	}
}

func (d *producerConnDelegate) OnMessage(conn *Conn, m *Message) {
	// a publish-only connection never subscribes, so no MESSAGE frame
	// is ever expected here
}

func (d *producerConnDelegate) OnMessageFinished(conn *Conn, m *Message) {}
func (d *producerConnDelegate) OnMessageRequeued(conn *Conn, m *Message) {}
func (d *producerConnDelegate) OnBackoff(conn *Conn)                     {}
func (d *producerConnDelegate) OnContinue(conn *Conn)                    {}
func (d *producerConnDelegate) OnResume(conn *Conn)                      {}

func (d *producerConnDelegate) OnIOError(conn *Conn, err error) {
	select {
	case d.pc.ioErrorChan <- err:
	case <-d.pc.exitChan:
	case <-d.p.exitChan:
	}
}

func (d *producerConnDelegate) OnHeartbeat(conn *Conn) {
	select {
	case d.pc.heartbeatChan <- 1:
	case <-d.pc.exitChan:
	case <-d.p.exitChan:
	}
}

func (d *producerConnDelegate) OnClose(conn *Conn) {
	select {
	case d.pc.closeChan <- 1:
	case <-d.pc.exitChan:
	case <-d.p.exitChan:
	}
}
