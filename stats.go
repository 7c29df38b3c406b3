package nsq

import "sync/atomic"

// ConnStats is a point-in-time snapshot of a single connection's flow
// control state, as reported by Consumer.Stats
type ConnStats struct {
	Address      string
	RDY          int64
	LastRDY      int64
	InFlight     int64
	MaxRDY       int64
	LastMsgTime  int64
	LastActivity int64
}

// ConsumerStats is a point-in-time snapshot of a Consumer's aggregate
// state, useful for health checks and dashboards
type ConsumerStats struct {
	MessagesReceived uint64
	MessagesFinished uint64
	MessagesRequeued uint64

	Connections   int
	TotalRdyCount int64
	MaxInFlight   int

	BackoffDuration int64 // nanoseconds; 0 when not backing off
	InBackoff       bool

	ConnStats []ConnStats
}

// Stats returns a snapshot of this Consumer's current state
func (c *Consumer) Stats() ConsumerStats {
	conns := c.snapshotConns()
	connStats := make([]ConnStats, 0, len(conns))
	for _, conn := range conns {
		connStats = append(connStats, ConnStats{
			Address:      conn.Address(),
			RDY:          conn.RDY(),
			LastRDY:      conn.LastRDY(),
			InFlight:     conn.InFlight(),
			MaxRDY:       conn.MaxRDY(),
			LastMsgTime:  conn.LastMessageTime().UnixNano(),
			LastActivity: conn.LastActivityTime().UnixNano(),
		})
	}

	c.backoffMtx.Lock()
	interval := c.backoff.GetInterval()
	c.backoffMtx.Unlock()

	return ConsumerStats{
		MessagesReceived: atomic.LoadUint64(&c.messagesReceived),
		MessagesFinished: atomic.LoadUint64(&c.messagesFinished),
		MessagesRequeued: atomic.LoadUint64(&c.messagesRequeued),

		Connections:   len(conns),
		TotalRdyCount: atomic.LoadInt64(&c.totalRdyCount),
		MaxInFlight:   c.MaxInFlight(),

		BackoffDuration: int64(interval),
		InBackoff:       atomic.LoadInt32(&c.backoffBlock) == 1,

		ConnStats: connStats,
	}
}

// ProducerStats is a point-in-time snapshot of a Producer's connection
// pool
type ProducerStats struct {
	PoolSize         int
	ConnectedMembers int
}

// Stats returns a snapshot of this Producer's current pool state
func (p *Producer) Stats() ProducerStats {
	p.mtx.RLock()
	defer p.mtx.RUnlock()

	stats := ProducerStats{PoolSize: len(p.conns)}
	for _, pc := range p.conns {
		if atomic.LoadInt32(&pc.state) == StateConnected {
			stats.ConnectedMembers++
		}
	}
	return stats
}
