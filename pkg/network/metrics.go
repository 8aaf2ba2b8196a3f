package network

import "sync/atomic"

// Metrics counts transport and session events. All methods must be safe
// for concurrent use.
type Metrics interface {
	ConnOpened()
	ConnClosed()
	FrameIn()
	FrameOut()
	HandshakeReply()
	DecryptFailure()
	MessageRouted()
	Snapshot() MetricsSnapshot
}

// MetricsSnapshot is a point-in-time copy of the counters, consumed by
// the status API.
type MetricsSnapshot struct {
	ConnsOpen        int64 `json:"conns_open"`
	ConnsTotal       int64 `json:"conns_total"`
	FramesIn         int64 `json:"frames_in"`
	FramesOut        int64 `json:"frames_out"`
	HandshakeReplies int64 `json:"handshake_replies"`
	DecryptFailures  int64 `json:"decrypt_failures"`
	MessagesRouted   int64 `json:"messages_routed"`
}

// Counters is the in-memory Metrics implementation.
type Counters struct {
	connsOpen        atomic.Int64
	connsTotal       atomic.Int64
	framesIn         atomic.Int64
	framesOut        atomic.Int64
	handshakeReplies atomic.Int64
	decryptFailures  atomic.Int64
	messagesRouted   atomic.Int64
}

// NewCounters returns a zeroed Metrics implementation.
func NewCounters() *Counters { return &Counters{} }

func (c *Counters) ConnOpened() {
	c.connsOpen.Add(1)
	c.connsTotal.Add(1)
}

func (c *Counters) ConnClosed()     { c.connsOpen.Add(-1) }
func (c *Counters) FrameIn()        { c.framesIn.Add(1) }
func (c *Counters) FrameOut()       { c.framesOut.Add(1) }
func (c *Counters) HandshakeReply() { c.handshakeReplies.Add(1) }
func (c *Counters) DecryptFailure() { c.decryptFailures.Add(1) }
func (c *Counters) MessageRouted()  { c.messagesRouted.Add(1) }

func (c *Counters) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		ConnsOpen:        c.connsOpen.Load(),
		ConnsTotal:       c.connsTotal.Load(),
		FramesIn:         c.framesIn.Load(),
		FramesOut:        c.framesOut.Load(),
		HandshakeReplies: c.handshakeReplies.Load(),
		DecryptFailures:  c.decryptFailures.Load(),
		MessagesRouted:   c.messagesRouted.Load(),
	}
}
