// Package protoclient layers typed packet dispatch and keep-alive over a
// pipetransport.Channel.
package protoclient

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/xid"

	"github.com/smbsocks/relay/internal/logging"
	"github.com/smbsocks/relay/internal/metrics"
	"github.com/smbsocks/relay/pipetransport"
	"github.com/smbsocks/relay/protocol"
)

// Transport is the subset of pipetransport.Channel the proto client needs;
// narrowed to an interface so tests can supply a fake.
type Transport interface {
	Send(data []byte) bool
	ReadBulk() []byte
	RequestTermination()
	Join(timeout time.Duration) bool
}

// Observers receives dispatched events. OnRecv runs on the receive loop's
// goroutine; OnConnected and OnDisconnected run on whichever transport
// goroutine calls OnChannelConnected / OnChannelDisconnected.
// Implementations must not block and must not panic — Client recovers a
// panicking observer and logs it rather than crashing the loop.
type Observers struct {
	OnConnected    func()
	OnDisconnected func(err error)
	OnRecv         func(pkt protocol.Packet)
}

type outstandingPing struct {
	sentAt time.Time
	corrID string // rs/xid correlation id, independent of the wire uid
}

// Client sits atop a Transport, owning the resynchronizing parser and the
// keep-alive table.
type Client struct {
	transport Transport
	obs       Observers

	keepAliveInterval time.Duration

	mu          sync.Mutex
	outstanding map[uint32]outstandingPing

	stream *protocol.InputStream

	traceID string
}

// New returns a Client driving transport with the given keep-alive
// interval (0 disables periodic PINGs).
func New(transport Transport, keepAliveInterval time.Duration, obs Observers) *Client {
	return &Client{
		transport:         transport,
		obs:               obs,
		keepAliveInterval: keepAliveInterval,
		outstanding:       make(map[uint32]outstandingPing),
		stream:            protocol.NewInputStream(),
		traceID:           uuid.NewString(),
	}
}

// Send enqueues a packet for transmission; never blocks on I/O.
func (c *Client) Send(pkt protocol.Packet) bool {
	metrics.PacketsTotal.WithLabelValues(pkt.Opcode().String(), "send").Inc()
	return c.transport.Send(protocol.Encode(pkt))
}

// OnChannelConnected resets the parser so frames from a stale connection
// never mix with the fresh one, and forwards to the configured observer.
// Wired as pipetransport.Channel.OnConnected.
func (c *Client) OnChannelConnected() {
	c.stream.Clear()
	logging.Info("proto client connected", "trace_id", c.traceID)
	if c.obs.OnConnected != nil {
		safeCall(func() { c.obs.OnConnected() })
	}
}

// OnChannelDisconnected forwards a disconnect to the configured observer.
// Wired as pipetransport.Channel.OnDisconnected.
func (c *Client) OnChannelDisconnected(err error) {
	logging.Warn("proto client disconnected", "trace_id", c.traceID, "err", err)
	if c.obs.OnDisconnected != nil {
		safeCall(func() { c.obs.OnDisconnected(err) })
	}
}

// Run drains the transport, feeds the parser, dispatches packets, and —
// when enabled — sends periodic PINGs and evicts stale keep-alive entries.
func (c *Client) Run(ctx context.Context) {
	tickInterval := c.keepAliveInterval
	if tickInterval <= 0 {
		tickInterval = time.Second // still poll to observe cancellation
	}
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	// sawPacket records whether any packet arrived since the last tick; a
	// PING is only sent after a tick with no incoming traffic.
	sawPacket := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.keepAliveInterval > 0 && !sawPacket {
				c.sendPing()
			}
			sawPacket = false
			c.evictStalePings()
		default:
		}

		chunk := c.transport.ReadBulk()
		if len(chunk) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		c.stream.Feed(chunk)
		for {
			pkt, err := c.stream.FlushNext()
			if err != nil {
				logging.Warn("decode error, dropping connection", "trace_id", c.traceID, "err", err)
				c.transport.RequestTermination()
				return
			}
			if pkt == nil {
				break
			}
			sawPacket = true
			c.dispatch(pkt)
		}
	}
}

func (c *Client) dispatch(pkt protocol.Packet) {
	metrics.PacketsTotal.WithLabelValues(pkt.Opcode().String(), "recv").Inc()

	if pkt.Opcode() == protocol.OpStatus {
		c.mu.Lock()
		entry, ok := c.outstanding[pkt.UID()]
		if ok {
			delete(c.outstanding, pkt.UID())
		}
		c.mu.Unlock()
		if ok {
			metrics.KeepAliveRTT.Observe(time.Since(entry.sentAt).Seconds())
			return
		}
	}

	if c.obs.OnRecv != nil {
		safeCall(func() { c.obs.OnRecv(pkt) })
	}
}

// sendPing draws a fresh uid that does not collide with any outstanding
// entry, records it, and sends the PING.
func (c *Client) sendPing() {
	c.mu.Lock()
	var uid uint32
	for attempts := 0; attempts < 8; attempts++ {
		uid = protocol.NextUID()
		if _, collides := c.outstanding[uid]; !collides {
			break
		}
	}
	c.outstanding[uid] = outstandingPing{sentAt: time.Now(), corrID: xid.New().String()}
	c.mu.Unlock()

	c.Send(protocol.NewPing(uid))
}

func (c *Client) evictStalePings() {
	cutoff := time.Now().Add(-30 * time.Second)
	c.mu.Lock()
	defer c.mu.Unlock()
	for uid, entry := range c.outstanding {
		if entry.sentAt.Before(cutoff) {
			delete(c.outstanding, uid)
			metrics.KeepAliveTimeouts.Inc()
		}
	}
}

// safeCall runs fn, catching and logging a panic rather than letting it
// propagate out of the receive loop.
func safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("observer callback panicked", "recover", r)
		}
	}()
	fn()
}

var _ Transport = (*pipetransport.Channel)(nil)
