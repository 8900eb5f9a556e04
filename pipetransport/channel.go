package pipetransport

import (
	"context"
	"sync"
	"time"

	"github.com/smbsocks/relay/internal/logging"
	"github.com/smbsocks/relay/internal/metrics"
	"github.com/smbsocks/relay/protocol"
)

// Config carries the Channel's timing, independent of the root package to
// avoid an import cycle; relay.Config maps onto this one field-for-field.
type Config struct {
	PipeName          string
	HandshakeTimeout  time.Duration
	SteadyReadTimeout time.Duration
	WriteTick         time.Duration
	ReconnectBackoff  time.Duration
	PipeOpenTimeout   time.Duration
	PipeOpenPoll      time.Duration
}

// Channel is a dual-pipe logical duplex channel: two named pipe instances
// bound together by a CHANNEL_SETUP/CHANNEL_SETUP_ACK handshake, with
// independent read and write loops and automatic reconnect.
type Channel struct {
	dialer Dialer
	cfg    Config

	// OnConnected is invoked on the goroutine running Run; OnDisconnected on
	// the read or write loop goroutine that saw the failure. Callers (the
	// proto client) must not block in them.
	OnConnected    func()
	OnDisconnected func(err error)

	mu       sync.Mutex
	outgoing [][]byte
	incoming [][]byte
	notify   chan struct{} // buffered 1; signals the write loop of new outgoing work

	session  Session
	rPipe    PipeFile
	wPipe    PipeFile
	clientID uint64

	terminate bool
	loopsDone chan struct{}

	wg sync.WaitGroup
}

// New returns a Channel that will dial through d using cfg's timing.
func New(d Dialer, cfg Config) *Channel {
	return &Channel{dialer: d, cfg: cfg, notify: make(chan struct{}, 1)}
}

// wake signals the write loop without blocking if it is already signaled.
func (c *Channel) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Run drives the channel until ctx is cancelled or RequestTermination is
// called: connect, run the read/write loops, and on disconnect back off
// ReconnectBackoff before reconnecting.
func (c *Channel) Run(ctx context.Context) {
	connectedBefore := false
	for {
		c.mu.Lock()
		terminated := c.terminate
		c.mu.Unlock()
		if terminated || ctx.Err() != nil {
			return
		}

		if err := c.connect(ctx); err != nil {
			if err == ErrTerminating {
				return
			}
			logging.Warn("channel connect failed", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.cfg.ReconnectBackoff):
			}
			continue
		}

		if connectedBefore {
			metrics.ReconnectsTotal.Inc()
		}
		connectedBefore = true
		c.runLoops(ctx)
	}
}

// connect performs the full four-step handshake: dial, open the read pipe,
// exchange CHANNEL_SETUP/ACK for it, then do the same for the write pipe,
// reusing the client_id assigned on the read side.
func (c *Channel) connect(ctx context.Context) error {
	session, err := c.dialer.Dial(ctx)
	if err != nil {
		return wrapIo("dial", err)
	}

	rPipe, err := openPipeWithRetry(ctx, session, c.cfg.PipeName, c.cfg.PipeOpenTimeout, c.cfg.PipeOpenPoll)
	if err != nil {
		session.Close()
		return wrapIo("open read pipe", err)
	}

	clientID, err := c.handshakeRead(rPipe)
	if err != nil {
		rPipe.Close()
		session.Close()
		return err
	}

	wPipe, err := openPipeWithRetry(ctx, session, c.cfg.PipeName, c.cfg.PipeOpenTimeout, c.cfg.PipeOpenPoll)
	if err != nil {
		rPipe.Close()
		session.Close()
		return wrapIo("open write pipe", err)
	}

	if err := c.handshakeWrite(wPipe, clientID); err != nil {
		rPipe.Close()
		wPipe.Close()
		session.Close()
		return err
	}

	c.mu.Lock()
	if c.terminate {
		// RequestTermination raced in while the handshake was in flight;
		// honor it rather than silently clearing it and starting the
		// loops anyway.
		c.mu.Unlock()
		wPipe.Close()
		rPipe.Close()
		session.Close()
		return ErrTerminating
	}
	c.session, c.rPipe, c.wPipe, c.clientID = session, rPipe, wPipe, clientID
	c.loopsDone = make(chan struct{})
	c.mu.Unlock()

	logging.Info("channel connected", "client_id", clientID)
	if c.OnConnected != nil {
		c.OnConnected()
	}
	return nil
}

func (c *Channel) handshakeRead(pf PipeFile) (uint64, error) {
	req := protocol.NewChannelSetup(0, 0, protocol.ChannelRead)
	if err := c.sendHandshakeFrame(pf, req); err != nil {
		return 0, err
	}
	pkt, err := c.readHandshakeFrame(pf)
	if err != nil {
		return 0, err
	}
	ack, ok := pkt.(*protocol.ChannelSetupAck)
	if !ok || ack.ClientID == 0 {
		return 0, ErrHandshakeFailed
	}
	return ack.ClientID, nil
}

func (c *Channel) handshakeWrite(pf PipeFile, clientID uint64) error {
	req := protocol.NewChannelSetup(0, clientID, protocol.ChannelWrite)
	if err := c.sendHandshakeFrame(pf, req); err != nil {
		return err
	}
	pkt, err := c.readHandshakeFrame(pf)
	if err != nil {
		return err
	}
	ack, ok := pkt.(*protocol.ChannelSetupAck)
	if !ok || ack.ClientID != clientID {
		return ErrHandshakeFailed
	}
	return nil
}

func (c *Channel) sendHandshakeFrame(pf PipeFile, pkt protocol.Packet) error {
	frame := protocol.Encode(pkt)
	n, err := writeWithTimeout(pf, frame, c.cfg.HandshakeTimeout)
	if err == ErrTimeout {
		return ErrTransportTimeout
	}
	if err != nil {
		return wrapIo("handshake write", err)
	}
	if n != len(frame) {
		return wrapIo("handshake write", errShortWrite)
	}
	return nil
}

func (c *Channel) readHandshakeFrame(pf PipeFile) (protocol.Packet, error) {
	stream := protocol.NewInputStream()
	buf := make([]byte, 4096)
	deadline := time.Now().Add(c.cfg.HandshakeTimeout)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrTransportTimeout
		}
		n, err := readWithTimeout(pf, buf, remaining)
		if n > 0 {
			stream.Feed(buf[:n])
			if pkt, perr := stream.FlushNext(); perr != nil {
				return nil, perr
			} else if pkt != nil {
				return pkt, nil
			}
		}
		if err == ErrTimeout {
			return nil, ErrTransportTimeout
		}
		if err != nil {
			return nil, classifyReadErr(err)
		}
	}
}

// runLoops starts the read and write loops and blocks until both exit
// (either side triggers a disconnect, or termination is requested).
func (c *Channel) runLoops(ctx context.Context) {
	c.mu.Lock()
	done := c.loopsDone
	rPipe, wPipe := c.rPipe, c.wPipe
	c.mu.Unlock()

	c.wg.Add(2)
	go c.readLoop(ctx, rPipe, done)
	go c.writeLoop(ctx, wPipe, done)
	c.wg.Wait()

	c.mu.Lock()
	if c.session != nil {
		c.session.Close()
	}
	c.session, c.rPipe, c.wPipe = nil, nil, nil
	c.mu.Unlock()
}

func (c *Channel) readLoop(ctx context.Context, pf PipeFile, done chan struct{}) {
	defer c.wg.Done()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			c.triggerDisconnect(done, ctx.Err())
			return
		default:
		}

		// A fresh buffer every iteration: readWithTimeout abandons (does
		// not cancel) its goroutine on timeout, so a reused buffer could
		// still be written to by iteration N's goroutine while iteration
		// N+1 reads into it.
		buf := make([]byte, 64*1024)
		n, err := readWithTimeout(pf, buf, c.cfg.SteadyReadTimeout)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			c.mu.Lock()
			c.incoming = append(c.incoming, chunk)
			c.mu.Unlock()
		}

		switch {
		case err == nil:
			// read completed with no error; loop again immediately.
		case err == ErrTimeout:
			// idle timeout: normal, re-check termination and loop.
		default:
			c.triggerDisconnect(done, classifyReadErr(err))
			return
		}
	}
}

func (c *Channel) writeLoop(ctx context.Context, pf PipeFile, done chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.WriteTick)
	defer ticker.Stop()

	for {
		c.mu.Lock()
		empty := len(c.outgoing) == 0
		c.mu.Unlock()

		if empty {
			select {
			case <-c.notify:
			case <-ticker.C:
			case <-done:
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-done:
			return
		default:
		}

		c.mu.Lock()
		if len(c.outgoing) == 0 {
			c.mu.Unlock()
			continue
		}
		item := c.outgoing[0]
		c.outgoing = c.outgoing[1:]
		c.mu.Unlock()

		n, err := writeWithTimeout(pf, item, c.cfg.WriteTick)
		if err != nil && err != ErrTimeout {
			c.mu.Lock()
			c.outgoing = append([][]byte{item}, c.outgoing...)
			c.mu.Unlock()
			c.triggerDisconnect(done, classifyReadErr(err))
			return
		}
		if n < len(item) {
			remainder := append([]byte(nil), item[n:]...)
			c.mu.Lock()
			c.outgoing = append([][]byte{remainder}, c.outgoing...)
			c.mu.Unlock()
		}
	}
}

func (c *Channel) triggerDisconnect(done chan struct{}, err error) {
	c.mu.Lock()
	select {
	case <-done:
		c.mu.Unlock()
		return
	default:
		close(done)
	}
	c.mu.Unlock()

	logging.Warn("channel disconnected", "err", err)
	if c.OnDisconnected != nil {
		c.OnDisconnected(err)
	}
}

// Send enqueues data for the write loop. It never blocks on I/O.
func (c *Channel) Send(data []byte) bool {
	c.mu.Lock()
	if c.terminate {
		c.mu.Unlock()
		return false
	}
	c.outgoing = append(c.outgoing, data)
	c.mu.Unlock()
	c.wake()
	return true
}

// ReadBulk atomically drains and returns all buffered incoming chunks,
// concatenated in arrival order.
func (c *Channel) ReadBulk() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.incoming) == 0 {
		return nil
	}
	var total int
	for _, chunk := range c.incoming {
		total += len(chunk)
	}
	out := make([]byte, 0, total)
	for _, chunk := range c.incoming {
		out = append(out, chunk...)
	}
	c.incoming = c.incoming[:0]
	return out
}

// RequestTermination signals the loops to exit at the next suspension
// point; it is idempotent and non-blocking.
func (c *Channel) RequestTermination() {
	c.mu.Lock()
	c.terminate = true
	if c.rPipe != nil {
		c.rPipe.Close()
	}
	if c.wPipe != nil {
		c.wPipe.Close()
	}
	c.mu.Unlock()
	c.wake()
}

// Join waits up to timeout for the loop goroutines to exit.
func (c *Channel) Join(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
