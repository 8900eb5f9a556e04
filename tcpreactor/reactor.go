// Package tcpreactor serves local SOCKS/TCP clients: it accepts inbound
// TCP connections and moves bytes between each connection and the bridge.
//
// A single-thread select/poll loop with an interrupt socket pair would wake
// the poller when a write becomes pending. Go's runtime netpoller already
// gives every goroutine that property — a goroutine blocked in Read wakes
// exactly when data or a close arrives, and a goroutine blocked in Write
// unblocks the moment the kernel buffer has room — so one reader goroutine
// and one writer goroutine per client, coordinated by locked queues, lets
// the Go scheduler do the multiplexing a manual poll loop would otherwise
// do by hand.
package tcpreactor

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smbsocks/relay/internal/logging"
	"github.com/smbsocks/relay/internal/metrics"
)

const scratchBufSize = 64 * 1024

// Observers receives reactor lifecycle events. OnRecv and OnDisconnected
// run on a per-client goroutine, OnConnected on the listener's accept
// goroutine, and OnStopped on the goroutine calling Join; implementations
// must not block.
type Observers struct {
	OnConnected    func(c *Client)
	OnRecv         func(c *Client, chunks [][]byte)
	OnDisconnected func(token uint64)
	OnStopped      func(err error)
}

var tokenCounter uint64

func nextToken() uint64 { return atomic.AddUint64(&tokenCounter, 1) }

// Client is one accepted TCP connection's reactor-side state.
type Client struct {
	conn   net.Conn
	remote string
	token  uint64

	mu       sync.Mutex
	outgoing [][]byte
	notify   chan struct{}
	closed   bool
}

func newClient(conn net.Conn) *Client {
	return &Client{
		conn:   conn,
		remote: conn.RemoteAddr().String(),
		token:  nextToken(),
		notify: make(chan struct{}, 1),
	}
}

// Token returns the client's process-local handle.
func (c *Client) Token() uint64 { return c.token }

// RemoteAddr returns the client's remote address string.
func (c *Client) RemoteAddr() string { return c.remote }

// Send enqueues data for delivery to the TCP client; never blocks on I/O.
func (c *Client) Send(data []byte) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.outgoing = append(c.outgoing, data)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return true
}

// Close shuts down the client's connection. Idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.conn.Close()
}

// Reactor listens on a set of bind specs and serves accepted clients.
type Reactor struct {
	obs Observers

	mu        sync.Mutex
	listeners []net.Listener
	clients   map[uint64]*Client
	wg        sync.WaitGroup

	terminating atomic.Bool
	stopped     atomic.Bool
}

// New returns a Reactor with the given observer set.
func New(obs Observers) *Reactor {
	return &Reactor{obs: obs, clients: make(map[uint64]*Client)}
}

// Listen binds every address in specs (host:port strings; "" or "*" host
// means wildcard; a bare port is also accepted) and starts accepting. A
// named host is resolved via OS DNS, preferring an IPv4 address when one
// is available, rather than left to net.Listen's own resolution (which
// does not guarantee an IPv4 preference).
func (r *Reactor) Listen(specs []string) error {
	for _, spec := range specs {
		addr, err := resolveBindAddr(spec)
		if err != nil {
			r.closeListeners()
			return err
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			r.closeListeners()
			return err
		}
		r.mu.Lock()
		r.listeners = append(r.listeners, ln)
		r.mu.Unlock()

		r.wg.Add(1)
		go r.acceptLoop(ln, spec)
	}
	return nil
}

// resolveBindAddr turns a bind spec into a literal host:port suitable for
// net.Listen. Wildcard and already-literal IP hosts pass through
// untouched; a named host is resolved via the OS resolver and an IPv4
// result is preferred over IPv6 when both are available.
func resolveBindAddr(spec string) (string, error) {
	host, port, err := net.SplitHostPort(spec)
	if err != nil {
		if _, perr := strconv.Atoi(spec); perr != nil {
			return "", err
		}
		host, port = "", spec
	}

	if host == "" || host == "*" {
		return net.JoinHostPort("", port), nil
	}
	if ip := net.ParseIP(host); ip != nil {
		return net.JoinHostPort(host, port), nil
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(context.Background(), host)
	if err != nil {
		return "", fmt.Errorf("resolving %q: %w", host, err)
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("no addresses found for host %q", host)
	}

	resolved := addrs[0].IP
	for _, a := range addrs {
		if v4 := a.IP.To4(); v4 != nil {
			resolved = v4
			break
		}
	}
	return net.JoinHostPort(resolved.String(), port), nil
}

func (r *Reactor) acceptLoop(ln net.Listener, spec string) {
	defer r.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if r.terminating.Load() {
				return
			}
			logging.Warn("accept failed", "listener", spec, "err", err)
			return
		}

		metrics.TCPConnectionsTotal.WithLabelValues(spec).Inc()

		client := newClient(conn)
		r.mu.Lock()
		r.clients[client.token] = client
		r.mu.Unlock()

		logging.Info("tcp client connected", "token", client.token, "remote", client.remote)
		if r.obs.OnConnected != nil {
			safeCall(func() { r.obs.OnConnected(client) })
		}

		r.wg.Add(2)
		go r.readLoop(client)
		go r.writeLoop(client)
	}
}

func (r *Reactor) readLoop(c *Client) {
	defer r.wg.Done()
	buf := make([]byte, scratchBufSize)
	for {
		c.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, err := c.conn.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if r.obs.OnRecv != nil {
				safeCall(func() { r.obs.OnRecv(c, [][]byte{chunk}) })
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if r.terminating.Load() {
					r.disconnect(c)
					return
				}
				continue
			}
			r.disconnect(c)
			return
		}
	}
}

func (r *Reactor) writeLoop(c *Client) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		c.mu.Lock()
		empty := len(c.outgoing) == 0
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		if empty {
			select {
			case <-c.notify:
			case <-ticker.C:
				if r.terminating.Load() {
					return
				}
			}
			continue
		}

		c.mu.Lock()
		if len(c.outgoing) == 0 {
			c.mu.Unlock()
			continue
		}
		item := c.outgoing[0]
		c.outgoing = c.outgoing[1:]
		c.mu.Unlock()

		c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		n, err := c.conn.Write(item)
		if err != nil && n < len(item) {
			remainder := append([]byte(nil), item[n:]...)
			c.mu.Lock()
			c.outgoing = append([][]byte{remainder}, c.outgoing...)
			c.mu.Unlock()
		}
		if err != nil {
			if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
				r.disconnect(c)
				return
			}
		}
	}
}

func (r *Reactor) disconnect(c *Client) {
	c.Close()
	r.mu.Lock()
	_, existed := r.clients[c.token]
	delete(r.clients, c.token)
	r.mu.Unlock()
	if !existed {
		return
	}
	logging.Info("tcp client disconnected", "token", c.token, "remote", c.remote)
	if r.obs.OnDisconnected != nil {
		safeCall(func() { r.obs.OnDisconnected(c.token) })
	}
}

func (r *Reactor) closeListeners() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ln := range r.listeners {
		ln.Close()
	}
	r.listeners = nil
}

// RequestTermination closes every listener and every registered client's
// socket; each loop observes this at its next timeout boundary.
func (r *Reactor) RequestTermination() {
	r.terminating.Store(true)
	r.closeListeners()

	r.mu.Lock()
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
}

// Join waits up to timeout for every loop goroutine to exit.
func (r *Reactor) Join(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.stopped.Store(true)
		if r.obs.OnStopped != nil {
			safeCall(func() { r.obs.OnStopped(nil) })
		}
		return true
	case <-time.After(timeout):
		return false
	}
}

// Down reports whether a Join call has already observed every loop
// goroutine exit; it stays false until Join succeeds.
func (r *Reactor) Down() bool { return r.stopped.Load() }

func safeCall(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			logging.Error("reactor observer panicked", "recover", rec)
		}
	}()
	fn()
}
