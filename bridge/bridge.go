// Package bridge ties the TCP reactor to the proto client via link tokens.
package bridge

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smbsocks/relay/internal/logging"
	"github.com/smbsocks/relay/internal/metrics"
	"github.com/smbsocks/relay/protocol"
)

// TCPClient is the subset of tcpreactor.Client the bridge needs.
type TCPClient interface {
	Token() uint64
	Send(data []byte) bool
	Close()
}

// ProtoSender is the subset of protoclient.Client the bridge needs.
type ProtoSender interface {
	Send(pkt protocol.Packet) bool
}

// link is a (socks_token, tcp_token) pair bridging one SOCKS-side link
// identifier to one local TCP connection. Once removed from both maps,
// nothing retains its tcpClient.
type link struct {
	socksToken uint64
	tcpToken   uint64
	tcpClient  TCPClient
	traceID    string
}

// Bridge owns the link table and dispatches both directions.
type Bridge struct {
	proto ProtoSender

	mu                    sync.Mutex
	bySocksToken          map[uint64]*link
	byTCPToken            map[uint64]*link
	pendingDisconnectUIDs map[uint32]struct{}

	terminating bool
}

// New returns a Bridge that forwards outbound packets through proto.
func New(proto ProtoSender) *Bridge {
	return &Bridge{
		proto:                 proto,
		bySocksToken:          make(map[uint64]*link),
		byTCPToken:            make(map[uint64]*link),
		pendingDisconnectUIDs: make(map[uint32]struct{}),
	}
}

func randomToken() uint64 {
	var buf [8]byte
	for {
		rand.Read(buf[:])
		v := binary.LittleEndian.Uint64(buf[:])
		if v != 0 {
			return v
		}
	}
}

// OnTCPConnected allocates a unique socks_token and records a link.
func (b *Bridge) OnTCPConnected(client TCPClient) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var socksToken uint64
	for {
		socksToken = randomToken()
		if _, exists := b.bySocksToken[socksToken]; !exists {
			break
		}
	}

	l := &link{
		socksToken: socksToken,
		tcpToken:   client.Token(),
		tcpClient:  client,
		traceID:    uuid.NewString(),
	}
	b.bySocksToken[socksToken] = l
	b.byTCPToken[client.Token()] = l
	metrics.ActiveLinks.Inc()

	logging.Info("link opened", "trace_id", l.traceID, "socks_token", socksToken, "tcp_token", client.Token())
}

// OnTCPRecv forwards each received chunk as one SOCKS packet.
func (b *Bridge) OnTCPRecv(tcpToken uint64, chunks [][]byte) {
	b.mu.Lock()
	l, ok := b.byTCPToken[tcpToken]
	b.mu.Unlock()
	if !ok {
		logging.Warn("recv for unknown tcp_token, dropping", "tcp_token", tcpToken)
		return
	}

	for _, chunk := range chunks {
		if len(chunk) == 0 {
			continue
		}
		b.proto.Send(protocol.NewSocks(0, l.socksToken, chunk))
	}
}

// OnTCPDisconnected sends SOCKS_DISCONNECTED and removes the link from both
// maps, recording the outbound uid to suppress the STATUS reply's log line.
func (b *Bridge) OnTCPDisconnected(tcpToken uint64) {
	b.mu.Lock()
	l, ok := b.byTCPToken[tcpToken]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.bySocksToken, l.socksToken)
	delete(b.byTCPToken, l.tcpToken)
	b.mu.Unlock()

	metrics.ActiveLinks.Dec()

	pkt := protocol.NewSocksDisconnected(0, l.socksToken)
	b.mu.Lock()
	b.pendingDisconnectUIDs[pkt.UID()] = struct{}{}
	b.mu.Unlock()
	b.proto.Send(pkt)

	logging.Info("link closed (local tcp disconnect)", "trace_id", l.traceID, "socks_token", l.socksToken)
}

// OnProtoRecv dispatches a packet received from the pipe channel.
func (b *Bridge) OnProtoRecv(pkt protocol.Packet) {
	switch p := pkt.(type) {
	case *protocol.Socks:
		b.forwardToTCP(p.LinkID, p.Data)
	case *protocol.SocksClose:
		b.closeLink(p.LinkID)
	case *protocol.SocksDisconnected:
		b.closeLink(p.LinkID)
	case *protocol.Ping:
		b.proto.Send(protocol.NewStatus(p.UID(), protocol.StatusOK))
	case *protocol.Status:
		b.mu.Lock()
		_, pending := b.pendingDisconnectUIDs[p.UID()]
		if pending {
			delete(b.pendingDisconnectUIDs, p.UID())
		}
		b.mu.Unlock()
		if !pending {
			logging.Info("unsolicited status", "uid", p.UID(), "code", p.Code)
		}
	case *protocol.ChannelSetup, *protocol.ChannelSetupAck, *protocol.UninstallSelf:
		logging.Warn("unexpected packet in steady state", "opcode", pkt.Opcode())
	default:
		logging.Warn("unhandled packet type", "opcode", pkt.Opcode())
	}
}

func (b *Bridge) forwardToTCP(socksToken uint64, data []byte) {
	b.mu.Lock()
	l, ok := b.bySocksToken[socksToken]
	b.mu.Unlock()
	if !ok {
		// Link already closed locally; drop silently.
		return
	}
	if !l.tcpClient.Send(data) {
		logging.Warn("tcp send failed, link stays open", "trace_id", l.traceID, "socks_token", socksToken)
	}
}

func (b *Bridge) closeLink(socksToken uint64) {
	b.mu.Lock()
	l, ok := b.bySocksToken[socksToken]
	if ok {
		delete(b.bySocksToken, l.socksToken)
		delete(b.byTCPToken, l.tcpToken)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	metrics.ActiveLinks.Dec()
	l.tcpClient.Close()
	logging.Info("link closed (peer close)", "trace_id", l.traceID, "socks_token", socksToken)
}

// RequestTermination marks the bridge terminating. The caller is
// responsible for also requesting termination of the reactor and proto
// client; Join polls both.
func (b *Bridge) RequestTermination() {
	b.mu.Lock()
	b.terminating = true
	b.mu.Unlock()
}

// Join polls the two provided down-checks at a 100ms tick until both
// report down or timeout elapses.
func Join(timeout time.Duration, reactorDown, protoDown func() bool) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if reactorDown() && protoDown() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		<-ticker.C
	}
}
