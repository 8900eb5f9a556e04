package bridge

import (
	"sync"
	"testing"

	"github.com/smbsocks/relay/protocol"
)

type fakeTCPClient struct {
	token  uint64
	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func (c *fakeTCPClient) Token() uint64 { return c.token }
func (c *fakeTCPClient) Send(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, data)
	return true
}
func (c *fakeTCPClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

type fakeProtoSender struct {
	mu   sync.Mutex
	sent []protocol.Packet
}

func (p *fakeProtoSender) Send(pkt protocol.Packet) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, pkt)
	return true
}

func (p *fakeProtoSender) last() protocol.Packet {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sent) == 0 {
		return nil
	}
	return p.sent[len(p.sent)-1]
}

// TestLinkLifecycle exercises a full link lifecycle: accept, recv, then
// disconnect, and confirms the disconnect packet plus silent STATUS
// consumption.
func TestLinkLifecycle(t *testing.T) {
	proto := &fakeProtoSender{}
	b := New(proto)

	client := &fakeTCPClient{token: 7}
	b.OnTCPConnected(client)

	if len(b.bySocksToken) != 1 || len(b.byTCPToken) != 1 {
		t.Fatalf("expected one link in each map, got %d/%d", len(b.bySocksToken), len(b.byTCPToken))
	}

	var socksToken uint64
	for st := range b.bySocksToken {
		socksToken = st
	}

	b.OnTCPRecv(7, [][]byte{[]byte("hi")})
	sentSocks, ok := proto.last().(*protocol.Socks)
	if !ok || sentSocks.LinkID != socksToken || string(sentSocks.Data) != "hi" {
		t.Fatalf("unexpected SOCKS send: %+v", sentSocks)
	}

	b.OnTCPDisconnected(7)

	if len(b.bySocksToken) != 0 || len(b.byTCPToken) != 0 {
		t.Fatal("expected link removed from both maps after disconnect")
	}

	disc, ok := proto.last().(*protocol.SocksDisconnected)
	if !ok || disc.LinkID != socksToken {
		t.Fatalf("expected SOCKS_DISCONNECTED for %d, got %+v", socksToken, disc)
	}

	if _, pending := b.pendingDisconnectUIDs[disc.UID()]; !pending {
		t.Fatal("expected the disconnect uid to be tracked as pending")
	}

	b.OnProtoRecv(protocol.NewStatus(disc.UID(), protocol.StatusOK))
	if _, pending := b.pendingDisconnectUIDs[disc.UID()]; pending {
		t.Fatal("expected the pending uid to be consumed silently")
	}
}

func TestOnProtoRecv_SocksForwardsToTCPClient(t *testing.T) {
	proto := &fakeProtoSender{}
	b := New(proto)
	client := &fakeTCPClient{token: 1}
	b.OnTCPConnected(client)

	var socksToken uint64
	for st := range b.bySocksToken {
		socksToken = st
	}

	b.OnProtoRecv(protocol.NewSocks(0, socksToken, []byte("payload")))

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.sent) != 1 || string(client.sent[0]) != "payload" {
		t.Fatalf("expected payload delivered to tcp client, got %v", client.sent)
	}
}

func TestOnProtoRecv_UnknownSocksTokenDroppedSilently(t *testing.T) {
	proto := &fakeProtoSender{}
	b := New(proto)
	// no panics, no sends — the link is simply absent.
	b.OnProtoRecv(protocol.NewSocks(0, 0xDEADBEEF, []byte("x")))
}

func TestOnProtoRecv_CloseClosesTCPClientAndRemovesLink(t *testing.T) {
	proto := &fakeProtoSender{}
	b := New(proto)
	client := &fakeTCPClient{token: 3}
	b.OnTCPConnected(client)

	var socksToken uint64
	for st := range b.bySocksToken {
		socksToken = st
	}

	b.OnProtoRecv(protocol.NewSocksClose(0, socksToken))

	client.mu.Lock()
	closed := client.closed
	client.mu.Unlock()
	if !closed {
		t.Fatal("expected tcp client to be closed")
	}
	if len(b.bySocksToken) != 0 {
		t.Fatal("expected link removed")
	}
}

func TestOnProtoRecv_PingRepliesStatus(t *testing.T) {
	proto := &fakeProtoSender{}
	b := New(proto)

	b.OnProtoRecv(protocol.NewPing(99))

	status, ok := proto.last().(*protocol.Status)
	if !ok || status.UID() != 99 || status.Code != protocol.StatusOK {
		t.Fatalf("expected STATUS{uid=99, OK}, got %+v", status)
	}
}
