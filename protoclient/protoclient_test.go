package protoclient

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/smbsocks/relay/protocol"
)

type fakeTransport struct {
	mu          sync.Mutex
	sent        [][]byte
	incoming    []byte
	terminated  bool
}

func (f *fakeTransport) Send(data []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, data)
	return true
}

func (f *fakeTransport) ReadBulk() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.incoming
	f.incoming = nil
	return out
}

func (f *fakeTransport) feed(b []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.incoming = append(f.incoming, b...)
}

func (f *fakeTransport) RequestTermination() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = true
}

func (f *fakeTransport) Join(time.Duration) bool { return true }

func TestClient_DispatchesNonStatusToObserver(t *testing.T) {
	transport := &fakeTransport{}
	received := make(chan protocol.Packet, 1)

	c := New(transport, 0, Observers{
		OnRecv: func(pkt protocol.Packet) { received <- pkt },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	transport.feed(protocol.Encode(protocol.NewPing(5)))

	select {
	case pkt := <-received:
		if pkt.Opcode() != protocol.OpPing || pkt.UID() != 5 {
			t.Fatalf("unexpected packet: %+v", pkt)
		}
	case <-time.After(time.Second):
		t.Fatal("observer never received the packet")
	}
}

func TestClient_StatusMatchingOutstandingPingIsConsumedSilently(t *testing.T) {
	transport := &fakeTransport{}
	var observed int
	var mu sync.Mutex

	c := New(transport, 0, Observers{
		OnRecv: func(pkt protocol.Packet) {
			mu.Lock()
			observed++
			mu.Unlock()
		},
	})

	c.mu.Lock()
	c.outstanding[123] = outstandingPing{sentAt: time.Now()}
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	transport.feed(protocol.Encode(protocol.NewStatus(123, protocol.StatusOK)))

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if observed != 0 {
		t.Fatalf("expected the matching STATUS to be consumed silently, observer saw %d packets", observed)
	}
	c.mu.Lock()
	_, stillOutstanding := c.outstanding[123]
	c.mu.Unlock()
	if stillOutstanding {
		t.Fatal("expected the outstanding entry to be removed")
	}
}

func TestClient_OnChannelConnectedClearsParser(t *testing.T) {
	transport := &fakeTransport{}
	c := New(transport, 0, Observers{})

	c.stream.Feed([]byte{0xDE, 0xAD})
	c.OnChannelConnected()

	pkt, err := c.stream.FlushNext()
	if err != nil || pkt != nil {
		t.Fatalf("expected cleared stream, got (%v, %v)", pkt, err)
	}
}
