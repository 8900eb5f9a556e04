package pipetransport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/smbsocks/relay/protocol"
)

// fakePipe is an in-memory PipeFile backed by two byte queues: one the
// test writes into (pipe's "incoming", read by the code under test) and
// one the code under test writes into (pipe's "outgoing", read by the
// test). Scaled to this package's narrower PipeFile contract.
type fakePipe struct {
	mu       sync.Mutex
	toRead   []byte
	readCond *sync.Cond
	written  [][]byte
	closed   bool
}

func newFakePipe() *fakePipe {
	p := &fakePipe{}
	p.readCond = sync.NewCond(&p.mu)
	return p
}

func (p *fakePipe) feed(b []byte) {
	p.mu.Lock()
	p.toRead = append(p.toRead, b...)
	p.readCond.Broadcast()
	p.mu.Unlock()
}

func (p *fakePipe) Read(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.toRead) == 0 && !p.closed {
		p.readCond.Wait()
	}
	if p.closed && len(p.toRead) == 0 {
		return 0, io.EOF
	}
	n := copy(buf, p.toRead)
	p.toRead = p.toRead[n:]
	return n, nil
}

func (p *fakePipe) Write(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := append([]byte(nil), buf...)
	p.written = append(p.written, cp)
	return len(buf), nil
}

func (p *fakePipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.readCond.Broadcast()
	return nil
}

// fakeSession hands out the same two fakePipes in order: first OpenPipe
// call returns the read pipe, second returns the write pipe, matching the
// handshake's sequencing.
type fakeSession struct {
	mu     sync.Mutex
	pipes  []*fakePipe
	closed bool
}

func (s *fakeSession) OpenPipe(name string) (PipeFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pipes) == 0 {
		return nil, errors.New("no more fake pipes")
	}
	p := s.pipes[0]
	s.pipes = s.pipes[1:]
	return p, nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

type fakeDialer struct {
	session *fakeSession
	err     error
}

func (d *fakeDialer) Dial(ctx context.Context) (Session, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.session, nil
}

func testConfig() Config {
	return Config{
		PipeName:          "rpc2socks",
		HandshakeTimeout:  time.Second,
		SteadyReadTimeout: 50 * time.Millisecond,
		WriteTick:         50 * time.Millisecond,
		ReconnectBackoff:  10 * time.Millisecond,
		PipeOpenTimeout:   time.Second,
		PipeOpenPoll:      10 * time.Millisecond,
	}
}

// ackFrameFor replies to a CHANNEL_SETUP with a CHANNEL_SETUP_ACK carrying
// clientID, simulating the remote's handshake response.
func ackFrameFor(clientID uint64) []byte {
	return protocol.Encode(protocol.NewChannelSetupAck(0, clientID))
}

func TestChannel_HandshakePairing(t *testing.T) {
	rPipe := newFakePipe()
	wPipe := newFakePipe()
	session := &fakeSession{pipes: []*fakePipe{rPipe, wPipe}}

	const assignedClientID = 0xAABBCCDDEEFF0011
	rPipe.feed(ackFrameFor(assignedClientID))
	wPipe.feed(ackFrameFor(assignedClientID))

	ch := New(&fakeDialer{session: session}, testConfig())

	connected := make(chan struct{}, 1)
	ch.OnConnected = func() { connected <- struct{}{} }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Run(ctx)

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("channel never connected")
	}

	// verify the write-side CHANNEL_SETUP reused the assigned client_id
	rPipe.mu.Lock()
	rWrites := rPipe.written
	rPipe.mu.Unlock()
	wPipe.mu.Lock()
	wWrites := wPipe.written
	wPipe.mu.Unlock()

	if len(rWrites) == 0 || len(wWrites) == 0 {
		t.Fatalf("expected a setup frame on each pipe, got %d/%d", len(rWrites), len(wWrites))
	}

	rPkt, err := protocol.ParseFrame(rWrites[0])
	if err != nil {
		t.Fatalf("parse read-side setup: %v", err)
	}
	rSetup, ok := rPkt.(*protocol.ChannelSetup)
	if !ok || rSetup.Flags != protocol.ChannelRead || rSetup.ClientID != 0 {
		t.Fatalf("unexpected read-side setup: %+v", rSetup)
	}

	wPkt, err := protocol.ParseFrame(wWrites[0])
	if err != nil {
		t.Fatalf("parse write-side setup: %v", err)
	}
	wSetup, ok := wPkt.(*protocol.ChannelSetup)
	if !ok || wSetup.Flags != protocol.ChannelWrite || wSetup.ClientID != assignedClientID {
		t.Fatalf("write-side setup did not reuse assigned client_id: %+v", wSetup)
	}

	ch.RequestTermination()
	if !ch.Join(2 * time.Second) {
		t.Fatal("channel did not shut down")
	}
}

func TestChannel_MismatchedAckFailsConnect(t *testing.T) {
	rPipe := newFakePipe()
	wPipe := newFakePipe()
	session := &fakeSession{pipes: []*fakePipe{rPipe, wPipe}}

	rPipe.feed(ackFrameFor(0x1111))
	wPipe.feed(ackFrameFor(0x2222)) // mismatched client_id

	ch := New(&fakeDialer{session: session}, testConfig())

	connected := make(chan struct{}, 1)
	ch.OnConnected = func() { connected <- struct{}{} }

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	ch.Run(ctx)

	select {
	case <-connected:
		t.Fatal("expected connect to fail on client_id mismatch")
	default:
	}
}

func TestChannel_SendAndReadBulk(t *testing.T) {
	rPipe := newFakePipe()
	wPipe := newFakePipe()
	session := &fakeSession{pipes: []*fakePipe{rPipe, wPipe}}

	rPipe.feed(ackFrameFor(0xAAAA))
	wPipe.feed(ackFrameFor(0xAAAA))

	ch := New(&fakeDialer{session: session}, testConfig())
	connected := make(chan struct{}, 1)
	ch.OnConnected = func() { connected <- struct{}{} }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Run(ctx)

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("channel never connected")
	}

	ping := protocol.Encode(protocol.NewPing(42))
	rPipe.feed(ping)

	var got []byte
	for i := 0; i < 50; i++ {
		got = ch.ReadBulk()
		if len(got) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !bytes.Equal(got, ping) {
		t.Fatalf("ReadBulk = % x, want % x", got, ping)
	}

	if !ch.Send([]byte("hello")) {
		t.Fatal("Send returned false")
	}
	time.Sleep(100 * time.Millisecond)

	wPipe.mu.Lock()
	defer wPipe.mu.Unlock()
	found := false
	for _, w := range wPipe.written {
		if bytes.Contains(w, []byte("hello")) {
			found = true
		}
	}
	if !found {
		t.Fatal("expected \"hello\" to have been written to the write pipe")
	}

	ch.RequestTermination()
}
