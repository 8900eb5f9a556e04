package tcpreactor

import (
	"net"
	"testing"
	"time"
)

func TestReactor_AcceptRecvDisconnect(t *testing.T) {
	connected := make(chan *Client, 1)
	recvd := make(chan []byte, 1)
	disconnected := make(chan uint64, 1)

	r := New(Observers{
		OnConnected:    func(c *Client) { connected <- c },
		OnRecv:         func(c *Client, chunks [][]byte) { recvd <- chunks[0] },
		OnDisconnected: func(token uint64) { disconnected <- token },
	})

	if err := r.Listen([]string{"127.0.0.1:0"}); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr := r.listeners[0].Addr().String()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	var client *Client
	select {
	case client = <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("never observed connect")
	}

	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case chunk := <-recvd:
		if string(chunk) != "hello" {
			t.Fatalf("got %q, want %q", chunk, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("never observed recv")
	}

	if !client.Send([]byte("world")) {
		t.Fatal("Send returned false")
	}
	buf := make([]byte, 16)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if err != nil || string(buf[:n]) != "world" {
		t.Fatalf("got (%q, %v), want \"world\"", buf[:n], err)
	}

	conn.Close()

	select {
	case token := <-disconnected:
		if token != client.Token() {
			t.Fatalf("got token %d, want %d", token, client.Token())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("never observed disconnect")
	}

	r.RequestTermination()
	if !r.Join(2 * time.Second) {
		t.Fatal("reactor did not shut down")
	}
}
