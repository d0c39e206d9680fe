package netconn

import (
	"net"
	"testing"
	"time"
)

func TestQueueFlush(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	c := New(client, "client")
	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := server.Read(buf)
		done <- buf[:n]
	}()

	if err := c.Queue([]byte("hello")); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if !c.HasBuffer() {
		t.Fatalf("expected buffered data")
	}
	if _, err := c.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if c.HasBuffer() {
		t.Fatalf("expected empty buffer after flush")
	}

	select {
	case got := <-done:
		if string(got) != "hello" {
			t.Fatalf("got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for flush")
	}
}

func TestReusableDefaultsTrue(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	c := New(client, "client")
	if !c.Reusable() {
		t.Fatalf("expected reusable by default")
	}
	c.SetReusable(false)
	if c.Reusable() {
		t.Fatalf("expected not reusable after SetReusable(false)")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	c := New(client, "client")
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if !c.Closed() {
		t.Fatalf("expected closed")
	}
	if err := c.Queue([]byte("x")); err == nil {
		t.Fatalf("expected error queuing on closed connection")
	}
}

func TestReplaceSwapsUnderlyingConn(t *testing.T) {
	serverA, clientA := net.Pipe()
	defer serverA.Close()
	defer clientA.Close()
	serverB, clientB := net.Pipe()
	defer serverB.Close()
	defer clientB.Close()

	c := New(clientA, "client")
	c.Replace(clientB)

	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 16)
		n, _ := serverB.Read(buf)
		done <- buf[:n]
	}()

	if _, err := c.WriteNow([]byte("up")); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case got := <-done:
		if string(got) != "up" {
			t.Fatalf("got %q, want data on replaced conn", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out: write did not reach replaced connection")
	}
}
