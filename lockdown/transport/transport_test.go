package transport

import (
	"io"
	"net"
	"testing"
	"time"
)

type greeting struct {
	Request string
	Value   string
}

func TestConn_SendRecvPlistRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	clientConn := New(client)
	serverConn := New(server)

	done := make(chan error, 1)
	go func() {
		var got greeting
		done <- serverConn.RecvPlist(&got)
		if got.Request != "Hello" || got.Value != "world" {
			t.Errorf("server got %+v", got)
		}
	}()

	if err := clientConn.SendPlist(&greeting{Request: "Hello", Value: "world"}); err != nil {
		t.Fatalf("SendPlist: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("RecvPlist: %v", err)
	}
}

// slowConn wraps a net.Conn and trickles Read out a few bytes at a time,
// simulating a packet-oriented device connection that never hands back
// a full frame in one call.
type slowConn struct {
	net.Conn
}

func (s slowConn) Read(p []byte) (int, error) {
	if len(p) > 3 {
		p = p[:3]
	}
	return s.Conn.Read(p)
}

func TestConn_RecvBytes_PartialReadsAccumulate(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	serverConn := New(slowConn{server})

	want := &greeting{Request: "QueryType", Value: "some fairly long value to force several partial reads"}

	errc := make(chan error, 1)
	go func() {
		errc <- New(client).SendPlist(want)
	}()

	var got greeting
	if err := serverConn.RecvPlist(&got); err != nil {
		t.Fatalf("RecvPlist over slow conn: %v", err)
	}
	if got != *want {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if err := <-errc; err != nil {
		t.Fatalf("SendPlist: %v", err)
	}
}

func TestConn_RecvBytes_TransportErrorSurfaces(t *testing.T) {
	client, server := net.Pipe()
	serverConn := New(server)
	client.Close() // closes before any write: server's read should error

	_, err := serverConn.RecvBytes()
	if err == nil {
		t.Fatal("expected an error reading from a closed peer")
	}
	if err == io.EOF {
		t.Fatalf("expected a wrapped error, got bare io.EOF")
	}
}

func TestConn_SatisfiesNetConnForTLS(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	var _ net.Conn = New(client)

	deadline := time.Now().Add(time.Second)
	if err := New(client).SetDeadline(deadline); err != nil {
		t.Errorf("SetDeadline: %v", err)
	}
}
