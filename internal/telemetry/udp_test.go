package telemetry

import (
	"errors"
	"net"
	"testing"
)

type fakeConn struct {
	writes    [][]byte
	writeErr  error
	closed    bool
	closeErr  error
	writeHits int
}

func (c *fakeConn) Write(p []byte) (int, error) {
	c.writeHits++
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	cp := append([]byte(nil), p...)
	c.writes = append(c.writes, cp)
	return len(p), nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return c.closeErr
}

func TestNewUDPSink_DialsResolvedAddr(t *testing.T) {
	var gotNetwork string
	var gotRaddr *net.UDPAddr
	fc := &fakeConn{}

	dial := func(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
		gotNetwork = network
		gotRaddr = raddr
		return fc, nil
	}

	s, err := newUDPSink("127.0.0.1:4000", net.ResolveUDPAddr, dial)
	if err != nil {
		t.Fatalf("newUDPSink() error: %v", err)
	}
	defer s.Close()

	if gotNetwork != "udp" {
		t.Fatalf("network=%q want %q", gotNetwork, "udp")
	}
	if gotRaddr == nil || gotRaddr.Port != 4000 || !gotRaddr.IP.Equal(net.IPv4(127, 0, 0, 1)) {
		t.Fatalf("raddr=%v want 127.0.0.1:4000", gotRaddr)
	}
	if s.Name() != "udp 127.0.0.1:4000" {
		t.Fatalf("name=%q", s.Name())
	}
}

func TestNewUDPSink_ResolveFailure(t *testing.T) {
	resolveErr := errors.New("nope")
	resolve := func(network, address string) (*net.UDPAddr, error) {
		return nil, resolveErr
	}
	dial := func(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
		return &fakeConn{}, nil
	}

	_, err := newUDPSink("bad:addr", resolve, dial)
	if !errors.Is(err, resolveErr) {
		t.Fatalf("err=%v want %v", err, resolveErr)
	}
}

func TestUDPSink_Send(t *testing.T) {
	fc := &fakeConn{}
	s := &UDPSink{dest: "x", conn: fc}

	if err := s.Send(nil); err != nil {
		t.Fatalf("Send(nil) error: %v", err)
	}
	if fc.writeHits != 0 {
		t.Fatalf("expected no writes, got %d", fc.writeHits)
	}

	p := []byte(`{"tick":1}`)
	if err := s.Send(p); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if len(fc.writes) != 1 || string(fc.writes[0]) != string(p) {
		t.Fatalf("writes=%q want [%q]", fc.writes, p)
	}

	wantErr := errors.New("boom")
	fc.writeErr = wantErr
	if err := s.Send(p); !errors.Is(err, wantErr) {
		t.Fatalf("err=%v want %v", err, wantErr)
	}
}

func TestUDPSink_RealSocket(t *testing.T) {
	ln, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	s, err := NewUDPSink(ln.LocalAddr().String())
	if err != nil {
		t.Fatalf("NewUDPSink: %v", err)
	}
	defer s.Close()
	if err := s.Send([]byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	buf := make([]byte, 64)
	n, _, err := ln.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("got %q", buf[:n])
	}
}

func TestUDPSink_CloseNilConn(t *testing.T) {
	s := &UDPSink{}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
}
