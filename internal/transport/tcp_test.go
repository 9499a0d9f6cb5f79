package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

// peer runs script against every accepted connection.
func peer(t *testing.T, script func(conn net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				script(conn)
			}()
		}
	}()
	return ln.Addr().String()
}

func frame(txID uint16, pdu ...byte) []byte {
	buf := make([]byte, headerSize+len(pdu))
	binary.BigEndian.PutUint16(buf[0:2], txID)
	binary.BigEndian.PutUint16(buf[4:6], uint16(len(pdu)+1))
	buf[6] = 1
	copy(buf[headerSize:], pdu)
	return buf
}

// readRequest reads one request frame and returns its transaction ID.
func readRequest(conn net.Conn) (uint16, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(conn, header); err != nil {
		return 0, err
	}
	pdu := make([]byte, binary.BigEndian.Uint16(header[4:6])-1)
	if _, err := io.ReadFull(conn, pdu); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(header[0:2]), nil
}

func connect(t *testing.T, addr string) *TCPTransport {
	t.Helper()
	tr := NewTCPTransport(addr, time.Second)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func withTimeout(t *testing.T, d time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

func TestSend(t *testing.T) {
	addr := peer(t, func(conn net.Conn) {
		for {
			txID, err := readRequest(conn)
			if err != nil {
				return
			}
			conn.Write(frame(txID, 0x03, 0x02, 0x00, 0x2A))
		}
	})
	tr := connect(t, addr)

	for txID := uint16(1); txID <= 3; txID++ {
		resp, err := tr.Send(context.Background(), txID, frame(txID, 0x03, 0x00, 0x00, 0x00, 0x01))
		if err != nil {
			t.Fatalf("Send %d failed: %v", txID, err)
		}
		if got := binary.BigEndian.Uint16(resp[0:2]); got != txID {
			t.Errorf("Transaction ID: expected %d, got %d", txID, got)
		}
		if len(resp) != headerSize+4 {
			t.Errorf("Response length: expected %d, got %d", headerSize+4, len(resp))
		}
	}
}

func TestSend_NotConnected(t *testing.T) {
	tr := NewTCPTransport("127.0.0.1:1", time.Second)
	if _, err := tr.Send(context.Background(), 1, frame(1, 0x03)); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
}

func TestSend_TimeoutKeepsConnection(t *testing.T) {
	release := make(chan struct{})
	addr := peer(t, func(conn net.Conn) {
		slow, err := readRequest(conn)
		if err != nil {
			return
		}
		<-release
		// Late reply to the timed-out request, then the answer to the next one.
		conn.Write(frame(slow, 0x03, 0x02, 0xDE, 0xAD))
		next, err := readRequest(conn)
		if err != nil {
			return
		}
		conn.Write(frame(next, 0x03, 0x02, 0x00, 0x07))
	})
	tr := connect(t, addr)

	_, err := tr.Send(withTimeout(t, 50*time.Millisecond), 10, frame(10, 0x03, 0x00, 0x00, 0x00, 0x01))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
	if !tr.IsConnected() {
		t.Fatal("Connection should survive a timeout with no bytes read")
	}
	if tr.Abandoned() != 1 {
		t.Errorf("Abandoned: expected 1, got %d", tr.Abandoned())
	}

	close(release)
	resp, err := tr.Send(withTimeout(t, time.Second), 11, frame(11, 0x03, 0x00, 0x00, 0x00, 0x01))
	if err != nil {
		t.Fatalf("Send after timeout failed: %v", err)
	}
	if got := binary.BigEndian.Uint16(resp[0:2]); got != 11 {
		t.Errorf("Transaction ID: expected 11, got %d", got)
	}
	if resp[len(resp)-1] != 0x07 {
		t.Errorf("Late reply was returned instead of the current one: % X", resp)
	}
	if tr.Abandoned() != 0 {
		t.Errorf("Abandoned after drain: expected 0, got %d", tr.Abandoned())
	}
}

func TestSend_ExpiredBeforeWriteKeepsConnection(t *testing.T) {
	addr := peer(t, func(conn net.Conn) {
		for {
			txID, err := readRequest(conn)
			if err != nil {
				return
			}
			conn.Write(frame(txID, 0x03, 0x02, 0x00, 0x2A))
		}
	})
	tr := connect(t, addr)

	expired, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Millisecond))
	defer cancel()

	_, err := tr.Send(expired, 1, frame(1, 0x03, 0x00, 0x00, 0x00, 0x01))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
	if !tr.IsConnected() {
		t.Fatal("Connection should survive a request that expired before it was sent")
	}
	if tr.Abandoned() != 0 {
		t.Errorf("Abandoned: expected 0 for an unsent request, got %d", tr.Abandoned())
	}

	resp, err := tr.Send(withTimeout(t, time.Second), 2, frame(2, 0x03, 0x00, 0x00, 0x00, 0x01))
	if err != nil {
		t.Fatalf("Send after expired request failed: %v", err)
	}
	if got := binary.BigEndian.Uint16(resp[0:2]); got != 2 {
		t.Errorf("Transaction ID: expected 2, got %d", got)
	}
}

func TestSend_CancelledBeforeWriteKeepsConnection(t *testing.T) {
	addr := peer(t, func(conn net.Conn) {
		readRequest(conn)
	})
	tr := connect(t, addr)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := tr.Send(ctx, 1, frame(1, 0x03, 0x00, 0x00, 0x00, 0x01)); !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
	if !tr.IsConnected() {
		t.Error("Connection should survive a cancelled request that was never sent")
	}
}

func TestSend_PartialResponseClosesConnection(t *testing.T) {
	addr := peer(t, func(conn net.Conn) {
		if _, err := readRequest(conn); err != nil {
			return
		}
		conn.Write([]byte{0x00, 0x01, 0x00})
		time.Sleep(200 * time.Millisecond)
	})
	tr := connect(t, addr)

	_, err := tr.Send(withTimeout(t, 50*time.Millisecond), 1, frame(1, 0x03, 0x00, 0x00, 0x00, 0x01))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
	if tr.IsConnected() {
		t.Error("Connection should be closed after a partial response")
	}
}

func TestSend_UnexpectedTransaction(t *testing.T) {
	addr := peer(t, func(conn net.Conn) {
		if _, err := readRequest(conn); err != nil {
			return
		}
		conn.Write(frame(999, 0x03, 0x02, 0x00, 0x01))
		time.Sleep(100 * time.Millisecond)
	})
	tr := connect(t, addr)

	_, err := tr.Send(withTimeout(t, time.Second), 1, frame(1, 0x03, 0x00, 0x00, 0x00, 0x01))
	if !errors.Is(err, ErrUnexpectedTransaction) {
		t.Fatalf("Expected ErrUnexpectedTransaction, got %v", err)
	}
	if tr.IsConnected() {
		t.Error("Connection should be closed after an unexpected transaction")
	}
}

func TestSend_Desynchronized(t *testing.T) {
	addr := peer(t, func(conn net.Conn) {
		if _, err := readRequest(conn); err != nil {
			return
		}
		bad := frame(1, 0x03, 0x02, 0x00, 0x01)
		bad[2] = 0x12
		conn.Write(bad)
		time.Sleep(100 * time.Millisecond)
	})
	tr := connect(t, addr)

	_, err := tr.Send(withTimeout(t, time.Second), 1, frame(1, 0x03, 0x00, 0x00, 0x00, 0x01))
	if !errors.Is(err, ErrDesynchronized) {
		t.Fatalf("Expected ErrDesynchronized, got %v", err)
	}
	if tr.IsConnected() {
		t.Error("Connection should be closed after a bad header")
	}
}

func TestSend_PeerClosed(t *testing.T) {
	addr := peer(t, func(conn net.Conn) {
		readRequest(conn)
	})
	tr := connect(t, addr)

	_, err := tr.Send(withTimeout(t, time.Second), 1, frame(1, 0x03, 0x00, 0x00, 0x00, 0x01))
	if err == nil || errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected connection error, got %v", err)
	}
	if tr.IsConnected() {
		t.Error("Connection should be closed after EOF")
	}
}

func TestSend_TooManyAbandoned(t *testing.T) {
	addr := peer(t, func(conn net.Conn) {
		for {
			if _, err := readRequest(conn); err != nil {
				return
			}
		}
	})
	tr := connect(t, addr)

	for txID := uint16(1); txID <= maxAbandoned; txID++ {
		tr.Send(withTimeout(t, 5*time.Millisecond), txID, frame(txID, 0x03, 0x00, 0x00, 0x00, 0x01))
	}
	if !tr.IsConnected() || tr.Abandoned() != maxAbandoned {
		t.Fatalf("Expected %d abandoned on a live connection, got %d (connected=%v)",
			maxAbandoned, tr.Abandoned(), tr.IsConnected())
	}

	tr.Send(withTimeout(t, 5*time.Millisecond), 100, frame(100, 0x03, 0x00, 0x00, 0x00, 0x01))
	if tr.IsConnected() {
		t.Error("Connection should be closed once too many replies are outstanding")
	}
	if tr.Abandoned() != 0 {
		t.Errorf("Abandoned after close: expected 0, got %d", tr.Abandoned())
	}
}

func TestConnect_ClearsAbandoned(t *testing.T) {
	addr := peer(t, func(conn net.Conn) {
		readRequest(conn)
		time.Sleep(200 * time.Millisecond)
	})
	tr := connect(t, addr)

	tr.Send(withTimeout(t, 10*time.Millisecond), 1, frame(1, 0x03, 0x00, 0x00, 0x00, 0x01))
	if tr.Abandoned() != 1 {
		t.Fatalf("Abandoned: expected 1, got %d", tr.Abandoned())
	}

	tr.Close()
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Reconnect failed: %v", err)
	}
	if tr.Abandoned() != 0 {
		t.Errorf("Abandoned after reconnect: expected 0, got %d", tr.Abandoned())
	}
}

func TestConnect_Refused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	tr := NewTCPTransport(addr, time.Second)
	if err := tr.Connect(context.Background()); err == nil {
		t.Fatal("Expected connect error")
	}
	if tr.IsConnected() {
		t.Error("Transport should not be connected")
	}
}
