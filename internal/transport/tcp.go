// Package transport owns the single TCP socket the gateway keeps open to its
// upstream Modbus TCP server.
package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const (
	headerSize = 7

	// maxAbandoned bounds how many timed-out transactions may still owe a
	// late reply before the connection is considered unusable.
	maxAbandoned = 16
)

var (
	// ErrNotConnected is returned by Send when no connection is open.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrTimeout is returned when the deadline expires before a response arrives.
	ErrTimeout = errors.New("transport: timeout")

	// ErrUnexpectedTransaction is returned when a response carries a
	// transaction ID that was never abandoned by this connection.
	ErrUnexpectedTransaction = errors.New("transport: unexpected transaction")

	// ErrDesynchronized is returned when the response header cannot be valid.
	ErrDesynchronized = errors.New("transport: stream desynchronized")
)

// TCPTransport implements a TCP transport for Modbus TCP.
type TCPTransport struct {
	addr    string
	timeout time.Duration

	mu        sync.Mutex
	conn      net.Conn
	abandoned map[uint16]struct{}
}

// NewTCPTransport creates a new TCP transport. timeout bounds dialing and is
// the default deadline for Send when the context carries none.
func NewTCPTransport(addr string, timeout time.Duration) *TCPTransport {
	return &TCPTransport{
		addr:      addr,
		timeout:   timeout,
		abandoned: make(map[uint16]struct{}),
	}
}

// Addr returns the remote address.
func (t *TCPTransport) Addr() string {
	return t.addr
}

// Connect establishes a TCP connection if none is open.
func (t *TCPTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return nil
	}

	dialer := &net.Dialer{
		Timeout:   t.timeout,
		KeepAlive: 30 * time.Second,
	}

	conn, err := dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return fmt.Errorf("tcp connect: %w", err)
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetKeepAlive(true)
		tcpConn.SetKeepAlivePeriod(30 * time.Second)
		tcpConn.SetNoDelay(true)
	}

	t.conn = conn
	clear(t.abandoned)
	return nil
}

// Close closes the TCP connection.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil
	}

	err := t.conn.Close()
	t.conn = nil
	clear(t.abandoned)
	return err
}

// IsConnected returns true if the transport is connected.
func (t *TCPTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Send writes one request frame and returns the response frame carrying txID.
// Late replies to transactions that previously timed out are read and dropped.
// The lock is held for the whole exchange, so frames never interleave.
//
// A timeout before the request was sent leaves the connection untouched. A
// timeout before any response byte arrived leaves it open and remembers txID
// as abandoned. Every other failure closes the connection.
func (t *TCPTransport) Send(ctx context.Context, txID uint16, frame []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil, ErrNotConnected
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(t.timeout)
	}
	// Nothing has been sent yet, so an expired request leaves the stream aligned.
	if err := ctx.Err(); err != nil || !time.Now().Before(deadline) {
		return nil, fmt.Errorf("%w: deadline passed before transaction %d was sent", ErrTimeout, txID)
	}
	if err := t.conn.SetDeadline(deadline); err != nil {
		t.closeConnLocked()
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	// Cancellation unblocks the exchange the same way a deadline does.
	conn := t.conn
	unblocked := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(unblocked)
		conn.SetDeadline(time.Unix(1, 0))
	})
	defer func() {
		if !stop() {
			<-unblocked
		}
	}()

	if n, err := t.conn.Write(frame); err != nil {
		if isTimeout(err) && n == 0 {
			return nil, fmt.Errorf("%w: write: %v", ErrTimeout, err)
		}
		t.closeConnLocked()
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: partial write: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("write: %w", err)
	}

	for {
		header := make([]byte, headerSize)
		n, err := io.ReadFull(t.conn, header)
		if err != nil {
			if isTimeout(err) && n == 0 {
				t.abandonLocked(txID)
				return nil, fmt.Errorf("%w: no response for transaction %d", ErrTimeout, txID)
			}
			t.closeConnLocked()
			if isTimeout(err) {
				return nil, fmt.Errorf("%w: partial response header", ErrTimeout)
			}
			return nil, fmt.Errorf("read header: %w", err)
		}

		protocolID := binary.BigEndian.Uint16(header[2:4])
		length := int(binary.BigEndian.Uint16(header[4:6]))
		if protocolID != 0 || length < 2 || length > 254 {
			t.closeConnLocked()
			return nil, fmt.Errorf("%w: protocol ID %d, length %d", ErrDesynchronized, protocolID, length)
		}

		response := make([]byte, headerSize+length-1)
		copy(response, header)
		if _, err := io.ReadFull(t.conn, response[headerSize:]); err != nil {
			t.closeConnLocked()
			if isTimeout(err) {
				return nil, fmt.Errorf("%w: partial response PDU", ErrTimeout)
			}
			return nil, fmt.Errorf("read pdu: %w", err)
		}

		rxID := binary.BigEndian.Uint16(header[0:2])
		if rxID == txID {
			return response, nil
		}
		if _, ok := t.abandoned[rxID]; ok {
			delete(t.abandoned, rxID)
			continue
		}

		t.closeConnLocked()
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrUnexpectedTransaction, txID, rxID)
	}
}

// Abandoned returns how many timed-out transactions still owe a reply.
func (t *TCPTransport) Abandoned() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.abandoned)
}

// abandonLocked must be called with mu held.
func (t *TCPTransport) abandonLocked(txID uint16) {
	if len(t.abandoned) >= maxAbandoned {
		t.closeConnLocked()
		return
	}
	t.abandoned[txID] = struct{}{}
}

// closeConnLocked closes the connection without acquiring the lock.
// Must be called with mu held.
func (t *TCPTransport) closeConnLocked() {
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	clear(t.abandoned)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
