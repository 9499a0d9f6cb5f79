// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// replyFunc builds the response PDU for a request PDU. A nil result sends
// nothing back.
type replyFunc func(unitID UnitID, pdu []byte) []byte

// fakeUpstream is a minimal Modbus TCP server that answers with reply. In
// strict mode it records a violation whenever a second request arrives
// before the first one was answered.
type fakeUpstream struct {
	ln        net.Listener
	reply     replyFunc
	delay     time.Duration
	strict    bool
	hangUp    int
	wrongUnit bool

	requests   atomic.Int64
	accepted   atomic.Int64
	violations atomic.Int64

	mu    sync.Mutex
	conns []net.Conn
}

type fakeOption func(*fakeUpstream)

// withDelay holds every reply back for d.
func withDelay(d time.Duration) fakeOption {
	return func(f *fakeUpstream) { f.delay = d }
}

func withStrict() fakeOption {
	return func(f *fakeUpstream) { f.strict = true }
}

// withHangUp closes each connection after n replies.
func withHangUp(n int) fakeOption {
	return func(f *fakeUpstream) { f.hangUp = n }
}

// withWrongUnit answers with a unit ID other than the request's.
func withWrongUnit() fakeOption {
	return func(f *fakeUpstream) { f.wrongUnit = true }
}

func newFakeUpstream(t *testing.T, reply replyFunc, opts ...fakeOption) *fakeUpstream {
	t.Helper()
	return restartFakeUpstream(t, "127.0.0.1:0", reply, opts...)
}

// restartFakeUpstream listens on addr, so a client configured for an
// upstream that went away reconnects to the new one.
func restartFakeUpstream(t *testing.T, addr string, reply replyFunc, opts ...fakeOption) *fakeUpstream {
	t.Helper()
	var ln net.Listener
	var err error
	for i := 0; i < 50; i++ {
		if ln, err = net.Listen("tcp", addr); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("Listen on %s failed: %v", addr, err)
	}
	f := &fakeUpstream{ln: ln, reply: reply}
	for _, opt := range opts {
		opt(f)
	}
	t.Cleanup(f.Close)
	go f.serve()
	return f
}

func (f *fakeUpstream) Addr() string {
	return f.ln.Addr().String()
}

func (f *fakeUpstream) Close() {
	f.ln.Close()
	f.mu.Lock()
	for _, c := range f.conns {
		c.Close()
	}
	f.conns = nil
	f.mu.Unlock()
}

func (f *fakeUpstream) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.accepted.Add(1)
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.mu.Unlock()
		go f.handle(conn)
	}
}

func (f *fakeUpstream) handle(conn net.Conn) {
	defer conn.Close()
	for served := 0; f.hangUp == 0 || served < f.hangUp; served++ {
		conn.SetReadDeadline(time.Time{})
		req, err := ReadFrame(conn)
		if err != nil {
			return
		}
		f.requests.Add(1)

		if f.strict {
			// Nothing may follow until this request is answered.
			conn.SetReadDeadline(time.Now().Add(time.Millisecond))
			if n, _ := conn.Read(make([]byte, 1)); n > 0 {
				f.violations.Add(1)
				return
			}
		}
		if f.delay > 0 {
			time.Sleep(f.delay)
		}

		pdu := f.reply(req.Header.UnitID, req.PDU)
		if pdu == nil {
			continue
		}
		unitID := req.Header.UnitID
		if f.wrongUnit {
			unitID++
		}
		if _, err := conn.Write(EncodeFrame(req.Header.TransactionID, unitID, pdu)); err != nil {
			return
		}
	}
}

// registersReply answers FC03 and FC04 with base+offset and FC01/FC02 with
// alternating bits.
func registersReply(base uint16) replyFunc {
	return func(_ UnitID, pdu []byte) []byte {
		fc := FunctionCode(pdu[0])
		addr := binary.BigEndian.Uint16(pdu[1:3])
		qty := binary.BigEndian.Uint16(pdu[3:5])
		switch fc {
		case FuncReadHoldingRegisters, FuncReadInputRegisters:
			values := make([]uint16, qty)
			for i := range values {
				values[i] = base + addr + uint16(i)
			}
			return EncodeReadRegistersResponse(fc, values)
		case FuncReadCoils, FuncReadDiscreteInputs:
			bits := make([]bool, qty)
			for i := range bits {
				bits[i] = i%2 == 0
			}
			return EncodeReadBitsResponse(fc, bits)
		}
		return EncodeException(fc, ExceptionIllegalFunction)
	}
}

func fixedReply(pdu ...byte) replyFunc {
	return func(UnitID, []byte) []byte { return pdu }
}

// unusedAddr returns an address nothing listens on.
func unusedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}
