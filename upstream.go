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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/edgeo-scada/modbus-gateway/internal/transport"
)

// Upstream is the gateway's single connection to the upstream Modbus TCP
// server. The connection is dialed lazily on the first request and redialed
// on the next request after it fails. Only one request is in flight at a
// time; callers queue for the connection in arrival order.
type Upstream struct {
	addr    string
	timeout time.Duration

	transport *transport.TCPTransport
	slot      *semaphore.Weighted
	txIDGen   TransactionIDGenerator

	mu            sync.Mutex
	state         ConnectionState
	everConnected bool
	closed        bool

	metrics *Metrics
	logger  *slog.Logger
}

var _ Handler = (*Upstream)(nil)

// NewUpstream creates an upstream client for addr. timeout bounds each
// request from the moment it starts queueing until its response is read.
func NewUpstream(addr string, timeout time.Duration, opts ...Option) (*Upstream, error) {
	if addr == "" {
		return nil, fmt.Errorf("%w: upstream address cannot be empty", ErrInvalidConfig)
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: upstream timeout must be positive", ErrInvalidConfig)
	}

	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	dialTimeout := options.dialTimeout
	if dialTimeout <= 0 {
		dialTimeout = timeout
	}
	metrics := options.metrics
	if metrics == nil {
		metrics = NewMetrics()
	}

	return &Upstream{
		addr:      addr,
		timeout:   timeout,
		transport: transport.NewTCPTransport(addr, dialTimeout),
		slot:      semaphore.NewWeighted(1),
		state:     StateDisconnected,
		metrics:   metrics,
		logger:    options.logger,
	}, nil
}

// Address returns the upstream address.
func (u *Upstream) Address() string {
	return u.addr
}

// State returns the current connection state.
func (u *Upstream) State() ConnectionState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Metrics returns the metrics the client records into.
func (u *Upstream) Metrics() *Metrics {
	return u.metrics
}

// Close closes the upstream connection. Later requests fail with ErrGatewayClosed.
func (u *Upstream) Close() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	u.state = StateDisconnected
	u.mu.Unlock()

	u.logger.Debug("closing upstream", slog.String("addr", u.addr))
	return u.transport.Close()
}

// ReadCoils reads coils from the upstream (FC01).
func (u *Upstream) ReadCoils(ctx context.Context, unitID UnitID, addr, qty uint16) ([]bool, error) {
	pdu, err := u.read(ctx, unitID, FuncReadCoils, addr, qty)
	if err != nil {
		return nil, err
	}
	return ParseBitsResponse(pdu, qty)
}

// ReadDiscreteInputs reads discrete inputs from the upstream (FC02).
func (u *Upstream) ReadDiscreteInputs(ctx context.Context, unitID UnitID, addr, qty uint16) ([]bool, error) {
	pdu, err := u.read(ctx, unitID, FuncReadDiscreteInputs, addr, qty)
	if err != nil {
		return nil, err
	}
	return ParseBitsResponse(pdu, qty)
}

// ReadHoldingRegisters reads holding registers from the upstream (FC03).
func (u *Upstream) ReadHoldingRegisters(ctx context.Context, unitID UnitID, addr, qty uint16) ([]uint16, error) {
	pdu, err := u.read(ctx, unitID, FuncReadHoldingRegisters, addr, qty)
	if err != nil {
		return nil, err
	}
	return ParseRegistersResponse(pdu, qty)
}

// ReadInputRegisters reads input registers from the upstream (FC04).
func (u *Upstream) ReadInputRegisters(ctx context.Context, unitID UnitID, addr, qty uint16) ([]uint16, error) {
	pdu, err := u.read(ctx, unitID, FuncReadInputRegisters, addr, qty)
	if err != nil {
		return nil, err
	}
	return ParseRegistersResponse(pdu, qty)
}

// read performs one full exchange and returns a response PDU whose size
// already matches the request.
func (u *Upstream) read(ctx context.Context, unitID UnitID, fc FunctionCode, addr, qty uint16) ([]byte, error) {
	limit, ok := QuantityLimit(fc)
	if !ok || qty < 1 || qty > limit {
		return nil, NewModbusError(fc, ExceptionIllegalDataValue)
	}
	if uint32(addr)+uint32(qty) > 65536 {
		return nil, NewModbusError(fc, ExceptionIllegalDataAddress)
	}

	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	if err := u.slot.Acquire(ctx, 1); err != nil {
		u.metrics.UpstreamTimeouts.Add(1)
		return nil, fmt.Errorf("%w: waiting for upstream: %v", ErrUpstreamTimeout, err)
	}
	defer u.slot.Release(1)

	pdu := EncodeReadRequest(fc, addr, qty)
	for attempt := 0; ; attempt++ {
		reused, err := u.ensureConnected(ctx)
		if err != nil {
			return nil, err
		}

		resp, err := u.exchange(ctx, unitID, pdu, ResponsePDUSize(fc, qty))
		if err == nil {
			return resp, nil
		}
		// A reused connection may have been closed by the peer while idle.
		// Reads are idempotent, so one retry on a fresh connection is safe.
		if reused && attempt == 0 && errors.Is(err, ErrUpstreamUnreachable) && ctx.Err() == nil {
			u.logger.Debug("retrying on fresh upstream connection",
				slog.String("addr", u.addr),
				slog.String("error", err.Error()))
			continue
		}
		return nil, err
	}
}

func (u *Upstream) ensureConnected(ctx context.Context) (reused bool, err error) {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return false, ErrGatewayClosed
	}
	u.mu.Unlock()

	if u.transport.IsConnected() {
		return true, nil
	}

	u.setState(StateConnecting)
	u.logger.Debug("connecting upstream", slog.String("addr", u.addr))

	if err := u.transport.Connect(ctx); err != nil {
		u.setState(StateDisconnected)
		u.metrics.UpstreamErrors.Add(1)
		if ctx.Err() != nil {
			u.metrics.UpstreamTimeouts.Add(1)
			return false, fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
		}
		return false, fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
	}

	u.mu.Lock()
	u.state = StateConnected
	reconnect := u.everConnected
	u.everConnected = true
	u.mu.Unlock()

	if reconnect {
		u.metrics.UpstreamReconnects.Add(1)
		u.logger.Info("reconnected upstream", slog.String("addr", u.addr))
	} else {
		u.logger.Info("connected upstream", slog.String("addr", u.addr))
	}
	return false, nil
}

func (u *Upstream) exchange(ctx context.Context, unitID UnitID, pdu []byte, respSize int) ([]byte, error) {
	start := time.Now()
	txID := u.txIDGen.Next()
	fc := FunctionCode(pdu[0])

	u.logger.Debug("forwarding request",
		slog.Uint64("tx_id", uint64(txID)),
		slog.Uint64("unit_id", uint64(unitID)),
		slog.String("func", fc.String()))

	raw, err := u.transport.Send(ctx, txID, EncodeFrame(txID, unitID, pdu))
	if err != nil {
		return nil, u.translate(err)
	}

	resp, err := DecodeFrame(raw)
	if err != nil {
		return nil, u.mismatch("undecodable response: %v", err)
	}
	if resp.Header.UnitID != unitID {
		return nil, u.mismatch("unit ID mismatch (expected %d, got %d)", unitID, resp.Header.UnitID)
	}

	if IsExceptionResponse(resp.PDU) {
		exc := ParseExceptionResponse(resp.PDU)
		if exc == nil || exc.FunctionCode != fc {
			return nil, u.mismatch("exception for wrong function code % X", resp.PDU)
		}
		u.metrics.UpstreamLatency.Observe(time.Since(start))
		return nil, exc
	}

	if resp.FunctionCode() != fc {
		return nil, u.mismatch("function code mismatch (expected %02X, got %02X)", uint8(fc), uint8(resp.FunctionCode()))
	}
	if len(resp.PDU) != respSize || int(resp.PDU[1]) != respSize-2 {
		return nil, u.mismatch("response size %d, expected %d", len(resp.PDU), respSize)
	}

	duration := time.Since(start)
	u.metrics.UpstreamLatency.Observe(duration)
	u.logger.Debug("upstream response",
		slog.Uint64("tx_id", uint64(txID)),
		slog.Duration("duration", duration))

	return resp.PDU, nil
}

// translate maps transport failures onto the gateway's error taxonomy.
func (u *Upstream) translate(err error) error {
	u.metrics.UpstreamErrors.Add(1)

	connected := u.transport.IsConnected()
	if !connected {
		u.setState(StateDisconnected)
	}

	switch {
	case errors.Is(err, transport.ErrTimeout):
		u.metrics.UpstreamTimeouts.Add(1)
		u.logger.Warn("upstream timeout",
			slog.String("addr", u.addr),
			slog.Bool("connection_kept", connected),
			slog.String("error", err.Error()))
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	case errors.Is(err, transport.ErrUnexpectedTransaction), errors.Is(err, transport.ErrDesynchronized):
		u.logger.Warn("upstream protocol mismatch",
			slog.String("addr", u.addr),
			slog.String("error", err.Error()))
		return fmt.Errorf("%w: %v", ErrProtocolMismatch, err)
	default:
		u.logger.Warn("upstream connection lost",
			slog.String("addr", u.addr),
			slog.String("error", err.Error()))
		return fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
	}
}

// mismatch drops the connection after a response that does not answer the
// request, so the next request starts from a clean stream.
func (u *Upstream) mismatch(format string, args ...interface{}) error {
	u.metrics.UpstreamErrors.Add(1)
	u.transport.Close()
	u.setState(StateDisconnected)

	err := fmt.Errorf("%w: "+format, append([]interface{}{ErrProtocolMismatch}, args...)...)
	u.logger.Warn("upstream protocol mismatch",
		slog.String("addr", u.addr),
		slog.String("error", err.Error()))
	return err
}

func (u *Upstream) setState(s ConnectionState) {
	u.mu.Lock()
	if !u.closed {
		u.state = s
	}
	u.mu.Unlock()
}
