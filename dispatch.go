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
)

var errValueCount = errors.New("modbus: handler returned wrong number of values")

// readFunc runs one read against h and encodes the normal response PDU.
type readFunc func(ctx context.Context, h Handler, unitID UnitID, addr, qty uint16) ([]byte, error)

// readOps maps each served function code to its read. The dispatcher picks
// the Handler; the op does not know whether it is local or forwarded.
var readOps = map[FunctionCode]readFunc{
	FuncReadCoils: func(ctx context.Context, h Handler, unitID UnitID, addr, qty uint16) ([]byte, error) {
		values, err := h.ReadCoils(ctx, unitID, addr, qty)
		return bitsResponse(FuncReadCoils, qty, values, err)
	},
	FuncReadDiscreteInputs: func(ctx context.Context, h Handler, unitID UnitID, addr, qty uint16) ([]byte, error) {
		values, err := h.ReadDiscreteInputs(ctx, unitID, addr, qty)
		return bitsResponse(FuncReadDiscreteInputs, qty, values, err)
	},
	FuncReadHoldingRegisters: func(ctx context.Context, h Handler, unitID UnitID, addr, qty uint16) ([]byte, error) {
		values, err := h.ReadHoldingRegisters(ctx, unitID, addr, qty)
		return registersResponse(FuncReadHoldingRegisters, qty, values, err)
	},
	FuncReadInputRegisters: func(ctx context.Context, h Handler, unitID UnitID, addr, qty uint16) ([]byte, error) {
		values, err := h.ReadInputRegisters(ctx, unitID, addr, qty)
		return registersResponse(FuncReadInputRegisters, qty, values, err)
	},
}

func bitsResponse(fc FunctionCode, qty uint16, values []bool, err error) ([]byte, error) {
	if err != nil {
		return nil, err
	}
	if len(values) != int(qty) {
		return nil, fmt.Errorf("%w: %d for %d", errValueCount, len(values), qty)
	}
	return EncodeReadBitsResponse(fc, values), nil
}

func registersResponse(fc FunctionCode, qty uint16, values []uint16, err error) ([]byte, error) {
	if err != nil {
		return nil, err
	}
	if len(values) != int(qty) {
		return nil, fmt.Errorf("%w: %d for %d", errValueCount, len(values), qty)
	}
	return EncodeReadRegistersResponse(fc, values), nil
}

// Dispatcher turns one decoded request frame into exactly one response frame,
// relaying the forwarded function codes upstream and serving the rest from
// the local data context.
type Dispatcher struct {
	policy   ForwardingPolicy
	local    Handler
	upstream Handler

	metrics *Metrics
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher. upstream may be nil only when the
// policy forwards nothing.
func NewDispatcher(policy ForwardingPolicy, local, upstream Handler, opts ...Option) (*Dispatcher, error) {
	if local == nil {
		return nil, fmt.Errorf("%w: local data context is required", ErrInvalidConfig)
	}
	if upstream == nil && !policy.Empty() {
		return nil, fmt.Errorf("%w: forwarding %v requires an upstream", ErrInvalidConfig, policy.Codes())
	}

	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	metrics := options.metrics
	if metrics == nil {
		metrics = NewMetrics()
	}

	return &Dispatcher{
		policy:   policy,
		local:    local,
		upstream: upstream,
		metrics:  metrics,
		logger:   options.logger,
	}, nil
}

// Policy returns the forwarding policy.
func (d *Dispatcher) Policy() ForwardingPolicy {
	return d.policy
}

// Handle answers req. The returned error is non-nil only when the request PDU
// is malformed; the caller must then drop the connection.
func (d *Dispatcher) Handle(ctx context.Context, req *Frame) (*Frame, error) {
	resp := &Frame{
		Header: MBAPHeader{
			TransactionID: req.Header.TransactionID,
			ProtocolID:    ProtocolID,
			UnitID:        req.Header.UnitID,
		},
	}

	if len(req.PDU) < 1 {
		return nil, fmt.Errorf("%w: empty PDU", ErrMalformedPDU)
	}

	fc := req.FunctionCode()
	unitID := req.Header.UnitID
	d.metrics.RequestsTotal.Add(1)

	op, ok := readOps[fc]
	if !ok {
		resp.PDU = d.exception(fc, ExceptionIllegalFunction)
		return resp, nil
	}
	d.metrics.ForFunction(fc).Requests.Add(1)

	addr, qty, err := DecodeReadRequest(fc, req.PDU[1:])
	if err != nil {
		return nil, err
	}

	d.logger.Debug("processing request",
		slog.Uint64("tx_id", uint64(req.Header.TransactionID)),
		slog.Uint64("unit_id", uint64(unitID)),
		slog.String("func", fc.String()),
		slog.Uint64("addr", uint64(addr)),
		slog.Uint64("qty", uint64(qty)))

	limit, _ := QuantityLimit(fc)
	if qty < 1 || qty > limit {
		resp.PDU = d.exception(fc, ExceptionIllegalDataValue)
		return resp, nil
	}
	if uint32(addr)+uint32(qty) > 65536 {
		resp.PDU = d.exception(fc, ExceptionIllegalDataAddress)
		return resp, nil
	}

	h := d.local
	forwarded := d.policy.Forwards(fc)
	if forwarded {
		h = d.upstream
		d.metrics.Forwarded.Add(1)
	} else {
		d.metrics.Local.Add(1)
	}

	pdu, err := op(ctx, h, unitID, addr, qty)
	if err != nil {
		pdu = d.handleError(fc, forwarded, err)
	}
	resp.PDU = pdu
	return resp, nil
}

func (d *Dispatcher) exception(fc FunctionCode, ec ExceptionCode) []byte {
	d.metrics.Exceptions.Add(1)
	if _, ok := QuantityLimit(fc); ok {
		d.metrics.ForFunction(fc).Exceptions.Add(1)
	}
	return EncodeException(fc, ec)
}

// handleError passes Modbus exceptions through verbatim and reports every
// other failure as a server device failure.
func (d *Dispatcher) handleError(fc FunctionCode, forwarded bool, err error) []byte {
	var modbusErr *ModbusError
	if errors.As(err, &modbusErr) {
		return d.exception(fc, modbusErr.ExceptionCode)
	}
	d.logger.Warn("request failed",
		slog.String("func", fc.String()),
		slog.Bool("forwarded", forwarded),
		slog.String("error", err.Error()))
	return d.exception(fc, ExceptionServerDeviceFailure)
}
