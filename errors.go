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
	"errors"
	"fmt"
)

// ExceptionCode represents a Modbus exception code.
type ExceptionCode uint8

// Modbus exception codes.
const (
	ExceptionIllegalFunction                    ExceptionCode = 0x01
	ExceptionIllegalDataAddress                 ExceptionCode = 0x02
	ExceptionIllegalDataValue                   ExceptionCode = 0x03
	ExceptionServerDeviceFailure                ExceptionCode = 0x04
	ExceptionAcknowledge                        ExceptionCode = 0x05
	ExceptionServerDeviceBusy                   ExceptionCode = 0x06
	ExceptionMemoryParityError                  ExceptionCode = 0x08
	ExceptionGatewayPathUnavailable             ExceptionCode = 0x0A
	ExceptionGatewayTargetDeviceFailedToRespond ExceptionCode = 0x0B
)

// String returns the string representation of the exception code.
func (e ExceptionCode) String() string {
	switch e {
	case ExceptionIllegalFunction:
		return "illegal function"
	case ExceptionIllegalDataAddress:
		return "illegal data address"
	case ExceptionIllegalDataValue:
		return "illegal data value"
	case ExceptionServerDeviceFailure:
		return "server device failure"
	case ExceptionAcknowledge:
		return "acknowledge"
	case ExceptionServerDeviceBusy:
		return "server device busy"
	case ExceptionMemoryParityError:
		return "memory parity error"
	case ExceptionGatewayPathUnavailable:
		return "gateway path unavailable"
	case ExceptionGatewayTargetDeviceFailedToRespond:
		return "gateway target device failed to respond"
	default:
		return fmt.Sprintf("unknown exception (0x%02X)", uint8(e))
	}
}

// ModbusError is a Modbus exception. The local data context returns it for
// out-of-range reads and the upstream client returns it when the upstream
// answered with an exception PDU.
type ModbusError struct {
	FunctionCode  FunctionCode
	ExceptionCode ExceptionCode
}

// Error implements the error interface.
func (e *ModbusError) Error() string {
	return fmt.Sprintf("modbus: exception %s (FC=%02X)", e.ExceptionCode, uint8(e.FunctionCode))
}

// Is checks if the error matches the target.
func (e *ModbusError) Is(target error) bool {
	t, ok := target.(*ModbusError)
	if !ok {
		return false
	}
	return e.ExceptionCode == t.ExceptionCode
}

var (
	// ErrMalformedFrame indicates an MBAP frame that cannot be decoded. The
	// stream is no longer aligned, so the connection has to be dropped.
	ErrMalformedFrame = errors.New("modbus: malformed frame")

	// ErrMalformedPDU indicates a request PDU whose payload does not fit its
	// function code.
	ErrMalformedPDU = errors.New("modbus: malformed PDU")

	// ErrUpstreamUnreachable indicates the upstream could not be dialed or the
	// connection failed while a request was in flight.
	ErrUpstreamUnreachable = errors.New("modbus: upstream unreachable")

	// ErrUpstreamTimeout indicates no response arrived within the request deadline.
	ErrUpstreamTimeout = errors.New("modbus: upstream timeout")

	// ErrProtocolMismatch indicates a response that does not belong to the request.
	ErrProtocolMismatch = errors.New("modbus: protocol mismatch")

	// ErrInvalidConfig indicates a configuration that cannot be used.
	ErrInvalidConfig = errors.New("modbus: invalid config")

	// ErrGatewayClosed indicates the gateway or its upstream client was closed.
	ErrGatewayClosed = errors.New("modbus: gateway closed")
)

// NewModbusError creates a new Modbus exception error.
func NewModbusError(fc FunctionCode, ec ExceptionCode) *ModbusError {
	return &ModbusError{
		FunctionCode:  fc,
		ExceptionCode: ec,
	}
}

// IsException checks if an error is a specific Modbus exception.
func IsException(err error, code ExceptionCode) bool {
	var modbusErr *ModbusError
	if errors.As(err, &modbusErr) {
		return modbusErr.ExceptionCode == code
	}
	return false
}

// IsIllegalDataAddress checks if the error is an illegal data address exception.
func IsIllegalDataAddress(err error) bool {
	return IsException(err, ExceptionIllegalDataAddress)
}

// IsUpstreamFault reports whether err is a gateway-side upstream failure, as
// opposed to an exception the upstream itself returned.
func IsUpstreamFault(err error) bool {
	return errors.Is(err, ErrUpstreamUnreachable) ||
		errors.Is(err, ErrUpstreamTimeout) ||
		errors.Is(err, ErrProtocolMismatch)
}
