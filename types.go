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

// Package gateway implements a Modbus TCP gateway that relays a configurable
// set of read function codes to a single upstream Modbus TCP server and answers
// everything else from a local, in-memory data context.
package gateway

import (
	"context"
	"time"
)

// UnitID represents the Modbus unit identifier (slave address).
type UnitID uint8

// FunctionCode represents a Modbus function code.
type FunctionCode uint8

// Read function codes handled by the gateway.
const (
	FuncReadCoils            FunctionCode = 0x01
	FuncReadDiscreteInputs   FunctionCode = 0x02
	FuncReadHoldingRegisters FunctionCode = 0x03
	FuncReadInputRegisters   FunctionCode = 0x04
)

// Protocol constants.
const (
	// MaxQuantityCoils is the maximum number of coils that can be read.
	MaxQuantityCoils = 2000

	// MaxQuantityDiscreteInputs is the maximum number of discrete inputs that can be read.
	MaxQuantityDiscreteInputs = 2000

	// MaxQuantityRegisters is the maximum number of registers that can be read.
	MaxQuantityRegisters = 125

	// MBAPHeaderSize is the size of the MBAP header in bytes.
	MBAPHeaderSize = 7

	// MaxPDUSize is the largest PDU a Modbus TCP frame may carry.
	MaxPDUSize = 253

	// ProtocolID is the Modbus protocol identifier (always 0 for Modbus TCP).
	ProtocolID = 0

	// DefaultTimeout is the default deadline for one forwarded request.
	DefaultTimeout = 3 * time.Second

	// DefaultPort is the default Modbus TCP port.
	DefaultPort = 502

	// DefaultTableSize is the default size of every local data table.
	DefaultTableSize = 65536
)

// String returns the string representation of the function code.
func (fc FunctionCode) String() string {
	switch fc {
	case FuncReadCoils:
		return "ReadCoils"
	case FuncReadDiscreteInputs:
		return "ReadDiscreteInputs"
	case FuncReadHoldingRegisters:
		return "ReadHoldingRegisters"
	case FuncReadInputRegisters:
		return "ReadInputRegisters"
	default:
		return "Unknown"
	}
}

// Handler serves the four Modbus read functions. Both the local data context
// and the upstream client implement it, which lets the dispatcher pick one per
// function code without caring which.
type Handler interface {
	ReadCoils(ctx context.Context, unitID UnitID, addr, qty uint16) ([]bool, error)
	ReadDiscreteInputs(ctx context.Context, unitID UnitID, addr, qty uint16) ([]bool, error)
	ReadHoldingRegisters(ctx context.Context, unitID UnitID, addr, qty uint16) ([]uint16, error)
	ReadInputRegisters(ctx context.Context, unitID UnitID, addr, qty uint16) ([]uint16, error)
}

// ConnectionState represents the state of the upstream connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

// String returns the string representation of the connection state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}
