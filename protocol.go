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
	"fmt"
	"io"
	"sync/atomic"
)

// MBAPHeader represents the Modbus Application Protocol header for TCP.
type MBAPHeader struct {
	TransactionID uint16 // Transaction identifier
	ProtocolID    uint16 // Protocol identifier (always 0 for Modbus)
	Length        uint16 // Number of following bytes (Unit ID + PDU)
	UnitID        UnitID // Unit identifier (slave address)
}

// Encode encodes the MBAP header to bytes.
func (h *MBAPHeader) Encode() []byte {
	buf := make([]byte, MBAPHeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], h.TransactionID)
	binary.BigEndian.PutUint16(buf[2:4], h.ProtocolID)
	binary.BigEndian.PutUint16(buf[4:6], h.Length)
	buf[6] = byte(h.UnitID)
	return buf
}

// Decode decodes and validates the MBAP header.
func (h *MBAPHeader) Decode(data []byte) error {
	if len(data) < MBAPHeaderSize {
		return fmt.Errorf("%w: MBAP header too short", ErrMalformedFrame)
	}
	h.TransactionID = binary.BigEndian.Uint16(data[0:2])
	h.ProtocolID = binary.BigEndian.Uint16(data[2:4])
	h.Length = binary.BigEndian.Uint16(data[4:6])
	h.UnitID = UnitID(data[6])

	if h.ProtocolID != ProtocolID {
		return fmt.Errorf("%w: invalid protocol ID %d", ErrMalformedFrame, h.ProtocolID)
	}
	// Unit ID plus at least a function code, at most a full PDU.
	if h.Length < 2 || int(h.Length)-1 > MaxPDUSize {
		return fmt.Errorf("%w: invalid length %d", ErrMalformedFrame, h.Length)
	}
	return nil
}

// TransactionIDGenerator generates transaction IDs for upstream requests.
type TransactionIDGenerator struct {
	counter uint32
}

// Next returns the next transaction ID.
func (g *TransactionIDGenerator) Next() uint16 {
	return uint16(atomic.AddUint32(&g.counter, 1))
}

// Frame represents a complete Modbus TCP frame (MBAP header + PDU).
type Frame struct {
	Header MBAPHeader
	PDU    []byte
}

// FunctionCode returns the function code carried by the PDU.
func (f *Frame) FunctionCode() FunctionCode {
	if len(f.PDU) == 0 {
		return 0
	}
	return FunctionCode(f.PDU[0])
}

// Encode encodes the frame to bytes, recomputing the length field.
func (f *Frame) Encode() []byte {
	f.Header.Length = uint16(len(f.PDU) + 1) // PDU length + Unit ID
	buf := make([]byte, MBAPHeaderSize+len(f.PDU))
	copy(buf, f.Header.Encode())
	copy(buf[MBAPHeaderSize:], f.PDU)
	return buf
}

// Decode decodes a frame from bytes. Bytes beyond the declared length are ignored.
func (f *Frame) Decode(data []byte) error {
	if err := f.Header.Decode(data); err != nil {
		return err
	}
	pduLen := int(f.Header.Length) - 1
	if len(data) < MBAPHeaderSize+pduLen {
		return fmt.Errorf("%w: incomplete frame, declared %d bytes, have %d",
			ErrMalformedFrame, pduLen, len(data)-MBAPHeaderSize)
	}
	f.PDU = make([]byte, pduLen)
	copy(f.PDU, data[MBAPHeaderSize:MBAPHeaderSize+pduLen])
	return nil
}

// DecodeFrame decodes one MBAP frame from data.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := f.Decode(data); err != nil {
		return nil, err
	}
	return &f, nil
}

// EncodeFrame builds an MBAP frame around pdu.
func EncodeFrame(txID uint16, unitID UnitID, pdu []byte) []byte {
	f := Frame{
		Header: MBAPHeader{
			TransactionID: txID,
			ProtocolID:    ProtocolID,
			UnitID:        unitID,
		},
		PDU: pdu,
	}
	return f.Encode()
}

// ReadFrame reads a complete Modbus TCP frame from a reader. I/O errors are
// returned as is; a header that cannot be valid yields ErrMalformedFrame.
func ReadFrame(r io.Reader) (*Frame, error) {
	header := make([]byte, MBAPHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	var f Frame
	if err := f.Header.Decode(header); err != nil {
		return nil, err
	}

	f.PDU = make([]byte, int(f.Header.Length)-1)
	if _, err := io.ReadFull(r, f.PDU); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return &f, nil
}

// QuantityLimit returns the largest quantity a read function accepts. ok is
// false for function codes the gateway does not serve.
func QuantityLimit(fc FunctionCode) (limit uint16, ok bool) {
	switch fc {
	case FuncReadCoils:
		return MaxQuantityCoils, true
	case FuncReadDiscreteInputs:
		return MaxQuantityDiscreteInputs, true
	case FuncReadHoldingRegisters, FuncReadInputRegisters:
		return MaxQuantityRegisters, true
	default:
		return 0, false
	}
}

// ResponsePDUSize returns the size of a normal read response PDU:
// function code, byte count, then the packed data.
func ResponsePDUSize(fc FunctionCode, qty uint16) int {
	switch fc {
	case FuncReadCoils, FuncReadDiscreteInputs:
		return 2 + (int(qty)+7)/8
	case FuncReadHoldingRegisters, FuncReadInputRegisters:
		return 2 + 2*int(qty)
	default:
		return 0
	}
}

// EncodeReadRequest builds a read request PDU (FC01-FC04).
func EncodeReadRequest(fc FunctionCode, addr, qty uint16) []byte {
	pdu := make([]byte, 5)
	pdu[0] = byte(fc)
	binary.BigEndian.PutUint16(pdu[1:3], addr)
	binary.BigEndian.PutUint16(pdu[3:5], qty)
	return pdu
}

// DecodeReadRequest decodes the payload following a read function code.
func DecodeReadRequest(fc FunctionCode, payload []byte) (addr, qty uint16, err error) {
	if _, ok := QuantityLimit(fc); !ok {
		return 0, 0, fmt.Errorf("%w: function code %02X is not a read", ErrMalformedPDU, uint8(fc))
	}
	if len(payload) != 4 {
		return 0, 0, fmt.Errorf("%w: %s payload is %d bytes, want 4", ErrMalformedPDU, fc, len(payload))
	}
	return binary.BigEndian.Uint16(payload[0:2]), binary.BigEndian.Uint16(payload[2:4]), nil
}

// EncodeReadBitsResponse builds a FC01/FC02 response. Bits are packed LSB
// first and the last byte is zero padded.
func EncodeReadBitsResponse(fc FunctionCode, bits []bool) []byte {
	byteCount := (len(bits) + 7) / 8
	resp := make([]byte, 2+byteCount)
	resp[0] = byte(fc)
	resp[1] = byte(byteCount)
	for i, v := range bits {
		if v {
			resp[2+i/8] |= 1 << (i % 8)
		}
	}
	return resp
}

// EncodeReadRegistersResponse builds a FC03/FC04 response.
func EncodeReadRegistersResponse(fc FunctionCode, values []uint16) []byte {
	resp := make([]byte, 2+2*len(values))
	resp[0] = byte(fc)
	resp[1] = byte(2 * len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(resp[2+i*2:], v)
	}
	return resp
}

// EncodeException builds an exception response PDU.
func EncodeException(fc FunctionCode, ec ExceptionCode) []byte {
	return []byte{byte(fc) | 0x80, byte(ec)}
}

// ParseBitsResponse parses a FC01/FC02 response and returns qty values.
func ParseBitsResponse(pdu []byte, qty uint16) ([]bool, error) {
	if len(pdu) < 2 {
		return nil, fmt.Errorf("%w: response too short", ErrMalformedPDU)
	}
	byteCount := int(pdu[1])
	if byteCount != (int(qty)+7)/8 || len(pdu) != 2+byteCount {
		return nil, fmt.Errorf("%w: invalid byte count %d for %d bits", ErrMalformedPDU, byteCount, qty)
	}

	values := make([]bool, qty)
	for i := 0; i < int(qty); i++ {
		values[i] = pdu[2+i/8]&(1<<(i%8)) != 0
	}
	return values, nil
}

// ParseRegistersResponse parses a FC03/FC04 response and returns qty values.
func ParseRegistersResponse(pdu []byte, qty uint16) ([]uint16, error) {
	if len(pdu) < 2 {
		return nil, fmt.Errorf("%w: response too short", ErrMalformedPDU)
	}
	byteCount := int(pdu[1])
	if byteCount != 2*int(qty) || len(pdu) != 2+byteCount {
		return nil, fmt.Errorf("%w: invalid byte count %d for %d registers", ErrMalformedPDU, byteCount, qty)
	}

	values := make([]uint16, qty)
	for i := 0; i < int(qty); i++ {
		values[i] = binary.BigEndian.Uint16(pdu[2+i*2:])
	}
	return values, nil
}

// IsExceptionResponse checks if the PDU is an exception response.
func IsExceptionResponse(pdu []byte) bool {
	return len(pdu) > 0 && (pdu[0]&0x80) != 0
}

// ParseExceptionResponse parses an exception response.
func ParseExceptionResponse(pdu []byte) *ModbusError {
	if len(pdu) < 2 {
		return nil
	}
	return &ModbusError{
		FunctionCode:  FunctionCode(pdu[0] & 0x7F),
		ExceptionCode: ExceptionCode(pdu[1]),
	}
}
