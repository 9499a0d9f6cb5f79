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
	"sync"
)

// table is one addressable array guarded by its own lock.
type table[T bool | uint16] struct {
	mu     sync.RWMutex
	values []T
	readFC FunctionCode
}

func newTable[T bool | uint16](size int, readFC FunctionCode) *table[T] {
	return &table[T]{
		values: make([]T, size),
		readFC: readFC,
	}
}

func (t *table[T]) read(addr, qty uint16) ([]T, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if int(addr)+int(qty) > len(t.values) {
		return nil, NewModbusError(t.readFC, ExceptionIllegalDataAddress)
	}

	result := make([]T, qty)
	copy(result, t.values[addr:int(addr)+int(qty)])
	return result, nil
}

func (t *table[T]) write(addr uint16, values []T) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if int(addr)+len(values) > len(t.values) {
		return NewModbusError(t.readFC, ExceptionIllegalDataAddress)
	}

	copy(t.values[addr:], values)
	return nil
}

func (t *table[T]) size() int {
	return len(t.values)
}

// DataStore is the gateway's local data context: coils, discrete inputs,
// holding registers and input registers addressed from zero. The unit ID is
// ignored, every unit sees the same tables. Each table has its own lock so a
// reader never observes a partially applied write.
type DataStore struct {
	coils          *table[bool]
	discreteInputs *table[bool]
	holdingRegs    *table[uint16]
	inputRegs      *table[uint16]
}

var _ Handler = (*DataStore)(nil)

// NewDataStore creates a zeroed data store with the given table sizes.
func NewDataStore(sizes TableSizes) *DataStore {
	return &DataStore{
		coils:          newTable[bool](sizes.Coils, FuncReadCoils),
		discreteInputs: newTable[bool](sizes.DiscreteInputs, FuncReadDiscreteInputs),
		holdingRegs:    newTable[uint16](sizes.HoldingRegisters, FuncReadHoldingRegisters),
		inputRegs:      newTable[uint16](sizes.InputRegisters, FuncReadInputRegisters),
	}
}

// Sizes returns the configured table sizes.
func (d *DataStore) Sizes() TableSizes {
	return TableSizes{
		Coils:            d.coils.size(),
		DiscreteInputs:   d.discreteInputs.size(),
		HoldingRegisters: d.holdingRegs.size(),
		InputRegisters:   d.inputRegs.size(),
	}
}

func (d *DataStore) ReadCoils(_ context.Context, _ UnitID, addr, qty uint16) ([]bool, error) {
	return d.coils.read(addr, qty)
}

func (d *DataStore) ReadDiscreteInputs(_ context.Context, _ UnitID, addr, qty uint16) ([]bool, error) {
	return d.discreteInputs.read(addr, qty)
}

func (d *DataStore) ReadHoldingRegisters(_ context.Context, _ UnitID, addr, qty uint16) ([]uint16, error) {
	return d.holdingRegs.read(addr, qty)
}

func (d *DataStore) ReadInputRegisters(_ context.Context, _ UnitID, addr, qty uint16) ([]uint16, error) {
	return d.inputRegs.read(addr, qty)
}

// WriteCoils stores values starting at addr. The write is all or nothing.
func (d *DataStore) WriteCoils(addr uint16, values []bool) error {
	return d.coils.write(addr, values)
}

// WriteDiscreteInputs stores values starting at addr. The write is all or nothing.
func (d *DataStore) WriteDiscreteInputs(addr uint16, values []bool) error {
	return d.discreteInputs.write(addr, values)
}

// WriteHoldingRegisters stores values starting at addr. The write is all or nothing.
func (d *DataStore) WriteHoldingRegisters(addr uint16, values []uint16) error {
	return d.holdingRegs.write(addr, values)
}

// WriteInputRegisters stores values starting at addr. The write is all or nothing.
func (d *DataStore) WriteInputRegisters(addr uint16, values []uint16) error {
	return d.inputRegs.write(addr, values)
}
