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
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Seed describes initial contents of the local data context.
//
//	holding_registers:
//	  - address: 0
//	    values: [10, 20, 30]
//	coils:
//	  - address: 16
//	    values: [true, false, true]
type Seed struct {
	Coils            []BitBlock      `yaml:"coils"`
	DiscreteInputs   []BitBlock      `yaml:"discrete_inputs"`
	HoldingRegisters []RegisterBlock `yaml:"holding_registers"`
	InputRegisters   []RegisterBlock `yaml:"input_registers"`
}

// BitBlock is a run of consecutive coils or discrete inputs.
type BitBlock struct {
	Address uint16 `yaml:"address"`
	Values  []bool `yaml:"values"`
}

// RegisterBlock is a run of consecutive registers.
type RegisterBlock struct {
	Address uint16   `yaml:"address"`
	Values  []uint16 `yaml:"values"`
}

// LoadSeed decodes a YAML seed document.
func LoadSeed(r io.Reader) (*Seed, error) {
	var seed Seed
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil {
		if err == io.EOF {
			return &seed, nil
		}
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	return &seed, nil
}

// LoadSeedFile reads a YAML seed document from path.
func LoadSeedFile(path string) (*Seed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open seed: %w", err)
	}
	defer f.Close()
	return LoadSeed(f)
}

// ApplySeed writes every block of seed into the store. It stops at the first
// block that does not fit its table.
func (d *DataStore) ApplySeed(seed *Seed) error {
	for _, b := range seed.Coils {
		if err := d.WriteCoils(b.Address, b.Values); err != nil {
			return fmt.Errorf("seed coils at %d: %w", b.Address, err)
		}
	}
	for _, b := range seed.DiscreteInputs {
		if err := d.WriteDiscreteInputs(b.Address, b.Values); err != nil {
			return fmt.Errorf("seed discrete inputs at %d: %w", b.Address, err)
		}
	}
	for _, b := range seed.HoldingRegisters {
		if err := d.WriteHoldingRegisters(b.Address, b.Values); err != nil {
			return fmt.Errorf("seed holding registers at %d: %w", b.Address, err)
		}
	}
	for _, b := range seed.InputRegisters {
		if err := d.WriteInputRegisters(b.Address, b.Values); err != nil {
			return fmt.Errorf("seed input registers at %d: %w", b.Address, err)
		}
	}
	return nil
}
