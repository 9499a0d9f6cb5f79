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
	"testing"
	"time"
)

func TestCounter(t *testing.T) {
	var c Counter

	if c.Value() != 0 {
		t.Errorf("Initial value: expected 0, got %d", c.Value())
	}

	c.Add(5)
	if c.Value() != 5 {
		t.Errorf("After Add(5): expected 5, got %d", c.Value())
	}

	c.Add(-2)
	if c.Value() != 3 {
		t.Errorf("After Add(-2): expected 3, got %d", c.Value())
	}

	c.Reset()
	if c.Value() != 0 {
		t.Errorf("After Reset: expected 0, got %d", c.Value())
	}
}

func TestLatencyHistogram(t *testing.T) {
	h := NewLatencyHistogram()

	h.Observe(500 * time.Microsecond)
	h.Observe(2 * time.Millisecond)
	h.Observe(10 * time.Millisecond)
	h.Observe(50 * time.Millisecond)
	h.Observe(100 * time.Millisecond)

	stats := h.Stats()

	if stats.Count != 5 {
		t.Errorf("Count: expected 5, got %d", stats.Count)
	}
	if stats.Min < 0.4 || stats.Min > 0.6 {
		t.Errorf("Min: expected ~0.5, got %.2f", stats.Min)
	}
	if stats.Max < 99 || stats.Max > 101 {
		t.Errorf("Max: expected ~100, got %.2f", stats.Max)
	}
	if stats.Buckets["1ms"] != 1 {
		t.Errorf("Bucket 1ms: expected 1, got %d", stats.Buckets["1ms"])
	}
	if stats.Buckets["5ms"] != 1 {
		t.Errorf("Bucket 5ms: expected 1, got %d", stats.Buckets["5ms"])
	}
}

func TestLatencyHistogramOverflow(t *testing.T) {
	h := NewLatencyHistogram()
	h.Observe(30 * time.Second)

	if got := h.Stats().Buckets["5s+"]; got != 1 {
		t.Errorf("Bucket 5s+: expected 1, got %d", got)
	}
}

func TestLatencyHistogramReset(t *testing.T) {
	h := NewLatencyHistogram()

	h.Observe(5 * time.Millisecond)
	h.Observe(10 * time.Millisecond)
	h.Reset()

	stats := h.Stats()
	if stats.Count != 0 {
		t.Errorf("Count after reset: expected 0, got %d", stats.Count)
	}
	if stats.Sum != 0 {
		t.Errorf("Sum after reset: expected 0, got %.2f", stats.Sum)
	}
}

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	m.RequestsTotal.Add(10)
	m.Forwarded.Add(6)
	m.Local.Add(3)
	m.Exceptions.Add(1)
	m.UpstreamReconnects.Add(2)

	collected := m.Collect()

	if collected["requests_total"] != int64(10) {
		t.Errorf("requests_total: expected 10, got %v", collected["requests_total"])
	}
	if collected["forwarded"] != int64(6) {
		t.Errorf("forwarded: expected 6, got %v", collected["forwarded"])
	}
	if collected["local"] != int64(3) {
		t.Errorf("local: expected 3, got %v", collected["local"])
	}
	if collected["upstream_reconnects"] != int64(2) {
		t.Errorf("upstream_reconnects: expected 2, got %v", collected["upstream_reconnects"])
	}
	if _, ok := collected["functions"]; ok {
		t.Error("functions should be absent before any per-function metric is recorded")
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()

	m.RequestsTotal.Add(10)
	m.ActiveConns.Add(2)
	m.UpstreamLatency.Observe(5 * time.Millisecond)
	m.ForFunction(FuncReadCoils).Requests.Add(4)

	m.Reset()

	if m.RequestsTotal.Value() != 0 {
		t.Errorf("RequestsTotal after reset: expected 0, got %d", m.RequestsTotal.Value())
	}
	if m.ActiveConns.Value() != 2 {
		t.Errorf("ActiveConns is a gauge and survives reset: expected 2, got %d", m.ActiveConns.Value())
	}
	if m.UpstreamLatency.Stats().Count != 0 {
		t.Errorf("UpstreamLatency.Count after reset: expected 0, got %d", m.UpstreamLatency.Stats().Count)
	}
	if m.ForFunction(FuncReadCoils).Requests.Value() != 0 {
		t.Errorf("ReadCoils requests after reset: expected 0, got %d", m.ForFunction(FuncReadCoils).Requests.Value())
	}
}

func TestFunctionMetrics(t *testing.T) {
	m := NewMetrics()

	fm := m.ForFunction(FuncReadHoldingRegisters)
	fm.Requests.Add(5)
	fm.Exceptions.Add(1)

	fm2 := m.ForFunction(FuncReadHoldingRegisters)
	if fm2.Requests.Value() != 5 {
		t.Errorf("Requests: expected 5, got %d", fm2.Requests.Value())
	}

	fm3 := m.ForFunction(FuncReadCoils)
	fm3.Requests.Add(3)
	if fm.Requests.Value() != 5 {
		t.Errorf("ReadHoldingRegisters requests: expected 5, got %d", fm.Requests.Value())
	}

	funcs, ok := m.Collect()["functions"].(map[string]interface{})
	if !ok {
		t.Fatal("functions missing from Collect")
	}
	hr, ok := funcs["ReadHoldingRegisters"].(map[string]int64)
	if !ok {
		t.Fatal("ReadHoldingRegisters missing from functions")
	}
	if hr["exceptions"] != 1 {
		t.Errorf("ReadHoldingRegisters exceptions: expected 1, got %d", hr["exceptions"])
	}
}

func TestFunctionCodeString(t *testing.T) {
	tests := []struct {
		fc     FunctionCode
		expect string
	}{
		{FuncReadCoils, "ReadCoils"},
		{FuncReadDiscreteInputs, "ReadDiscreteInputs"},
		{FuncReadHoldingRegisters, "ReadHoldingRegisters"},
		{FuncReadInputRegisters, "ReadInputRegisters"},
		{FunctionCode(0xFF), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expect, func(t *testing.T) {
			if tt.fc.String() != tt.expect {
				t.Errorf("FunctionCode %d: expected %s, got %s", tt.fc, tt.expect, tt.fc.String())
			}
		})
	}
}
