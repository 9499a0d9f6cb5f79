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
	"log/slog"
	"net"
	"strconv"
	"time"
)

// TableSizes sets the number of addressable entries in each local table.
type TableSizes struct {
	Coils            int `mapstructure:"coils" yaml:"coils"`
	DiscreteInputs   int `mapstructure:"discrete_inputs" yaml:"discrete_inputs"`
	HoldingRegisters int `mapstructure:"holding_registers" yaml:"holding_registers"`
	InputRegisters   int `mapstructure:"input_registers" yaml:"input_registers"`
}

// DefaultTableSizes returns full 16-bit address spaces for every table.
func DefaultTableSizes() TableSizes {
	return TableSizes{
		Coils:            DefaultTableSize,
		DiscreteInputs:   DefaultTableSize,
		HoldingRegisters: DefaultTableSize,
		InputRegisters:   DefaultTableSize,
	}
}

// Config is everything the gateway needs to start.
type Config struct {
	UpstreamHost string
	UpstreamPort int
	ListenHost   string
	ListenPort   int

	// Forward lists the function codes relayed to the upstream. Every other
	// function code is served locally or rejected.
	Forward []FunctionCode

	// Timeout bounds one forwarded request, including the wait for the
	// upstream connection to become free.
	Timeout time.Duration

	Tables TableSizes
}

// DefaultConfig returns a config forwarding all four read functions, matching
// the ports the gateway historically used.
func DefaultConfig() Config {
	return Config{
		UpstreamHost: "127.0.0.1",
		UpstreamPort: 5020,
		ListenHost:   "0.0.0.0",
		ListenPort:   DefaultPort,
		Forward: []FunctionCode{
			FuncReadCoils,
			FuncReadDiscreteInputs,
			FuncReadHoldingRegisters,
			FuncReadInputRegisters,
		},
		Timeout: DefaultTimeout,
		Tables:  DefaultTableSizes(),
	}
}

// Validate checks the config for values the gateway cannot run with.
func (c *Config) Validate() error {
	if _, err := NewForwardingPolicy(c.Forward...); err != nil {
		return err
	}
	if len(c.Forward) > 0 && c.UpstreamHost == "" {
		return fmt.Errorf("%w: upstream host is required when forwarding", ErrInvalidConfig)
	}
	if c.UpstreamPort < 0 || c.UpstreamPort > 65535 {
		return fmt.Errorf("%w: upstream port %d out of range", ErrInvalidConfig, c.UpstreamPort)
	}
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("%w: listen port %d out of range", ErrInvalidConfig, c.ListenPort)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive", ErrInvalidConfig)
	}
	for name, size := range map[string]int{
		"coils":             c.Tables.Coils,
		"discrete inputs":   c.Tables.DiscreteInputs,
		"holding registers": c.Tables.HoldingRegisters,
		"input registers":   c.Tables.InputRegisters,
	} {
		if size < 1 || size > DefaultTableSize {
			return fmt.Errorf("%w: %s table size %d must be 1-%d", ErrInvalidConfig, name, size, DefaultTableSize)
		}
	}
	return nil
}

// UpstreamAddr returns the upstream host:port.
func (c *Config) UpstreamAddr() string {
	return net.JoinHostPort(c.UpstreamHost, strconv.Itoa(c.UpstreamPort))
}

// ListenAddr returns the listen host:port.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.ListenHost, strconv.Itoa(c.ListenPort))
}

// ForwardingPolicy is the immutable set of function codes relayed upstream.
type ForwardingPolicy struct {
	codes [5]bool
}

// NewForwardingPolicy builds a policy. Only the four read function codes may
// be forwarded.
func NewForwardingPolicy(codes ...FunctionCode) (ForwardingPolicy, error) {
	var p ForwardingPolicy
	for _, fc := range codes {
		if _, ok := QuantityLimit(fc); !ok {
			return ForwardingPolicy{}, fmt.Errorf("%w: function code %d cannot be forwarded", ErrInvalidConfig, fc)
		}
		p.codes[fc] = true
	}
	return p, nil
}

// Forwards reports whether fc is relayed to the upstream.
func (p ForwardingPolicy) Forwards(fc FunctionCode) bool {
	return int(fc) < len(p.codes) && p.codes[fc]
}

// Empty reports whether nothing is forwarded.
func (p ForwardingPolicy) Empty() bool {
	return p == ForwardingPolicy{}
}

// Codes returns the forwarded function codes in ascending order.
func (p ForwardingPolicy) Codes() []FunctionCode {
	var codes []FunctionCode
	for fc, on := range p.codes {
		if on {
			codes = append(codes, FunctionCode(fc))
		}
	}
	return codes
}

// Option is a functional option for configuring the gateway.
type Option func(*options)

type options struct {
	logger      *slog.Logger
	maxConns    int
	idleTimeout time.Duration
	dialTimeout time.Duration
	metrics     *Metrics
}

func defaultOptions() *options {
	return &options{
		logger:   slog.Default(),
		maxConns: 100,
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMaxConnections sets the maximum number of concurrent master connections.
func WithMaxConnections(n int) Option {
	return func(o *options) {
		o.maxConns = n
	}
}

// WithIdleTimeout drops a master connection that sends nothing for d.
// Zero disables the idle timeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = d
	}
}

// WithDialTimeout bounds dialing the upstream. Defaults to the request timeout.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) {
		o.dialTimeout = d
	}
}

// WithMetrics makes the gateway record into m instead of a fresh Metrics.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}
