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
	"net"

	"golang.org/x/sync/errgroup"
)

// Gateway wires the local data context, the upstream client, the dispatcher
// and the listener together.
type Gateway struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *Metrics
	store    *DataStore
	upstream *Upstream
	server   *Server
}

// New builds a gateway from cfg. Nothing is dialed or bound yet.
func New(cfg Config, opts ...Option) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	policy, err := NewForwardingPolicy(cfg.Forward...)
	if err != nil {
		return nil, err
	}

	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	metrics := options.metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	// Every component shares one Metrics.
	opts = append(opts[:len(opts):len(opts)], WithMetrics(metrics))

	g := &Gateway{
		cfg:     cfg,
		logger:  options.logger,
		metrics: metrics,
		store:   NewDataStore(cfg.Tables),
	}

	var upstream Handler
	if !policy.Empty() {
		g.upstream, err = NewUpstream(cfg.UpstreamAddr(), cfg.Timeout, opts...)
		if err != nil {
			return nil, err
		}
		upstream = g.upstream
	}

	dispatcher, err := NewDispatcher(policy, g.store, upstream, opts...)
	if err != nil {
		return nil, err
	}
	g.server = NewServer(dispatcher, opts...)
	return g, nil
}

// Start builds a gateway from cfg and serves until ctx is cancelled.
func Start(ctx context.Context, cfg Config, opts ...Option) error {
	g, err := New(cfg, opts...)
	if err != nil {
		return err
	}
	return g.ListenAndServe(ctx)
}

// DataStore returns the local data context.
func (g *Gateway) DataStore() *DataStore {
	return g.store
}

// Upstream returns the upstream client, or nil when nothing is forwarded.
func (g *Gateway) Upstream() *Upstream {
	return g.upstream
}

// Metrics returns the gateway metrics.
func (g *Gateway) Metrics() *Metrics {
	return g.metrics
}

// Addr returns the listening address, or nil before serving.
func (g *Gateway) Addr() net.Addr {
	return g.server.Addr()
}

// ActiveConnections returns the number of open master connections.
func (g *Gateway) ActiveConnections() int {
	return g.server.ActiveConnections()
}

// Serve serves master connections accepted on listener until Close.
func (g *Gateway) Serve(listener net.Listener) error {
	policy := g.server.dispatcher.Policy()
	attrs := []any{slog.Any("forward", policy.Codes())}
	if g.upstream != nil {
		attrs = append(attrs, slog.String("upstream", g.upstream.Address()))
	}
	g.logger.Info("starting gateway", attrs...)
	return g.server.Serve(listener)
}

// ListenAndServe binds the configured listen address and serves until ctx is
// cancelled or the gateway is closed. The gateway is closed on return.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", g.cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	eg, ctx := errgroup.WithContext(ctx)
	done := make(chan struct{})
	eg.Go(func() error {
		defer close(done)
		return g.Serve(listener)
	})
	eg.Go(func() error {
		select {
		case <-ctx.Done():
		case <-done:
		}
		return g.Close()
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, ErrGatewayClosed) {
		return err
	}
	return nil
}

// Close stops the listener, drops every master connection and closes the
// upstream connection.
func (g *Gateway) Close() error {
	err := g.server.Close()
	if g.upstream != nil {
		if uerr := g.upstream.Close(); err == nil {
			err = uerr
		}
	}
	return err
}
