// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package topology provides a concrete connection source for cursors: a
// reference counted server handle over a bounded pool of connections created
// by a caller-supplied dial function.
package topology

import (
	"context"

	"github.com/pkg/errors"

	"github.com/mongodb-labs/mongo-go-cursor/address"
	"github.com/mongodb-labs/mongo-go-cursor/description"
	"github.com/mongodb-labs/mongo-go-cursor/driver"
)

// ConnectFn establishes a connection to the server at addr. The returned
// connection's Close tears down the underlying transport; the pool wraps it
// so that cursors checking a connection in do not.
type ConnectFn func(ctx context.Context, addr address.Address) (driver.Connection, error)

const defaultMaxConnections uint64 = 100

type serverConfig struct {
	maxConns uint64
}

// ServerOption configures a Server.
type ServerOption func(*serverConfig)

// WithMaxConnections sets the maximum number of concurrently checked out
// connections.
func WithMaxConnections(n uint64) ServerOption {
	return func(cfg *serverConfig) {
		if n > 0 {
			cfg.maxConns = n
		}
	}
}

// Server is a handle to a single server and a pool of connections to it. It
// is reference counted: the creator holds one reference, every cursor that
// keeps a live server-side cursor holds one, and the connection pool is torn
// down when the server is closed and the last reference is released.
//
// Server implements both driver.Deployment and driver.ConnectionSource.
type Server struct {
	addr    address.Address
	desc    description.Server
	pool    *pool
	signals *refCounter
}

var _ driver.Deployment = (*Server)(nil)
var _ driver.ConnectionSource = (*Server)(nil)

// NewServer creates a server handle for addr whose connections are created
// with connect. The returned handle holds one reference, released by Close.
func NewServer(addr address.Address, desc description.Server, connect ConnectFn, opts ...ServerOption) *Server {
	cfg := serverConfig{maxConns: defaultMaxConnections}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Server{
		addr: addr,
		desc: desc,
		pool: newPool(addr, connect, cfg.maxConns),
	}
	s.signals = newRefCounter(s.pool.close)
	return s
}

// SelectServer returns the server itself as a connection source, holding a
// new reference for the caller.
func (s *Server) SelectServer(context.Context) (driver.ConnectionSource, error) {
	if s.signals.finished() {
		return nil, errors.New("server is closed")
	}
	s.Retain()
	return s, nil
}

// Connection checks a connection out of the server's pool.
func (s *Server) Connection(ctx context.Context) (driver.Connection, error) {
	return s.pool.get(ctx)
}

// Retain adds a reference to the server.
func (s *Server) Retain() { s.signals.retain() }

// Release removes a reference from the server. When the server has been
// closed and the last reference is released, the connection pool is torn
// down.
func (s *Server) Release() { s.signals.release() }

// References reports the current reference count, including the creator's
// reference until Close is called.
func (s *Server) References() int { return s.signals.count() }

// Address returns the server's address.
func (s *Server) Address() address.Address { return s.addr }

// Description returns the server's description.
func (s *Server) Description() description.Server { return s.desc }

// Close releases the creator's reference. The pool is torn down once every
// cursor-held reference has been released as well.
func (s *Server) Close() { s.signals.release() }
