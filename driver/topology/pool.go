// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/mongodb-labs/mongo-go-cursor/address"
	"github.com/mongodb-labs/mongo-go-cursor/driver"
)

// ErrPoolClosed is returned when attempting to check out a connection from a
// closed pool.
var ErrPoolClosed = errors.New("attempted to check out a connection from closed connection pool")

// pool is a bounded pool of connections to a single server. Capacity is
// enforced with a weighted semaphore: a permit is held for the lifetime of
// every checked out connection and returned when the connection is checked
// back in.
type pool struct {
	addr    address.Address
	connect ConnectFn
	sem     *semaphore.Weighted

	mu     sync.Mutex
	idle   []driver.Connection
	closed bool
}

func newPool(addr address.Address, connect ConnectFn, size uint64) *pool {
	return &pool{
		addr:    addr,
		connect: connect,
		sem:     semaphore.NewWeighted(int64(size)),
	}
}

// get checks out a connection, dialing a new one if no idle connection is
// available. It blocks while the pool is at capacity until a connection is
// checked in or ctx expires.
func (p *pool) get(ctx context.Context) (driver.Connection, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, errors.Wrap(err, "could not acquire connection permit")
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, ErrPoolClosed
	}
	if n := len(p.idle); n > 0 {
		conn := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return &pooledConnection{Connection: conn, pool: p}, nil
	}
	p.mu.Unlock()

	conn, err := p.connect(ctx, p.addr)
	if err != nil {
		p.sem.Release(1)
		return nil, errors.Wrap(err, "failed to dial connection")
	}
	return &pooledConnection{Connection: conn, pool: p}, nil
}

// put checks a connection back in for reuse. Connections returned to a
// closed pool are torn down instead.
func (p *pool) put(conn driver.Connection) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = conn.Close()
	} else {
		p.idle = append(p.idle, conn)
		p.mu.Unlock()
	}
	p.sem.Release(1)
}

// close tears down all idle connections. Checked out connections are torn
// down as they are checked back in.
func (p *pool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, conn := range idle {
		_ = conn.Close()
	}
}

// pooledConnection hands a checked out connection back to its pool on Close
// instead of tearing it down.
type pooledConnection struct {
	driver.Connection
	pool *pool

	mu       sync.Mutex
	returned bool
}

func (pc *pooledConnection) Close() error {
	pc.mu.Lock()
	if pc.returned {
		pc.mu.Unlock()
		return nil
	}
	pc.returned = true
	pc.mu.Unlock()

	pc.pool.put(pc.Connection)
	return nil
}
