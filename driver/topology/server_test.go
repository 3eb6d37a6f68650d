// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/mongodb-labs/mongo-go-cursor/address"
	"github.com/mongodb-labs/mongo-go-cursor/description"
	"github.com/mongodb-labs/mongo-go-cursor/driver"
)

// fakeConn counts how many times it has been torn down.
type fakeConn struct {
	desc description.Server

	mu     sync.Mutex
	closed bool
}

func (c *fakeConn) Command(context.Context, string, bsoncore.Document) (bsoncore.Document, error) {
	return nil, nil
}

func (c *fakeConn) Description() description.Server { return c.desc }
func (c *fakeConn) Address() address.Address        { return c.desc.Addr }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type dialer struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (d *dialer) connect(_ context.Context, addr address.Address) (driver.Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	conn := &fakeConn{desc: description.Server{Addr: addr, MaxWireVersion: 9}}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *dialer) dialed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func newTestServer(t *testing.T, opts ...ServerOption) (*Server, *dialer) {
	t.Helper()
	d := &dialer{}
	addr := address.Address("localhost:27017")
	return NewServer(addr, description.Server{Addr: addr, MaxWireVersion: 9}, d.connect, opts...), d
}

func TestServer(t *testing.T) {
	t.Parallel()

	t.Run("connections are reused after checkin", func(t *testing.T) {
		t.Parallel()

		srv, d := newTestServer(t)
		defer srv.Close()

		conn, err := srv.Connection(context.Background())
		require.NoError(t, err)
		require.NoError(t, conn.Close())

		conn2, err := srv.Connection(context.Background())
		require.NoError(t, err)
		require.NoError(t, conn2.Close())

		assert.Equal(t, 1, d.dialed(), "the checked in connection must be reused")
	})

	t.Run("checkout blocks at capacity until a checkin", func(t *testing.T) {
		t.Parallel()

		srv, _ := newTestServer(t, WithMaxConnections(1))
		defer srv.Close()

		conn, err := srv.Connection(context.Background())
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err = srv.Connection(ctx)
		require.Error(t, err, "a second checkout past capacity must block until it times out")

		require.NoError(t, conn.Close())
		conn2, err := srv.Connection(context.Background())
		require.NoError(t, err)
		require.NoError(t, conn2.Close())
	})

	t.Run("double checkin of one connection is a single checkin", func(t *testing.T) {
		t.Parallel()

		srv, d := newTestServer(t, WithMaxConnections(1))
		defer srv.Close()

		conn, err := srv.Connection(context.Background())
		require.NoError(t, err)
		require.NoError(t, conn.Close())
		require.NoError(t, conn.Close())

		conn2, err := srv.Connection(context.Background())
		require.NoError(t, err)
		require.NoError(t, conn2.Close())
		assert.Equal(t, 1, d.dialed())
	})

	t.Run("selection hands out retained references", func(t *testing.T) {
		t.Parallel()

		srv, _ := newTestServer(t)
		assert.Equal(t, 1, srv.References())

		src, err := srv.SelectServer(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, srv.References())

		src.Retain()
		assert.Equal(t, 3, srv.References())
		src.Release()
		src.Release()
		assert.Equal(t, 1, srv.References())
	})

	t.Run("the pool survives until the last reference is gone", func(t *testing.T) {
		t.Parallel()

		srv, d := newTestServer(t)

		src, err := srv.SelectServer(context.Background())
		require.NoError(t, err)

		conn, err := src.Connection(context.Background())
		require.NoError(t, err)
		require.NoError(t, conn.Close())

		srv.Close()
		assert.False(t, d.conns[0].isClosed(), "a held reference must keep the pool alive")

		src.Release()
		assert.True(t, d.conns[0].isClosed(), "releasing the last reference must tear down idle connections")

		_, err = srv.SelectServer(context.Background())
		require.Error(t, err)
	})

	t.Run("release past zero panics", func(t *testing.T) {
		t.Parallel()

		srv, _ := newTestServer(t)
		srv.Close()
		require.Panics(t, func() { srv.Release() })
	})

	t.Run("async selection mirrors the sync contract", func(t *testing.T) {
		t.Parallel()

		srv, _ := newTestServer(t)
		defer srv.Close()

		done := make(chan struct{})
		var src driver.AsyncConnectionSource
		srv.SelectServerAsync(context.Background(), func(s driver.AsyncConnectionSource, err error) {
			require.NoError(t, err)
			src = s
			close(done)
		})
		<-done
		assert.Equal(t, 2, srv.References())

		connDone := make(chan struct{})
		src.GetConnection(context.Background(), func(conn driver.AsyncConnection, err error) {
			require.NoError(t, err)
			conn.CommandAsync(context.Background(), "foo", nil, func(_ bsoncore.Document, err error) {
				require.NoError(t, err)
				require.NoError(t, conn.Close())
				close(connDone)
			})
		})
		<-connDone

		src.Release()
		assert.Equal(t, 1, srv.References())
	})
}
