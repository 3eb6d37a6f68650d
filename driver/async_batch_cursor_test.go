// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/mongodb-labs/mongo-go-cursor/address"
	"github.com/mongodb-labs/mongo-go-cursor/description"
)

// manualAsyncConn records commands and holds their callbacks until the test
// fires them, so calls can be observed mid-flight.
type manualAsyncConn struct {
	desc description.Server

	mu      sync.Mutex
	pending []pendingCommand
}

type pendingCommand struct {
	cmd bsoncore.Document
	cb  CommandCallback
}

func newManualAsyncConn(wireVersion int32) *manualAsyncConn {
	return &manualAsyncConn{desc: testServerDesc(wireVersion)}
}

func (c *manualAsyncConn) CommandAsync(_ context.Context, _ string, cmd bsoncore.Document, cb CommandCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, pendingCommand{cmd: cmd, cb: cb})
}

// fire completes the oldest pending command.
func (c *manualAsyncConn) fire(response bsoncore.Document, err error) {
	c.mu.Lock()
	next := c.pending[0]
	c.pending = c.pending[1:]
	c.mu.Unlock()
	next.cb(response, err)
}

func (c *manualAsyncConn) pendingNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.pending))
	for _, p := range c.pending {
		elems, err := p.cmd.Elements()
		if err != nil || len(elems) == 0 {
			names = append(names, "")
			continue
		}
		names = append(names, elems[0].Key())
	}
	return names
}

func (c *manualAsyncConn) Description() description.Server { return c.desc }
func (c *manualAsyncConn) Address() address.Address        { return c.desc.Addr }
func (c *manualAsyncConn) Close() error                    { return nil }

// collect adapts a callback delivery into return values for assertions.
func collect(deliver func(BatchCallback)) (batch []bsoncore.Document, err error, called bool) {
	deliver(func(b []bsoncore.Document, e error) {
		batch, err, called = b, e, true
	})
	return batch, err, called
}

func TestAsyncBatchCursor(t *testing.T) {
	t.Parallel()

	t.Run("setBatchSize", func(t *testing.T) {
		t.Parallel()

		cr, err := newTestCursorResponse(cursorReply{id: 0, batch: testDocs(1)}, 9)
		require.NoError(t, err)
		abc, err := NewAsyncBatchCursor(cr, nil, CursorOptions{})
		require.NoError(t, err)

		abc.SetBatchSize(4)
		assert.EqualValues(t, 4, abc.batchSize)

		abc.SetBatchSize(-2)
		assert.EqualValues(t, 4, abc.batchSize, "a negative size must leave the batch size unchanged")
	})

	t.Run("drains the server cursor batch by batch", func(t *testing.T) {
		t.Parallel()

		conn := &asyncScriptConn{scriptConn: newScriptConn(9)}
		conn.addResponse(cursorReply{id: 42, nextBatch: true, batch: testDocs(4, 5)}.build())
		conn.addResponse(cursorReply{id: 0, nextBatch: true}.build())
		src := &asyncCountingSource{conn: conn}

		cr, err := newTestCursorResponse(cursorReply{id: 42, batch: testDocs(1, 2, 3)}, 9)
		require.NoError(t, err)
		abc, err := NewAsyncBatchCursor(cr, src, CursorOptions{})
		require.NoError(t, err)

		batch, cbErr, called := collect(func(cb BatchCallback) { abc.Next(context.Background(), cb) })
		require.True(t, called)
		require.NoError(t, cbErr)
		assert.Empty(t, cmp.Diff(testDocs(1, 2, 3), batch))

		batch, cbErr, _ = collect(func(cb BatchCallback) { abc.Next(context.Background(), cb) })
		require.NoError(t, cbErr)
		assert.Empty(t, cmp.Diff(testDocs(4, 5), batch))

		// End of stream: nil batch, nil error.
		batch, cbErr, called = collect(func(cb BatchCallback) { abc.Next(context.Background(), cb) })
		require.True(t, called)
		require.NoError(t, cbErr)
		assert.Nil(t, batch)
		assert.EqualValues(t, 0, abc.ID())

		retained, released := src.counts()
		assert.Equal(t, retained, released)
		assert.Equal(t, 1, retained)
	})

	t.Run("tryNext delivers an empty round trip as nil batch", func(t *testing.T) {
		t.Parallel()

		conn := &asyncScriptConn{scriptConn: newScriptConn(9)}
		conn.addResponse(cursorReply{id: 42, nextBatch: true}.build())
		conn.addResponse(cursorReply{id: 42, nextBatch: true, batch: testDocs(1)}.build())
		src := &asyncCountingSource{conn: conn}

		cr, err := newTestCursorResponse(cursorReply{id: 42}, 9)
		require.NoError(t, err)
		abc, err := NewAsyncBatchCursor(cr, src, CursorOptions{Tailable: true, AwaitData: true})
		require.NoError(t, err)

		batch, cbErr, called := collect(func(cb BatchCallback) { abc.TryNext(context.Background(), cb) })
		require.True(t, called)
		require.NoError(t, cbErr)
		assert.Nil(t, batch)
		assert.EqualValues(t, 42, abc.ID(), "an empty reply must leave the cursor live")

		batch, cbErr, _ = collect(func(cb BatchCallback) { abc.TryNext(context.Background(), cb) })
		require.NoError(t, cbErr)
		assert.Empty(t, cmp.Diff(testDocs(1), batch))
	})

	t.Run("next re-issues getMore from the completion until documents arrive", func(t *testing.T) {
		t.Parallel()

		conn := &asyncScriptConn{scriptConn: newScriptConn(9)}
		conn.addResponse(cursorReply{id: 42, nextBatch: true}.build())
		conn.addResponse(cursorReply{id: 42, nextBatch: true}.build())
		conn.addResponse(cursorReply{id: 42, nextBatch: true, batch: testDocs(7)}.build())
		src := &asyncCountingSource{conn: conn}

		cr, err := newTestCursorResponse(cursorReply{id: 42}, 9)
		require.NoError(t, err)
		abc, err := NewAsyncBatchCursor(cr, src, CursorOptions{Tailable: true, AwaitData: true})
		require.NoError(t, err)

		batch, cbErr, _ := collect(func(cb BatchCallback) { abc.Next(context.Background(), cb) })
		require.NoError(t, cbErr)
		assert.Empty(t, cmp.Diff(testDocs(7), batch))
		assert.Equal(t, []string{"getMore", "getMore", "getMore"}, conn.commandNames())
	})

	t.Run("a second call while one is in flight is rejected", func(t *testing.T) {
		t.Parallel()

		conn := newManualAsyncConn(9)
		src := &asyncCountingSource{conn: conn}

		cr, err := newTestCursorResponse(cursorReply{id: 42}, 9)
		require.NoError(t, err)
		abc, err := NewAsyncBatchCursor(cr, src, CursorOptions{})
		require.NoError(t, err)

		var firstBatch []bsoncore.Document
		var firstErr error
		abc.Next(context.Background(), func(b []bsoncore.Document, e error) {
			firstBatch, firstErr = b, e
		})

		_, overlapErr, called := collect(func(cb BatchCallback) { abc.Next(context.Background(), cb) })
		require.True(t, called)
		require.ErrorIs(t, overlapErr, ErrCallInProgress)

		conn.fire(cursorReply{id: 42, nextBatch: true, batch: testDocs(1)}.build(), nil)
		require.NoError(t, firstErr)
		assert.Empty(t, cmp.Diff(testDocs(1), firstBatch))
	})

	t.Run("close during an in-flight getMore defers the kill", func(t *testing.T) {
		t.Parallel()

		conn := newManualAsyncConn(9)
		src := &asyncCountingSource{conn: conn}

		cr, err := newTestCursorResponse(cursorReply{id: 42}, 9)
		require.NoError(t, err)
		abc, err := NewAsyncBatchCursor(cr, src, CursorOptions{})
		require.NoError(t, err)

		var gotBatch []bsoncore.Document
		var gotErr error
		var delivered bool
		abc.Next(context.Background(), func(b []bsoncore.Document, e error) {
			gotBatch, gotErr, delivered = b, e, true
		})

		abc.Close(context.Background())
		assert.True(t, abc.IsClosed())
		assert.False(t, delivered, "delivery must wait for the in-flight completion")
		assert.Equal(t, []string{"getMore"}, conn.pendingNames(), "no killCursors while the call is in flight")

		// The in-flight getMore completes with documents; the cursor is
		// close-pending, so the caller sees end-of-stream and the server-side
		// cursor is killed.
		conn.fire(cursorReply{id: 42, nextBatch: true, batch: testDocs(1)}.build(), nil)
		require.True(t, delivered)
		require.NoError(t, gotErr)
		assert.Nil(t, gotBatch)
		assert.Equal(t, []string{"killCursors"}, conn.pendingNames())

		retained, released := src.counts()
		assert.Equal(t, retained, released)
	})

	t.Run("close holds the route until the kill completes", func(t *testing.T) {
		t.Parallel()

		conn := newManualAsyncConn(9)
		src := &asyncCountingSource{conn: conn}

		cr, err := newTestCursorResponse(cursorReply{id: 42}, 9)
		require.NoError(t, err)
		abc, err := NewAsyncBatchCursor(cr, src, CursorOptions{})
		require.NoError(t, err)

		abc.Close(context.Background())
		assert.Equal(t, []string{"killCursors"}, conn.pendingNames())

		retained, released := src.counts()
		assert.Equal(t, 1, retained)
		assert.Equal(t, 0, released, "the source must stay retained while the kill is in flight")

		conn.fire(okResponse(), nil)
		retained, released = src.counts()
		assert.Equal(t, retained, released, "the kill's completion releases the source")
	})

	t.Run("a failed kill still releases the route", func(t *testing.T) {
		t.Parallel()

		conn := newManualAsyncConn(9)
		src := &asyncCountingSource{conn: conn}

		cr, err := newTestCursorResponse(cursorReply{id: 42}, 9)
		require.NoError(t, err)
		abc, err := NewAsyncBatchCursor(cr, src, CursorOptions{})
		require.NoError(t, err)

		abc.Close(context.Background())
		conn.fire(nil, errors.New("socket closed"))

		retained, released := src.counts()
		assert.Equal(t, retained, released)
	})

	t.Run("next after close reports the misuse", func(t *testing.T) {
		t.Parallel()

		conn := &asyncScriptConn{scriptConn: newScriptConn(9)}
		conn.addResponse(okResponse())
		src := &asyncCountingSource{conn: conn}

		cr, err := newTestCursorResponse(cursorReply{id: 42, batch: testDocs(1)}, 9)
		require.NoError(t, err)
		abc, err := NewAsyncBatchCursor(cr, src, CursorOptions{})
		require.NoError(t, err)

		abc.Close(context.Background())
		abc.Close(context.Background())

		_, cbErr, called := collect(func(cb BatchCallback) { abc.Next(context.Background(), cb) })
		require.True(t, called)
		require.ErrorIs(t, cbErr, ErrCursorClosed)

		assert.Equal(t, []string{"killCursors"}, conn.commandNames())
		retained, released := src.counts()
		assert.Equal(t, retained, released)
	})

	t.Run("limit is enforced across batches", func(t *testing.T) {
		t.Parallel()

		conn := &asyncScriptConn{scriptConn: newScriptConn(9)}
		conn.addResponse(cursorReply{id: 7, nextBatch: true, batch: testDocs(4)}.build())
		conn.addResponse(okResponse()) // killCursors
		src := &asyncCountingSource{conn: conn}

		cr, err := newTestCursorResponse(cursorReply{id: 7, batch: testDocs(1, 2, 3)}, 9)
		require.NoError(t, err)
		abc, err := NewAsyncBatchCursor(cr, src, CursorOptions{BatchSize: 3, Limit: 4})
		require.NoError(t, err)

		batch, cbErr, _ := collect(func(cb BatchCallback) { abc.Next(context.Background(), cb) })
		require.NoError(t, cbErr)
		require.Len(t, batch, 3)

		batch, cbErr, _ = collect(func(cb BatchCallback) { abc.Next(context.Background(), cb) })
		require.NoError(t, cbErr)
		assert.Empty(t, cmp.Diff(testDocs(4), batch))
		assert.Equal(t, []string{"getMore", "killCursors"}, conn.commandNames())

		gm := bsoncore.Document(conn.commands[0])
		size, ok := gm.Lookup("batchSize").Int32OK()
		require.True(t, ok)
		assert.EqualValues(t, 1, size)

		batch, cbErr, called := collect(func(cb BatchCallback) { abc.Next(context.Background(), cb) })
		require.True(t, called)
		require.NoError(t, cbErr)
		assert.Nil(t, batch)

		retained, released := src.counts()
		assert.Equal(t, retained, released)
	})

	t.Run("getMore failure invalidates the cursor", func(t *testing.T) {
		t.Parallel()

		conn := &asyncScriptConn{scriptConn: newScriptConn(9)}
		conn.addError(errors.New("socket closed"))
		src := &asyncCountingSource{conn: conn}

		cr, err := newTestCursorResponse(cursorReply{id: 42, batch: testDocs(1)}, 9)
		require.NoError(t, err)
		abc, err := NewAsyncBatchCursor(cr, src, CursorOptions{})
		require.NoError(t, err)

		_, cbErr, _ := collect(func(cb BatchCallback) { abc.Next(context.Background(), cb) })
		require.NoError(t, cbErr)

		_, cbErr, _ = collect(func(cb BatchCallback) { abc.Next(context.Background(), cb) })
		require.EqualError(t, cbErr, "socket closed")
		assert.EqualValues(t, 0, abc.ID())

		retained, released := src.counts()
		assert.Equal(t, retained, released)
		assert.Equal(t, []string{"getMore"}, conn.commandNames(), "no killCursors after a transport failure")
	})
}
