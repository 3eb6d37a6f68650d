// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/mongodb-labs/mongo-go-cursor/address"
	"github.com/mongodb-labs/mongo-go-cursor/description"
)

// BatchCallback is invoked with the next batch of documents when an
// asynchronous cursor call completes. A nil batch together with a nil error
// means the cursor is exhausted.
type BatchCallback func(batch []bsoncore.Document, err error)

// AsyncBatchCursor is a callback-driven batch cursor. At most one call may be
// in progress at a time; overlapping calls fail with ErrCallInProgress. Close
// may be called at any time, including while a call is in progress, in which
// case the release of the server-side cursor is deferred until the in-flight
// operation completes.
type AsyncBatchCursor struct {
	namespace Namespace
	addr      address.Address
	desc      description.Server
	server    AsyncConnectionSource

	comment bsoncore.Value

	limit int32

	firstBatchEmpty bool

	mu sync.Mutex
	// The fields below are guarded by mu.
	batchSize            int32
	maxTimeMS            int64
	id                   int64
	batch                []bsoncore.Document
	numReturned          int32
	postBatchResumeToken bsoncore.Document
	operationTime        *bson.Timestamp
	inProgress           bool
	closePending         bool
	closed               bool
}

// NewAsyncBatchCursor creates a new AsyncBatchCursor from the provided parsed
// command response. If the response describes a live server-side cursor, the
// cursor retains server until that resource is released.
func NewAsyncBatchCursor(cr CursorResponse, server AsyncConnectionSource, opts CursorOptions) (*AsyncBatchCursor, error) {
	if opts.BatchSize < 0 {
		return nil, errors.New("batch size cannot be negative")
	}

	limit := opts.Limit
	if limit < 0 {
		limit = -limit
	}

	abc := &AsyncBatchCursor{
		namespace:            cr.Namespace,
		id:                   cr.ID,
		addr:                 cr.Desc.Addr,
		desc:                 cr.Desc,
		batchSize:            opts.BatchSize,
		maxTimeMS:            opts.MaxTimeMS,
		comment:              opts.Comment,
		limit:                limit,
		firstBatchEmpty:      len(cr.Batch) == 0,
		postBatchResumeToken: cr.PostBatchResumeToken,
		operationTime:        cr.OperationTime,
	}

	first := cr.Batch
	if abc.limit != 0 && int32(len(first)) > abc.limit {
		first = first[:abc.limit]
	}
	if len(first) > 0 {
		abc.batch = first
	}
	abc.numReturned = int32(len(first))

	if abc.id != 0 {
		if server == nil {
			return nil, errors.New("cursor id indicates a live server-side cursor, but no connection source was provided")
		}
		server.Retain()
		abc.server = server
		if abc.limit != 0 && abc.numReturned >= abc.limit {
			abc.killCursorLocked()
		}
	}

	return abc, nil
}

// ID returns the cursor ID for this batch cursor.
func (abc *AsyncBatchCursor) ID() int64 {
	abc.mu.Lock()
	defer abc.mu.Unlock()
	return abc.id
}

// ServerCursor returns the handle of the live server-side cursor, or nil if
// no server-side resource exists.
func (abc *AsyncBatchCursor) ServerCursor() *ServerCursor {
	abc.mu.Lock()
	defer abc.mu.Unlock()
	if abc.id == 0 {
		return nil
	}
	return &ServerCursor{ID: abc.id, Address: abc.addr}
}

// Address returns the address of the server the cursor was created against.
func (abc *AsyncBatchCursor) Address() address.Address { return abc.addr }

// Description returns the description of the server the cursor was created
// against.
func (abc *AsyncBatchCursor) Description() description.Server { return abc.desc }

// FirstBatchEmpty returns true if the cursor's first batch contained no
// documents.
func (abc *AsyncBatchCursor) FirstBatchEmpty() bool { return abc.firstBatchEmpty }

// IsClosed returns true if the cursor is closed or a close is pending behind
// an in-flight call.
func (abc *AsyncBatchCursor) IsClosed() bool {
	abc.mu.Lock()
	defer abc.mu.Unlock()
	return abc.closed || abc.closePending
}

// SetBatchSize sets the number of documents to request per getMore. Negative
// sizes are ignored.
func (abc *AsyncBatchCursor) SetBatchSize(size int32) {
	if size < 0 {
		return
	}
	abc.mu.Lock()
	defer abc.mu.Unlock()
	abc.batchSize = size
}

// SetMaxTime sets the amount of time the server will allow a getMore to wait
// for new documents on a tailable await cursor. Fractions of a millisecond
// are truncated.
func (abc *AsyncBatchCursor) SetMaxTime(dur time.Duration) {
	abc.mu.Lock()
	defer abc.mu.Unlock()
	abc.maxTimeMS = int64(dur / time.Millisecond)
}

// PostBatchResumeToken returns the most recent post-batch resume token
// provided by the server, or nil.
func (abc *AsyncBatchCursor) PostBatchResumeToken() bsoncore.Document {
	abc.mu.Lock()
	defer abc.mu.Unlock()
	return abc.postBatchResumeToken
}

// OperationTime returns the operation time from the most recent cursor
// response that carried one, or nil.
func (abc *AsyncBatchCursor) OperationTime() *bson.Timestamp {
	abc.mu.Lock()
	defer abc.mu.Unlock()
	return abc.operationTime
}

// Next delivers the next batch of documents to cb. If no batch is buffered
// and the server-side cursor is live, getMore commands are issued until a
// non-empty batch arrives or the stream ends, as with tailable await cursors.
// A nil batch with a nil error reports the end of the stream.
func (abc *AsyncBatchCursor) Next(ctx context.Context, cb BatchCallback) { abc.next(ctx, true, cb) }

// TryNext is like Next, except that it issues at most one getMore: an empty
// response leaves the cursor live and delivers a nil batch with a nil error.
func (abc *AsyncBatchCursor) TryNext(ctx context.Context, cb BatchCallback) {
	abc.next(ctx, false, cb)
}

func (abc *AsyncBatchCursor) next(ctx context.Context, blocking bool, cb BatchCallback) {
	if ctx == nil {
		ctx = context.Background()
	}

	abc.mu.Lock()
	if abc.closed || abc.closePending {
		abc.mu.Unlock()
		cb(nil, ErrCursorClosed)
		return
	}
	if abc.inProgress {
		abc.mu.Unlock()
		cb(nil, ErrCallInProgress)
		return
	}
	abc.inProgress = true

	if abc.batch != nil {
		batch := abc.batch
		abc.batch = nil
		abc.inProgress = false
		abc.mu.Unlock()
		cb(batch, nil)
		return
	}
	if abc.id == 0 || abc.limitReachedLocked() {
		abc.inProgress = false
		abc.mu.Unlock()
		cb(nil, nil)
		return
	}

	numToReturn, ok := calcAsyncGetMoreBatchSize(abc.limit, abc.numReturned, abc.batchSize)
	if !ok {
		abc.killCursorLocked()
		abc.inProgress = false
		abc.mu.Unlock()
		cb(nil, nil)
		return
	}
	abc.mu.Unlock()

	abc.getMore(ctx, numToReturn, blocking, cb)
}

func calcAsyncGetMoreBatchSize(limit, numReturned, batchSize int32) (int32, bool) {
	gmBatchSize := batchSize
	if limit != 0 && numReturned+batchSize > limit {
		gmBatchSize = limit - numReturned
		if gmBatchSize <= 0 {
			return gmBatchSize, false
		}
	}
	return gmBatchSize, true
}

func (abc *AsyncBatchCursor) getMore(ctx context.Context, numToReturn int32, blocking bool, cb BatchCallback) {
	abc.mu.Lock()
	id := abc.id
	maxTimeMS := abc.maxTimeMS
	comment := abc.comment
	abc.mu.Unlock()

	abc.server.GetConnection(ctx, func(conn AsyncConnection, err error) {
		if err != nil {
			abc.completeWithError(cb, err, false)
			return
		}
		cmd := getMoreCommand(abc.namespace, id, numToReturn, maxTimeMS, comment)
		conn.CommandAsync(ctx, abc.namespace.DB, cmd, func(response bsoncore.Document, err error) {
			_ = conn.Close()
			if err != nil {
				abc.completeWithError(cb, err, true)
				return
			}
			cr, err := NewGetMoreResponse(response, abc.desc)
			if err != nil {
				abc.completeWithError(cb, err, true)
				return
			}
			abc.completeGetMore(ctx, cr, blocking, cb)
		})
	})
}

// completeWithError finishes an in-flight call that failed. If invalidate is
// true the state of the server-side cursor is unknown and the handle is
// discarded.
func (abc *AsyncBatchCursor) completeWithError(cb BatchCallback, err error, invalidate bool) {
	abc.mu.Lock()
	if invalidate {
		abc.id = 0
		abc.releaseSourceLocked()
	}
	abc.inProgress = false
	closePending := abc.closePending
	if closePending {
		abc.killCursorLocked()
		abc.closePending = false
		abc.closed = true
	}
	abc.mu.Unlock()

	if closePending {
		cb(nil, nil)
		return
	}
	cb(nil, err)
}

func (abc *AsyncBatchCursor) completeGetMore(ctx context.Context, cr CursorResponse, blocking bool, cb BatchCallback) {
	abc.mu.Lock()
	abc.id = cr.ID
	abc.numReturned += int32(len(cr.Batch))
	if len(cr.PostBatchResumeToken) > 0 {
		abc.postBatchResumeToken = cr.PostBatchResumeToken
	}
	if cr.OperationTime != nil {
		abc.operationTime = cr.OperationTime
	}

	logger.Debugf("received batch of %d documents with cursorId %d from server %s", len(cr.Batch), cr.ID, abc.addr)

	if abc.closePending {
		abc.killCursorLocked()
		abc.closePending = false
		abc.closed = true
		abc.inProgress = false
		abc.mu.Unlock()
		cb(nil, nil)
		return
	}

	if abc.id == 0 {
		abc.releaseSourceLocked()
	} else if abc.limitReachedLocked() {
		abc.killCursorLocked()
	}

	if len(cr.Batch) > 0 {
		batch := cr.Batch
		abc.inProgress = false
		abc.mu.Unlock()
		cb(batch, nil)
		return
	}

	// Empty batch. A tailable await cursor keeps waiting for new documents
	// while the server-side cursor is live; otherwise the stream has ended.
	if !blocking || abc.id == 0 || abc.limitReachedLocked() {
		abc.inProgress = false
		abc.mu.Unlock()
		cb(nil, nil)
		return
	}
	if ctx.Err() != nil {
		err := ctx.Err()
		abc.inProgress = false
		abc.mu.Unlock()
		cb(nil, err)
		return
	}

	numToReturn, ok := calcAsyncGetMoreBatchSize(abc.limit, abc.numReturned, abc.batchSize)
	if !ok {
		abc.killCursorLocked()
		abc.inProgress = false
		abc.mu.Unlock()
		cb(nil, nil)
		return
	}
	abc.mu.Unlock()
	abc.getMore(ctx, numToReturn, blocking, cb)
}

// Close closes the cursor. If a call is in progress, the release of the
// server-side cursor is deferred until that call completes; the in-flight
// call then reports the end of the stream. Close is idempotent.
func (abc *AsyncBatchCursor) Close(ctx context.Context) {
	abc.mu.Lock()
	defer abc.mu.Unlock()
	if abc.closed || abc.closePending {
		return
	}
	if abc.inProgress {
		abc.closePending = true
		return
	}
	abc.closed = true
	abc.batch = nil
	abc.killCursorLocked()
}

func (abc *AsyncBatchCursor) limitReachedLocked() bool {
	return abc.limit != 0 && abc.numReturned >= abc.limit
}

// killCursorLocked releases the server-side cursor, if one exists, and then
// the connection source. The source reference is held until the killCursors
// command completes so that the route outlives the command it carries. The
// caller must hold mu. Failures to reach the server are logged and swallowed.
func (abc *AsyncBatchCursor) killCursorLocked() {
	if abc.id == 0 || abc.server == nil {
		abc.releaseSourceLocked()
		return
	}
	id := abc.id
	abc.id = 0
	ns := abc.namespace
	server := abc.server
	addr := abc.addr
	abc.server = nil

	server.GetConnection(context.Background(), func(conn AsyncConnection, err error) {
		if err != nil {
			logger.Debugf("killCursors for cursorId %d on server %s failed: %v", id, addr, err)
			server.Release()
			return
		}
		conn.CommandAsync(context.Background(), ns.DB, killCursorsCommand(ns, id), func(_ bsoncore.Document, err error) {
			_ = conn.Close()
			if err != nil {
				logger.Debugf("killCursors for cursorId %d on server %s failed: %v", id, addr, err)
			}
			server.Release()
		})
	})
}

func (abc *AsyncBatchCursor) releaseSourceLocked() {
	if abc.server != nil {
		abc.server.Release()
		abc.server = nil
	}
}
