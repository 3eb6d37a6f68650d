// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/mongodb-labs/mongo-go-cursor/address"
	"github.com/mongodb-labs/mongo-go-cursor/description"
)

// BatchCursor is a batch implementation of a cursor. It returns documents in
// entire batches instead of one at a time. A BatchCursor is not safe for
// concurrent use by multiple goroutines.
type BatchCursor struct {
	namespace Namespace
	id        int64
	addr      address.Address
	desc      description.Server
	server    ConnectionSource

	batchSize int32
	maxTimeMS int64
	comment   bsoncore.Value

	// batch is the most recently received, not yet delivered batch. An empty
	// batch is never buffered; batch == nil means a getMore is needed.
	batch        []bsoncore.Document
	currentBatch []bsoncore.Document

	limit       int32
	numReturned int32

	firstBatchEmpty      bool
	postBatchResumeToken bsoncore.Document
	operationTime        *bson.Timestamp

	err    error
	closed bool
}

// NewBatchCursor creates a new BatchCursor from the provided parsed command
// response. If the response describes a live server-side cursor, the cursor
// retains server until that resource is released; server must then be
// non-nil. The ctx is used only to release the server-side resource in the
// case that the first batch already satisfies the limit.
func NewBatchCursor(ctx context.Context, cr CursorResponse, server ConnectionSource, opts CursorOptions) (*BatchCursor, error) {
	if opts.BatchSize < 0 {
		return nil, errors.New("batch size cannot be negative")
	}

	limit := opts.Limit
	if limit < 0 {
		limit = -limit
	}

	bc := &BatchCursor{
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
	if bc.limit != 0 && int32(len(first)) > bc.limit {
		first = first[:bc.limit]
	}
	if len(first) > 0 {
		bc.batch = first
	}
	bc.numReturned = int32(len(first))

	if bc.id != 0 {
		if server == nil {
			return nil, errors.New("cursor id indicates a live server-side cursor, but no connection source was provided")
		}
		server.Retain()
		bc.server = server
		if bc.limitReached() {
			bc.killCursor(ctx)
		}
	}

	return bc, nil
}

// NewEmptyBatchCursor returns a batch cursor that is already exhausted.
func NewEmptyBatchCursor() *BatchCursor { return &BatchCursor{} }

// ID returns the cursor ID for this batch cursor.
func (bc *BatchCursor) ID() int64 { return bc.id }

// ServerCursor returns the handle of the live server-side cursor, or nil if
// no server-side resource exists.
func (bc *BatchCursor) ServerCursor() *ServerCursor {
	if bc.id == 0 {
		return nil
	}
	return &ServerCursor{ID: bc.id, Address: bc.addr}
}

// Address returns the address of the server the cursor was created against.
func (bc *BatchCursor) Address() address.Address { return bc.addr }

// Description returns the description of the server the cursor was created
// against.
func (bc *BatchCursor) Description() description.Server { return bc.desc }

// Next indicates if there is another batch available. If the current batch is
// empty but the server-side cursor is still live, as with tailable await
// cursors, Next issues getMore commands until a non-empty batch arrives, the
// stream ends, or ctx expires.
//
// If Next returns true, the batch is available through the Batch method.
func (bc *BatchCursor) Next(ctx context.Context) bool { return bc.next(ctx, true) }

// TryNext is like Next, except that it issues at most one getMore: an empty
// response leaves the cursor live and returns false with a nil error.
func (bc *BatchCursor) TryNext(ctx context.Context) bool { return bc.next(ctx, false) }

func (bc *BatchCursor) next(ctx context.Context, blocking bool) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	if bc.closed {
		bc.err = ErrCursorClosed
		return false
	}

	bc.currentBatch = nil

	for bc.batch == nil {
		if bc.limitReached() || bc.id == 0 || bc.err != nil {
			return false
		}
		if ctx.Err() != nil {
			bc.err = ctx.Err()
			return false
		}
		bc.getMore(ctx)
		if bc.err != nil {
			return false
		}
		if !blocking {
			break
		}
	}
	if bc.batch == nil {
		return false
	}

	bc.currentBatch = bc.batch
	bc.batch = nil
	return true
}

// Batch returns the most recent batch of documents. The returned slice is
// only valid until the next call to Next, TryNext, or Close.
func (bc *BatchCursor) Batch() []bsoncore.Document { return bc.currentBatch }

// Err returns the latest error encountered.
func (bc *BatchCursor) Err() error { return bc.err }

// Close closes this batch cursor. If a live server-side cursor exists, a
// best-effort killCursors is issued for it; killCursors failures are logged
// and swallowed. Close is idempotent.
func (bc *BatchCursor) Close(ctx context.Context) error {
	if bc.closed {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	bc.closed = true
	bc.killCursor(ctx)
	bc.batch = nil
	bc.currentBatch = nil
	return nil
}

// SetBatchSize sets the number of documents to request per getMore. Negative
// sizes are ignored.
func (bc *BatchCursor) SetBatchSize(size int32) {
	if size < 0 {
		return
	}
	bc.batchSize = size
}

// BatchSize returns the number of documents requested per getMore.
func (bc *BatchCursor) BatchSize() int32 { return bc.batchSize }

// SetMaxTime sets the amount of time the server will allow a getMore to wait
// for new documents on a tailable await cursor. Fractions of a millisecond
// are truncated.
func (bc *BatchCursor) SetMaxTime(dur time.Duration) { bc.maxTimeMS = int64(dur / time.Millisecond) }

// SetComment sets the comment attached to each getMore.
func (bc *BatchCursor) SetComment(comment bsoncore.Value) { bc.comment = comment }

// PostBatchResumeToken returns the most recent post-batch resume token
// provided by the server, or nil.
func (bc *BatchCursor) PostBatchResumeToken() bsoncore.Document { return bc.postBatchResumeToken }

// OperationTime returns the operation time from the most recent cursor
// response that carried one, or nil.
func (bc *BatchCursor) OperationTime() *bson.Timestamp { return bc.operationTime }

// FirstBatchEmpty returns true if the cursor's first batch contained no
// documents.
func (bc *BatchCursor) FirstBatchEmpty() bool { return bc.firstBatchEmpty }

// MaxWireVersion returns the wire version of the server the cursor was
// created against.
func (bc *BatchCursor) MaxWireVersion() int32 { return bc.desc.MaxWireVersion }

func (bc *BatchCursor) limitReached() bool {
	return bc.limit != 0 && bc.numReturned >= bc.limit
}

// calcGetMoreBatchSize calculates the number of documents to request in the
// next getMore, accounting for the limit. ok is false if the limit has
// already been reached, meaning no getMore should be issued at all.
func calcGetMoreBatchSize(bc BatchCursor) (int32, bool) {
	gmBatchSize := bc.batchSize

	// Account for legacy operations that don't support setting a limit.
	if bc.limit != 0 && bc.numReturned+bc.batchSize > bc.limit {
		gmBatchSize = bc.limit - bc.numReturned
		if gmBatchSize <= 0 {
			return gmBatchSize, false
		}
	}

	return gmBatchSize, true
}

func (bc *BatchCursor) getMore(ctx context.Context) {
	bc.batch = nil
	if bc.id == 0 {
		return
	}

	numToReturn, ok := calcGetMoreBatchSize(*bc)
	if !ok {
		bc.killCursor(ctx)
		return
	}

	conn, err := bc.server.Connection(ctx)
	if err != nil {
		// The server-side cursor is untouched; the caller may try again.
		bc.err = err
		return
	}

	response, err := conn.Command(ctx, bc.namespace.DB, getMoreCommand(bc.namespace, bc.id, numToReturn, bc.maxTimeMS, bc.comment))
	_ = conn.Close()
	if err != nil {
		// The state of the server-side cursor is unknown, so it cannot be
		// killed later. Release the route to the server now.
		bc.err = err
		bc.id = 0
		bc.releaseSource()
		return
	}

	cr, err := NewGetMoreResponse(response, bc.desc)
	if err != nil {
		bc.err = err
		bc.id = 0
		bc.releaseSource()
		return
	}

	bc.id = cr.ID
	bc.numReturned += int32(len(cr.Batch))
	if len(cr.Batch) > 0 {
		bc.batch = cr.Batch
	}
	if len(cr.PostBatchResumeToken) > 0 {
		bc.postBatchResumeToken = cr.PostBatchResumeToken
	}
	if cr.OperationTime != nil {
		bc.operationTime = cr.OperationTime
	}

	logger.Debugf("received batch of %d documents with cursorId %d from server %s", len(cr.Batch), cr.ID, bc.addr)

	if bc.id == 0 {
		bc.releaseSource()
	} else if bc.limitReached() {
		bc.killCursor(ctx)
	}
}

// killCursor releases the server-side cursor, if one exists, and then the
// connection source. Failures to reach the server are logged and swallowed;
// the client-side release happens regardless.
func (bc *BatchCursor) killCursor(ctx context.Context) {
	defer bc.releaseSource()

	if bc.id == 0 || bc.server == nil {
		return
	}
	id := bc.id
	bc.id = 0

	conn, err := bc.server.Connection(ctx)
	if err == nil {
		_, err = conn.Command(ctx, bc.namespace.DB, killCursorsCommand(bc.namespace, id))
		_ = conn.Close()
	}
	if err != nil {
		logger.Debugf("killCursors for cursorId %d on server %s failed: %v", id, bc.addr, err)
	}
}

func (bc *BatchCursor) releaseSource() {
	if bc.server != nil {
		bc.server.Release()
		bc.server = nil
	}
}
