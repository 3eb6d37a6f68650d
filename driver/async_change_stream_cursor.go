// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"
	"sync"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"
)

// AsyncResumableOperation is the callback-driven counterpart of
// ResumableOperation.
type AsyncResumableOperation interface {
	SetResumeOptions(resumeToken bsoncore.Document, operationTime *bson.Timestamp, maxWireVersion int32)
	ExecuteAsync(ctx context.Context, cb func(*AsyncBatchCursor, error))
}

// AsyncChangeStreamBatchCursor is a callback-driven batch cursor over a
// change stream. When a call fails with a resumable error, the cursor makes
// exactly one attempt to recreate the underlying cursor before reporting the
// error to the callback.
type AsyncChangeStreamBatchCursor struct {
	op AsyncResumableOperation

	mu          sync.Mutex
	bc          *AsyncBatchCursor
	resumeToken bsoncore.Document
	closed      bool
}

// NewAsyncChangeStreamBatchCursor creates a resumable cursor over bc. The
// initial resume token is taken from the response's post-batch resume token,
// if any, or from the resumeAfter/startAfter option the stream was opened
// with.
func NewAsyncChangeStreamBatchCursor(bc *AsyncBatchCursor, op AsyncResumableOperation, initialToken bsoncore.Document) *AsyncChangeStreamBatchCursor {
	cs := &AsyncChangeStreamBatchCursor{bc: bc, op: op, resumeToken: initialToken}
	if pbrt := bc.PostBatchResumeToken(); len(pbrt) > 0 && bc.FirstBatchEmpty() {
		cs.resumeToken = pbrt
	}
	return cs
}

// ID returns the cursor ID of the underlying cursor.
func (cs *AsyncChangeStreamBatchCursor) ID() int64 {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.bc.ID()
}

// ResumeToken returns the token the stream would resume from, or nil if no
// token has been observed yet.
func (cs *AsyncChangeStreamBatchCursor) ResumeToken() bsoncore.Document {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.resumeToken
}

// Next delivers the next batch of change events to cb, blocking on the
// server while the underlying cursor is live. A resumable failure triggers a
// single attempt to recreate the cursor; if the retried call fails again,
// for any reason, that error is delivered.
func (cs *AsyncChangeStreamBatchCursor) Next(ctx context.Context, cb BatchCallback) {
	cs.next(ctx, true, cb)
}

// TryNext is like Next, except that each attempt issues at most one getMore.
func (cs *AsyncChangeStreamBatchCursor) TryNext(ctx context.Context, cb BatchCallback) {
	cs.next(ctx, false, cb)
}

func (cs *AsyncChangeStreamBatchCursor) next(ctx context.Context, blocking bool, cb BatchCallback) {
	if ctx == nil {
		ctx = context.Background()
	}

	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		cb(nil, ErrCursorClosed)
		return
	}
	bc := cs.bc
	cs.mu.Unlock()

	cs.advance(ctx, bc, blocking, func(batch []bsoncore.Document, err error) {
		if err == nil {
			cs.deliver(ctx, batch, cb)
			return
		}
		if !IsResumableChangeStreamError(err, bc.Description()) {
			cb(nil, err)
			return
		}
		cs.resume(ctx, bc, func(resumeErr error) {
			if resumeErr != nil {
				cb(nil, resumeErr)
				return
			}
			cs.mu.Lock()
			retried := cs.bc
			cs.mu.Unlock()
			cs.advance(ctx, retried, blocking, func(batch []bsoncore.Document, err error) {
				if err != nil {
					cb(nil, err)
					return
				}
				cs.deliver(ctx, batch, cb)
			})
		})
	})
}

func (cs *AsyncChangeStreamBatchCursor) advance(ctx context.Context, bc *AsyncBatchCursor, blocking bool, cb BatchCallback) {
	if blocking {
		bc.Next(ctx, cb)
		return
	}
	bc.TryNext(ctx, cb)
}

// deliver validates the freshly received batch, updates the resume token,
// and hands the batch to cb. Every change event carries its resume token in
// _id; a document without one makes resuming impossible, so the stream is
// closed.
func (cs *AsyncChangeStreamBatchCursor) deliver(ctx context.Context, batch []bsoncore.Document, cb BatchCallback) {
	cs.mu.Lock()
	for _, doc := range batch {
		tokenVal, err := doc.LookupErr("_id")
		if err != nil {
			cs.mu.Unlock()
			cs.Close(ctx)
			cb(nil, ErrMissingResumeToken)
			return
		}
		token, ok := tokenVal.DocumentOK()
		if !ok {
			cs.mu.Unlock()
			cs.Close(ctx)
			cb(nil, ErrMissingResumeToken)
			return
		}
		cs.resumeToken = token
	}
	if pbrt := cs.bc.PostBatchResumeToken(); len(pbrt) > 0 {
		cs.resumeToken = pbrt
	}
	cs.mu.Unlock()
	cb(batch, nil)
}

// resume makes a single attempt to recreate the underlying cursor. The old
// server-side cursor, whose state is unknown, is closed first.
func (cs *AsyncChangeStreamBatchCursor) resume(ctx context.Context, old *AsyncBatchCursor, cb func(error)) {
	cs.mu.Lock()
	token := cs.resumeToken
	opTime := old.OperationTime()
	desc := old.Description()
	cs.mu.Unlock()

	logger.Debugf("resuming change stream on namespace %s", old.namespace.FullName())
	old.Close(ctx)

	cs.op.SetResumeOptions(token, opTime, desc.MaxWireVersion)
	cs.op.ExecuteAsync(ctx, func(bc *AsyncBatchCursor, err error) {
		if err != nil {
			cb(err)
			return
		}
		cs.mu.Lock()
		cs.bc = bc
		if pbrt := bc.PostBatchResumeToken(); len(pbrt) > 0 && bc.FirstBatchEmpty() {
			cs.resumeToken = pbrt
		}
		closed := cs.closed
		cs.mu.Unlock()
		if closed {
			bc.Close(ctx)
			cb(ErrCursorClosed)
			return
		}
		cb(nil)
	})
}

// PostBatchResumeToken returns the most recent post-batch resume token
// provided by the server, or nil.
func (cs *AsyncChangeStreamBatchCursor) PostBatchResumeToken() bsoncore.Document {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.bc.PostBatchResumeToken()
}

// Close closes the underlying cursor. Close is idempotent.
func (cs *AsyncChangeStreamBatchCursor) Close(ctx context.Context) {
	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		return
	}
	cs.closed = true
	bc := cs.bc
	cs.mu.Unlock()
	bc.Close(ctx)
}
