// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"
)

// ResumableOperation is implemented by operations that can recreate a change
// stream cursor after a resumable failure. SetResumeOptions provides the
// state the recreated stream should resume from; Execute then reruns the
// aggregation and returns the replacement cursor.
type ResumableOperation interface {
	SetResumeOptions(resumeToken bsoncore.Document, operationTime *bson.Timestamp, maxWireVersion int32)
	Execute(ctx context.Context) (*BatchCursor, error)
}

// ChangeStreamBatchCursor is a batch cursor over a change stream. When a
// call fails with a resumable error, the cursor makes exactly one attempt
// to recreate the underlying cursor before reporting the error.
type ChangeStreamBatchCursor struct {
	bc *BatchCursor
	op ResumableOperation

	currentBatch []bsoncore.Document
	resumeToken  bsoncore.Document
	err          error
	closed       bool
}

// NewChangeStreamBatchCursor creates a resumable cursor over bc. The initial
// resume token is taken from the response's post-batch resume token, if any,
// or from the resumeAfter/startAfter option the stream was opened with.
func NewChangeStreamBatchCursor(bc *BatchCursor, op ResumableOperation, initialToken bsoncore.Document) *ChangeStreamBatchCursor {
	cs := &ChangeStreamBatchCursor{bc: bc, op: op, resumeToken: initialToken}
	if pbrt := bc.PostBatchResumeToken(); len(pbrt) > 0 && bc.FirstBatchEmpty() {
		cs.resumeToken = pbrt
	}
	return cs
}

// ID returns the cursor ID of the underlying cursor.
func (cs *ChangeStreamBatchCursor) ID() int64 { return cs.bc.ID() }

// ResumeToken returns the token the stream would resume from, or nil if no
// token has been observed yet.
func (cs *ChangeStreamBatchCursor) ResumeToken() bsoncore.Document { return cs.resumeToken }

// Next indicates if there is another batch of change events available,
// blocking on the server while the underlying cursor is live. A resumable
// failure triggers a single attempt to recreate the cursor; if the retried
// call fails again, for any reason, the error is reported through Err.
func (cs *ChangeStreamBatchCursor) Next(ctx context.Context) bool {
	return cs.next(ctx, func(ctx context.Context) bool { return cs.bc.Next(ctx) })
}

// TryNext is like Next, except that each attempt issues at most one getMore.
func (cs *ChangeStreamBatchCursor) TryNext(ctx context.Context) bool {
	return cs.next(ctx, func(ctx context.Context) bool { return cs.bc.TryNext(ctx) })
}

func (cs *ChangeStreamBatchCursor) next(ctx context.Context, advance func(context.Context) bool) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	if cs.closed {
		cs.err = ErrCursorClosed
		return false
	}
	cs.currentBatch = nil

	if advance(ctx) {
		return cs.consumeBatch(ctx)
	}
	err := cs.bc.Err()
	if err == nil {
		// An empty round trip can still move the resume position forward
		// through the post-batch resume token.
		cs.adoptPostBatchResumeToken()
		return false
	}
	if !IsResumableChangeStreamError(err, cs.bc.Description()) {
		cs.err = err
		return false
	}

	if cs.err = cs.resume(ctx); cs.err != nil {
		return false
	}
	if advance(ctx) {
		return cs.consumeBatch(ctx)
	}
	if cs.err = cs.bc.Err(); cs.err == nil {
		cs.adoptPostBatchResumeToken()
	}
	return false
}

// adoptPostBatchResumeToken moves the resume position to the server's
// post-batch resume token when one has been received.
func (cs *ChangeStreamBatchCursor) adoptPostBatchResumeToken() {
	if pbrt := cs.bc.PostBatchResumeToken(); len(pbrt) > 0 {
		cs.resumeToken = pbrt
	}
}

// consumeBatch validates the freshly received batch and updates the resume
// token. Every change event carries its resume token in _id; a document
// without one makes resuming impossible, so the stream is closed.
func (cs *ChangeStreamBatchCursor) consumeBatch(ctx context.Context) bool {
	batch := cs.bc.Batch()
	for _, doc := range batch {
		tokenVal, err := doc.LookupErr("_id")
		if err != nil {
			cs.err = ErrMissingResumeToken
			_ = cs.Close(ctx)
			return false
		}
		token, ok := tokenVal.DocumentOK()
		if !ok {
			cs.err = ErrMissingResumeToken
			_ = cs.Close(ctx)
			return false
		}
		cs.resumeToken = token
	}
	cs.adoptPostBatchResumeToken()
	cs.currentBatch = batch
	return true
}

// resume makes a single attempt to recreate the underlying cursor. The old
// server-side cursor, whose state is unknown, is killed on a best-effort
// basis first.
func (cs *ChangeStreamBatchCursor) resume(ctx context.Context) error {
	logger.Debugf("resuming change stream on namespace %s", cs.bc.namespace.FullName())

	_ = cs.bc.Close(ctx)

	cs.op.SetResumeOptions(cs.resumeToken, cs.bc.OperationTime(), cs.bc.Description().MaxWireVersion)
	bc, err := cs.op.Execute(ctx)
	if err != nil {
		return err
	}
	cs.bc = bc
	if pbrt := bc.PostBatchResumeToken(); len(pbrt) > 0 && bc.FirstBatchEmpty() {
		cs.resumeToken = pbrt
	}
	return nil
}

// Batch returns the most recent batch of change events. The returned slice
// is only valid until the next call to Next, TryNext, or Close.
func (cs *ChangeStreamBatchCursor) Batch() []bsoncore.Document { return cs.currentBatch }

// Err returns the latest error encountered.
func (cs *ChangeStreamBatchCursor) Err() error {
	if cs.err != nil {
		return cs.err
	}
	return cs.bc.Err()
}

// Close closes the underlying cursor. Close is idempotent.
func (cs *ChangeStreamBatchCursor) Close(ctx context.Context) error {
	if cs.closed {
		return nil
	}
	cs.closed = true
	cs.currentBatch = nil
	return cs.bc.Close(ctx)
}

// PostBatchResumeToken returns the most recent post-batch resume token
// provided by the server, or nil.
func (cs *ChangeStreamBatchCursor) PostBatchResumeToken() bsoncore.Document {
	return cs.bc.PostBatchResumeToken()
}

// SetBatchSize sets the number of documents to request per getMore.
func (cs *ChangeStreamBatchCursor) SetBatchSize(size int32) { cs.bc.SetBatchSize(size) }

// SetMaxTime sets the amount of time the server will allow a getMore to wait
// for new change events.
func (cs *ChangeStreamBatchCursor) SetMaxTime(dur time.Duration) { cs.bc.SetMaxTime(dur) }
