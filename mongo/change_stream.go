// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package mongo

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/mongodb-labs/mongo-go-cursor/driver"
)

// ChangeStream is used to iterate over a stream of change events. Resume
// handling lives in the underlying cursor; this type tracks the resume
// position at document granularity so that a consumer observing ResumeToken
// after each event sees exactly the position that event corresponds to.
type ChangeStream struct {
	// Current contains the BSON bytes of the current change event. This
	// property is only valid until the next call to Next or TryNext.
	Current bsoncore.Document

	cursor *driver.ChangeStreamBatchCursor

	batch       []bsoncore.Document
	pos         int
	resumeToken bsoncore.Document

	err error
}

// NewChangeStream creates a ChangeStream over the provided resumable batch
// cursor.
func NewChangeStream(cursor *driver.ChangeStreamBatchCursor) (*ChangeStream, error) {
	if cursor == nil {
		return nil, errors.New("change stream cursor must not be nil")
	}
	return &ChangeStream{cursor: cursor, resumeToken: cursor.ResumeToken()}, nil
}

// ID returns the ID for this change stream, or 0 if the cursor has been
// closed or exhausted.
func (cs *ChangeStream) ID() int64 { return cs.cursor.ID() }

// ResumeToken returns the last cached resume token for this change stream,
// or nil if a resume token has not been stored.
func (cs *ChangeStream) ResumeToken() bson.Raw { return bson.Raw(cs.resumeToken) }

// Next gets the next event for this change stream. It returns true if there
// were no errors and the next event is available.
//
// Next blocks until an event is available, an error occurs, or ctx expires.
func (cs *ChangeStream) Next(ctx context.Context) bool {
	return cs.next(ctx, false)
}

// TryNext attempts to get the next event for this change stream. It returns
// true if there were no errors and the next event is available. A round trip
// that surfaces no new events returns false with a nil Err and leaves the
// stream open.
func (cs *ChangeStream) TryNext(ctx context.Context) bool {
	return cs.next(ctx, true)
}

func (cs *ChangeStream) next(ctx context.Context, nonBlocking bool) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	if cs.pos < len(cs.batch) {
		return cs.deliver()
	}

	cs.batch = nil
	cs.pos = 0
	cs.Current = nil

	for {
		var ok bool
		if nonBlocking {
			ok = cs.cursor.TryNext(ctx)
		} else {
			ok = cs.cursor.Next(ctx)
		}
		if !ok {
			if cs.err = cs.cursor.Err(); cs.err == nil {
				// An idle round trip may still have advanced the resume
				// position through the post-batch resume token.
				if token := cs.cursor.ResumeToken(); len(token) > 0 {
					cs.resumeToken = token
				}
			}
			return false
		}

		if batch := cs.cursor.Batch(); len(batch) > 0 {
			cs.batch = batch
			return cs.deliver()
		}
		if nonBlocking || cs.cursor.ID() == 0 {
			return false
		}
		if ctx.Err() != nil {
			cs.err = ctx.Err()
			return false
		}
	}
}

// deliver hands out the next buffered event, caching its resume token first.
// When the event is the last of its batch, the server's post-batch resume
// token, if any, supersedes the event's own token.
func (cs *ChangeStream) deliver() bool {
	doc := cs.batch[cs.pos]
	cs.pos++

	tokenVal, err := doc.LookupErr("_id")
	if err != nil {
		cs.err = driver.ErrMissingResumeToken
		_ = cs.Close(context.Background())
		return false
	}
	token, ok := tokenVal.DocumentOK()
	if !ok {
		cs.err = driver.ErrMissingResumeToken
		_ = cs.Close(context.Background())
		return false
	}
	cs.resumeToken = token

	if cs.pos == len(cs.batch) {
		if pbrt := cs.cursor.PostBatchResumeToken(); len(pbrt) > 0 {
			cs.resumeToken = pbrt
		}
	}

	cs.Current = doc
	return true
}

// Decode decodes the current event into val.
func (cs *ChangeStream) Decode(val interface{}) error {
	return bson.Unmarshal(cs.Current, val)
}

// Err returns the last error seen by the change stream, or nil if no error
// has occurred.
func (cs *ChangeStream) Err() error { return cs.err }

// Close closes this change stream and the underlying cursor.
func (cs *ChangeStream) Close(ctx context.Context) error { return cs.cursor.Close(ctx) }
