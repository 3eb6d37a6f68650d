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

// Cursor is used to iterate a stream of documents. Each document is decoded
// into the result according to the rules of the bson package.
//
// A typical usage of the Cursor type would be:
//
//	var cur *Cursor
//	ctx := context.Background()
//	defer cur.Close(ctx)
//
//	for cur.Next(ctx) {
//		elem := &bson.D{}
//		if err := cur.Decode(elem); err != nil {
//			log.Fatal(err)
//		}
//
//		// do something with elem....
//	}
//
//	if err := cur.Err(); err != nil {
//		log.Fatal(err)
//	}
type Cursor struct {
	// Current contains the BSON bytes of the current change document. This
	// property is only valid until the next call to Next or TryNext.
	Current bsoncore.Document

	bc    batchCursor
	batch []bsoncore.Document
	pos   int

	err error
}

// NewCursor creates a Cursor over the provided batch cursor.
func NewCursor(bc batchCursor) (*Cursor, error) {
	if bc == nil {
		return nil, errors.New("batch cursor must not be nil")
	}
	return &Cursor{bc: bc}, nil
}

// NewEmptyCursor creates a Cursor with no results.
func NewEmptyCursor() *Cursor {
	return &Cursor{bc: driver.NewEmptyBatchCursor()}
}

// ID returns the ID of this cursor, or 0 if the cursor has been closed or
// exhausted.
func (c *Cursor) ID() int64 { return c.bc.ID() }

// Next gets the next document for this cursor. It returns true if there were
// no errors and the cursor has not been exhausted.
//
// Next blocks until a document is available, an error occurs, or ctx expires.
// If ctx expires, the error will be set to ctx.Err(). In an error case, Next
// will return false.
func (c *Cursor) Next(ctx context.Context) bool {
	return c.next(ctx, false)
}

// TryNext attempts to get the next document for this cursor. It returns true
// if there were no errors and the next document is available. This is only
// recommended for use with tailable cursors as a non-blocking alternative to
// Next.
func (c *Cursor) TryNext(ctx context.Context) bool {
	return c.next(ctx, true)
}

func (c *Cursor) next(ctx context.Context, nonBlocking bool) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.pos < len(c.batch) {
		c.Current = c.batch[c.pos]
		c.pos++
		return true
	}

	c.batch = nil
	c.pos = 0
	c.Current = nil

	// Call the batch cursor in a loop until at least one document arrives,
	// the stream ends, or the context expires.
	for {
		var ok bool
		if nonBlocking {
			ok = c.bc.TryNext(ctx)
		} else {
			ok = c.bc.Next(ctx)
		}
		if !ok {
			c.err = c.bc.Err()
			return false
		}

		batch := c.bc.Batch()
		if len(batch) > 0 {
			c.batch = batch
			c.Current = batch[0]
			c.pos = 1
			return true
		}
		if nonBlocking || c.bc.ID() == 0 {
			return false
		}
		if ctx.Err() != nil {
			c.err = ctx.Err()
			return false
		}
	}
}

// Decode decodes the current document into val.
func (c *Cursor) Decode(val interface{}) error {
	return bson.Unmarshal(c.Current, val)
}

// Err returns the last error seen by the Cursor, or nil if no error has
// occurred.
func (c *Cursor) Err() error { return c.err }

// Close closes this cursor. Next and TryNext must not be called after Close
// has been called.
func (c *Cursor) Close(ctx context.Context) error { return c.bc.Close(ctx) }

// RemainingBatchLength returns the number of documents left in the current
// batch. If this returns zero, the subsequent call to Next or TryNext will
// do a round trip to the server.
func (c *Cursor) RemainingBatchLength() int { return len(c.batch) - c.pos }
