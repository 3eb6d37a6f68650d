// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package mongo

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"
)

// batchCursor is the interface implemented by types that can provide batches
// of document results. The Cursor type is built on top of this type.
type batchCursor interface {
	// ID returns the ID of the cursor.
	ID() int64

	// Next returns true if there is a batch available.
	Next(context.Context) bool

	// TryNext is like Next, but issues at most one attempt against the
	// server.
	TryNext(context.Context) bool

	// Batch returns the current batch of documents. The returned slice is
	// only valid until the next call to Next, TryNext, or Close.
	Batch() []bsoncore.Document

	// Err returns the last error encountered.
	Err() error

	// Close closes the cursor.
	Close(context.Context) error
}
