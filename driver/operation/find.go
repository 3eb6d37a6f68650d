// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package operation contains the command builders the cursor machinery needs
// end-to-end: find and aggregate to create cursors, changeStream to create
// and resume change streams, and killCursors to discard them.
package operation

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/mongodb-labs/mongo-go-cursor/driver"
)

// Find performs a find operation and returns a batch cursor over the
// matching documents.
type Find struct {
	ns         driver.Namespace
	deployment driver.Deployment
	async      driver.AsyncDeployment

	filter       bsoncore.Document
	sort         bsoncore.Document
	projection   bsoncore.Document
	skip         int64
	limit        int32
	batchSize    int32
	singleBatch  bool
	tailable     bool
	awaitData    bool
	maxTime      time.Duration
	maxAwaitTime time.Duration
	comment      bsoncore.Value
}

// NewFind constructs a find operation for the given namespace and filter.
func NewFind(ns driver.Namespace, filter bsoncore.Document) *Find {
	return &Find{ns: ns, filter: filter}
}

// Deployment sets the deployment to run the operation against.
func (f *Find) Deployment(d driver.Deployment) *Find { f.deployment = d; return f }

// AsyncDeployment sets the deployment ExecuteAsync runs the operation
// against.
func (f *Find) AsyncDeployment(d driver.AsyncDeployment) *Find { f.async = d; return f }

// Sort sets the order in which to return matching documents.
func (f *Find) Sort(sort bsoncore.Document) *Find { f.sort = sort; return f }

// Projection limits the fields returned for matching documents.
func (f *Find) Projection(projection bsoncore.Document) *Find { f.projection = projection; return f }

// Skip sets the number of documents to skip before returning.
func (f *Find) Skip(skip int64) *Find { f.skip = skip; return f }

// Limit sets a limit on the number of documents to return. A negative limit
// requests a single batch of at most |limit| documents.
func (f *Find) Limit(limit int32) *Find { f.limit = limit; return f }

// BatchSize sets the number of documents to return in every batch.
func (f *Find) BatchSize(size int32) *Find { f.batchSize = size; return f }

// SingleBatch requests that the server close the cursor after the first
// batch.
func (f *Find) SingleBatch(singleBatch bool) *Find { f.singleBatch = singleBatch; return f }

// Tailable keeps the cursor open on a capped collection after the initial
// results are exhausted.
func (f *Find) Tailable(tailable bool) *Find { f.tailable = tailable; return f }

// AwaitData makes getMore on a tailable cursor block for new documents
// rather than return an empty batch immediately.
func (f *Find) AwaitData(awaitData bool) *Find { f.awaitData = awaitData; return f }

// MaxTime bounds the server-side execution time of the initial find.
func (f *Find) MaxTime(d time.Duration) *Find { f.maxTime = d; return f }

// MaxAwaitTime bounds how long each getMore on a tailable await cursor waits
// for new documents.
func (f *Find) MaxAwaitTime(d time.Duration) *Find { f.maxAwaitTime = d; return f }

// Comment attaches a comment to the find and to every getMore issued for the
// resulting cursor.
func (f *Find) Comment(comment bsoncore.Value) *Find { f.comment = comment; return f }

func (f *Find) command() bsoncore.Document {
	idx, cmd := bsoncore.AppendDocumentStart(nil)
	cmd = bsoncore.AppendStringElement(cmd, "find", f.ns.Collection)
	if f.filter != nil {
		cmd = bsoncore.AppendDocumentElement(cmd, "filter", f.filter)
	}
	if f.sort != nil {
		cmd = bsoncore.AppendDocumentElement(cmd, "sort", f.sort)
	}
	if f.projection != nil {
		cmd = bsoncore.AppendDocumentElement(cmd, "projection", f.projection)
	}
	if f.skip != 0 {
		cmd = bsoncore.AppendInt64Element(cmd, "skip", f.skip)
	}
	if f.limit != 0 {
		limit := f.limit
		if limit < 0 {
			limit = -limit
		}
		cmd = bsoncore.AppendInt64Element(cmd, "limit", int64(limit))
	}
	if f.limit < 0 || f.singleBatch {
		cmd = bsoncore.AppendBooleanElement(cmd, "singleBatch", true)
	}
	if f.batchSize != 0 {
		cmd = bsoncore.AppendInt32Element(cmd, "batchSize", f.batchSize)
	}
	if f.tailable {
		cmd = bsoncore.AppendBooleanElement(cmd, "tailable", true)
	}
	if f.awaitData {
		cmd = bsoncore.AppendBooleanElement(cmd, "awaitData", true)
	}
	if f.maxTime > 0 {
		cmd = bsoncore.AppendInt64Element(cmd, "maxTimeMS", int64(f.maxTime/time.Millisecond))
	}
	if f.comment.Type != bsoncore.Type(0) {
		cmd = bsoncore.AppendValueElement(cmd, "comment", f.comment)
	}
	cmd, _ = bsoncore.AppendDocumentEnd(cmd, idx)
	return cmd
}

func (f *Find) cursorOptions() driver.CursorOptions {
	opts := driver.CursorOptions{
		BatchSize: f.batchSize,
		Limit:     f.limit,
		Tailable:  f.tailable,
		AwaitData: f.awaitData,
		Comment:   f.comment,
	}
	if f.tailable && f.awaitData {
		opts.MaxTimeMS = int64(f.maxAwaitTime / time.Millisecond)
	}
	return opts
}

// Execute runs the find and returns a batch cursor over the results.
func (f *Find) Execute(ctx context.Context) (*driver.BatchCursor, error) {
	if f.deployment == nil {
		return nil, errors.New("the Find operation must have a Deployment set before Execute can be called")
	}
	return executeCursorCommand(ctx, f.deployment, f.ns, f.command(), f.cursorOptions())
}

// ExecuteAsync runs the find against the async deployment and delivers a
// callback-driven batch cursor over the results.
func (f *Find) ExecuteAsync(ctx context.Context, cb func(*driver.AsyncBatchCursor, error)) {
	if f.async == nil {
		cb(nil, errors.New("the Find operation must have an AsyncDeployment set before ExecuteAsync can be called"))
		return
	}
	executeCursorCommandAsync(ctx, f.async, f.ns, f.command(), f.cursorOptions(), cb)
}
