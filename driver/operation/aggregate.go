// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package operation

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/mongodb-labs/mongo-go-cursor/driver"
)

// Aggregate performs an aggregate operation and returns a batch cursor over
// the resulting documents.
type Aggregate struct {
	ns         driver.Namespace
	deployment driver.Deployment
	async      driver.AsyncDeployment

	pipeline     []bsoncore.Document
	allowDiskUse bool
	batchSize    int32
	collation    bsoncore.Document
	maxTime      time.Duration
	maxAwaitTime time.Duration
	comment      bsoncore.Value
}

// NewAggregate constructs an aggregate operation for the given namespace and
// pipeline stages.
func NewAggregate(ns driver.Namespace, pipeline []bsoncore.Document) *Aggregate {
	return &Aggregate{ns: ns, pipeline: pipeline}
}

// Deployment sets the deployment to run the operation against.
func (a *Aggregate) Deployment(d driver.Deployment) *Aggregate { a.deployment = d; return a }

// AsyncDeployment sets the deployment ExecuteAsync runs the operation
// against.
func (a *Aggregate) AsyncDeployment(d driver.AsyncDeployment) *Aggregate { a.async = d; return a }

// AllowDiskUse enables writing to temporary files during the aggregation.
func (a *Aggregate) AllowDiskUse(allow bool) *Aggregate { a.allowDiskUse = allow; return a }

// BatchSize sets the number of documents to return in every batch.
func (a *Aggregate) BatchSize(size int32) *Aggregate { a.batchSize = size; return a }

// Collation sets the collation to use for string comparisons.
func (a *Aggregate) Collation(collation bsoncore.Document) *Aggregate {
	a.collation = collation
	return a
}

// MaxTime bounds the server-side execution time of the initial aggregate.
func (a *Aggregate) MaxTime(d time.Duration) *Aggregate { a.maxTime = d; return a }

// MaxAwaitTime bounds how long each getMore on a tailable await cursor waits
// for new documents. It only applies to $changeStream aggregations.
func (a *Aggregate) MaxAwaitTime(d time.Duration) *Aggregate { a.maxAwaitTime = d; return a }

// Comment attaches a comment to the aggregate and to every getMore issued
// for the resulting cursor.
func (a *Aggregate) Comment(comment bsoncore.Value) *Aggregate { a.comment = comment; return a }

func (a *Aggregate) command() bsoncore.Document {
	idx, cmd := bsoncore.AppendDocumentStart(nil)
	cmd = bsoncore.AppendStringElement(cmd, "aggregate", a.ns.Collection)

	aidx, cmd := bsoncore.AppendArrayElementStart(cmd, "pipeline")
	for i, stage := range a.pipeline {
		cmd = bsoncore.AppendDocumentElement(cmd, strconv.Itoa(i), stage)
	}
	cmd, _ = bsoncore.AppendArrayEnd(cmd, aidx)

	if a.allowDiskUse {
		cmd = bsoncore.AppendBooleanElement(cmd, "allowDiskUse", true)
	}
	if a.collation != nil {
		cmd = bsoncore.AppendDocumentElement(cmd, "collation", a.collation)
	}
	if a.maxTime > 0 {
		cmd = bsoncore.AppendInt64Element(cmd, "maxTimeMS", int64(a.maxTime/time.Millisecond))
	}
	if a.comment.Type != bsoncore.Type(0) {
		cmd = bsoncore.AppendValueElement(cmd, "comment", a.comment)
	}

	cidx, cmd := bsoncore.AppendDocumentElementStart(cmd, "cursor")
	if a.batchSize != 0 {
		cmd = bsoncore.AppendInt32Element(cmd, "batchSize", a.batchSize)
	}
	cmd, _ = bsoncore.AppendDocumentEnd(cmd, cidx)

	cmd, _ = bsoncore.AppendDocumentEnd(cmd, idx)
	return cmd
}

func (a *Aggregate) cursorOptions() driver.CursorOptions {
	return driver.CursorOptions{
		BatchSize: a.batchSize,
		MaxTimeMS: int64(a.maxAwaitTime / time.Millisecond),
		Comment:   a.comment,
	}
}

// Execute runs the aggregate and returns a batch cursor over the results.
func (a *Aggregate) Execute(ctx context.Context) (*driver.BatchCursor, error) {
	if a.deployment == nil {
		return nil, errors.New("the Aggregate operation must have a Deployment set before Execute can be called")
	}
	return executeCursorCommand(ctx, a.deployment, a.ns, a.command(), a.cursorOptions())
}

// ExecuteAsync runs the aggregate against the async deployment and delivers
// a callback-driven batch cursor over the results.
func (a *Aggregate) ExecuteAsync(ctx context.Context, cb func(*driver.AsyncBatchCursor, error)) {
	if a.async == nil {
		cb(nil, errors.New("the Aggregate operation must have an AsyncDeployment set before ExecuteAsync can be called"))
		return
	}
	executeCursorCommandAsync(ctx, a.async, a.ns, a.command(), a.cursorOptions(), cb)
}
