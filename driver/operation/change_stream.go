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
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/mongodb-labs/mongo-go-cursor/driver"
)

// ChangeStream performs the aggregation that opens a change stream and
// returns a resumable batch cursor over the change events. The operation is
// retained by the cursor it creates: on a resumable failure the cursor
// adjusts the resume options and executes the operation again.
type ChangeStream struct {
	ns         driver.Namespace
	deployment driver.Deployment
	async      driver.AsyncDeployment

	pipeline                 []bsoncore.Document
	fullDocument             string
	fullDocumentBeforeChange string
	resumeAfter              bsoncore.Document
	startAfter               bsoncore.Document
	startAtOperationTime     *bson.Timestamp
	allChangesForCluster     bool
	batchSize                int32
	collation                bsoncore.Document
	maxAwaitTime             time.Duration
	comment                  bsoncore.Value
}

// NewChangeStream constructs a change stream operation for the given
// namespace and additional pipeline stages.
func NewChangeStream(ns driver.Namespace, pipeline []bsoncore.Document) *ChangeStream {
	return &ChangeStream{ns: ns, pipeline: pipeline}
}

// Deployment sets the deployment to run the operation against.
func (cs *ChangeStream) Deployment(d driver.Deployment) *ChangeStream {
	cs.deployment = d
	return cs
}

// AsyncDeployment sets the deployment ExecuteAsync runs the operation
// against.
func (cs *ChangeStream) AsyncDeployment(d driver.AsyncDeployment) *ChangeStream {
	cs.async = d
	return cs
}

// FullDocument sets how the post-image of an updated document is delivered.
func (cs *ChangeStream) FullDocument(fd string) *ChangeStream { cs.fullDocument = fd; return cs }

// FullDocumentBeforeChange sets how the pre-image of a changed document is
// delivered.
func (cs *ChangeStream) FullDocumentBeforeChange(fd string) *ChangeStream {
	cs.fullDocumentBeforeChange = fd
	return cs
}

// ResumeAfter opens the stream after the event identified by the given
// resume token.
func (cs *ChangeStream) ResumeAfter(token bsoncore.Document) *ChangeStream {
	cs.resumeAfter = token
	return cs
}

// StartAfter opens the stream after the event identified by the given resume
// token, allowed even when that event is an invalidate.
func (cs *ChangeStream) StartAfter(token bsoncore.Document) *ChangeStream {
	cs.startAfter = token
	return cs
}

// StartAtOperationTime opens the stream at the given cluster time.
func (cs *ChangeStream) StartAtOperationTime(t *bson.Timestamp) *ChangeStream {
	cs.startAtOperationTime = t
	return cs
}

// AllChangesForCluster widens the stream to every namespace in the cluster.
func (cs *ChangeStream) AllChangesForCluster(all bool) *ChangeStream {
	cs.allChangesForCluster = all
	return cs
}

// BatchSize sets the number of change events to return in every batch.
func (cs *ChangeStream) BatchSize(size int32) *ChangeStream { cs.batchSize = size; return cs }

// Collation sets the collation to use for string comparisons.
func (cs *ChangeStream) Collation(collation bsoncore.Document) *ChangeStream {
	cs.collation = collation
	return cs
}

// MaxAwaitTime bounds how long each getMore waits for new change events.
func (cs *ChangeStream) MaxAwaitTime(d time.Duration) *ChangeStream {
	cs.maxAwaitTime = d
	return cs
}

// Comment attaches a comment to the aggregate and to every getMore issued
// for the resulting cursor.
func (cs *ChangeStream) Comment(comment bsoncore.Value) *ChangeStream { cs.comment = comment; return cs }

// SetResumeOptions rewrites the stream's starting point so that executing the
// operation again continues from where a failed stream left off. A cached
// resume token takes precedence; without one the stream restarts at the last
// observed operation time, provided the server supports it.
func (cs *ChangeStream) SetResumeOptions(resumeToken bsoncore.Document, operationTime *bson.Timestamp, maxWireVersion int32) {
	if len(resumeToken) > 0 {
		cs.resumeAfter = resumeToken
		cs.startAfter = nil
		cs.startAtOperationTime = nil
		return
	}
	if operationTime != nil && maxWireVersion >= 7 {
		cs.resumeAfter = nil
		cs.startAfter = nil
		cs.startAtOperationTime = operationTime
		return
	}
	cs.resumeAfter = nil
	cs.startAfter = nil
	cs.startAtOperationTime = nil
}

func (cs *ChangeStream) changeStreamStage() bsoncore.Document {
	idx, stage := bsoncore.AppendDocumentStart(nil)
	didx, stage := bsoncore.AppendDocumentElementStart(stage, "$changeStream")
	if cs.allChangesForCluster {
		stage = bsoncore.AppendBooleanElement(stage, "allChangesForCluster", true)
	}
	if cs.fullDocument != "" {
		stage = bsoncore.AppendStringElement(stage, "fullDocument", cs.fullDocument)
	}
	if cs.fullDocumentBeforeChange != "" {
		stage = bsoncore.AppendStringElement(stage, "fullDocumentBeforeChange", cs.fullDocumentBeforeChange)
	}
	if cs.resumeAfter != nil {
		stage = bsoncore.AppendDocumentElement(stage, "resumeAfter", cs.resumeAfter)
	}
	if cs.startAfter != nil {
		stage = bsoncore.AppendDocumentElement(stage, "startAfter", cs.startAfter)
	}
	if cs.startAtOperationTime != nil {
		stage = bsoncore.AppendTimestampElement(stage, "startAtOperationTime", cs.startAtOperationTime.T, cs.startAtOperationTime.I)
	}
	stage, _ = bsoncore.AppendDocumentEnd(stage, didx)
	stage, _ = bsoncore.AppendDocumentEnd(stage, idx)
	return stage
}

func (cs *ChangeStream) command() bsoncore.Document {
	idx, cmd := bsoncore.AppendDocumentStart(nil)
	if cs.allChangesForCluster {
		cmd = bsoncore.AppendInt32Element(cmd, "aggregate", 1)
	} else {
		cmd = bsoncore.AppendStringElement(cmd, "aggregate", cs.ns.Collection)
	}

	aidx, cmd := bsoncore.AppendArrayElementStart(cmd, "pipeline")
	cmd = bsoncore.AppendDocumentElement(cmd, "0", cs.changeStreamStage())
	for i, stage := range cs.pipeline {
		cmd = bsoncore.AppendDocumentElement(cmd, strconv.Itoa(i+1), stage)
	}
	cmd, _ = bsoncore.AppendArrayEnd(cmd, aidx)

	if cs.collation != nil {
		cmd = bsoncore.AppendDocumentElement(cmd, "collation", cs.collation)
	}
	if cs.comment.Type != bsoncore.Type(0) {
		cmd = bsoncore.AppendValueElement(cmd, "comment", cs.comment)
	}

	cidx, cmd := bsoncore.AppendDocumentElementStart(cmd, "cursor")
	if cs.batchSize != 0 {
		cmd = bsoncore.AppendInt32Element(cmd, "batchSize", cs.batchSize)
	}
	cmd, _ = bsoncore.AppendDocumentEnd(cmd, cidx)

	cmd, _ = bsoncore.AppendDocumentEnd(cmd, idx)
	return cmd
}

func (cs *ChangeStream) cursorOptions() driver.CursorOptions {
	return driver.CursorOptions{
		BatchSize: cs.batchSize,
		MaxTimeMS: int64(cs.maxAwaitTime / time.Millisecond),
		Tailable:  true,
		AwaitData: true,
		Comment:   cs.comment,
	}
}

// initialResumeToken is the position the stream starts from, used as the
// resume position until the first event or post-batch token is observed.
func (cs *ChangeStream) initialResumeToken() bsoncore.Document {
	if cs.startAfter != nil {
		return cs.startAfter
	}
	return cs.resumeAfter
}

// Execute runs the aggregation and returns the raw batch cursor over the
// change events. Most callers want CreateCursor instead, which wraps the
// result with resume handling.
func (cs *ChangeStream) Execute(ctx context.Context) (*driver.BatchCursor, error) {
	if cs.deployment == nil {
		return nil, errors.New("the ChangeStream operation must have a Deployment set before Execute can be called")
	}
	return executeCursorCommand(ctx, cs.deployment, cs.ns, cs.command(), cs.cursorOptions())
}

// CreateCursor opens the change stream and returns a resumable batch cursor
// over it.
func (cs *ChangeStream) CreateCursor(ctx context.Context) (*driver.ChangeStreamBatchCursor, error) {
	bc, err := cs.Execute(ctx)
	if err != nil {
		return nil, err
	}
	return driver.NewChangeStreamBatchCursor(bc, cs, cs.initialResumeToken()), nil
}

// ExecuteAsync runs the aggregation against the async deployment and
// delivers the raw callback-driven batch cursor over the change events.
func (cs *ChangeStream) ExecuteAsync(ctx context.Context, cb func(*driver.AsyncBatchCursor, error)) {
	if cs.async == nil {
		cb(nil, errors.New("the ChangeStream operation must have an AsyncDeployment set before ExecuteAsync can be called"))
		return
	}
	executeCursorCommandAsync(ctx, cs.async, cs.ns, cs.command(), cs.cursorOptions(), cb)
}

// CreateCursorAsync opens the change stream and delivers a resumable
// callback-driven batch cursor over it.
func (cs *ChangeStream) CreateCursorAsync(ctx context.Context, cb func(*driver.AsyncChangeStreamBatchCursor, error)) {
	cs.ExecuteAsync(ctx, func(abc *driver.AsyncBatchCursor, err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		cb(driver.NewAsyncChangeStreamBatchCursor(abc, cs, cs.initialResumeToken()), nil)
	})
}
