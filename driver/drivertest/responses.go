// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package drivertest

import (
	"strconv"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"
)

// CursorReply describes a cursor-shaped command response to script on a
// Conn.
type CursorReply struct {
	NS        string
	ID        int64
	NextBatch bool
	Batch     []bsoncore.Document

	PostBatchResumeToken bsoncore.Document
	OperationTime        *bson.Timestamp
}

// Build renders the reply as the server would send it.
func (r CursorReply) Build() bsoncore.Document {
	batchKey := "firstBatch"
	if r.NextBatch {
		batchKey = "nextBatch"
	}

	idx, doc := bsoncore.AppendDocumentStart(nil)
	cidx, doc := bsoncore.AppendDocumentElementStart(doc, "cursor")
	doc = bsoncore.AppendInt64Element(doc, "id", r.ID)
	doc = bsoncore.AppendStringElement(doc, "ns", r.NS)

	bidx, doc := bsoncore.AppendArrayElementStart(doc, batchKey)
	for i, d := range r.Batch {
		doc = bsoncore.AppendDocumentElement(doc, strconv.Itoa(i), d)
	}
	doc, _ = bsoncore.AppendArrayEnd(doc, bidx)

	if r.PostBatchResumeToken != nil {
		doc = bsoncore.AppendDocumentElement(doc, "postBatchResumeToken", r.PostBatchResumeToken)
	}
	doc, _ = bsoncore.AppendDocumentEnd(doc, cidx)

	if r.OperationTime != nil {
		doc = bsoncore.AppendTimestampElement(doc, "operationTime", r.OperationTime.T, r.OperationTime.I)
	}
	doc = bsoncore.AppendDoubleElement(doc, "ok", 1)
	doc, _ = bsoncore.AppendDocumentEnd(doc, idx)
	return doc
}

// FirstBatchResponse builds a response to a cursor-creating command.
func FirstBatchResponse(ns string, id int64, batch ...bsoncore.Document) bsoncore.Document {
	return CursorReply{NS: ns, ID: id, Batch: batch}.Build()
}

// NextBatchResponse builds a response to a getMore.
func NextBatchResponse(ns string, id int64, batch ...bsoncore.Document) bsoncore.Document {
	return CursorReply{NS: ns, ID: id, NextBatch: true, Batch: batch}.Build()
}

// OKResponse builds a bare {ok: 1} response, as killCursors replies are
// treated in tests.
func OKResponse() bsoncore.Document {
	idx, doc := bsoncore.AppendDocumentStart(nil)
	doc = bsoncore.AppendDoubleElement(doc, "ok", 1)
	doc, _ = bsoncore.AppendDocumentEnd(doc, idx)
	return doc
}
