// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/mongodb-labs/mongo-go-cursor/address"
	"github.com/mongodb-labs/mongo-go-cursor/description"
)

// The drivertest package cannot be used from these tests because it imports
// this package, so the scaffolding below mirrors it locally.

var testAddr = address.Address("localhost:27017")

func testServerDesc(wireVersion int32) description.Server {
	return description.Server{Addr: testAddr, MaxWireVersion: wireVersion}
}

type scriptedReply struct {
	response bsoncore.Document
	err      error
}

// scriptConn replays queued replies in order and records every command it
// executes.
type scriptConn struct {
	desc description.Server

	mu       sync.Mutex
	replies  []scriptedReply
	commands []bsoncore.Document
}

func newScriptConn(wireVersion int32) *scriptConn {
	return &scriptConn{desc: testServerDesc(wireVersion)}
}

func (c *scriptConn) addResponse(response bsoncore.Document) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies = append(c.replies, scriptedReply{response: response})
}

func (c *scriptConn) addError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies = append(c.replies, scriptedReply{err: err})
}

func (c *scriptConn) Command(_ context.Context, _ string, cmd bsoncore.Document) (bsoncore.Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands = append(c.commands, cmd)
	if len(c.replies) == 0 {
		return nil, errors.New("no scripted reply available")
	}
	next := c.replies[0]
	c.replies = c.replies[1:]
	return next.response, next.err
}

func (c *scriptConn) commandNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.commands))
	for _, cmd := range c.commands {
		elems, err := cmd.Elements()
		if err != nil || len(elems) == 0 {
			names = append(names, "")
			continue
		}
		names = append(names, elems[0].Key())
	}
	return names
}

func (c *scriptConn) lastCommand() bsoncore.Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.commands) == 0 {
		return nil
	}
	return c.commands[len(c.commands)-1]
}

func (c *scriptConn) Description() description.Server { return c.desc }
func (c *scriptConn) Address() address.Address        { return c.desc.Addr }
func (c *scriptConn) Close() error                    { return nil }

// countingSource hands out a single connection and counts retains and
// releases.
type countingSource struct {
	conn    Connection
	connErr error

	mu       sync.Mutex
	retained int
	released int
}

func (s *countingSource) Connection(context.Context) (Connection, error) {
	if s.connErr != nil {
		return nil, s.connErr
	}
	return s.conn, nil
}

func (s *countingSource) Retain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retained++
}

func (s *countingSource) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released++
}

func (s *countingSource) counts() (retained, released int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retained, s.released
}

// asyncScriptConn adapts scriptConn to the callback contract; callbacks run
// synchronously so tests stay deterministic.
type asyncScriptConn struct {
	*scriptConn
}

func (c *asyncScriptConn) CommandAsync(ctx context.Context, db string, cmd bsoncore.Document, cb CommandCallback) {
	cb(c.Command(ctx, db, cmd))
}

// asyncCountingSource is countingSource for the callback contract.
type asyncCountingSource struct {
	conn    AsyncConnection
	connErr error

	mu       sync.Mutex
	retained int
	released int
}

func (s *asyncCountingSource) GetConnection(_ context.Context, cb func(AsyncConnection, error)) {
	if s.connErr != nil {
		cb(nil, s.connErr)
		return
	}
	cb(s.conn, nil)
}

func (s *asyncCountingSource) Retain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retained++
}

func (s *asyncCountingSource) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released++
}

func (s *asyncCountingSource) counts() (retained, released int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retained, s.released
}

func testDoc(i int) bsoncore.Document {
	return bsoncore.NewDocumentBuilder().AppendInt32("x", int32(i)).Build()
}

func testDocs(is ...int) []bsoncore.Document {
	docs := make([]bsoncore.Document, 0, len(is))
	for _, i := range is {
		docs = append(docs, testDoc(i))
	}
	return docs
}

type cursorReply struct {
	ns        string
	id        int64
	nextBatch bool
	batch     []bsoncore.Document

	pbrt   bsoncore.Document
	opTime *bson.Timestamp
}

func (r cursorReply) build() bsoncore.Document {
	batchKey := "firstBatch"
	if r.nextBatch {
		batchKey = "nextBatch"
	}
	ns := r.ns
	if ns == "" {
		ns = "foo.bar"
	}

	idx, doc := bsoncore.AppendDocumentStart(nil)
	cidx, doc := bsoncore.AppendDocumentElementStart(doc, "cursor")
	doc = bsoncore.AppendInt64Element(doc, "id", r.id)
	doc = bsoncore.AppendStringElement(doc, "ns", ns)
	bidx, doc := bsoncore.AppendArrayElementStart(doc, batchKey)
	for i, d := range r.batch {
		doc = bsoncore.AppendDocumentElement(doc, strconv.Itoa(i), d)
	}
	doc, _ = bsoncore.AppendArrayEnd(doc, bidx)
	if r.pbrt != nil {
		doc = bsoncore.AppendDocumentElement(doc, "postBatchResumeToken", r.pbrt)
	}
	doc, _ = bsoncore.AppendDocumentEnd(doc, cidx)
	if r.opTime != nil {
		doc = bsoncore.AppendTimestampElement(doc, "operationTime", r.opTime.T, r.opTime.I)
	}
	doc = bsoncore.AppendDoubleElement(doc, "ok", 1)
	doc, _ = bsoncore.AppendDocumentEnd(doc, idx)
	return doc
}

func okResponse() bsoncore.Document {
	idx, doc := bsoncore.AppendDocumentStart(nil)
	doc = bsoncore.AppendDoubleElement(doc, "ok", 1)
	doc, _ = bsoncore.AppendDocumentEnd(doc, idx)
	return doc
}

// newTestCursorResponse parses a scripted first-batch reply the way a
// cursor-creating operation would.
func newTestCursorResponse(r cursorReply, wireVersion int32) (CursorResponse, error) {
	return NewCursorResponse(r.build(), testServerDesc(wireVersion))
}
