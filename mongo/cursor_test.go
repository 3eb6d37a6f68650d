// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package mongo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/mongodb-labs/mongo-go-cursor/driver"
	"github.com/mongodb-labs/mongo-go-cursor/driver/drivertest"
)

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

func newTestBatchCursor(t *testing.T, conn *drivertest.Conn, first bsoncore.Document, opts driver.CursorOptions) (*driver.BatchCursor, *drivertest.Source) {
	t.Helper()
	src := drivertest.NewSource(conn)
	cr, err := driver.NewCursorResponse(first, conn.Desc)
	require.NoError(t, err)
	bc, err := driver.NewBatchCursor(context.Background(), cr, src, opts)
	require.NoError(t, err)
	return bc, src
}

func TestCursor(t *testing.T) {
	t.Parallel()

	t.Run("iterates documents across batches", func(t *testing.T) {
		t.Parallel()

		conn := drivertest.NewConn(9)
		conn.AddResponse(drivertest.NextBatchResponse("foo.bar", 0, testDocs(3, 4)...))
		bc, src := newTestBatchCursor(t, conn, drivertest.FirstBatchResponse("foo.bar", 42, testDocs(1, 2)...), driver.CursorOptions{})

		cur, err := NewCursor(bc)
		require.NoError(t, err)

		var got []int32
		for cur.Next(context.Background()) {
			var elem struct {
				X int32 `bson:"x"`
			}
			require.NoError(t, cur.Decode(&elem))
			got = append(got, elem.X)
		}
		require.NoError(t, cur.Err())
		assert.Equal(t, []int32{1, 2, 3, 4}, got)
		assert.EqualValues(t, 0, cur.ID())

		require.NoError(t, cur.Close(context.Background()))
		assert.True(t, src.Balanced())
	})

	t.Run("remaining batch length counts undelivered documents", func(t *testing.T) {
		t.Parallel()

		conn := drivertest.NewConn(9)
		bc, _ := newTestBatchCursor(t, conn, drivertest.FirstBatchResponse("foo.bar", 0, testDocs(1, 2, 3)...), driver.CursorOptions{})

		cur, err := NewCursor(bc)
		require.NoError(t, err)

		assert.Equal(t, 0, cur.RemainingBatchLength())
		require.True(t, cur.Next(context.Background()))
		assert.Equal(t, 2, cur.RemainingBatchLength())
		require.True(t, cur.Next(context.Background()))
		require.True(t, cur.Next(context.Background()))
		assert.Equal(t, 0, cur.RemainingBatchLength())
	})

	t.Run("tryNext does not block on a quiet tailable cursor", func(t *testing.T) {
		t.Parallel()

		conn := drivertest.NewConn(9)
		conn.AddResponse(drivertest.NextBatchResponse("foo.bar", 42))
		conn.AddResponse(drivertest.NextBatchResponse("foo.bar", 42, testDoc(1)))
		bc, _ := newTestBatchCursor(t, conn, drivertest.FirstBatchResponse("foo.bar", 42),
			driver.CursorOptions{Tailable: true, AwaitData: true})

		cur, err := NewCursor(bc)
		require.NoError(t, err)

		require.False(t, cur.TryNext(context.Background()))
		require.NoError(t, cur.Err())
		assert.EqualValues(t, 42, cur.ID(), "the cursor must stay live after an empty round trip")

		require.True(t, cur.TryNext(context.Background()))
		var elem struct {
			X int32 `bson:"x"`
		}
		require.NoError(t, cur.Decode(&elem))
		assert.EqualValues(t, 1, elem.X)
	})

	t.Run("empty cursor is exhausted immediately", func(t *testing.T) {
		t.Parallel()

		cur := NewEmptyCursor()
		require.False(t, cur.Next(context.Background()))
		require.NoError(t, cur.Err())
		assert.EqualValues(t, 0, cur.ID())
	})

	t.Run("nil batch cursor is rejected", func(t *testing.T) {
		t.Parallel()

		_, err := NewCursor(nil)
		require.Error(t, err)
	})
}
