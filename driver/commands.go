// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"
)

// Command documents shared by the synchronous and asynchronous cursors. The
// shapes are fixed by the server:
//
//	{getMore: <id>, collection: <name>, batchSize?: <int32>, maxTimeMS?: <int64>}
//	{killCursors: <name>, cursors: [<id>]}

func getMoreCommand(ns Namespace, id int64, batchSize int32, maxTimeMS int64, comment bsoncore.Value) bsoncore.Document {
	idx, cmd := bsoncore.AppendDocumentStart(nil)
	cmd = bsoncore.AppendInt64Element(cmd, "getMore", id)
	cmd = bsoncore.AppendStringElement(cmd, "collection", ns.Collection)
	if batchSize != 0 {
		cmd = bsoncore.AppendInt32Element(cmd, "batchSize", batchSize)
	}
	if maxTimeMS != 0 {
		cmd = bsoncore.AppendInt64Element(cmd, "maxTimeMS", maxTimeMS)
	}
	if comment.Type != bsoncore.Type(0) {
		cmd = bsoncore.AppendValueElement(cmd, "comment", comment)
	}
	cmd, _ = bsoncore.AppendDocumentEnd(cmd, idx)
	return cmd
}

func killCursorsCommand(ns Namespace, id int64) bsoncore.Document {
	idx, cmd := bsoncore.AppendDocumentStart(nil)
	cmd = bsoncore.AppendStringElement(cmd, "killCursors", ns.Collection)
	aidx, cmd := bsoncore.AppendArrayElementStart(cmd, "cursors")
	cmd = bsoncore.AppendInt64Element(cmd, "0", id)
	cmd, _ = bsoncore.AppendArrayEnd(cmd, aidx)
	cmd, _ = bsoncore.AppendDocumentEnd(cmd, idx)
	return cmd
}
