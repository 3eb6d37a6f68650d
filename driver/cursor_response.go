// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/mongodb-labs/mongo-go-cursor/description"
)

// CursorResponse is the parsed form of a cursor-bearing command response:
//
//	{ok: 1, cursor: {id: <int64>, ns: <string>, firstBatch|nextBatch: [...]},
//	 operationTime?: <timestamp>}
//
// It is produced both by originating commands (find, aggregate) and by every
// getMore.
type CursorResponse struct {
	Namespace Namespace
	ID        int64
	Batch     []bsoncore.Document

	// PostBatchResumeToken is the change stream resume token valid after this
	// batch, when the server provided one.
	PostBatchResumeToken bsoncore.Document

	// OperationTime is the cluster time of the response, when present.
	OperationTime *bson.Timestamp

	// Desc describes the server the response came from.
	Desc description.Server
}

// NewCursorResponse parses the response to an originating cursor-bearing
// command. The batch is taken from the firstBatch field.
func NewCursorResponse(response bsoncore.Document, desc description.Server) (CursorResponse, error) {
	return parseCursorResponse(response, "firstBatch", desc)
}

// NewGetMoreResponse parses the response to a getMore. The batch is taken
// from the nextBatch field.
func NewGetMoreResponse(response bsoncore.Document, desc description.Server) (CursorResponse, error) {
	return parseCursorResponse(response, "nextBatch", desc)
}

func parseCursorResponse(response bsoncore.Document, batchKey string, desc description.Server) (CursorResponse, error) {
	cr := CursorResponse{Desc: desc}

	if err := ExtractErrorFromResponse(response); err != nil {
		return cr, err
	}

	cur, err := response.LookupErr("cursor")
	if err != nil {
		return cr, NewCommandResponseError("cursor should be present in the command response", err)
	}
	curDoc, ok := cur.DocumentOK()
	if !ok {
		return cr, NewCommandResponseError(
			fmt.Sprintf("cursor should be an embedded document but it is a BSON %s", cur.Type), nil)
	}

	elems, err := curDoc.Elements()
	if err != nil {
		return cr, NewCommandResponseError("malformed cursor document", err)
	}

	var sawBatch, sawID bool
	for _, elem := range elems {
		switch elem.Key() {
		case batchKey:
			arr, ok := elem.Value().ArrayOK()
			if !ok {
				return cr, NewCommandResponseError(
					fmt.Sprintf("%s should be an array but it is a BSON %s", batchKey, elem.Value().Type), nil)
			}
			cr.Batch, err = documentsFromArray(arr)
			if err != nil {
				return cr, err
			}
			sawBatch = true
		case "ns":
			ns, ok := elem.Value().StringValueOK()
			if !ok {
				return cr, NewCommandResponseError(
					fmt.Sprintf("ns should be a string but it is a BSON %s", elem.Value().Type), nil)
			}
			cr.Namespace = ParseNamespace(ns)
			if err := cr.Namespace.Validate(); err != nil {
				return cr, NewCommandResponseError("invalid cursor namespace", err)
			}
		case "id":
			cr.ID, ok = elem.Value().Int64OK()
			if !ok {
				return cr, NewCommandResponseError(
					fmt.Sprintf("id should be an int64 but it is a BSON %s", elem.Value().Type), nil)
			}
			sawID = true
		case "postBatchResumeToken":
			token, ok := elem.Value().DocumentOK()
			if !ok {
				return cr, NewCommandResponseError(
					fmt.Sprintf("postBatchResumeToken should be a document but it is a BSON %s", elem.Value().Type), nil)
			}
			cr.PostBatchResumeToken = token
		}
	}

	if !sawBatch {
		return cr, NewCommandResponseError(fmt.Sprintf("cursor document is missing %s", batchKey), nil)
	}
	if !sawID {
		return cr, NewCommandResponseError("cursor document is missing id", nil)
	}

	if opTime, err := response.LookupErr("operationTime"); err == nil {
		t, i, ok := opTime.TimestampOK()
		if !ok {
			return cr, NewCommandResponseError(
				fmt.Sprintf("operationTime should be a timestamp but it is a BSON %s", opTime.Type), nil)
		}
		cr.OperationTime = &bson.Timestamp{T: t, I: i}
	}

	return cr, nil
}

func documentsFromArray(arr bsoncore.Array) ([]bsoncore.Document, error) {
	vals, err := arr.Values()
	if err != nil {
		return nil, NewCommandResponseError("malformed batch array", err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	docs := make([]bsoncore.Document, 0, len(vals))
	for _, val := range vals {
		doc, ok := val.DocumentOK()
		if !ok {
			return nil, NewCommandResponseError(
				fmt.Sprintf("batch should contain documents but it contains a BSON %s", val.Type), nil)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}
