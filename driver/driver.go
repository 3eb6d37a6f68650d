// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package driver contains the cursor machinery of the driver: batch cursors
// over command-shaped cursor responses, their asynchronous counterparts, and
// the resumable change stream cursors built on top of them. Everything that
// acquires connections or executes commands is expressed through the small
// interfaces in this file so that server selection, pooling, and the wire
// protocol remain external collaborators.
package driver

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/mongodb-labs/mongo-go-cursor/address"
	"github.com/mongodb-labs/mongo-go-cursor/description"
)

// Connection represents an established connection to a server over which
// commands can be executed. Close returns the connection to its source; it
// does not tear down the underlying socket.
type Connection interface {
	// Command executes a single command document against the given database
	// and returns the server's response document. An error is returned both
	// for transport failures and for responses with {ok: 0}; the latter are
	// of type Error.
	Command(ctx context.Context, db string, cmd bsoncore.Document) (bsoncore.Document, error)

	Description() description.Server
	Address() address.Address
	Close() error
}

// CommandCallback receives the result of an asynchronous command execution.
// Exactly one of response and err is set.
type CommandCallback func(response bsoncore.Document, err error)

// AsyncConnection is the callback-driven analogue of Connection. CommandAsync
// returns immediately; the callback fires when the server's response arrives
// or the attempt fails.
type AsyncConnection interface {
	CommandAsync(ctx context.Context, db string, cmd bsoncore.Document, cb CommandCallback)

	Description() description.Server
	Address() address.Address
	Close() error
}

// ConnectionSource provides access to pooled connections for the single
// server that owns a cursor. Sources are reference counted: a cursor retains
// its source while it holds a live server-side cursor and releases it exactly
// once when that need ends. Retain and Release must be safe for concurrent
// use.
type ConnectionSource interface {
	Connection(ctx context.Context) (Connection, error)
	Retain()
	Release()
}

// AsyncConnectionSource is the callback-driven analogue of ConnectionSource.
type AsyncConnectionSource interface {
	GetConnection(ctx context.Context, cb func(AsyncConnection, error))
	Retain()
	Release()
}

// Deployment is implemented by types that can select a server to run a
// cursor-creating command against. The returned source starts with a
// reference held by the caller.
type Deployment interface {
	SelectServer(ctx context.Context) (ConnectionSource, error)
}

// AsyncDeployment is the callback-driven analogue of Deployment.
type AsyncDeployment interface {
	SelectServerAsync(ctx context.Context, cb func(AsyncConnectionSource, error))
}

// ServerCursor identifies a live server-side cursor: the id the server
// assigned and the address of the server that owns it. A nil *ServerCursor,
// or an id of zero, means no server-side resource exists.
type ServerCursor struct {
	ID      int64
	Address address.Address
}

// CursorOptions are extra options for constructing a batch cursor.
type CursorOptions struct {
	// BatchSize is the number of documents requested per getMore.
	BatchSize int32

	// Limit bounds the total number of documents across the cursor's
	// lifetime. Zero means unlimited; a negative value means return at most
	// |Limit| documents and then close the cursor server-side.
	Limit int32

	// MaxTimeMS is attached to each getMore for tailable await cursors,
	// bounding how long the server will wait for new documents.
	MaxTimeMS int64

	Tailable  bool
	AwaitData bool

	// Comment is attached to each getMore command when set.
	Comment bsoncore.Value
}
