// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/mongodb-labs/mongo-go-cursor/address"
	"github.com/mongodb-labs/mongo-go-cursor/description"
	"github.com/mongodb-labs/mongo-go-cursor/driver"
)

var _ driver.AsyncDeployment = (*Server)(nil)

// SelectServerAsync returns the server as an asynchronous connection source,
// holding a new reference for the caller. The callback runs on a separate
// goroutine.
func (s *Server) SelectServerAsync(ctx context.Context, cb func(driver.AsyncConnectionSource, error)) {
	go func() {
		src, err := s.SelectServer(ctx)
		if err != nil {
			cb(nil, err)
			return
		}
		cb(&asyncSource{server: src.(*Server)}, nil)
	}()
}

// asyncSource adapts a Server to the callback-driven connection source
// contract. Each checkout and command runs on its own goroutine.
type asyncSource struct {
	server *Server
}

var _ driver.AsyncConnectionSource = (*asyncSource)(nil)

func (a *asyncSource) GetConnection(ctx context.Context, cb func(driver.AsyncConnection, error)) {
	go func() {
		conn, err := a.server.Connection(ctx)
		if err != nil {
			cb(nil, err)
			return
		}
		cb(&asyncConnection{conn: conn}, nil)
	}()
}

func (a *asyncSource) Retain()  { a.server.Retain() }
func (a *asyncSource) Release() { a.server.Release() }

// asyncConnection adapts a pooled connection to the callback-driven command
// contract.
type asyncConnection struct {
	conn driver.Connection
}

var _ driver.AsyncConnection = (*asyncConnection)(nil)

func (ac *asyncConnection) CommandAsync(ctx context.Context, db string, cmd bsoncore.Document, cb driver.CommandCallback) {
	go func() {
		cb(ac.conn.Command(ctx, db, cmd))
	}()
}

func (ac *asyncConnection) Description() description.Server { return ac.conn.Description() }
func (ac *asyncConnection) Address() address.Address        { return ac.conn.Address() }
func (ac *asyncConnection) Close() error                    { return ac.conn.Close() }
