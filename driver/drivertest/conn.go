// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package drivertest provides scriptable in-memory implementations of the
// driver's connection contracts for use in tests.
package drivertest

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/mongodb-labs/mongo-go-cursor/address"
	"github.com/mongodb-labs/mongo-go-cursor/description"
	"github.com/mongodb-labs/mongo-go-cursor/driver"
)

// Conn is a scripted connection. Each command pops the next queued reply, in
// order; commands beyond the script fail. Every executed command is recorded
// for inspection.
type Conn struct {
	Desc description.Server

	mu       sync.Mutex
	replies  []reply
	commands []bsoncore.Document
	closes   int
}

type reply struct {
	response bsoncore.Document
	err      error
}

var _ driver.Connection = (*Conn)(nil)

// NewConn creates a connection describing a server with the given wire
// version at a fixed test address.
func NewConn(maxWireVersion int32) *Conn {
	addr := address.Address("drivertest:27017")
	return &Conn{Desc: description.Server{Addr: addr, MaxWireVersion: maxWireVersion}}
}

// AddResponse queues a successful reply.
func (c *Conn) AddResponse(response bsoncore.Document) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies = append(c.replies, reply{response: response})
}

// AddError queues a failed reply.
func (c *Conn) AddError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies = append(c.replies, reply{err: err})
}

// Command pops the next scripted reply.
func (c *Conn) Command(_ context.Context, _ string, cmd bsoncore.Document) (bsoncore.Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.commands = append(c.commands, cmd)
	if len(c.replies) == 0 {
		return nil, errors.Errorf("no scripted reply for command %v", cmd)
	}
	next := c.replies[0]
	c.replies = c.replies[1:]
	return next.response, next.err
}

// Commands returns every command executed on the connection, in order.
func (c *Conn) Commands() []bsoncore.Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]bsoncore.Document, len(c.commands))
	copy(out, c.commands)
	return out
}

// CommandNames returns the name of every executed command, in order.
func (c *Conn) CommandNames() []string {
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

// Closes returns how many times the connection has been closed.
func (c *Conn) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

func (c *Conn) Description() description.Server { return c.Desc }

func (c *Conn) Address() address.Address { return c.Desc.Addr }

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

// AsyncConn adapts a Conn to the callback-driven connection contract. The
// callback is invoked synchronously, which keeps tests deterministic.
type AsyncConn struct {
	*Conn
}

var _ driver.AsyncConnection = (*AsyncConn)(nil)

// NewAsyncConn creates a scripted callback-driven connection.
func NewAsyncConn(maxWireVersion int32) *AsyncConn {
	return &AsyncConn{Conn: NewConn(maxWireVersion)}
}

// CommandAsync pops the next scripted reply and delivers it to cb before
// returning.
func (c *AsyncConn) CommandAsync(ctx context.Context, db string, cmd bsoncore.Document, cb driver.CommandCallback) {
	cb(c.Command(ctx, db, cmd))
}
