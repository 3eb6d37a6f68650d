// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package operation

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/mongodb-labs/mongo-go-cursor/driver"
)

// executeCursorCommand selects a server, runs a cursor-creating command
// against it, and builds a batch cursor over the response. The connection
// source reference taken by server selection is released before returning;
// if the response describes a live server-side cursor, the returned cursor
// holds its own reference.
func executeCursorCommand(
	ctx context.Context,
	d driver.Deployment,
	ns driver.Namespace,
	cmd bsoncore.Document,
	opts driver.CursorOptions,
) (*driver.BatchCursor, error) {
	src, err := d.SelectServer(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "unable to select a server")
	}
	defer src.Release()

	conn, err := src.Connection(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "unable to check out a connection")
	}
	desc := conn.Description()

	response, err := conn.Command(ctx, ns.DB, cmd)
	_ = conn.Close()
	if err != nil {
		return nil, err
	}

	cr, err := driver.NewCursorResponse(response, desc)
	if err != nil {
		return nil, err
	}
	return driver.NewBatchCursor(ctx, cr, src, opts)
}

// executeCursorCommandAsync is the callback-driven analogue of
// executeCursorCommand.
func executeCursorCommandAsync(
	ctx context.Context,
	d driver.AsyncDeployment,
	ns driver.Namespace,
	cmd bsoncore.Document,
	opts driver.CursorOptions,
	cb func(*driver.AsyncBatchCursor, error),
) {
	d.SelectServerAsync(ctx, func(src driver.AsyncConnectionSource, err error) {
		if err != nil {
			cb(nil, errors.Wrap(err, "unable to select a server"))
			return
		}
		src.GetConnection(ctx, func(conn driver.AsyncConnection, err error) {
			if err != nil {
				src.Release()
				cb(nil, errors.Wrap(err, "unable to check out a connection"))
				return
			}
			desc := conn.Description()
			conn.CommandAsync(ctx, ns.DB, cmd, func(response bsoncore.Document, err error) {
				_ = conn.Close()
				if err != nil {
					src.Release()
					cb(nil, err)
					return
				}
				cr, err := driver.NewCursorResponse(response, desc)
				if err != nil {
					src.Release()
					cb(nil, err)
					return
				}
				abc, err := driver.NewAsyncBatchCursor(cr, src, opts)
				src.Release()
				cb(abc, err)
			})
		})
	})
}
