// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package operation

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/mongodb-labs/mongo-go-cursor/driver"
)

// KillCursors handles the full cycle dispatch and execution of a killCursors
// command against the provided deployment. Batch cursors kill their own
// server-side cursors; this helper covers cursors whose ids were obtained
// out of band.
func KillCursors(ctx context.Context, d driver.Deployment, ns driver.Namespace, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}

	idx, cmd := bsoncore.AppendDocumentStart(nil)
	cmd = bsoncore.AppendStringElement(cmd, "killCursors", ns.Collection)
	aidx, cmd := bsoncore.AppendArrayElementStart(cmd, "cursors")
	for i, id := range ids {
		cmd = bsoncore.AppendInt64Element(cmd, strconv.Itoa(i), id)
	}
	cmd, _ = bsoncore.AppendArrayEnd(cmd, aidx)
	cmd, _ = bsoncore.AppendDocumentEnd(cmd, idx)

	src, err := d.SelectServer(ctx)
	if err != nil {
		return errors.Wrap(err, "unable to select a server")
	}
	defer src.Release()

	conn, err := src.Connection(ctx)
	if err != nil {
		return errors.Wrap(err, "unable to check out a connection")
	}
	defer conn.Close()

	_, err = conn.Command(ctx, ns.DB, cmd)
	return err
}
