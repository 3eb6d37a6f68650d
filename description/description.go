// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package description contains types for describing the capabilities of a
// connected server. A Server value is resolved once, when a connection is
// established, and is carried on the connection for the rest of its life so
// that callers never re-inspect the server mid-stream.
package description

import "github.com/mongodb-labs/mongo-go-cursor/address"

// Server is a description of a server's relevant capabilities.
type Server struct {
	Addr address.Address

	// MaxWireVersion is the maximum wire protocol version the server
	// supports. Cursor-bearing command responses require at least version 4
	// (server 3.2); error labels on change stream failures require at least
	// version 9 (server 4.4).
	MaxWireVersion int32
}

// SupportsCursorCommands returns true if the server returns command-shaped
// cursor responses and accepts the getMore and killCursors commands.
func (s Server) SupportsCursorCommands() bool { return s.MaxWireVersion >= 4 }

// SupportsErrorLabels returns true if the server attaches error labels, such
// as ResumableChangeStreamError, to command failures.
func (s Server) SupportsErrorLabels() bool { return s.MaxWireVersion >= 9 }

// SupportsStartAtOperationTime returns true if a change stream against the
// server may be started or resumed from an operation timestamp.
func (s Server) SupportsStartAtOperationTime() bool { return s.MaxWireVersion >= 7 }
