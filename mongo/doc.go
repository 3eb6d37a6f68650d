// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package mongo provides document-at-a-time iteration over the batch
// oriented cursors of the driver package. Cursor delivers query results
// and ChangeStream delivers change events while tracking the resume
// position of each one.
package mongo
