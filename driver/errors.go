// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/mongodb-labs/mongo-go-cursor/description"
)

var (
	// ErrCursorClosed occurs when next or tryNext is called on a closed
	// cursor.
	ErrCursorClosed = errors.New("cursor has been closed")
	// ErrMissingResumeToken indicates that a change stream notification from
	// the server did not contain a resume token.
	ErrMissingResumeToken = errors.New("cannot provide resume functionality when the resume token is missing")
	// ErrNoCommandResponse occurs when the server sent no response document
	// to a command.
	ErrNoCommandResponse = errors.New("no command response document")
	// ErrCallInProgress occurs when next or tryNext is called on an
	// asynchronous cursor before the callback for the previous call has
	// fired.
	ErrCallInProgress = errors.New("another operation is currently in progress on this cursor")
)

// Error label the server attaches to failures a change stream can resume
// after.
const ResumableChangeStreamError = "ResumableChangeStreamError"

const errorCodeCursorNotFound int32 = 43

// Error is a command execution error from the server.
type Error struct {
	Code    int32
	Message string
	Name    string
	Labels  []string
	Wrapped error
}

// Error implements the error interface.
func (e Error) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("(%v) %v", e.Name, e.Message)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e Error) Unwrap() error { return e.Wrapped }

// HasErrorLabel returns true if the error contains the specified label.
func (e Error) HasErrorLabel(label string) bool {
	for _, l := range e.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// CursorNotFound returns true if the error is from the server-side cursor id
// no longer being known, e.g. because the cursor timed out or the server
// restarted.
func (e Error) CursorNotFound() bool { return e.Code == errorCodeCursorNotFound }

// ConnectionError represents a transport-level failure on a connection. After
// a ConnectionError the state of any server-side cursor the connection was
// serving is unknown.
type ConnectionError struct {
	ConnectionID string
	Wrapped      error

	message string
}

// NewConnectionError wraps err as a transport failure on the identified
// connection.
func NewConnectionError(connectionID string, err error, message string) ConnectionError {
	return ConnectionError{ConnectionID: connectionID, Wrapped: err, message: message}
}

// Error implements the error interface.
func (e ConnectionError) Error() string {
	message := e.message
	if message == "" {
		message = "connection error"
	}
	if e.Wrapped != nil {
		return fmt.Sprintf("connection(%s) %s: %s", e.ConnectionID, message, e.Wrapped)
	}
	return fmt.Sprintf("connection(%s) %s", e.ConnectionID, message)
}

// Unwrap returns the underlying error.
func (e ConnectionError) Unwrap() error { return e.Wrapped }

// ResponseError is an error parsing the response to a command. It is fatal:
// the driver never retries or resumes past a response it could not decode.
type ResponseError struct {
	Message string
	Wrapped error
}

// NewCommandResponseError creates a ResponseError.
func NewCommandResponseError(msg string, err error) ResponseError {
	return ResponseError{Message: msg, Wrapped: err}
}

// Error implements the error interface.
func (e ResponseError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Wrapped)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e ResponseError) Unwrap() error { return e.Wrapped }

// ExtractErrorFromResponse returns an Error if the command response document
// reports a failure ({ok: 0}) and nil otherwise.
func ExtractErrorFromResponse(response bsoncore.Document) error {
	if len(response) == 0 {
		return ErrNoCommandResponse
	}

	elems, err := response.Elements()
	if err != nil {
		return NewCommandResponseError("malformed command response", err)
	}

	ok := false
	var srvErr Error
	for _, elem := range elems {
		switch elem.Key() {
		case "ok":
			switch elem.Value().Type {
			case bsoncore.TypeInt32:
				ok = elem.Value().Int32() == 1
			case bsoncore.TypeInt64:
				ok = elem.Value().Int64() == 1
			case bsoncore.TypeDouble:
				ok = elem.Value().Double() == 1
			}
		case "code":
			if code, exists := elem.Value().Int32OK(); exists {
				srvErr.Code = code
			}
		case "errmsg":
			if msg, exists := elem.Value().StringValueOK(); exists {
				srvErr.Message = msg
			}
		case "codeName":
			if name, exists := elem.Value().StringValueOK(); exists {
				srvErr.Name = name
			}
		case "errorLabels":
			if arr, exists := elem.Value().ArrayOK(); exists {
				vals, err := arr.Values()
				if err != nil {
					continue
				}
				for _, val := range vals {
					if label, exists := val.StringValueOK(); exists {
						srvErr.Labels = append(srvErr.Labels, label)
					}
				}
			}
		}
	}

	if ok {
		return nil
	}
	if srvErr.Message == "" {
		srvErr.Message = "command failed"
	}
	return srvErr
}

// Server error codes after which a change stream may be resumed. Used against
// servers too old to attach the ResumableChangeStreamError label.
var resumableChangeStreamCodes = map[int32]struct{}{
	6:     {}, // HostUnreachable
	7:     {}, // HostNotFound
	63:    {}, // StaleShardVersion
	89:    {}, // NetworkTimeout
	91:    {}, // ShutdownInProgress
	133:   {}, // FailedToSatisfyReadPreference
	150:   {}, // StaleEpoch
	189:   {}, // PrimarySteppedDown
	234:   {}, // RetryChangeStream
	262:   {}, // ExceededTimeLimit
	9001:  {}, // SocketException
	10107: {}, // NotWritablePrimary
	11600: {}, // InterruptedAtShutdown
	11602: {}, // InterruptedDueToReplStateChange
	13388: {}, // StaleConfig
	13435: {}, // NotPrimaryNoSecondaryOk
	13436: {}, // NotPrimaryOrSecondary
}

// IsResumableChangeStreamError reports whether a change stream that failed
// with err may discard its cursor and re-issue the originating aggregate with
// resume options. Transport failures and cursor-not-found are always
// resumable; other command failures are resumable according to the server's
// error label when supported, and a fixed code list otherwise.
func IsResumableChangeStreamError(err error, desc description.Server) bool {
	var connErr ConnectionError
	if errors.As(err, &connErr) {
		return true
	}

	var srvErr Error
	if !errors.As(err, &srvErr) {
		return false
	}
	if srvErr.CursorNotFound() {
		return true
	}
	if desc.SupportsErrorLabels() {
		return srvErr.HasErrorLabel(ResumableChangeStreamError)
	}
	_, resumable := resumableChangeStreamCodes[srvErr.Code]
	return resumable
}
