// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package drivertest

import (
	"context"
	"sync"

	"github.com/mongodb-labs/mongo-go-cursor/driver"
)

// Source is a connection source whose retain and release calls are counted.
// Connection hands out the configured connection, or fails with ConnErr when
// set.
type Source struct {
	Conn    driver.Connection
	ConnErr error

	mu       sync.Mutex
	retained int
	released int
}

var _ driver.ConnectionSource = (*Source)(nil)

// NewSource creates a source handing out conn.
func NewSource(conn driver.Connection) *Source { return &Source{Conn: conn} }

func (s *Source) Connection(context.Context) (driver.Connection, error) {
	if s.ConnErr != nil {
		return nil, s.ConnErr
	}
	return s.Conn, nil
}

func (s *Source) Retain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retained++
}

func (s *Source) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released++
}

// Retained returns the number of Retain calls.
func (s *Source) Retained() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retained
}

// Released returns the number of Release calls.
func (s *Source) Released() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// Balanced reports whether every Retain has been matched by exactly one
// Release.
func (s *Source) Balanced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retained == s.released
}

// AsyncSource is the callback-driven counterpart of Source. Callbacks are
// invoked synchronously.
type AsyncSource struct {
	Conn    driver.AsyncConnection
	ConnErr error

	mu       sync.Mutex
	retained int
	released int
}

var _ driver.AsyncConnectionSource = (*AsyncSource)(nil)

// NewAsyncSource creates a source handing out conn.
func NewAsyncSource(conn driver.AsyncConnection) *AsyncSource { return &AsyncSource{Conn: conn} }

func (s *AsyncSource) GetConnection(_ context.Context, cb func(driver.AsyncConnection, error)) {
	if s.ConnErr != nil {
		cb(nil, s.ConnErr)
		return
	}
	cb(s.Conn, nil)
}

func (s *AsyncSource) Retain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retained++
}

func (s *AsyncSource) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released++
}

// Retained returns the number of Retain calls.
func (s *AsyncSource) Retained() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retained
}

// Released returns the number of Release calls.
func (s *AsyncSource) Released() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// Balanced reports whether every Retain has been matched by exactly one
// Release.
func (s *AsyncSource) Balanced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retained == s.released
}

// Deployment selects the configured source, or fails with Err when set.
type Deployment struct {
	Source *Source
	Err    error
}

var _ driver.Deployment = (*Deployment)(nil)

func (d *Deployment) SelectServer(context.Context) (driver.ConnectionSource, error) {
	if d.Err != nil {
		return nil, d.Err
	}
	d.Source.Retain()
	return d.Source, nil
}

// AsyncDeployment selects the configured source, or fails with Err when set.
type AsyncDeployment struct {
	Source *AsyncSource
	Err    error
}

var _ driver.AsyncDeployment = (*AsyncDeployment)(nil)

func (d *AsyncDeployment) SelectServerAsync(_ context.Context, cb func(driver.AsyncConnectionSource, error)) {
	if d.Err != nil {
		cb(nil, d.Err)
		return
	}
	d.Source.Retain()
	cb(d.Source, nil)
}
