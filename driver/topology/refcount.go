// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import "sync"

// refCounter tracks references to a shared resource and runs onZero exactly
// once when the count falls to zero. The counter starts at one, representing
// the creator's reference.
type refCounter struct {
	onZero func()

	mu   sync.Mutex
	refs int
	done bool
}

func newRefCounter(onZero func()) *refCounter {
	return &refCounter{onZero: onZero, refs: 1}
}

func (rc *refCounter) retain() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.done {
		panic("retain of a fully released resource")
	}
	rc.refs++
}

func (rc *refCounter) release() {
	rc.mu.Lock()
	if rc.done {
		rc.mu.Unlock()
		panic("release of a fully released resource")
	}
	rc.refs--
	if rc.refs > 0 {
		rc.mu.Unlock()
		return
	}
	rc.done = true
	rc.mu.Unlock()
	rc.onZero()
}

func (rc *refCounter) count() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.refs
}

func (rc *refCounter) finished() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.done
}
