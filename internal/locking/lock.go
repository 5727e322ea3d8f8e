// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package locking

import (
	"fmt"
	"sync"
)

// ConflictError represents a version conflict during update
type ConflictError struct {
	Table           string
	ID              uint
	ExpectedVersion int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s %d: expected version %d", e.Table, e.ID, e.ExpectedVersion)
}

// LockError represents a locking failure
type LockError struct {
	Name    string
	Owner   string
	Message string
}

func (e *LockError) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return e.Message + ": " + e.Name
}

// KeyedMutex serializes goroutines per key while letting distinct keys proceed
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedMutex creates an empty keyed mutex
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock blocks until key is held and returns its unlock function
func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// Len returns the number of keys currently held or awaited
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
