// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package debounce

import (
	"sync"
	"time"
)

// Keyed debounces a function independently per key.
//
// # Description
//
// The first Call for a key creates that key's Debouncer. Calls for
// different keys never share a window. Cancel, Flush and Pending aggregate
// across every key seen so far.
//
// # Example
//
//	save := debounce.NewKeyed(func(modelID string, _ struct{}) {
//	    persist(modelID)
//	}, 300*time.Millisecond, nil)
//	save.Call("color-1", struct{}{})
type Keyed[K comparable, A any] struct {
	fn   func(K, A)
	wait time.Duration
	opts *Options

	mu      sync.Mutex
	entries map[K]*Debouncer[A]

	// calling counts Calls between lookup and arming per key. Prune keeps
	// those keys.
	calling map[K]int
}

// NewKeyed creates a keyed debouncer.
//
// Inputs:
//
//	fn - Called with the key and the latest argument for that key.
//	wait - Quiet interval per key.
//	opts - Options shared by every key. Nil uses DefaultOptions().
func NewKeyed[K comparable, A any](fn func(K, A), wait time.Duration, opts *Options) *Keyed[K, A] {
	return &Keyed[K, A]{
		fn:      fn,
		wait:    wait,
		opts:    opts,
		entries: make(map[K]*Debouncer[A]),
		calling: make(map[K]int),
	}
}

// Call records a call for key.
func (k *Keyed[K, A]) Call(key K, arg A) {
	d := k.acquire(key)
	defer k.release(key)
	d.Call(arg)
}

// Cancel drops pending invocations for every key.
func (k *Keyed[K, A]) Cancel() {
	for _, d := range k.snapshot() {
		d.Cancel()
	}
}

// Flush runs pending invocations for every key on the caller's goroutine.
//
// Outputs:
//
//	int - Number of keys whose function was invoked.
func (k *Keyed[K, A]) Flush() int {
	flushed := 0
	for _, d := range k.snapshot() {
		if d.Flush() {
			flushed++
		}
	}
	return flushed
}

// Pending reports whether any key has an armed timer.
func (k *Keyed[K, A]) Pending() bool {
	for _, d := range k.snapshot() {
		if d.Pending() {
			return true
		}
	}
	return false
}

// CancelKey drops the pending invocation for key.
func (k *Keyed[K, A]) CancelKey(key K) {
	if d, ok := k.lookup(key); ok {
		d.Cancel()
	}
}

// FlushKey runs the pending invocation for key.
func (k *Keyed[K, A]) FlushKey(key K) bool {
	if d, ok := k.lookup(key); ok {
		return d.Flush()
	}
	return false
}

// PendingKey reports whether key has an armed timer.
func (k *Keyed[K, A]) PendingKey(key K) bool {
	if d, ok := k.lookup(key); ok {
		return d.Pending()
	}
	return false
}

// Keys returns every key that has been called.
func (k *Keyed[K, A]) Keys() []K {
	k.mu.Lock()
	defer k.mu.Unlock()

	keys := make([]K, 0, len(k.entries))
	for key := range k.entries {
		keys = append(keys, key)
	}
	return keys
}

// Prune forgets keys with nothing pending. Leading-edge bookkeeping for a
// pruned key starts over on its next call.
//
// Outputs:
//
//	int - Number of keys removed.
func (k *Keyed[K, A]) Prune() int {
	k.mu.Lock()
	defer k.mu.Unlock()

	removed := 0
	for key, d := range k.entries {
		if k.calling[key] == 0 && !d.Pending() {
			delete(k.entries, key)
			removed++
		}
	}
	return removed
}

// acquire returns the Debouncer for key, creating it if needed, and holds
// the key against Prune until release.
func (k *Keyed[K, A]) acquire(key K) *Debouncer[A] {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.calling[key]++
	d, ok := k.entries[key]
	if !ok {
		d = New(func(arg A) {
			k.fn(key, arg)
		}, k.wait, k.opts)
		k.entries[key] = d
	}
	return d
}

func (k *Keyed[K, A]) release(key K) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.calling[key] <= 1 {
		delete(k.calling, key)
		return
	}
	k.calling[key]--
}

func (k *Keyed[K, A]) lookup(key K) (*Debouncer[A], bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	d, ok := k.entries[key]
	return d, ok
}

func (k *Keyed[K, A]) snapshot() []*Debouncer[A] {
	k.mu.Lock()
	defer k.mu.Unlock()

	out := make([]*Debouncer[A], 0, len(k.entries))
	for _, d := range k.entries {
		out = append(out, d)
	}
	return out
}
