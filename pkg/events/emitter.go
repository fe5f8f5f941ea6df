// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events provides synchronous, typed subscription lists.
//
// Listeners deliver values on the emitting goroutine, in subscription order,
// before Emit returns. Subscriptions may be durable or fire once and remove
// themselves. Handlers may subscribe, unsubscribe and emit re-entrantly.
package events

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Handler receives emitted values.
type Handler[T any] func(value T)

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscribeConfig)

type subscribeConfig struct {
	once bool
}

// Once makes the subscription fire a single time and then unsubscribe.
func Once() SubscribeOption {
	return func(c *subscribeConfig) {
		c.once = true
	}
}

type subscription[T any] struct {
	id      string
	handler Handler[T]
	cfg     subscribeConfig
}

// Listener is a list of handlers for values of type T.
//
// Thread Safety: Safe for concurrent use. Handlers are invoked without the
// internal lock held.
type Listener[T any] struct {
	mu   sync.Mutex
	subs []*subscription[T]
}

// NewListener creates an empty listener.
func NewListener[T any]() *Listener[T] {
	return &Listener[T]{}
}

// Subscribe registers a handler.
//
// Inputs:
//
//	handler - Called for every emitted value. Must not be nil.
//	opts - Subscription options such as Once().
//
// Outputs:
//
//	func() - Removes the subscription. Safe to call more than once.
func (l *Listener[T]) Subscribe(handler Handler[T], opts ...SubscribeOption) func() {
	cfg := resolveOptions(opts)

	sub := &subscription[T]{
		id:      uuid.NewString(),
		handler: handler,
		cfg:     cfg,
	}

	l.mu.Lock()
	l.subs = append(l.subs, sub)
	l.mu.Unlock()

	return func() {
		l.remove(sub.id)
	}
}

// Emit delivers value to every current subscriber.
//
// Description:
//
//	Takes a snapshot of the subscriber list, drops once-subscriptions from
//	the live list before any handler runs (so re-entrant emits cannot fire
//	them twice), then invokes the handlers in registration order.
//	Handler panics are recovered and logged.
func (l *Listener[T]) Emit(value T) {
	l.mu.Lock()
	if len(l.subs) == 0 {
		l.mu.Unlock()
		return
	}
	snapshot := make([]*subscription[T], len(l.subs))
	copy(snapshot, l.subs)

	kept := l.subs[:0]
	for _, sub := range l.subs {
		if !sub.cfg.once {
			kept = append(kept, sub)
		}
	}
	for i := len(kept); i < len(l.subs); i++ {
		l.subs[i] = nil
	}
	l.subs = kept
	l.mu.Unlock()

	for _, sub := range snapshot {
		safeInvoke(sub, value)
	}
}

// Len returns the number of active subscriptions.
func (l *Listener[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

func (l *Listener[T]) remove(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, sub := range l.subs {
		if sub.id == id {
			l.subs = append(l.subs[:i], l.subs[i+1:]...)
			return
		}
	}
}

func safeInvoke[T any](sub *subscription[T], value T) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked",
				slog.String("subscription_id", sub.id),
				slog.Any("panic", r))
		}
	}()
	sub.handler(value)
}

func resolveOptions(opts []SubscribeOption) subscribeConfig {
	var cfg subscribeConfig
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// KeyedListener keeps an independent Listener per key. A key is dropped
// once its last subscription is gone.
//
// Thread Safety: Safe for concurrent use.
type KeyedListener[K comparable, T any] struct {
	mu        sync.Mutex
	listeners map[K]*Listener[T]
}

// NewKeyedListener creates an empty keyed listener.
func NewKeyedListener[K comparable, T any]() *KeyedListener[K, T] {
	return &KeyedListener[K, T]{
		listeners: make(map[K]*Listener[T]),
	}
}

// Subscribe registers a handler for one key.
func (k *KeyedListener[K, T]) Subscribe(key K, handler Handler[T], opts ...SubscribeOption) func() {
	k.mu.Lock()
	defer k.mu.Unlock()

	l, ok := k.listeners[key]
	if !ok {
		l = NewListener[T]()
		k.listeners[key] = l
	}
	unsubscribe := l.Subscribe(handler, opts...)

	return func() {
		k.mu.Lock()
		defer k.mu.Unlock()
		unsubscribe()
		k.pruneLocked(key, l)
	}
}

// Emit delivers value to the subscribers of key. Keys nobody subscribed to
// are a no-op.
func (k *KeyedListener[K, T]) Emit(key K, value T) {
	k.mu.Lock()
	l, ok := k.listeners[key]
	k.mu.Unlock()

	if !ok {
		return
	}
	l.Emit(value)

	// Once-subscriptions may have emptied the listener.
	k.mu.Lock()
	k.pruneLocked(key, l)
	k.mu.Unlock()
}

// Len returns the number of active subscriptions for key.
func (k *KeyedListener[K, T]) Len(key K) int {
	k.mu.Lock()
	l, ok := k.listeners[key]
	k.mu.Unlock()

	if !ok {
		return 0
	}
	return l.Len()
}

// Keys returns the number of keys with at least one subscription.
func (k *KeyedListener[K, T]) Keys() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.listeners)
}

// pruneLocked drops key if it still maps to l and l has no subscribers.
// Subscribe holds k.mu while adding, so the check cannot race a new
// subscription.
func (k *KeyedListener[K, T]) pruneLocked(key K, l *Listener[T]) {
	if k.listeners[key] == l && l.Len() == 0 {
		delete(k.listeners, key)
	}
}
