// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package debounce coalesces bursts of calls into single invocations.
//
// # Description
//
// Debouncer delays invoking a function until Wait has elapsed since the last
// call. The function receives the argument of the most recent call. Options
// control leading-edge invocation, trailing-edge invocation (default on) and
// a MaxWait cap that forces an invocation under sustained load.
//
// Keyed maintains one independent Debouncer per key, so a burst of calls for
// one key never delays or coalesces with calls for another key.
//
// # Thread Safety
//
// All types are safe for concurrent use. The wrapped function is always
// invoked without internal locks held: trailing invocations run on a timer
// goroutine, leading invocations and Flush run on the caller's goroutine.
// The wrapped function must therefore tolerate concurrent invocation.
package debounce

import (
	"sync"
	"time"
)

// Options configures a Debouncer.
type Options struct {
	// Name labels the Prometheus metrics for this debouncer.
	// Default: "default".
	Name string

	// Leading invokes on the leading edge of the wait window.
	// Default: false.
	Leading bool

	// Trailing invokes on the trailing edge of the wait window. When both
	// Leading and Trailing are set, the trailing invocation only happens if
	// there was more than one call during the window.
	// Default: true.
	Trailing bool

	// MaxWait is the longest an invocation may be delayed. Zero disables it.
	MaxWait time.Duration
}

// DefaultOptions returns trailing-only options.
func DefaultOptions() Options {
	return Options{
		Name:     "default",
		Trailing: true,
	}
}

// Debouncer debounces calls to a single function.
type Debouncer[A any] struct {
	fn   func(A)
	wait time.Duration
	opts Options

	mu             sync.Mutex
	timer          *time.Timer
	generation     uint64
	called         bool
	lastCallTime   time.Time
	lastInvokeTime time.Time
	lastArg        A
	hasArg         bool
}

// New creates a Debouncer.
//
// Inputs:
//
//	fn - Function to debounce. Must not be nil.
//	wait - Quiet interval before a trailing invocation. Negative is treated as zero.
//	opts - Options. Nil uses DefaultOptions().
//
// Outputs:
//
//	*Debouncer[A] - Ready to use. Nothing runs until Call is invoked.
func New[A any](fn func(A), wait time.Duration, opts *Options) *Debouncer[A] {
	if opts == nil {
		defaults := DefaultOptions()
		opts = &defaults
	}
	resolved := *opts
	if resolved.Name == "" {
		resolved.Name = "default"
	}
	if wait < 0 {
		wait = 0
	}
	if resolved.MaxWait > 0 && resolved.MaxWait < wait {
		resolved.MaxWait = wait
	}

	return &Debouncer[A]{
		fn:   fn,
		wait: wait,
		opts: resolved,
	}
}

// Call records a call with arg and schedules the invocation.
func (d *Debouncer[A]) Call(arg A) {
	now := time.Now()
	callsTotal.WithLabelValues(d.opts.Name).Inc()

	d.mu.Lock()
	isInvoking := d.shouldInvoke(now)

	d.lastArg = arg
	d.hasArg = true
	d.lastCallTime = now
	d.called = true

	var (
		invoke     bool
		invokeArg  A
		invokeEdge string
	)

	switch {
	case isInvoking && d.timer == nil:
		// Leading edge of a new window.
		d.lastInvokeTime = now
		d.startTimer(d.wait)
		if d.opts.Leading {
			invokeArg = d.takeArg(now)
			invoke = true
			invokeEdge = edgeLeading
		}
	case isInvoking && d.opts.MaxWait > 0:
		// MaxWait elapsed while calls kept arriving.
		d.startTimer(d.wait)
		invokeArg = d.takeArg(now)
		invoke = true
		invokeEdge = edgeMaxWait
	case d.timer == nil:
		d.startTimer(d.wait)
	}
	d.mu.Unlock()

	if invoke {
		d.invoke(invokeArg, invokeEdge)
	}
}

// Cancel drops any pending invocation and resets the window.
func (d *Debouncer[A]) Cancel() {
	d.mu.Lock()
	hadTimer := d.timer != nil
	d.stopTimer()

	var zero A
	d.lastArg = zero
	d.hasArg = false
	d.called = false
	d.lastCallTime = time.Time{}
	d.lastInvokeTime = time.Time{}
	d.mu.Unlock()

	if hadTimer {
		cancellationsTotal.WithLabelValues(d.opts.Name).Inc()
	}
}

// Flush immediately runs a pending trailing invocation on the caller's
// goroutine.
//
// Outputs:
//
//	bool - True if the function was invoked.
func (d *Debouncer[A]) Flush() bool {
	d.mu.Lock()
	if d.timer == nil {
		d.mu.Unlock()
		return false
	}
	arg, ok := d.trailingEdge(time.Now())
	d.mu.Unlock()

	if ok {
		d.invoke(arg, edgeFlush)
	}
	return ok
}

// Pending reports whether a timer is armed.
func (d *Debouncer[A]) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

// timerExpired is the timer callback for generation gen.
func (d *Debouncer[A]) timerExpired(gen uint64) {
	d.mu.Lock()
	if gen != d.generation || d.timer == nil {
		// Superseded by Cancel, Flush or a restart.
		d.mu.Unlock()
		return
	}

	now := time.Now()
	if !d.shouldInvoke(now) {
		d.startTimer(d.remainingWait(now))
		d.mu.Unlock()
		return
	}

	arg, ok := d.trailingEdge(now)
	d.mu.Unlock()

	if ok {
		d.invoke(arg, edgeTrailing)
	}
}

// trailingEdge closes the window. Caller must hold d.mu.
func (d *Debouncer[A]) trailingEdge(now time.Time) (A, bool) {
	d.stopTimer()

	if d.opts.Trailing && d.hasArg {
		return d.takeArg(now), true
	}

	var zero A
	d.lastArg = zero
	d.hasArg = false
	return zero, false
}

// shouldInvoke reports whether a call at now would start an invocation.
// Caller must hold d.mu.
func (d *Debouncer[A]) shouldInvoke(now time.Time) bool {
	if !d.called {
		return true
	}
	sinceLastCall := now.Sub(d.lastCallTime)
	if sinceLastCall >= d.wait || sinceLastCall < 0 {
		return true
	}
	return d.opts.MaxWait > 0 && now.Sub(d.lastInvokeTime) >= d.opts.MaxWait
}

// remainingWait computes the delay until the next possible invocation.
// Caller must hold d.mu.
func (d *Debouncer[A]) remainingWait(now time.Time) time.Duration {
	waiting := d.wait - now.Sub(d.lastCallTime)
	if d.opts.MaxWait > 0 {
		if untilMax := d.opts.MaxWait - now.Sub(d.lastInvokeTime); untilMax < waiting {
			waiting = untilMax
		}
	}
	if waiting < 0 {
		waiting = 0
	}
	return waiting
}

// takeArg consumes the pending argument. Caller must hold d.mu.
func (d *Debouncer[A]) takeArg(now time.Time) A {
	arg := d.lastArg
	var zero A
	d.lastArg = zero
	d.hasArg = false
	d.lastInvokeTime = now
	return arg
}

// startTimer (re)arms the timer. Caller must hold d.mu.
func (d *Debouncer[A]) startTimer(after time.Duration) {
	d.stopTimer()
	d.generation++
	gen := d.generation
	d.timer = time.AfterFunc(after, func() {
		d.timerExpired(gen)
	})
}

// stopTimer disarms the timer. Caller must hold d.mu.
func (d *Debouncer[A]) stopTimer() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.generation++
}

func (d *Debouncer[A]) invoke(arg A, edge string) {
	invocationsTotal.WithLabelValues(d.opts.Name, edge).Inc()
	d.fn(arg)
}
