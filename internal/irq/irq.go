// Copyright 2021 Wavious LLC. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package irq implements the IrqRouter: a fixed table of (line -> handler)
// bindings with sticky-bit mask/clear bookkeeping, mirroring the
// request_irq/enable_irq/disable_irq contract the original firmware's
// fast-IRQ vector table offers. There being no real MCU vector table
// under this process, a Router is driven by whatever owns the simulated
// register model (tests, or a hardware-simulation harness) calling
// Dispatch with the line that fired.
package irq // import "github.com/waviousllc/wav-lpddr-sw-sub001/internal/irq"

import (
	"fmt"
	"sync"
)

// Line names one of the MCU's fixed fast-IRQ lines.
type Line int

// Handler is the minimum an ISR does per spec.md §4.2: it is expected to
// disable/mask its own line and clear its sticky bit before returning,
// then post exactly one event into the firmware task's mailbox. Router
// does not prescribe how a handler does that; it only dispatches.
type Handler func(line Line)

type binding struct {
	handler Handler
	enabled bool
	sticky  bool // sticky bit currently set
}

// Router is the fixed fast-IRQ dispatch table. It is safe for concurrent
// use: EnableIRQ/DisableIRQ/ClearSticky/Dispatch all take the same lock,
// matching the single-writer discipline spec.md §5 requires of CSR space.
// The lock covers only the Router's own enable/sticky bookkeeping and is
// released before a handler runs; what a handler touches is up to the
// handler (pllsub's and dfiupdate's handlers read and write CSRs).
type Router struct {
	mu    sync.Mutex
	lines map[Line]*binding
}

// New returns an empty Router.
func New() *Router {
	return &Router{lines: make(map[Line]*binding)}
}

// RequestIRQ registers handler for line, initially disabled. Registering
// twice on the same line replaces the previous handler.
func (r *Router) RequestIRQ(line Line, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines[line] = &binding{handler: handler}
}

// EnableIRQ enables dispatch on line.
func (r *Router) EnableIRQ(line Line) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.lines[line]
	if !ok {
		return fmt.Errorf("irq: line %d has no registered handler", line)
	}
	b.enabled = true
	return nil
}

// DisableIRQ disables dispatch on line without touching its handler.
func (r *Router) DisableIRQ(line Line) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.lines[line]
	if !ok {
		return fmt.Errorf("irq: line %d has no registered handler", line)
	}
	b.enabled = false
	return nil
}

// IsEnabled reports whether line is currently enabled.
func (r *Router) IsEnabled(line Line) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.lines[line]
	return ok && b.enabled
}

// SetSticky marks line's sticky bit set, as the simulated hardware does
// when the condition it tracks occurs.
func (r *Router) SetSticky(line Line) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.lines[line]; ok {
		b.sticky = true
	}
}

// ClearSticky clears line's sticky bit. Real ISRs call this as step (2)
// of their minimum contract.
func (r *Router) ClearSticky(line Line) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.lines[line]; ok {
		b.sticky = false
	}
}

// StickySet reports whether line's sticky bit is currently set.
func (r *Router) StickySet(line Line) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.lines[line]
	return ok && b.sticky
}

// Dispatch fires line's handler if the line is enabled and its sticky
// bit is set, synchronously on the calling goroutine (there is no
// separate interrupt context to yield from in this simulation). It is
// a no-op, not an error, if the line is disabled or has no pending
// sticky bit -- that matches real hardware, which simply would not have
// vectored to the ISR.
func (r *Router) Dispatch(line Line) {
	r.mu.Lock()
	b, ok := r.lines[line]
	if !ok || !b.enabled || !b.sticky {
		r.mu.Unlock()
		return
	}
	handler := b.handler
	r.mu.Unlock()
	handler(line)
}
