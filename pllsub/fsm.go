// Copyright 2021 Wavious LLC. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pllsub

import (
	"fmt"
	"sync"

	"github.com/waviousllc/wav-lpddr-sw-sub001/internal/irq"
	"github.com/waviousllc/wav-lpddr-sw-sub001/internal/regbus"
)

// State is one of PllFsm's three lock states, grounded on
// drivers/pll/fsm.c's PLL_STATE_NOT_LOCKED / INIT_LOCKED / LOCKED.
type State int

const (
	StateNotLocked State = iota
	StateInitLocked
	StateLocked
)

func (s State) String() string {
	switch s {
	case StateNotLocked:
		return "not-locked"
	case StateInitLocked:
		return "init-locked"
	case StateLocked:
		return "locked"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// IRQ line and status-register bit layout, grounded on
// DDR_MVP_PLL_CORE_STATUS_INT__ADR and its three event bits.
const IRQPll irq.Line = 0x10

const pllRegStatusInt = 0x0c

var (
	fieldLossOfLock       = regbus.Field{Shift: 0, Mask: 0x1}
	fieldCoreLocked       = regbus.Field{Shift: 1, Mask: 0x1}
	fieldInitialSwitchDone = regbus.Field{Shift: 2, Mask: 0x1}
)

// Fsm is a PllFsm: it tracks PLL lock state purely off the three
// interrupt bits the simulated hardware raises, in the fixed priority
// order the original ISR checks them in (loss-of-lock first, since it
// is the most urgent regression; then full lock; then the initial
// frequency-lock-loop lock). A guard on the not-locked->init-locked
// transition mirrors pll_init_lock_guard: that transition only fires
// from StateNotLocked, matching the PLL never "re-announcing" an
// initial lock it already reported.
type Fsm struct {
	mu    sync.Mutex
	state State

	irqs *irq.Router
	bus  *regbus.Bus
	base int64
}

// NewFsm constructs a Fsm bound to irqs and the PLL's status-interrupt
// register on bus, and requests+enables its IRQ line. Grounded on
// pll_fsm_init.
func NewFsm(irqs *irq.Router, bus *regbus.Bus, pllBase int64) *Fsm {
	f := &Fsm{state: StateNotLocked, irqs: irqs, bus: bus, base: pllBase}
	irqs.RequestIRQ(IRQPll, f.handleIRQ)
	_ = irqs.EnableIRQ(IRQPll)
	return f
}

// State returns the current lock state.
func (f *Fsm) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Reset forces the FSM back to StateNotLocked, as pll_fsm_reset_event
// does on a PLL reset.
func (f *Fsm) Reset() {
	f.mu.Lock()
	f.state = StateNotLocked
	f.mu.Unlock()
}

// handleIRQ reads and clears the PLL's status-interrupt register and
// advances state according to whichever event bit is set, in priority
// order. Grounded on pll_irq_handler.
func (f *Fsm) handleIRQ(irq.Line) {
	reg := f.bus.Read32(f.base + pllRegStatusInt)
	f.bus.Write32(f.base+pllRegStatusInt, reg) // write-1-to-clear

	switch {
	case regbus.GetField(reg, fieldLossOfLock) != 0:
		f.transition(StateNotLocked)
	case regbus.GetField(reg, fieldCoreLocked) != 0:
		f.transition(StateLocked)
	case regbus.GetField(reg, fieldInitialSwitchDone) != 0:
		f.transitionGuarded(StateInitLocked)
	}
}

func (f *Fsm) transition(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

// transitionGuarded applies the init-lock guard: only StateNotLocked
// may advance to StateInitLocked.
func (f *Fsm) transitionGuarded(s State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s == StateInitLocked && f.state != StateNotLocked {
		return
	}
	f.state = s
}
