// Copyright 2021 Wavious LLC. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dfimaster implements the DfiMasterFsm: the PHYMSTR handshake
// that lets the PHY request temporary ownership of DRAM from the memory
// controller, typically to run a training sequence over the
// DfiCommandBuffer. Grounded on fsm/dfi_master/fsm.c.
package dfimaster // import "github.com/waviousllc/wav-lpddr-sw-sub001/dfimaster"

import (
	"fmt"
	"sync"

	"github.com/waviousllc/wav-lpddr-sw-sub001/internal/irq"
	"github.com/waviousllc/wav-lpddr-sw-sub001/internal/regbus"
	"github.com/waviousllc/wav-lpddr-sw-sub001/wddrerr"
)

// State is one of DfiMasterFsm's five states.
type State int

const (
	Idle State = iota
	Req
	Wait
	Master
	Exit
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Req:
		return "req"
	case Wait:
		return "wait"
	case Master:
		return "master"
	case Exit:
		return "exit"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StateSel is the DRAM state the memory controller should leave DRAM in
// while the PHY holds the bus, grounded on DDR_DFI_PHYMSTR_IF_CFG_SW_STATE_SEL.
type StateSel uint8

const (
	StateSelIdle StateSel = iota
	StateSelRefresh
)

// Request is a PHYMSTR request: the time-budget type, the CS state the
// PHY should leave per-rank, and the state it wants DRAM parked in.
// Grounded on dfi_master_req_t.
type Request struct {
	Type     uint8
	StateSel StateSel
	CSState  uint8
}

const (
	regPhymstrIfCfg = 0x00
	regPhymstrIfSta = 0x04
)

var (
	fieldSWType     = regbus.Field{Shift: 0, Mask: 0x3}
	fieldSWCSState  = regbus.Field{Shift: 2, Mask: 0xff}
	fieldSWStateSel = regbus.Field{Shift: 10, Mask: 0x1}
	fieldSWReqOvr   = regbus.Field{Shift: 11, Mask: 0x1}
	fieldSWReqVal   = regbus.Field{Shift: 12, Mask: 0x1}
	fieldSWEventOvr = regbus.Field{Shift: 13, Mask: 0x1}
	fieldSWEventVal = regbus.Field{Shift: 14, Mask: 0x1}
	fieldStaAck     = regbus.Field{Shift: 0, Mask: 0x1}
)

// IRQPhymstrAck is the MC's PHYMSTR-ack interrupt line.
const IRQPhymstrAck irq.Line = 0x30

// Fsm is a DfiMasterFsm bound to one DFI CSR window.
type Fsm struct {
	mu    sync.Mutex
	state State

	bus  *regbus.Bus
	irqs *irq.Router
	base int64
}

// New constructs a Fsm in Idle and registers (but does not enable) the
// PHYMSTR-ack IRQ handler, matching dfi_master_fsm_init's
// "disable_irq(MCU_FAST_IRQ_PHYMSTR_ACK)" tail.
func New(bus *regbus.Bus, irqs *irq.Router, dfiBase int64) *Fsm {
	f := &Fsm{state: Idle, bus: bus, irqs: irqs, base: dfiBase}
	irqs.RequestIRQ(IRQPhymstrAck, f.handleAck)
	_ = irqs.DisableIRQ(IRQPhymstrAck)
	return f
}

// State returns the current state.
func (f *Fsm) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Request programs req onto the PHYMSTR interface and moves Idle -> Req
// -> Wait, arming the ACK IRQ. Only valid from Idle, matching
// dfi_master_event_request's guard.
func (f *Fsm) Request(req Request) error {
	f.mu.Lock()
	if f.state != Idle {
		f.mu.Unlock()
		return fmt.Errorf("dfimaster: request: %w: not idle (state=%s)", wddrerr.ErrFail, f.state)
	}
	f.state = Req
	f.mu.Unlock()

	reg := f.bus.Read32(f.base + regPhymstrIfCfg)
	reg = regbus.SetField(reg, fieldSWType, uint32(req.Type))
	reg = regbus.SetField(reg, fieldSWCSState, uint32(req.CSState))
	reg = regbus.SetField(reg, fieldSWStateSel, uint32(req.StateSel))
	reg = regbus.SetField(reg, fieldSWReqOvr, 1)
	f.bus.Write32(f.base+regPhymstrIfCfg, reg)
	reg = regbus.SetField(reg, fieldSWReqVal, 1)
	f.bus.Write32(f.base+regPhymstrIfCfg, reg)

	f.mu.Lock()
	f.state = Wait
	f.mu.Unlock()
	_ = f.irqs.EnableIRQ(IRQPhymstrAck)
	return nil
}

func (f *Fsm) handleAck(irq.Line) {
	f.irqs.DisableIRQ(IRQPhymstrAck)
	f.irqs.ClearSticky(IRQPhymstrAck)

	f.mu.Lock()
	if f.state == Wait {
		f.state = Master
	}
	f.mu.Unlock()
}

// ExitMaster deasserts the PHYMSTR request with an event-done pulse,
// busy-waits for the MC to drop its ACK, and returns to Idle. Only
// valid from Master, matching dfi_master_event_exit's guard.
func (f *Fsm) ExitMaster() error {
	f.mu.Lock()
	if f.state != Master {
		f.mu.Unlock()
		return fmt.Errorf("dfimaster: exit: %w: not master (state=%s)", wddrerr.ErrFail, f.state)
	}
	f.state = Exit
	f.mu.Unlock()

	reg := f.bus.Read32(f.base + regPhymstrIfCfg)
	reg = regbus.SetField(reg, fieldSWReqVal, 0)
	f.bus.Write32(f.base+regPhymstrIfCfg, reg)
	reg = regbus.SetField(reg, fieldSWEventOvr, 1)
	f.bus.Write32(f.base+regPhymstrIfCfg, reg)
	reg = regbus.SetField(reg, fieldSWEventVal, 1)
	f.bus.Write32(f.base+regPhymstrIfCfg, reg)
	reg = regbus.SetField(reg, fieldSWReqOvr, 0)
	reg = regbus.SetField(reg, fieldSWType, 0)
	reg = regbus.SetField(reg, fieldSWCSState, 0)
	reg = regbus.SetField(reg, fieldSWStateSel, 0)
	f.bus.Write32(f.base+regPhymstrIfCfg, reg)
	reg = regbus.SetField(reg, fieldSWEventVal, 0)
	f.bus.Write32(f.base+regPhymstrIfCfg, reg)
	reg = regbus.SetField(reg, fieldSWEventOvr, 0)
	f.bus.Write32(f.base+regPhymstrIfCfg, reg)

	for regbus.GetField(f.bus.Read32(f.base+regPhymstrIfSta), fieldStaAck) != 0 {
	}

	f.mu.Lock()
	f.state = Idle
	f.mu.Unlock()
	return nil
}
