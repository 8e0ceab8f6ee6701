// Copyright 2021 Wavious LLC. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dfiupdate implements the DfiUpdateFsm: the CTRLUPD/PHYUPD
// IOCAL recalibration handshake, multiplexed onto one state machine
// because both paths share the same IOCAL-update step. Grounded on
// include/fsm/dfi_update/fsm.h's state enum and
// drivers/dfi/dfi_intf.c's ctrlupd/phyupd register sequences.
package dfiupdate // import "github.com/waviousllc/wav-lpddr-sw-sub001/dfiupdate"

import (
	"fmt"
	"sync"

	"github.com/waviousllc/wav-lpddr-sw-sub001/internal/irq"
	"github.com/waviousllc/wav-lpddr-sw-sub001/internal/regbus"
	"github.com/waviousllc/wav-lpddr-sw-sub001/wddrerr"
)

// State is one of DfiUpdateFsm's seven states, grounded on
// dfi_update_state_t.
type State int

const (
	Idle State = iota
	Req
	CtrlupdWait
	PhyupdWait
	Cal
	Update
	UpdateExit
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Req:
		return "req"
	case CtrlupdWait:
		return "ctrlupd_wait"
	case PhyupdWait:
		return "phyupd_wait"
	case Cal:
		return "cal"
	case Update:
		return "update"
	case UpdateExit:
		return "update_exit"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// PhyupdType is a PHYUPD time-budget selector, grounded on
// dfi_phyupd_type_t.
type PhyupdType uint8

const (
	PhyupdType0 PhyupdType = iota
	PhyupdType1
	PhyupdType2
	PhyupdType3
)

const (
	regCtrlupdIfCfg = 0x00
	regCtrlupdIfSta = 0x04
	regPhyupdIfCfg  = 0x08
	regPhyupdIfSta  = 0x0c
)

var (
	fieldCtrlAckVal   = regbus.Field{Shift: 0, Mask: 0x1}
	fieldCtrlAckOvr   = regbus.Field{Shift: 1, Mask: 0x1}
	fieldCtrlEvt1Val  = regbus.Field{Shift: 2, Mask: 0x1}
	fieldCtrlEvt1Ovr  = regbus.Field{Shift: 3, Mask: 0x1}

	fieldPhyType    = regbus.Field{Shift: 0, Mask: 0x3}
	fieldPhyReqOvr  = regbus.Field{Shift: 2, Mask: 0x1}
	fieldPhyReqVal  = regbus.Field{Shift: 3, Mask: 0x1}
	fieldPhyEvtOvr  = regbus.Field{Shift: 4, Mask: 0x1}
	fieldPhyEvtVal  = regbus.Field{Shift: 5, Mask: 0x1}
	fieldPhyStaAck  = regbus.Field{Shift: 0, Mask: 0x1}
)

// IOCAL is the dependency-injected pair of IOCAL callbacks given at
// init, grounded on iocal_update_phy_fn_t / iocal_calibrate_fn_t.
type IOCAL struct {
	UpdatePhy func()
	Calibrate func()
}

const (
	// IRQCtrlupdReq fires when the MC asserts ctrlupd_req.
	IRQCtrlupdReq irq.Line = 0x40
	// IRQCtrlupdDeassert fires when the MC deasserts ctrlupd_req.
	IRQCtrlupdDeassert irq.Line = 0x41
	// IRQPhyupdAck fires when the MC acks a PHYUPD request.
	IRQPhyupdAck irq.Line = 0x42
)

// Fsm is a DfiUpdateFsm bound to one DFI CSR window.
type Fsm struct {
	mu    sync.Mutex
	state State

	bus   *regbus.Bus
	irqs  *irq.Router
	base  int64
	iocal IOCAL
}

// New constructs a Fsm in Idle, wired to iocal's callbacks and ready to
// react to the MC's ctrlupd_req assertion.
func New(bus *regbus.Bus, irqs *irq.Router, dfiBase int64, iocal IOCAL) *Fsm {
	f := &Fsm{state: Idle, bus: bus, irqs: irqs, base: dfiBase, iocal: iocal}
	irqs.RequestIRQ(IRQCtrlupdReq, f.handleCtrlupdReq)
	irqs.RequestIRQ(IRQCtrlupdDeassert, f.handleCtrlupdDeassert)
	irqs.RequestIRQ(IRQPhyupdAck, f.handlePhyupdAck)
	_ = irqs.EnableIRQ(IRQCtrlupdReq)
	return f
}

// State returns the current state.
func (f *Fsm) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// handleCtrlupdReq is the MC-initiated path: MC asserts ctrlupd_req,
// FSM enters Cal, runs IOCAL calibrate+update, then releases the ack
// and waits (CtrlupdWait) for the MC to drop its request.
func (f *Fsm) handleCtrlupdReq(irq.Line) {
	f.mu.Lock()
	if f.state != Idle {
		f.mu.Unlock()
		return
	}
	f.state = Cal
	f.mu.Unlock()

	f.iocal.Calibrate()
	f.iocal.UpdatePhy()

	reg := f.bus.Read32(f.base + regCtrlupdIfCfg)
	reg = regbus.SetField(reg, fieldCtrlAckVal, 1)
	f.bus.Write32(f.base+regCtrlupdIfCfg, reg)
	reg = regbus.SetField(reg, fieldCtrlAckOvr, 1)
	f.bus.Write32(f.base+regCtrlupdIfCfg, reg)

	f.mu.Lock()
	f.state = CtrlupdWait
	f.mu.Unlock()
	_ = f.irqs.EnableIRQ(IRQCtrlupdDeassert)
}

// handleCtrlupdDeassert fires once the MC drops ctrlupd_req, per
// dfi_ctrlupd_deassert_ack_reg_if's trailing busy-wait, reproduced here
// as an edge-triggered IRQ instead of a spin loop.
func (f *Fsm) handleCtrlupdDeassert(irq.Line) {
	f.irqs.DisableIRQ(IRQCtrlupdDeassert)

	reg := f.bus.Read32(f.base + regCtrlupdIfCfg)
	reg = regbus.SetField(reg, fieldCtrlEvt1Val, 0)
	f.bus.Write32(f.base+regCtrlupdIfCfg, reg)
	reg = regbus.SetField(reg, fieldCtrlEvt1Ovr, 0)
	f.bus.Write32(f.base+regCtrlupdIfCfg, reg)
	reg = regbus.SetField(reg, fieldCtrlAckOvr, 0)
	f.bus.Write32(f.base+regCtrlupdIfCfg, reg)

	f.mu.Lock()
	f.state = Idle
	f.mu.Unlock()
}

// RequestPhyUpdate is the PHY-initiated path: firmware asserts
// phyupd_req with the given time budget and waits for the MC's ack.
// Only valid from Idle.
func (f *Fsm) RequestPhyUpdate(t PhyupdType) error {
	f.mu.Lock()
	if f.state != Idle {
		f.mu.Unlock()
		return fmt.Errorf("dfiupdate: request phyupd: %w: not idle (state=%s)", wddrerr.ErrFail, f.state)
	}
	f.state = Req
	f.mu.Unlock()

	reg := f.bus.Read32(f.base + regPhyupdIfCfg)
	reg = regbus.SetField(reg, fieldPhyType, uint32(t))
	reg = regbus.SetField(reg, fieldPhyReqOvr, 1)
	f.bus.Write32(f.base+regPhyupdIfCfg, reg)
	reg = regbus.SetField(reg, fieldPhyReqVal, 1)
	f.bus.Write32(f.base+regPhyupdIfCfg, reg)

	f.mu.Lock()
	f.state = PhyupdWait
	f.mu.Unlock()
	_ = f.irqs.EnableIRQ(IRQPhyupdAck)
	return nil
}

// handlePhyupdAck fires once the MC acks the PHYUPD request: FSM enters
// Update, runs the IOCAL update, then deasserts and drops to Idle.
func (f *Fsm) handlePhyupdAck(irq.Line) {
	f.irqs.DisableIRQ(IRQPhyupdAck)

	f.mu.Lock()
	if f.state != PhyupdWait {
		f.mu.Unlock()
		return
	}
	f.state = Update
	f.mu.Unlock()

	f.iocal.UpdatePhy()

	reg := f.bus.Read32(f.base + regPhyupdIfCfg)
	reg = regbus.SetField(reg, fieldPhyReqVal, 0)
	f.bus.Write32(f.base+regPhyupdIfCfg, reg)
	reg = regbus.SetField(reg, fieldPhyEvtOvr, 1)
	f.bus.Write32(f.base+regPhyupdIfCfg, reg)
	reg = regbus.SetField(reg, fieldPhyEvtVal, 1)
	f.bus.Write32(f.base+regPhyupdIfCfg, reg)
	reg = regbus.SetField(reg, fieldPhyReqOvr, 0)
	f.bus.Write32(f.base+regPhyupdIfCfg, reg)
	reg = regbus.SetField(reg, fieldPhyEvtVal, 0)
	f.bus.Write32(f.base+regPhyupdIfCfg, reg)
	reg = regbus.SetField(reg, fieldPhyEvtOvr, 0)
	f.bus.Write32(f.base+regPhyupdIfCfg, reg)

	f.mu.Lock()
	f.state = UpdateExit
	f.mu.Unlock()

	for regbus.GetField(f.bus.Read32(f.base+regPhyupdIfSta), fieldPhyStaAck) != 0 {
	}

	f.mu.Lock()
	f.state = Idle
	f.mu.Unlock()
}
