// Copyright 2021 Wavious LLC. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pllsub

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/waviousllc/wav-lpddr-sw-sub001/internal/irq"
	"github.com/waviousllc/wav-lpddr-sw-sub001/internal/regbus"
	"github.com/waviousllc/wav-lpddr-sw-sub001/wddrerr"
	"github.com/waviousllc/wav-lpddr-sw-sub001/wddrtypes"
)

func newFakeBus() *regbus.Bus {
	return regbus.New(&fakeRW{mem: make(map[int64]uint32)})
}

type fakeRW struct {
	mem map[int64]uint32
}

func (f *fakeRW) ReadAt(p []byte, off int64) (int, error) {
	v := f.mem[off]
	p[0] = byte(v)
	p[1] = byte(v >> 8)
	p[2] = byte(v >> 16)
	p[3] = byte(v >> 24)
	return 4, nil
}

func (f *fakeRW) WriteAt(p []byte, off int64) (int, error) {
	v := uint32(p[0]) | uint32(p[1])<<8 | uint32(p[2])<<16 | uint32(p[3])<<24
	f.mem[off] = v
	return 4, nil
}

func TestBootIsIdempotent(t *testing.T) {
	s := New(newFakeBus(), 0)
	s.Boot()
	first := s.Current()
	s.Boot()
	if s.Current() != first {
		t.Fatalf("second Boot replaced Current")
	}
	if s.Current().ID() != wddrtypes.VCOMCU {
		t.Fatalf("Boot did not select the MCU VCO")
	}
}

func TestPrepareAndSwitchVCO(t *testing.T) {
	s := New(newFakeBus(), 0)
	s.Boot()

	if err := s.PrepareVCOSwitch(wddrtypes.FreqID(1), Cal{Band: 5, Fine: 6}, Cfg{PostDiv: 2}); err != nil {
		t.Fatalf("PrepareVCOSwitch: %v", err)
	}
	if s.Next() == nil {
		t.Fatalf("Next not set after PrepareVCOSwitch")
	}
	if s.Next().ID() == wddrtypes.VCOMCU {
		t.Fatalf("Next should be a PHY VCO, got MCU")
	}

	next := s.Next()
	if err := s.SwitchVCO(true); err != nil {
		t.Fatalf("SwitchVCO: %v", err)
	}
	if s.Current() != next {
		t.Fatalf("Current not updated to prepared Next")
	}
	if s.Previous().ID() != wddrtypes.VCOMCU {
		t.Fatalf("Previous should be the old MCU current")
	}
	if s.Next() != nil {
		t.Fatalf("Next should be cleared after switch")
	}
}

func TestSwitchVCOWithoutPrepareFails(t *testing.T) {
	s := New(newFakeBus(), 0)
	s.Boot()
	err := s.SwitchVCO(true)
	if !errors.Is(err, wddrerr.ErrNotPrepped) {
		t.Fatalf("SwitchVCO error = %v, want ErrNotPrepped", err)
	}
}

func TestDisableVCOSpecialCasesMCU(t *testing.T) {
	s := New(newFakeBus(), 0)
	s.Boot()
	_ = s.PrepareVCOSwitch(wddrtypes.FreqID(1), Cal{}, Cfg{})
	_ = s.SwitchVCO(true)

	mcu := s.Previous()
	s.DisableVCO()
	if s.Previous() != nil {
		t.Fatalf("DisableVCO did not clear Previous")
	}
	if mcu.bus.Read32(mcu.base+vcoRegFllEnable) != 1 {
		t.Fatalf("MCU VCO's FLL was not re-enabled on disable")
	}
}

func TestCalibrateVCOParallel(t *testing.T) {
	rw := &fakeRW{mem: make(map[int64]uint32)}
	bus := regbus.New(rw)
	s := New(bus, 0, WithFllPollInterval(time.Microsecond))
	s.Boot()

	// simulate both PHY VCOs locking after their FLL-enable write lands.
	go func() {
		for {
			aEn := rw.mem[s.VCO(wddrtypes.VCOPhyA).base+vcoRegFllEnable]
			bEn := rw.mem[s.VCO(wddrtypes.VCOPhyB).base+vcoRegFllEnable]
			if aEn == 1 {
				rw.mem[s.VCO(wddrtypes.VCOPhyA).base+vcoRegFllStatus] = 1
			}
			if bEn == 1 {
				rw.mem[s.VCO(wddrtypes.VCOPhyB).base+vcoRegFllStatus] = 1
			}
			if aEn == 1 && bEn == 1 {
				return
			}
			time.Sleep(time.Microsecond)
		}
	}()

	cfgs := map[wddrtypes.VCOID]Cfg{
		wddrtypes.VCOPhyA: {FllRefclkCount: 1, FllRange: 1, FllVCOCountTarget: 1},
		wddrtypes.VCOPhyB: {FllRefclkCount: 1, FllRange: 1, FllVCOCountTarget: 1},
	}
	cals := map[wddrtypes.VCOID]*Cal{
		wddrtypes.VCOPhyA: {},
		wddrtypes.VCOPhyB: {},
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.CalibrateVCO(ctx, cfgs, cals); err != nil {
		t.Fatalf("CalibrateVCO: %v", err)
	}
}

func TestCalibrateVCONoOpWhenOnPhyClock(t *testing.T) {
	s := New(newFakeBus(), 0)
	s.Boot()
	_ = s.PrepareVCOSwitch(wddrtypes.FreqID(1), Cal{}, Cfg{})
	_ = s.SwitchVCO(true)

	err := s.CalibrateVCO(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("CalibrateVCO should no-op while on phy clock, got %v", err)
	}
}

func TestFsmIRQPriorityOrder(t *testing.T) {
	bus := newFakeBus()
	irqs := irq.New()
	f := NewFsm(irqs, bus, 0)

	// core-locked and loss-of-lock both set: loss-of-lock wins.
	bus.Write32(pllRegStatusInt, (1<<fieldLossOfLock.Shift)|(1<<fieldCoreLocked.Shift))
	irqs.SetSticky(IRQPll)
	irqs.Dispatch(IRQPll)
	if f.State() != StateNotLocked {
		t.Fatalf("state = %v, want not-locked (loss-of-lock priority)", f.State())
	}

	bus.Write32(pllRegStatusInt, 1<<fieldInitialSwitchDone.Shift)
	irqs.SetSticky(IRQPll)
	irqs.Dispatch(IRQPll)
	if f.State() != StateInitLocked {
		t.Fatalf("state = %v, want init-locked", f.State())
	}

	bus.Write32(pllRegStatusInt, 1<<fieldCoreLocked.Shift)
	irqs.SetSticky(IRQPll)
	irqs.Dispatch(IRQPll)
	if f.State() != StateLocked {
		t.Fatalf("state = %v, want locked", f.State())
	}
}

func TestFsmInitLockGuardBlocksFromLocked(t *testing.T) {
	bus := newFakeBus()
	irqs := irq.New()
	f := NewFsm(irqs, bus, 0)
	f.transition(StateLocked)

	bus.Write32(pllRegStatusInt, 1<<fieldInitialSwitchDone.Shift)
	irqs.SetSticky(IRQPll)
	irqs.Dispatch(IRQPll)
	if f.State() != StateLocked {
		t.Fatalf("init-locked guard did not block transition from locked, state = %v", f.State())
	}
}

func TestFsmReset(t *testing.T) {
	bus := newFakeBus()
	irqs := irq.New()
	f := NewFsm(irqs, bus, 0)
	f.transition(StateLocked)
	f.Reset()
	if f.State() != StateNotLocked {
		t.Fatalf("Reset did not return to not-locked")
	}
}
