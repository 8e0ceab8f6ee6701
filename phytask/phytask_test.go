// Copyright 2021 Wavious LLC. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package phytask

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/waviousllc/wav-lpddr-sw-sub001/conftable"
	"github.com/waviousllc/wav-lpddr-sw-sub001/dfimaster"
	"github.com/waviousllc/wav-lpddr-sw-sub001/dficmd"
	"github.com/waviousllc/wav-lpddr-sw-sub001/dfiupdate"
	"github.com/waviousllc/wav-lpddr-sw-sub001/freqsw"
	"github.com/waviousllc/wav-lpddr-sw-sub001/internal/irq"
	"github.com/waviousllc/wav-lpddr-sw-sub001/internal/notify"
	"github.com/waviousllc/wav-lpddr-sw-sub001/internal/regbus"
	"github.com/waviousllc/wav-lpddr-sw-sub001/pllsub"
	"github.com/waviousllc/wav-lpddr-sw-sub001/wddrtypes"
)

type fakeRW struct{ mem map[int64]uint32 }

func newBus() *regbus.Bus { return regbus.New(&fakeRW{mem: make(map[int64]uint32)}) }

func (f *fakeRW) ReadAt(p []byte, off int64) (int, error) {
	v := f.mem[off]
	p[0], p[1], p[2], p[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
	return 4, nil
}

func (f *fakeRW) WriteAt(p []byte, off int64) (int, error) {
	f.mem[off] = uint32(p[0]) | uint32(p[1])<<8 | uint32(p[2])<<16 | uint32(p[3])<<24
	return 4, nil
}

type msrProgrammer struct{ initComplete int }

func (p *msrProgrammer) ProgramMSR(wddrtypes.FreqID, wddrtypes.MSRBank) error { return nil }
func (p *msrProgrammer) InitComplete()                                       { p.initComplete++ }

// Register bases for the subsystems sharing one Bus in these tests;
// dficmd gets its own dedicated Bus, matching how it is wired on
// target (one CSR window per DFI channel, no shared base offset).
const (
	testPllBase       = 0x1000
	testDfiMasterBase = 0x2000
	testDfiUpdateBase = 0x3000
)

type testHarness struct {
	*Task
	irqs *irq.Router
	bus  *regbus.Bus
}

func newTestHarness(t *testing.T, watchdog time.Duration) (*testHarness, *conftable.Table) {
	t.Helper()

	bus := newBus()
	irqs := irq.New()
	pll := pllsub.New(bus, testPllBase)
	pllFsm := pllsub.NewFsm(irqs, bus, testPllBase)
	notif := notify.NewEndpoint()
	fsw := freqsw.New(pll, &msrProgrammer{}, notif, freqsw.WithWatchdog(watchdog))
	dfiMaster := dfimaster.New(bus, irqs, testDfiMasterBase)
	dfiUpdate := dfiupdate.New(bus, irqs, testDfiUpdateBase, dfiupdate.IOCAL{
		UpdatePhy: func() {},
		Calibrate: func() {},
	})
	dfiCmd := dficmd.New(newBus(), irqs)

	cfg := conftable.New()
	cfg.PerFreq = map[wddrtypes.FreqID]conftable.FreqEntry{
		0: freqEntry(1, 1, 2),
		1: freqEntry(2, 3, 4),
	}

	task := New(bus, irqs, pll, pllFsm, fsw, dfiMaster, dfiUpdate, dfiCmd, cfg, notif, 0)
	return &testHarness{Task: task, irqs: irqs, bus: bus}, cfg
}

func freqEntry(postDiv, band, fine uint32) conftable.FreqEntry {
	return conftable.FreqEntry{
		VCOCfg: map[wddrtypes.VCOID]pllsub.Cfg{
			wddrtypes.VCOPhyA: {PostDiv: postDiv},
			wddrtypes.VCOPhyB: {PostDiv: postDiv},
		},
		VCOCal: map[wddrtypes.VCOID]pllsub.Cal{
			wddrtypes.VCOPhyA: {Band: band, Fine: fine},
			wddrtypes.VCOPhyB: {Band: band, Fine: fine},
		},
		DRAMModeRegs: map[uint8]uint32{},
	}
}

// announceLock simulates the PLL raising its core-locked status bit and
// dispatching the fast-IRQ that reports it, the same sequence
// pllsub_test.go and boot_test.go use.
func (h *testHarness) announceLock() {
	h.bus.Write32(testPllBase+0x0c, 0x2)
	h.irqs.SetSticky(pllsub.IRQPll)
	h.irqs.Dispatch(pllsub.IRQPll)
}

func TestColdBootReachesIdleAndHWSwitchOnly(t *testing.T) {
	h, _ := newTestHarness(t, time.Second)

	runDone := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { runDone <- h.Run(ctx) }()

	startDone := make(chan error, 1)
	go func() { startDone <- h.Start(context.Background(), false, false) }()

	time.Sleep(2 * time.Millisecond)
	h.announceLock()

	select {
	case err := <-startDone:
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Start did not complete after simulated lock")
	}

	if h.FswState() != freqsw.Idle {
		t.Fatalf("fsw state = %v, want idle", h.FswState())
	}
	if h.CurrentVCO() == nil || h.CurrentVCO().ID() == wddrtypes.VCOMCU {
		t.Fatalf("PLL not switched off the MCU VCO after boot")
	}

	cancel()
	<-runDone
}

func TestPrepSwitchThroughInitStart(t *testing.T) {
	h, _ := newTestHarness(t, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	startDone := make(chan error, 1)
	go func() { startDone <- h.Start(context.Background(), false, false) }()
	time.Sleep(2 * time.Millisecond)
	h.announceLock()
	if err := <-startDone; err != nil {
		t.Fatalf("Start: %v", err)
	}

	prepDone := make(chan error, 1)
	go func() { prepDone <- h.PrepSwitch(context.Background(), 1) }()

	// Give the mailbox goroutine time to accept the prep and arm
	// WaitForSwitch, then simulate the MC asserting INIT_START. PllFsm is
	// still Locked from the boot announcement, so the poll loop resolves
	// WaitForLock to Idle on its own, no second announceLock needed.
	time.Sleep(2 * time.Millisecond)
	h.SetInitStart(true)

	select {
	case err := <-prepDone:
		if err != nil {
			t.Fatalf("PrepSwitch: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("PrepSwitch did not complete after INIT_START edge")
	}

	if h.FswState() != freqsw.Idle {
		t.Fatalf("fsw state after mc-driven switch = %v, want idle", h.FswState())
	}

	cancel()
}

func TestPrepSwitchFailsAfterWatchdogExpiryAndRecovers(t *testing.T) {
	h, _ := newTestHarness(t, 2*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	startDone := make(chan error, 1)
	go func() { startDone <- h.Start(context.Background(), false, false) }()
	time.Sleep(time.Millisecond)
	h.announceLock()
	if err := <-startDone; err != nil {
		t.Fatalf("Start: %v", err)
	}

	sub := h.Subscribe()

	// Withhold INIT_START: the fsw watchdog (2ms) expires well inside
	// PrepSwitch's 3x5ms retry budget, so the call eventually reports
	// failure instead of hanging.
	err := h.PrepSwitch(context.Background(), 1)
	if err == nil {
		t.Fatalf("expected error from PrepSwitch after withheld init_start, got nil")
	}

	var sawFailed bool
	for i := 0; i < 8; i++ {
		select {
		case n := <-sub:
			if n.Kind == wddrtypes.NotifyFswFailed {
				sawFailed = true
			}
		case <-time.After(50 * time.Millisecond):
		}
		if sawFailed {
			break
		}
	}
	if !sawFailed {
		t.Fatalf("did not observe FswFailed notification")
	}

	// Per spec, the FSM returns to idle on the next external prep rather
	// than staying latched in fail.
	time.Sleep(5 * time.Millisecond) // let the watchdog settle before reusing the fsm
	startDone2 := make(chan error, 1)
	go func() { startDone2 <- h.PrepSwitch(context.Background(), 0) }()
	time.Sleep(time.Millisecond)
	h.SetInitStart(true)

	select {
	case err := <-startDone2:
		if err != nil {
			t.Fatalf("PrepSwitch after recovery: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("PrepSwitch after recovery did not complete")
	}
	if h.FswState() != freqsw.Idle {
		t.Fatalf("fsw state after recovery = %v, want idle", h.FswState())
	}

	cancel()
}

func TestSwSwitchRejectedAfterHWSwitchOnly(t *testing.T) {
	h, _ := newTestHarness(t, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	startDone := make(chan error, 1)
	go func() { startDone <- h.Start(context.Background(), false, false) }()
	time.Sleep(time.Millisecond)
	h.announceLock()
	if err := <-startDone; err != nil {
		t.Fatalf("Start: %v", err)
	}

	// After boot, FreqSwitchFsm.SwSwitch is rejected: only INIT_START may
	// advance a prepped switch (the boot sequencer's own internal call
	// already exercised the sole software-switch allowance).
	if err := h.fsw.SwSwitch(); err == nil {
		t.Fatalf("expected SwSwitch to be rejected once hw_switch_only is set")
	}

	cancel()
}

// TestRequestMasterGatedByTraining exercises the trainingEnabled gate
// that OnStart/OnStop flip; the tdaq.Context plumbing OnStart/OnStop
// take is exercised by cmd/phy-boot wiring rather than duplicated here.
func TestRequestMasterGatedByTraining(t *testing.T) {
	h, _ := newTestHarness(t, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)
	defer cancel()

	if err := h.RequestMaster(dfimaster.Request{}); err == nil {
		t.Fatalf("expected RequestMaster to be gated before training starts")
	}

	atomic.StoreInt32(&h.trainingEnabled, 1)
	if err := h.RequestMaster(dfimaster.Request{}); err != nil {
		t.Fatalf("RequestMaster after training enabled: %v", err)
	}

	// handleAck transitions Wait -> Master unconditionally on dispatch, no
	// status register read involved (unlike pllsub's fast-IRQ handler).
	h.irqs.SetSticky(dfimaster.IRQPhymstrAck)
	h.irqs.Dispatch(dfimaster.IRQPhymstrAck)

	atomic.StoreInt32(&h.trainingEnabled, 0)
	if err := h.ExitMaster(); err != nil {
		t.Fatalf("ExitMaster: %v", err)
	}
	if err := h.RequestMaster(dfimaster.Request{}); err == nil {
		t.Fatalf("expected RequestMaster to be gated after training stops")
	}
}
