// Copyright 2021 Wavious LLC. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package freqsw

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/waviousllc/wav-lpddr-sw-sub001/internal/notify"
	"github.com/waviousllc/wav-lpddr-sw-sub001/internal/regbus"
	"github.com/waviousllc/wav-lpddr-sw-sub001/pllsub"
	"github.com/waviousllc/wav-lpddr-sw-sub001/wddrerr"
	"github.com/waviousllc/wav-lpddr-sw-sub001/wddrtypes"
)

type fakeRW struct{ mem map[int64]uint32 }

func newBus() *regbus.Bus {
	rw := &fakeRW{mem: make(map[int64]uint32)}
	return regbus.New(rw)
}

func (f *fakeRW) ReadAt(p []byte, off int64) (int, error) {
	v := f.mem[off]
	p[0], p[1], p[2], p[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
	return 4, nil
}

func (f *fakeRW) WriteAt(p []byte, off int64) (int, error) {
	f.mem[off] = uint32(p[0]) | uint32(p[1])<<8 | uint32(p[2])<<16 | uint32(p[3])<<24
	return 4, nil
}

type fakeProgrammer struct {
	programErr   error
	initComplete int
}

func (p *fakeProgrammer) ProgramMSR(wddrtypes.FreqID, wddrtypes.MSRBank) error { return p.programErr }
func (p *fakeProgrammer) InitComplete()                                       { p.initComplete++ }

func newTestFsm(t *testing.T, opts ...Option) (*Fsm, *pllsub.Subsystem, *fakeProgrammer, *notify.Endpoint) {
	t.Helper()
	pll := pllsub.New(newBus(), 0)
	pll.Boot()
	prog := &fakeProgrammer{}
	notif := notify.NewEndpoint()
	return New(pll, prog, notif, opts...), pll, prog, notif
}

func TestPrepRequiresIdle(t *testing.T) {
	f, _, _, _ := newTestFsm(t)
	f.state = PrepSwitch

	err := f.Prep(1, wddrtypes.MSR0, pllsub.Cal{}, pllsub.Cfg{})
	if !errors.Is(err, wddrerr.ErrFail) {
		t.Fatalf("Prep from non-idle state error = %v, want ErrFail", err)
	}
}

func TestFullSwitchSequence(t *testing.T) {
	f, pll, prog, notif := newTestFsm(t, WithWatchdog(time.Second))
	ch := notif.Subscribe()

	if err := f.Prep(1, wddrtypes.MSR0, pllsub.Cal{}, pllsub.Cfg{}); err != nil {
		t.Fatalf("Prep: %v", err)
	}
	if f.State() != WaitForSwitch {
		t.Fatalf("state after Prep = %v, want wait_for_switch", f.State())
	}
	expectNotify(t, ch, wddrtypes.NotifyFswPrepDone)

	if err := f.SwSwitch(); err != nil {
		t.Fatalf("SwSwitch: %v", err)
	}
	if f.State() != WaitForLock {
		t.Fatalf("state after SwSwitch = %v, want wait_for_lock", f.State())
	}
	if pll.Current() == nil || pll.Current().ID() == wddrtypes.VCOMCU {
		t.Fatalf("PLL current VCO not switched to a PHY VCO")
	}

	if err := f.PollLock(pllsub.StateNotLocked); err != nil {
		t.Fatalf("PollLock (not yet locked): %v", err)
	}
	if f.State() != WaitForLock {
		t.Fatalf("PollLock advanced state before PLL locked")
	}

	if err := f.PollLock(pllsub.StateLocked); err != nil {
		t.Fatalf("PollLock (locked): %v", err)
	}
	if f.State() != Idle {
		t.Fatalf("state after lock = %v, want idle", f.State())
	}
	if prog.initComplete != 1 {
		t.Fatalf("InitComplete called %d times, want 1", prog.initComplete)
	}
	expectNotify(t, ch, wddrtypes.NotifyFswDone)
}

func TestHWSwitchOnlyRejectsSwSwitch(t *testing.T) {
	f, _, _, _ := newTestFsm(t, WithWatchdog(time.Second))
	f.EnterHWSwitchOnly()

	if err := f.Prep(1, wddrtypes.MSR0, pllsub.Cal{}, pllsub.Cfg{}); err != nil {
		t.Fatalf("Prep: %v", err)
	}
	if err := f.SwSwitch(); !errors.Is(err, wddrerr.ErrFail) {
		t.Fatalf("SwSwitch under hw_switch_only error = %v, want ErrFail", err)
	}
	if err := f.InitStart(); err != nil {
		t.Fatalf("InitStart under hw_switch_only: %v", err)
	}
}

func TestWatchdogExpiryTransitionsToFail(t *testing.T) {
	f, _, _, notif := newTestFsm(t, WithWatchdog(5*time.Millisecond))
	ch := notif.Subscribe()

	if err := f.Prep(1, wddrtypes.MSR0, pllsub.Cal{}, pllsub.Cfg{}); err != nil {
		t.Fatalf("Prep: %v", err)
	}
	expectNotify(t, ch, wddrtypes.NotifyFswPrepDone)
	expectNotify(t, ch, wddrtypes.NotifyFswFailed)

	if f.State() != Fail {
		t.Fatalf("state after watchdog expiry = %v, want fail", f.State())
	}
}

func TestProgramMSRFailurePublishesFailedAndReturnsError(t *testing.T) {
	f, _, prog, notif := newTestFsm(t)
	prog.programErr = wddrerr.ErrFail
	ch := notif.Subscribe()

	err := f.Prep(1, wddrtypes.MSR0, pllsub.Cal{}, pllsub.Cfg{})
	if !errors.Is(err, wddrerr.ErrFail) {
		t.Fatalf("Prep error = %v, want ErrFail", err)
	}
	if f.State() != Fail {
		t.Fatalf("state = %v, want fail", f.State())
	}
	expectNotify(t, ch, wddrtypes.NotifyFswFailed)
}

type fakeInitStart struct {
	mu       sync.Mutex
	asserted bool
}

func (f *fakeInitStart) InitStartAsserted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.asserted
}

func (f *fakeInitStart) set(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asserted = v
}

func TestEnterHWSwitchOnlyWaitsForInitStartLow(t *testing.T) {
	init := &fakeInitStart{asserted: true}
	f, _, _, _ := newTestFsm(t, WithInitStartReader(init))

	done := make(chan struct{})
	go func() {
		f.EnterHWSwitchOnly()
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	select {
	case <-done:
		t.Fatalf("EnterHWSwitchOnly returned before INIT_START went low")
	default:
	}

	init.set(false)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("EnterHWSwitchOnly did not return after INIT_START went low")
	}
	if !f.HWSwitchOnly() {
		t.Fatalf("hw_switch_only not set after EnterHWSwitchOnly")
	}
}

func expectNotify(t *testing.T, ch <-chan notify.Notification, kind wddrtypes.NotifyKind) {
	t.Helper()
	select {
	case n := <-ch:
		if n.Kind != kind {
			t.Fatalf("notification kind = %v, want %v", n.Kind, kind)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for notification kind %v", kind)
	}
}
